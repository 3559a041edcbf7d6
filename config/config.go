// Package config loads asaman's runtime configuration from environment
// variables. Every knob has a default so a bare `asaman serve` works on a
// fresh machine.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved runtime configuration.
type Config struct {
	// HTTP boundary
	Host          string
	Port          int
	CORSOrigins   []string
	RateLimitMax  int           // requests per window per client
	RateLimitWind time.Duration // rate limit window

	// Auth
	JWTSecret   string
	AuthEnabled bool

	// Server management
	ServerMode     string // "native" is the only supported mode
	BasePath       string // root of the on-disk layout
	SteamCmdPath   string // override for an existing steamcmd install
	AutoInstallCmd bool   // install SteamCMD at startup if missing

	// RCON
	RconDefaultPort int
	RconTimeout     time.Duration

	// Jobs
	JobWorkers  int
	JobTTL      time.Duration
	ChatPoll    time.Duration
	StopGrace   time.Duration
	BackupsKeep int

	// Logging
	LogLevel   slog.Level
	LogJSON    bool
	EnableOTLP bool
}

// Load reads the environment and returns the resolved configuration.
// Invalid numeric values are an error rather than a silent fallback.
func Load() (*Config, error) {
	cfg := &Config{
		Host:         getEnv("HOST", "0.0.0.0"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		ServerMode:   getEnv("SERVER_MODE", "native"),
		BasePath:     getEnv("NATIVE_BASE_PATH", defaultBasePath()),
		SteamCmdPath: getEnv("STEAMCMD_PATH", ""),
		LogJSON:      getEnv("LOG_FORMAT", "json") == "json",
		EnableOTLP:   getEnv("ENABLE_OTLP", "false") == "true",
	}

	var err error
	if cfg.Port, err = getEnvInt("PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.RconDefaultPort, err = getEnvInt("RCON_DEFAULT_PORT", 27020); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = getEnvInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.JobWorkers, err = getEnvInt("JOB_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.BackupsKeep, err = getEnvInt("BACKUPS_KEEP", 10); err != nil {
		return nil, err
	}

	cfg.ChatPoll = 2 * time.Second

	if cfg.RateLimitWind, err = getEnvDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RconTimeout, err = getEnvDuration("RCON_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.JobTTL, err = getEnvDuration("JOB_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.StopGrace, err = getEnvDuration("STOP_GRACE", 30*time.Second); err != nil {
		return nil, err
	}

	cfg.AutoInstallCmd = getEnv("AUTO_INSTALL_STEAMCMD", "true") == "true"
	cfg.AuthEnabled = cfg.JWTSecret != ""

	if origins := getEnv("CORS_ORIGIN", "*"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			cfg.CORSOrigins = append(cfg.CORSOrigins, strings.TrimSpace(o))
		}
	}

	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	if cfg.ServerMode != "native" {
		return nil, fmt.Errorf("SERVER_MODE %q not supported, only \"native\"", cfg.ServerMode)
	}
	if cfg.JobWorkers < 1 {
		return nil, fmt.Errorf("JOB_WORKERS must be >= 1, got %d", cfg.JobWorkers)
	}

	return cfg, nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultBasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "asa-servers"
	}
	return filepath.Join(home, "asa-servers")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like \"30s\", got %q", key, v)
	}
	return d, nil
}
