// asaman is the control plane for a fleet of ARK: Survival Ascended
// dedicated servers: provisioning, lifecycle, RCON, and a dashboard API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/api"
	"github.com/arkops/asaman/arklog"
	"github.com/arkops/asaman/backup"
	"github.com/arkops/asaman/chat"
	"github.com/arkops/asaman/config"
	"github.com/arkops/asaman/events"
	"github.com/arkops/asaman/jobs"
	"github.com/arkops/asaman/layout"
	"github.com/arkops/asaman/lifecycle"
	"github.com/arkops/asaman/logging"
	"github.com/arkops/asaman/provision"
	"github.com/arkops/asaman/rcon"
	"github.com/arkops/asaman/steamcmd"
	"github.com/arkops/asaman/store"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "asaman",
		Short:         "ARK: Survival Ascended server control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.AddCommand(serveCmd(), versionCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("asaman", version)
		},
	}
}

func tokenCmd() *cobra.Command {
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			auth := api.NewAuthenticator(cfg.JWTSecret)
			token, err := auth.IssueToken(args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", api.RoleViewer, "token role: viewer, operator, or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Configure(logging.Config{
		ServiceName: "asaman",
		Version:     version,
		Level:       cfg.LogLevel,
		JSONFormat:  cfg.LogJSON,
		EnableOTLP:  cfg.EnableOTLP,
	})
	logger := logging.Get("main")
	logger.Info("starting", "version", version, "base_path", cfg.BasePath, "addr", cfg.Addr())

	lm, err := layout.NewManager(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("create base directory: %w", err)
	}
	st, err := store.Open(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer st.Close()

	hub := events.NewHub()
	detachSystemLog := events.AttachSystemLog(hub, slog.LevelWarn)
	defer detachSystemLog()

	pool := rcon.NewPool(cfg.RconTimeout)
	defer pool.Close()

	sup := lifecycle.NewSupervisor(st, lm, pool, hub, lifecycle.NewOSSpawner(), lifecycle.Options{})

	poller := chat.NewPoller(pool, hub, cfg.ChatPoll, "")
	defer poller.Close()
	sup.OnTransition(func(name, from, to string) {
		switch {
		case to == asaman.ServerStatusRunning:
			if srv := lookupServer(st, lm, name); srv != nil {
				poller.Follow(srv)
			} else {
				logger.Warn("cannot follow chat for unknown server", "server", name)
			}
		case from == asaman.ServerStatusRunning:
			poller.Unfollow(name)
		}
	})

	var extraSearch []string
	if cfg.SteamCmdPath != "" {
		extraSearch = append(extraSearch, cfg.SteamCmdPath)
	}
	driver := steamcmd.NewDriver(lm.SteamCmdDir(), extraSearch, nil)

	lock := jobs.NewUpdateLock(lm.LockSentinel())
	engine := jobs.NewEngine(st, hub, lock, cfg.JobWorkers)
	defer engine.Shutdown()
	go engine.PurgeLoop(time.Hour, cfg.JobTTL)

	archiver := backup.NewArchiver(lm.BackupsDir(), cfg.BackupsKeep)
	prov := provision.NewEngine(st, lm, driver, sup, archiver, lock)
	prov.RegisterHandlers(engine)
	lifecycle.RegisterJobHandlers(engine, sup)

	tailer := arklog.NewTailer(logPathResolver(st, lm), hub)
	defer tailer.Close()

	if cfg.AutoInstallCmd {
		if _, err := engine.Submit(asaman.JobTypeInstallSteamCmd, nil); err != nil {
			logger.Warn("auto install-steamcmd submit failed", "error", err)
		}
	}

	boundary := api.New(api.Options{
		Store:           st,
		Layout:          lm,
		Supervisor:      sup,
		Rcon:            pool,
		Jobs:            engine,
		Hub:             hub,
		Tailer:          tailer,
		Archiver:        archiver,
		JWTSecret:       cfg.JWTSecret,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWind,
		RconDefaultPort: cfg.RconDefaultPort,
		StopGrace:       cfg.StopGrace,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           boundary.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr(), "auth", cfg.AuthEnabled)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	sup.Shutdown(shutdownCtx, int(cfg.StopGrace.Seconds()))
	if err := logging.Shutdown(shutdownCtx); err != nil {
		logger.Warn("log flush incomplete", "error", err)
	}
	return nil
}

// lookupServer resolves a server config the way the rest of the control
// plane does: the store first, then on-disk cluster and individual-server
// documents.
func lookupServer(st *store.Store, lm *layout.Manager, name string) *asaman.Server {
	if srv, err := st.GetServerConfig(name); err == nil {
		return srv
	}
	if clusters, err := lm.DiscoverClusters(); err == nil {
		for _, c := range clusters {
			if srv := c.FindServer(name); srv != nil {
				return srv
			}
		}
	}
	if srv, err := lm.ReadServerConfig("", name); err == nil {
		return srv
	}
	return nil
}

// logPathResolver maps a server and file name to its log path.
func logPathResolver(st *store.Store, lm *layout.Manager) arklog.PathResolver {
	return func(serverName, fileName string) (string, error) {
		clusterName := ""
		if srv := lookupServer(st, lm, serverName); srv != nil {
			clusterName = srv.ClusterName
		}
		return filepath.Join(lm.LogsDir(clusterName, serverName), fileName), nil
	}
}
