// Package api is the HTTP and WebSocket boundary consumed by the
// dashboard. It translates classified errors into the JSON envelope and
// submits long operations as jobs.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/backup"
	"github.com/arkops/asaman/events"
	"github.com/arkops/asaman/jobs"
	"github.com/arkops/asaman/layout"
	"github.com/arkops/asaman/lifecycle"
	"github.com/arkops/asaman/logging"
	"github.com/arkops/asaman/rcon"
	"github.com/arkops/asaman/store"
)

// Supervisor is the slice of the process supervisor the boundary uses.
type Supervisor interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, graceful bool, graceSeconds int) error
	Restart(ctx context.Context, name string, graceful bool, graceSeconds int) error
	Status(name string) lifecycle.State
	List() ([]lifecycle.ServerView, error)
}

// RconExecutor is the slice of the RCON pool the boundary uses.
type RconExecutor interface {
	Exec(ctx context.Context, target rcon.Target, command string) (string, error)
}

// LogTailer starts and stops log streaming for WebSocket subscribers.
type LogTailer interface {
	Start(serverName, fileName string) error
	Stop(serverName, fileName string)
}

// Options collects the boundary's collaborators.
type Options struct {
	Store      *store.Store
	Layout     *layout.Manager
	Supervisor Supervisor
	Rcon       RconExecutor
	Jobs       *jobs.Engine
	Hub        *events.Hub
	Tailer     LogTailer
	Archiver   *backup.Archiver

	JWTSecret       string
	CORSOrigins     []string
	RateLimitMax    int
	RateLimitWindow time.Duration
	RconHost        string
	RconDefaultPort int
	StopGrace       time.Duration
}

// Server carries the handler state.
type Server struct {
	store    *store.Store
	layout   *layout.Manager
	sup      Supervisor
	rcon     RconExecutor
	jobs     *jobs.Engine
	hub      *events.Hub
	tailer   LogTailer
	archiver *backup.Archiver

	auth      *Authenticator
	limiter   *rateLimiter
	cors      []string
	rconHost  string
	rconPort  int
	stopGrace time.Duration
	validate  *validator.Validate
	logger    *slog.Logger

	lockMu      sync.Mutex
	manualGrant *jobs.Grant
}

// New creates the boundary server.
func New(opts Options) *Server {
	if opts.RconHost == "" {
		opts.RconHost = "127.0.0.1"
	}
	if opts.RconDefaultPort == 0 {
		opts.RconDefaultPort = 27020
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}
	return &Server{
		store:     opts.Store,
		layout:    opts.Layout,
		sup:       opts.Supervisor,
		rcon:      opts.Rcon,
		jobs:      opts.Jobs,
		hub:       opts.Hub,
		tailer:    opts.Tailer,
		archiver:  opts.Archiver,
		auth:      NewAuthenticator(opts.JWTSecret),
		limiter:   newRateLimiter(opts.RateLimitMax, opts.RateLimitWindow),
		cors:      opts.CORSOrigins,
		rconHost:  opts.RconHost,
		rconPort:  opts.RconDefaultPort,
		stopGrace: opts.StopGrace,
		validate:  validator.New(),
		logger:    logging.Get("api"),
	}
}

// Router builds the chi router with the full endpoint set.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Use(s.auth.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleViewer))
			r.Get("/native-servers", s.handleListServers)
			r.Get("/native-servers/{name}/start-bat", s.handleStartBat)
			r.Get("/provisioning/clusters", s.handleListClusters)
			r.Get("/provisioning/shared-mods", s.handleListSharedMods)
			r.Get("/configs/{server}", s.handleGetConfig)
			r.Get("/lock-status", s.handleLockStatus)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/backups", s.handleListBackups)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleOperator))
			r.Post("/native-servers/{name}/start", s.handleStart)
			r.Post("/native-servers/{name}/stop", s.handleStop)
			r.Post("/native-servers/{name}/restart", s.handleRestart)
			r.Post("/native-servers/{name}/backup", s.handleBackup)
			r.Post("/rcon/{server}", s.handleRcon)
			r.Put("/configs/{server}", s.handlePutConfig)
			r.Post("/lock-status", s.handleAcquireLock)
			r.Delete("/lock-status", s.handleReleaseLock)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))
			r.Post("/provisioning/clusters", s.handleCreateCluster)
			r.Delete("/provisioning/clusters/{clusterName}", s.handleDeleteCluster)
			r.Put("/provisioning/clusters/{clusterName}/mods", s.handlePutClusterMods)
			r.Put("/provisioning/clusters/{clusterName}/servers/{serverName}/mods", s.handlePutServerMods)
			r.Post("/provisioning/install-steamcmd", s.handleInstallSteamCmd)
			r.Post("/provisioning/install-asa-binaries", s.handleInstallBinaries)
			r.Post("/provisioning/shared-mods", s.handleUpsertSharedMod)
			r.Delete("/provisioning/shared-mods/{modId}", s.handleDeleteSharedMod)
		})
	})

	r.Get("/ws", s.handleWebSocket)
	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.cors) == 0 {
		return []string{"*"}
	}
	return s.cors
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody decodes and validates a JSON request body.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return asaman.WrapErr(asaman.KindValidationFailed, err, "decode request body")
	}
	if err := s.validate.Struct(dst); err != nil {
		return asaman.WrapErr(asaman.KindValidationFailed, err, "invalid request body")
	}
	return nil
}

// submitJob submits and replies with the job id.
func (s *Server) submitJob(w http.ResponseWriter, jobType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeError(w, asaman.WrapErr(asaman.KindInternal, err, "encode job payload"))
		return
	}
	job, err := s.jobs.Submit(jobType, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}
