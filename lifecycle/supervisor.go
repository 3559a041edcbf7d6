// Package lifecycle supervises ASA server processes: the per-server state
// machine, startup script regeneration, detached spawn, graceful RCON
// shutdown, and exit detection.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/events"
	"github.com/arkops/asaman/layout"
	"github.com/arkops/asaman/logging"
	"github.com/arkops/asaman/rcon"
	"github.com/arkops/asaman/resolve"
	"github.com/arkops/asaman/store"
)

// RconClient is what the supervisor needs from the RCON pool.
type RconClient interface {
	Exec(ctx context.Context, target rcon.Target, command string) (string, error)
	CloseServer(server string)
}

// Options tune supervisor timing. Zero values get defaults.
type Options struct {
	// AppearGrace is how long a spawned process must stay up before the
	// server counts as running.
	AppearGrace time.Duration
	// ExitPoll is the interval at which running processes are checked.
	ExitPoll time.Duration
	// RconHost is where RCON connects; servers run on this host.
	RconHost string
}

func (o *Options) defaults() {
	if o.AppearGrace == 0 {
		o.AppearGrace = 5 * time.Second
	}
	if o.ExitPoll == 0 {
		o.ExitPoll = 2 * time.Second
	}
	if o.RconHost == "" {
		o.RconHost = "127.0.0.1"
	}
}

// Supervisor owns all server processes.
type Supervisor struct {
	store   *store.Store
	layout  *layout.Manager
	rcon    RconClient
	hub     *events.Hub
	spawner Spawner
	state   *stateManager
	opts    Options
	logger  *slog.Logger
}

// NewSupervisor wires the supervisor. It registers a transition listener
// that evicts RCON connections when a server leaves running and
// broadcasts every transition.
func NewSupervisor(st *store.Store, lm *layout.Manager, rc RconClient, hub *events.Hub, spawner Spawner, opts Options) *Supervisor {
	opts.defaults()
	s := &Supervisor{
		store:   st,
		layout:  lm,
		rcon:    rc,
		hub:     hub,
		spawner: spawner,
		state:   newStateManager(),
		opts:    opts,
		logger:  logging.Get("lifecycle"),
	}
	s.state.onTransition(func(name, from, to string) {
		if to == asaman.ServerStatusStopping || to == asaman.ServerStatusStopped || to == asaman.ServerStatusFailed {
			s.rcon.CloseServer(name)
		}
		s.hub.Publish(events.New(events.ChannelContainerEv, map[string]any{
			"server": name,
			"from":   from,
			"to":     to,
		}))
		s.logger.Info("server state changed", "server", name, "from", from, "to", to)
	})
	return s
}

// OnTransition registers an additional transition listener (used by the
// chat poller to follow running servers).
func (s *Supervisor) OnTransition(l TransitionListener) {
	s.state.onTransition(l)
}

// Start launches a server. The startup script is regenerated from the
// current effective config on every call; a stale script never runs.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	srv, err := s.lookup(name)
	if err != nil {
		return err
	}

	from, ok := s.state.transition(name, asaman.ServerStatusStarting,
		asaman.ServerStatusStopped, asaman.ServerStatusFailed)
	if !ok {
		return asaman.E(asaman.KindPreconditionFailed, "server %q is %s, start requires stopped or failed", name, from)
	}

	scriptPath, err := s.regenerateScript(srv)
	if err != nil {
		s.state.setError(name, err.Error())
		s.state.transition(name, asaman.ServerStatusFailed)
		return err
	}

	pid, err := s.spawner.Spawn(scriptPath, s.layout.ServerDir(srv.ClusterName, srv.Name))
	if err != nil {
		s.state.setError(name, err.Error())
		s.state.transition(name, asaman.ServerStatusFailed)
		return err
	}

	// The process must survive its first moments; an immediate exit means
	// a broken install or a port already in use.
	deadline := time.Now().Add(s.opts.AppearGrace)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			break
		}
		if !s.spawner.Alive(pid) {
			code, _ := s.spawner.ExitCode(pid)
			msg := fmt.Sprintf("process exited with code %d during startup", code)
			s.state.setError(name, msg)
			s.state.transition(name, asaman.ServerStatusFailed)
			s.persistRuntime(srv, asaman.ServerStatusFailed, nil)
			return asaman.E(asaman.KindProcessFailed, "server %q: %s", name, msg)
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.state.setRunning(name, pid)
	s.persistRuntime(srv, asaman.ServerStatusRunning, &pid)
	go s.watchExit(srv, pid)
	return nil
}

// Stop shuts a server down. Stopping a server that is not running is not
// an error and changes nothing.
func (s *Supervisor) Stop(ctx context.Context, name string, graceful bool, graceSeconds int) error {
	st := s.state.get(name)
	if st.Status != asaman.ServerStatusRunning && st.Status != asaman.ServerStatusStarting {
		return nil
	}
	pid := 0
	if st.PID != nil {
		pid = *st.PID
	}

	if _, ok := s.state.transition(name, asaman.ServerStatusStopping,
		asaman.ServerStatusRunning, asaman.ServerStatusStarting); !ok {
		return nil
	}

	if graceSeconds <= 0 {
		graceSeconds = 30
	}

	if graceful && pid != 0 {
		if err := s.gracefulShutdown(ctx, name, pid, graceSeconds); err != nil {
			s.logger.Warn("graceful shutdown failed, killing", "server", name, "error", err)
		}
	}

	if pid != 0 && s.spawner.Alive(pid) {
		if err := s.spawner.Kill(pid); err != nil {
			s.logger.Error("could not kill server process", "server", name, "pid", pid, "error", err)
		}
		// Give the OS a moment to reap.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && s.spawner.Alive(pid) {
			time.Sleep(100 * time.Millisecond)
		}
	}

	s.state.transition(name, asaman.ServerStatusStopped, asaman.ServerStatusStopping)
	if srv, err := s.lookup(name); err == nil {
		s.persistRuntime(srv, asaman.ServerStatusStopped, nil)
	}
	return nil
}

// gracefulShutdown asks the server to save and exit over RCON, then waits
// for the process to leave.
func (s *Supervisor) gracefulShutdown(ctx context.Context, name string, pid, graceSeconds int) error {
	srv, err := s.lookup(name)
	if err != nil {
		return err
	}
	target := rcon.Target{Server: name, Host: s.opts.RconHost, Port: srv.RCONPort, Password: srv.RCONPassword}

	if _, err := s.rcon.Exec(ctx, target, "SaveWorld"); err != nil {
		return err
	}
	if _, err := s.rcon.Exec(ctx, target, "DoExit"); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(graceSeconds) * time.Second)
	for time.Now().Before(deadline) {
		if !s.spawner.Alive(pid) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(250 * time.Millisecond)
	}
	return asaman.E(asaman.KindProcessFailed, "server %q still running after %ds grace", name, graceSeconds)
}

// Restart is stop followed by start.
func (s *Supervisor) Restart(ctx context.Context, name string, graceful bool, graceSeconds int) error {
	if err := s.Stop(ctx, name, graceful, graceSeconds); err != nil {
		return err
	}
	return s.Start(ctx, name)
}

// Status returns one server's runtime state.
func (s *Supervisor) Status(name string) State {
	return s.state.get(name)
}

// watchExit observes a running process and records its departure.
func (s *Supervisor) watchExit(srv *asaman.Server, pid int) {
	ticker := time.NewTicker(s.opts.ExitPoll)
	defer ticker.Stop()
	for range ticker.C {
		st := s.state.get(srv.Name)
		if st.PID == nil || *st.PID != pid {
			return // superseded by a newer start
		}
		if s.spawner.Alive(pid) {
			continue
		}

		code, _ := s.spawner.ExitCode(pid)
		switch st.Status {
		case asaman.ServerStatusStopping:
			to := asaman.ServerStatusStopped
			if code != 0 {
				to = asaman.ServerStatusFailed
				s.state.setError(srv.Name, fmt.Sprintf("exited with code %d during stop", code))
			}
			s.state.transition(srv.Name, to, asaman.ServerStatusStopping)
			s.persistRuntime(srv, to, nil)
		case asaman.ServerStatusRunning:
			s.state.setError(srv.Name, fmt.Sprintf("process exited unexpectedly with code %d", code))
			s.state.transition(srv.Name, asaman.ServerStatusFailed, asaman.ServerStatusRunning)
			s.persistRuntime(srv, asaman.ServerStatusFailed, nil)
			s.logger.Error("server exited unexpectedly", "server", srv.Name, "pid", pid, "exit_code", code)
		}
		return
	}
}

// regenerateScript recomputes mods and rewrites start.bat.
func (s *Supervisor) regenerateScript(srv *asaman.Server) (string, error) {
	var clusterSettings *asaman.ClusterSettings
	var cluster *asaman.Cluster
	if srv.ClusterName != "" {
		c, err := s.layout.ReadClusterFile(srv.ClusterName)
		if err == nil {
			cluster = c
			clusterSettings = &c.ClusterSettings
		} else if !asaman.IsKind(err, asaman.KindNotFound) {
			return "", err
		}
	}

	sharedMods, err := s.store.ListSharedMods()
	if err != nil {
		return "", err
	}
	serverMods, err := s.store.ListServerMods(srv.Name)
	if err != nil {
		return "", err
	}
	settings, err := s.store.GetServerSettings(srv.Name)
	if err != nil {
		return "", err
	}
	mods := resolve.Mods(cluster, srv.Name, sharedMods, serverMods, settings)

	return s.layout.WriteStartScript(layout.ScriptInput{
		Server:  srv,
		Cluster: clusterSettings,
		Mods:    mods,
	})
}

// lookup finds a server config: the database is authoritative, disk is
// the cold-start fallback for clusters imported from older deployments.
func (s *Supervisor) lookup(name string) (*asaman.Server, error) {
	srv, err := s.store.GetServerConfig(name)
	if err == nil {
		return srv, nil
	}
	if !asaman.IsKind(err, asaman.KindNotFound) {
		return nil, err
	}

	clusters, derr := s.layout.DiscoverClusters()
	if derr != nil {
		return nil, derr
	}
	for _, c := range clusters {
		if found := c.FindServer(name); found != nil {
			if found.ClusterName == "" {
				found.ClusterName = c.Name
			}
			return found, nil
		}
	}
	if srv, derr := s.layout.ReadServerConfig("", name); derr == nil {
		return srv, nil
	}
	return nil, asaman.E(asaman.KindNotFound, "server %q not found in database or on disk", name)
}

// ServerView is one row of List: config plus runtime state.
type ServerView struct {
	Server *asaman.Server
	State  State
}

// List unions database configs with on-disk cluster configs. When both
// know a server, the database wins and a warning is logged.
func (s *Supervisor) List() ([]ServerView, error) {
	byName := make(map[string]*asaman.Server)
	var order []string

	clusters, err := s.layout.DiscoverClusters()
	if err != nil {
		return nil, err
	}
	for _, c := range clusters {
		for _, srv := range c.Servers {
			if srv.ClusterName == "" {
				srv.ClusterName = c.Name
			}
			if _, ok := byName[srv.Name]; !ok {
				order = append(order, srv.Name)
			}
			byName[srv.Name] = srv
		}
	}

	stored, err := s.store.ListServerConfigs()
	if err != nil {
		return nil, err
	}
	for _, srv := range stored {
		if _, onDisk := byName[srv.Name]; onDisk {
			s.logger.Warn("server exists in both database and disk, database wins", "server", srv.Name)
		} else {
			order = append(order, srv.Name)
		}
		byName[srv.Name] = srv
	}

	views := make([]ServerView, 0, len(order))
	for _, name := range order {
		views = append(views, ServerView{Server: byName[name], State: s.state.get(name)})
	}
	return views, nil
}

// persistRuntime mirrors runtime state onto the stored config so list
// endpoints see status across restarts. Best effort.
func (s *Supervisor) persistRuntime(srv *asaman.Server, status string, pid *int) {
	stored, err := s.store.GetServerConfig(srv.Name)
	if err != nil {
		if asaman.IsKind(err, asaman.KindNotFound) {
			return // disk-only server, nothing to update
		}
		s.logger.Warn("could not read config for runtime update", "server", srv.Name, "error", err)
		return
	}
	stored.Status = status
	stored.PID = pid
	if status == asaman.ServerStatusRunning {
		now := time.Now().UTC()
		stored.LastStarted = &now
	}
	if err := s.store.UpsertServerConfig(stored); err != nil {
		s.logger.Warn("could not persist runtime state", "server", srv.Name, "error", err)
	}
}

// Shutdown stops every running server, gracefully when possible.
func (s *Supervisor) Shutdown(ctx context.Context, graceSeconds int) {
	for _, st := range s.state.list() {
		if st.Status == asaman.ServerStatusRunning || st.Status == asaman.ServerStatusStarting {
			if err := s.Stop(ctx, st.Name, true, graceSeconds); err != nil {
				s.logger.Warn("server did not stop during shutdown", "server", st.Name, "error", err)
			}
		}
	}
}
