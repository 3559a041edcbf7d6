// Package chat polls running servers for in-game chat over RCON and
// broadcasts each line to subscribers.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/events"
	"github.com/arkops/asaman/logging"
	"github.com/arkops/asaman/rcon"
)

// emptyLogEvery suppresses the empty-response debug line to one in N,
// so idle servers do not flood the logs at a 2-second cadence.
const emptyLogEvery = 200

// RconExecutor is the slice of the RCON pool the poller uses.
type RconExecutor interface {
	Exec(ctx context.Context, target rcon.Target, command string) (string, error)
}

// Poller runs one polling task per running server.
type Poller struct {
	rcon     RconExecutor
	hub      *events.Hub
	interval time.Duration
	host     string
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewPoller creates a poller; interval 0 means the 2-second default.
func NewPoller(rc RconExecutor, hub *events.Hub, interval time.Duration, host string) *Poller {
	if interval == 0 {
		interval = 2 * time.Second
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &Poller{
		rcon:     rc,
		hub:      hub,
		interval: interval,
		host:     host,
		logger:   logging.Get("chat"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Follow starts polling a server. A second Follow for the same server
// replaces the first.
func (p *Poller) Follow(srv *asaman.Server) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if prev, ok := p.cancels[srv.Name]; ok {
		prev()
	}
	p.cancels[srv.Name] = cancel
	p.mu.Unlock()

	target := rcon.Target{Server: srv.Name, Host: p.host, Port: srv.RCONPort, Password: srv.RCONPassword}
	go p.loop(ctx, srv.Name, target)
	p.logger.Debug("chat polling started", "server", srv.Name)
}

// Unfollow stops polling a server. The in-flight tick aborts before
// issuing RCON.
func (p *Poller) Unfollow(serverName string) {
	p.mu.Lock()
	cancel, ok := p.cancels[serverName]
	delete(p.cancels, serverName)
	p.mu.Unlock()
	if ok {
		cancel()
		p.logger.Debug("chat polling stopped", "server", serverName)
	}
}

// Close stops every polling task.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, cancel := range p.cancels {
		cancel()
		delete(p.cancels, name)
	}
}

func (p *Poller) loop(ctx context.Context, serverName string, target rcon.Target) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var empties int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}

		resp, err := p.rcon.Exec(ctx, target, "getchat")
		if err != nil {
			// Transient errors are normal during server startup/shutdown;
			// the pool reconnects on the next tick.
			p.logger.Debug("getchat failed", "server", serverName, "error", err)
			continue
		}

		lines := splitChat(resp)
		if len(lines) == 0 {
			empties++
			if empties%emptyLogEvery == 0 {
				p.logger.Debug("chat still quiet", "server", serverName, "empty_polls", empties)
			}
			continue
		}
		empties = 0
		for _, line := range lines {
			p.hub.Publish(events.New(events.ChannelArkChat, map[string]any{
				"server": serverName,
				"line":   line,
			}))
		}
	}
}

// splitChat splits a getchat response into chat lines, dropping the
// whitespace and sentinel responses an idle server returns.
func splitChat(resp string) []string {
	var out []string
	for _, raw := range strings.Split(resp, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || line == "Server received, But no response!!" {
			continue
		}
		out = append(out, line)
	}
	return out
}
