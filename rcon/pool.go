package rcon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/logging"
)

// Target is how callers identify a server to the pool.
type Target struct {
	Server   string // server name, the pool key
	Host     string // usually 127.0.0.1
	Port     int
	Password string
}

// Pool holds at most one live connection per server. Connections are
// created on first use and reused until evicted.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*conn
	timeout time.Duration
	logger  *slog.Logger
}

// NewPool creates an empty pool. timeout bounds each dial and each
// command; zero means the five second default.
func NewPool(timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Pool{
		conns:   make(map[string]*conn),
		timeout: timeout,
		logger:  logging.Get("rcon"),
	}
}

// Exec runs one command against a server, serialized with every other
// command to the same server. Commands to distinct servers run in parallel.
func (p *Pool) Exec(ctx context.Context, target Target, command string) (string, error) {
	if command == "" {
		return "", asaman.E(asaman.KindValidationFailed, "rcon command must not be empty")
	}
	c := p.get(target)
	resp, err := c.Exec(ctx, command)
	if err != nil {
		p.logger.Debug("rcon command failed", "server", target.Server, "error", err)
	}
	return resp, err
}

func (p *Pool) get(target Target) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[target.Server]
	if !ok {
		addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
		c = newConn(addr, target.Password, p.timeout, p.logger.With("server", target.Server))
		p.conns[target.Server] = c
	}
	return c
}

// CloseServer evicts a server's connection. Called on supervisor
// stopping/stopped transitions so a dying server never keeps a socket.
func (p *Pool) CloseServer(server string) {
	p.mu.Lock()
	c, ok := p.conns[server]
	delete(p.conns, server)
	p.mu.Unlock()
	if ok {
		c.Close()
		p.logger.Debug("rcon connection evicted", "server", server)
	}
}

// Close closes every connection in parallel and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
