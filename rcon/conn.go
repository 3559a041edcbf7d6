package rcon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/arkops/asaman"
)

const defaultTimeout = 5 * time.Second

// request is one command message sent to a connection actor.
type request struct {
	ctx     context.Context
	command string
	reply   chan result
}

type result struct {
	response string
	err      error
}

// conn is a message-passing actor owning one RCON TCP connection.
// Commands arrive on the queue and execute one at a time, so callers
// observe strict arrival-order execution and matched responses.
type conn struct {
	addr     string
	password string
	timeout  time.Duration
	logger   *slog.Logger

	queue  chan request
	done   chan struct{}
	closed chan struct{}

	tcp    net.Conn
	nextID int32
}

func newConn(addr, password string, timeout time.Duration, logger *slog.Logger) *conn {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &conn{
		addr:     addr,
		password: password,
		timeout:  timeout,
		logger:   logger,
		queue:    make(chan request, 32),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		nextID:   1,
	}
	go c.loop()
	return c
}

// Exec submits a command and waits for its response.
func (c *conn) Exec(ctx context.Context, command string) (string, error) {
	req := request{ctx: ctx, command: command, reply: make(chan result, 1)}
	select {
	case c.queue <- req:
	case <-c.done:
		return "", asaman.E(asaman.KindRconConnectionRefused, "connection to %s is closed", c.addr)
	case <-ctx.Done():
		return "", asaman.WrapErr(asaman.KindRconTimeout, ctx.Err(), "queueing command for %s", c.addr)
	}

	select {
	case res := <-req.reply:
		return res.response, res.err
	case <-ctx.Done():
		return "", asaman.WrapErr(asaman.KindRconTimeout, ctx.Err(), "awaiting response from %s", c.addr)
	}
}

// Close stops the actor and closes the socket. Safe to call twice.
func (c *conn) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	<-c.closed
}

func (c *conn) loop() {
	defer close(c.closed)
	defer c.teardown()

	for {
		select {
		case <-c.done:
			return
		case req := <-c.queue:
			hadConn := c.tcp != nil
			res := c.execute(req)
			// A dead reused connection gets one reconnect attempt before
			// the error is surfaced. Fresh dial failures are not retried.
			if res.err != nil && hadConn && c.tcp == nil &&
				asaman.IsKind(res.err, asaman.KindRconConnectionRefused) {
				res = c.execute(req)
			}
			req.reply <- res
		}
	}
}

func (c *conn) teardown() {
	if c.tcp != nil {
		c.tcp.Close()
		c.tcp = nil
	}
}

func (c *conn) execute(req request) result {
	if err := req.ctx.Err(); err != nil {
		return result{err: asaman.WrapErr(asaman.KindRconTimeout, err, "command cancelled")}
	}
	if c.tcp == nil {
		if err := c.connect(); err != nil {
			return result{err: err}
		}
	}

	id := c.nextID
	c.nextID++

	deadline := time.Now().Add(c.timeout)
	c.tcp.SetDeadline(deadline)

	if err := writePacket(c.tcp, packet{ID: id, Type: typeExecCommand, Body: req.command}); err != nil {
		c.teardown()
		return result{err: classifyTransport(err, "write to %s", c.addr)}
	}

	resp, err := readPacket(c.tcp)
	if err != nil {
		c.teardown()
		return result{err: classifyTransport(err, "read from %s", c.addr)}
	}
	if resp.Type != typeResponseValue {
		c.teardown()
		return result{err: asaman.E(asaman.KindRconProtocolError, "unexpected packet type %d from %s", resp.Type, c.addr)}
	}
	if resp.ID != id {
		c.teardown()
		return result{err: asaman.E(asaman.KindRconProtocolError, "response id %d does not match request %d", resp.ID, id)}
	}
	return result{response: resp.Body}
}

// connect dials and authenticates.
func (c *conn) connect() error {
	tcp, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return classifyTransport(err, "dial %s", c.addr)
	}

	tcp.SetDeadline(time.Now().Add(c.timeout))
	authID := c.nextID
	c.nextID++
	if err := writePacket(tcp, packet{ID: authID, Type: typeAuth, Body: c.password}); err != nil {
		tcp.Close()
		return classifyTransport(err, "auth write to %s", c.addr)
	}

	// Servers may send an empty RESPONSE_VALUE before the auth response.
	for {
		resp, err := readPacket(tcp)
		if err != nil {
			tcp.Close()
			return classifyTransport(err, "auth read from %s", c.addr)
		}
		if resp.Type == typeResponseValue && resp.ID == authID {
			continue
		}
		if resp.Type != typeAuthResponse {
			tcp.Close()
			return asaman.E(asaman.KindRconProtocolError, "unexpected auth packet type %d from %s", resp.Type, c.addr)
		}
		if resp.ID == -1 {
			tcp.Close()
			return asaman.E(asaman.KindRconAuthFailed, "wrong RCON password for %s", c.addr)
		}
		break
	}

	c.tcp = tcp
	c.logger.Debug("rcon connected", "addr", c.addr)
	return nil
}

// classifyTransport maps socket errors onto the closed error kind set.
func classifyTransport(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		return asaman.WrapErr(asaman.KindRconTimeout, err, "%s", msg)
	case strings.Contains(err.Error(), "connection refused"):
		return asaman.WrapErr(asaman.KindRconConnectionRefused, err, "%s", msg)
	default:
		var ae *asaman.Error
		if errors.As(err, &ae) {
			return err
		}
		return asaman.WrapErr(asaman.KindRconConnectionRefused, err, "%s", msg)
	}
}
