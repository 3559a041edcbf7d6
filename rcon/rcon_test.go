package rcon

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkops/asaman"
)

// fakeServer is a minimal Source RCON server for tests. It records the
// commands it receives in arrival order and answers "ok:<command>".
type fakeServer struct {
	listener net.Listener
	password string

	mu       sync.Mutex
	received []string
}

func startFakeServer(t *testing.T, password string) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{listener: l, password: password}
	go fs.accept()
	t.Cleanup(func() { l.Close() })
	return fs
}

func (fs *fakeServer) accept() {
	for {
		c, err := fs.listener.Accept()
		if err != nil {
			return
		}
		go fs.serve(c)
	}
}

func (fs *fakeServer) serve(c net.Conn) {
	defer c.Close()
	for {
		p, err := readPacket(c)
		if err != nil {
			return
		}
		switch p.Type {
		case typeAuth:
			id := p.ID
			if p.Body != fs.password {
				id = -1
			}
			if err := writePacket(c, packet{ID: id, Type: typeAuthResponse}); err != nil {
				return
			}
		case typeExecCommand:
			fs.mu.Lock()
			fs.received = append(fs.received, p.Body)
			fs.mu.Unlock()
			if err := writePacket(c, packet{ID: p.ID, Type: typeResponseValue, Body: "ok:" + p.Body}); err != nil {
				return
			}
		}
	}
}

func (fs *fakeServer) target(name string) Target {
	addr := fs.listener.Addr().(*net.TCPAddr)
	return Target{Server: name, Host: "127.0.0.1", Port: addr.Port, Password: fs.password}
}

func (fs *fakeServer) commands() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.received...)
}

func TestExecRoundTrip(t *testing.T) {
	fs := startFakeServer(t, "pw")
	pool := NewPool(0)
	defer pool.Close()

	resp, err := pool.Exec(context.Background(), fs.target("C1-Isle"), "SaveWorld")
	require.NoError(t, err)
	assert.Equal(t, "ok:SaveWorld", resp)
}

func TestExecOrdering(t *testing.T) {
	fs := startFakeServer(t, "pw")
	pool := NewPool(0)
	defer pool.Close()
	target := fs.target("C1-Isle")

	const n = 20
	responses := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := pool.Exec(context.Background(), target, "cmd-"+strconv.Itoa(i))
			require.NoError(t, err)
			responses[i] = resp
		}(i)
	}
	wg.Wait()

	// Every caller got the response to its own command.
	for i, resp := range responses {
		assert.Equal(t, "ok:cmd-"+strconv.Itoa(i), resp)
	}
	// And the server saw exactly n distinct commands.
	assert.Len(t, fs.commands(), n)
}

func TestSequentialCommandsArriveInOrder(t *testing.T) {
	fs := startFakeServer(t, "pw")
	pool := NewPool(0)
	defer pool.Close()
	target := fs.target("C1-Isle")

	for _, cmd := range []string{"SaveWorld", "DoExit"} {
		_, err := pool.Exec(context.Background(), target, cmd)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"SaveWorld", "DoExit"}, fs.commands())
}

func TestAuthFailure(t *testing.T) {
	fs := startFakeServer(t, "right")
	pool := NewPool(0)
	defer pool.Close()

	target := fs.target("C1-Isle")
	target.Password = "wrong"

	_, err := pool.Exec(context.Background(), target, "SaveWorld")
	assert.True(t, asaman.IsKind(err, asaman.KindRconAuthFailed), "got %v", err)
}

func TestConnectionRefused(t *testing.T) {
	// Grab a free port, then close the listener so nothing is there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	pool := NewPool(0)
	defer pool.Close()

	_, err = pool.Exec(context.Background(), Target{Server: "gone", Host: "127.0.0.1", Port: port, Password: "x"}, "ping")
	require.Error(t, err)
	assert.True(t, asaman.IsKind(err, asaman.KindRconConnectionRefused), "got %v", err)
}

func TestEmptyCommandRejected(t *testing.T) {
	pool := NewPool(0)
	defer pool.Close()

	_, err := pool.Exec(context.Background(), Target{Server: "x"}, "")
	assert.True(t, asaman.IsKind(err, asaman.KindValidationFailed))
}

func TestCloseServerEvicts(t *testing.T) {
	fs := startFakeServer(t, "pw")
	pool := NewPool(0)
	defer pool.Close()
	target := fs.target("C1-Isle")

	_, err := pool.Exec(context.Background(), target, "first")
	require.NoError(t, err)

	pool.CloseServer("C1-Isle")

	// A new connection is dialed transparently on the next command.
	resp, err := pool.Exec(context.Background(), target, "second")
	require.NoError(t, err)
	assert.Equal(t, "ok:second", resp)
}

func TestExecTimeout(t *testing.T) {
	fs := startFakeServer(t, "pw")
	pool := NewPool(0)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Stall the fake server by never accepting more connections.
	fs.listener.Close()

	_, err := pool.Exec(ctx, fs.target("slow"), "ping")
	require.Error(t, err)
	kind := asaman.KindOf(err)
	assert.True(t, kind == asaman.KindRconTimeout || kind == asaman.KindRconConnectionRefused,
		"expected timeout or refused, got %v", err)
}

func TestConfiguredTimeoutBoundsCommands(t *testing.T) {
	// A listener that accepts but never answers forces the auth read to
	// hit the connection deadline.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	pool := NewPool(100 * time.Millisecond)
	defer pool.Close()

	port := l.Addr().(*net.TCPAddr).Port
	start := time.Now()
	_, err = pool.Exec(context.Background(), Target{Server: "mute", Host: "127.0.0.1", Port: port, Password: "x"}, "ping")
	require.Error(t, err)
	assert.True(t, asaman.IsKind(err, asaman.KindRconTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second, "deadline must come from the pool timeout")
}

func TestPacketRejectsOversize(t *testing.T) {
	_, err := readPacket(strings.NewReader("\xff\xff\xff\x7f"))
	assert.True(t, asaman.IsKind(err, asaman.KindRconProtocolError))
}
