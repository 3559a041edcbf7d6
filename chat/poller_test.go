package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/events"
	"github.com/arkops/asaman/rcon"
)

type scriptedRcon struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedRcon) Exec(ctx context.Context, target rcon.Target, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.responses) == 0 {
		return "", nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedRcon) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testServer() *asaman.Server {
	return &asaman.Server{Name: "C1-Isle", RCONPort: 32330, RCONPassword: "pw"}
}

func TestPollerBroadcastsChatLines(t *testing.T) {
	rc := &scriptedRcon{responses: []string{"Bob: hello\nAlice: hi there\n"}}
	hub := events.NewHub()
	sub := hub.Subscribe(events.ChannelArkChat)
	defer hub.Unsubscribe(sub)

	p := NewPoller(rc, hub, 10*time.Millisecond, "")
	defer p.Close()
	p.Follow(testServer())

	var lines []string
	timeout := time.After(3 * time.Second)
	for len(lines) < 2 {
		select {
		case ev := <-sub.C:
			assert.Equal(t, "C1-Isle", ev["server"])
			lines = append(lines, ev["line"].(string))
		case <-timeout:
			t.Fatalf("only got %d chat lines", len(lines))
		}
	}
	assert.Equal(t, []string{"Bob: hello", "Alice: hi there"}, lines)
}

func TestPollerSuppressesEmptyResponses(t *testing.T) {
	rc := &scriptedRcon{responses: []string{"", "Server received, But no response!!", "  \n  "}}
	hub := events.NewHub()
	sub := hub.Subscribe(events.ChannelArkChat)
	defer hub.Unsubscribe(sub)

	p := NewPoller(rc, hub, 5*time.Millisecond, "")
	defer p.Close()
	p.Follow(testServer())

	require.Eventually(t, func() bool { return rc.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sub.C, "empty responses must not broadcast")
}

func TestUnfollowStopsPolling(t *testing.T) {
	rc := &scriptedRcon{}
	p := NewPoller(rc, events.NewHub(), 5*time.Millisecond, "")
	defer p.Close()

	p.Follow(testServer())
	require.Eventually(t, func() bool { return rc.callCount() > 0 }, 2*time.Second, time.Millisecond)

	p.Unfollow("C1-Isle")
	settled := rc.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, rc.callCount(), settled+1, "at most one in-flight tick after unfollow")
}

func TestSplitChat(t *testing.T) {
	assert.Nil(t, splitChat(""))
	assert.Nil(t, splitChat("Server received, But no response!!"))
	assert.Equal(t, []string{"a", "b"}, splitChat("a\r\nb\n\n"))
}
