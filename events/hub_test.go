package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	hub.Publish(New(ChannelArkChat, map[string]any{"server": "C1-Isle", "line": "hello"}))

	select {
	case e := <-sub.C:
		assert.Equal(t, ChannelArkChat, e.Type())
		assert.Equal(t, "C1-Isle", e["server"])
		assert.NotEmpty(t, e["timestamp"])
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscriberFilter(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(ChannelJobProgress)
	defer hub.Unsubscribe(sub)

	hub.Publish(New(ChannelArkChat, map[string]any{"line": "ignored"}))
	hub.Publish(New(ChannelJobProgress, map[string]any{"jobId": "j1"}))

	select {
	case e := <-sub.C:
		assert.Equal(t, ChannelJobProgress, e.Type())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	assert.Empty(t, sub.C)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.Publish(New(ChannelSystemLog, map[string]any{"i": i}))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.LessOrEqual(t, len(sub.C), cap(sub.C))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub) // second call is a no-op

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, hub.SubscriberCount())

	// Publishing after unsubscribe must not panic.
	hub.Publish(New(ChannelSystemLog, nil))
	require.Equal(t, 0, hub.SubscriberCount())
}
