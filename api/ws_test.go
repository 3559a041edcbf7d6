package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkops/asaman/events"
)

func dialWS(t *testing.T, fx *fixture, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketReceivesEvents(t *testing.T) {
	fx := newFixture(t, "")
	conn := dialWS(t, fx, "")

	fx.hub.Publish(events.New(events.ChannelArkChat, map[string]any{
		"server": "solo", "line": "Bob: hello",
	}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ark-chat", ev["type"])
	assert.Equal(t, "Bob: hello", ev["line"])
	assert.NotEmpty(t, ev["timestamp"])
}

func TestWebSocketStartStopArkLogs(t *testing.T) {
	fx := newFixture(t, "")
	conn := dialWS(t, fx, "")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "start-ark-logs", "serverName": "solo", "logFileName": "ShooterGame.log",
	}))
	require.Eventually(t, func() bool {
		fx.tailer.mu.Lock()
		defer fx.tailer.mu.Unlock()
		return len(fx.tailer.started) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "stop-ark-logs", "serverName": "solo", "logFileName": "ShooterGame.log",
	}))
	require.Eventually(t, func() bool {
		fx.tailer.mu.Lock()
		defer fx.tailer.mu.Unlock()
		return len(fx.tailer.stopped) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketStopsTailsOnDisconnect(t *testing.T) {
	fx := newFixture(t, "")
	conn := dialWS(t, fx, "")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "start-ark-logs", "serverName": "solo", "logFileName": "ShooterGame.log",
	}))
	require.Eventually(t, func() bool {
		fx.tailer.mu.Lock()
		defer fx.tailer.mu.Unlock()
		return len(fx.tailer.started) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		fx.tailer.mu.Lock()
		defer fx.tailer.mu.Unlock()
		return len(fx.tailer.stopped) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRequiresToken(t *testing.T) {
	fx := newFixture(t, "sekrit-sekrit-sekrit-sekrit-0123")

	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	token, err := fx.srv.auth.IssueToken("ops", RoleViewer, time.Hour)
	require.NoError(t, err)
	conn := dialWS(t, fx, token)
	assert.NotNil(t, conn)
}
