package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin is enforced by the CORS policy on the REST routes; the
	// socket carries the same bearer token instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsInbound is a client control message.
type wsInbound struct {
	Type        string `json:"type"`
	ServerName  string `json:"serverName,omitempty"`
	LogFileName string `json:"logFileName,omitempty"`
}

// handleWebSocket upgrades the connection and fans hub events out to the
// client. Clients opt into per-file log streams with start-ark-logs and
// stop-ark-logs messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.auth.Enabled() {
		token := bearerToken(r)
		if token == "" {
			writeError(w, asaman.E(asaman.KindUnauthorized, "missing bearer token"))
			return
		}
		if _, err := s.auth.Verify(token); err != nil {
			writeError(w, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := s.hub.Subscribe(
		events.ChannelJobProgress,
		events.ChannelArkChat,
		events.ChannelArkLog,
		events.ChannelContainerLog,
		events.ChannelContainerEv,
		events.ChannelSystemLog,
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The reader owns the set of tails this client started; they
		// end with the connection.
		type tailKey struct{ server, file string }
		tails := map[tailKey]bool{}
		defer func() {
			for k := range tails {
				s.tailer.Stop(k.server, k.file)
			}
		}()
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			var msg wsInbound
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "start-ark-logs":
				if err := s.tailer.Start(msg.ServerName, msg.LogFileName); err != nil {
					s.logger.Warn("start-ark-logs rejected", "server", msg.ServerName, "file", msg.LogFileName, "error", err)
					continue
				}
				tails[tailKey{msg.ServerName, msg.LogFileName}] = true
			case "stop-ark-logs":
				s.tailer.Stop(msg.ServerName, msg.LogFileName)
				delete(tails, tailKey{msg.ServerName, msg.LogFileName})
			default:
				s.logger.Debug("unknown websocket message", "type", msg.Type)
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
