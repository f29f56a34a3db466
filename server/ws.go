package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/stream"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer; the stream is one-way, so
	// clients only ever send control frames
	maxMessageSize = 512
)

// handleStream upgrades the connection and relays lifecycle events
// matching the query filter. Subscription starts at connect; there is no
// replay of earlier events. A slow client loses oldest events first and
// sees an events_dropped marker in their place.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stream.Filter{
		ExecutionID: q.Get("execution_id"),
		WorkflowID:  q.Get("workflow_id"),
	}

	sub := s.broadcaster.Subscribe(filter)
	if sub == nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	s.logger.Debugw("stream client connected",
		"subscription_id", sub.ID(), "remote", r.RemoteAddr)

	s.wg.Add(2)
	go s.streamWritePump(conn, sub)
	go s.streamReadPump(conn, sub)
}

// streamWritePump delivers events to the peer and keeps the connection
// alive with pings.
func (s *Server) streamWritePump(conn *websocket.Conn, sub *stream.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		sub.Close()
		s.wg.Done()
	}()

	for {
		select {
		case <-s.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			return
		case ev, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debugw("stream write error",
					"subscription_id", sub.ID(), "error", err.Error())
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// streamReadPump drains the connection so close and pong frames are
// processed; the stream carries no client messages.
func (s *Server) streamReadPump(conn *websocket.Conn, sub *stream.Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
		s.wg.Done()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warnw("stream read error",
					"subscription_id", sub.ID(), "error", err.Error())
			}
			return
		}
	}
}
