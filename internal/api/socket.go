package api

import (
	"context"
	"net/http"
	"time"

	"agentcrew/internal/core"

	"github.com/gorilla/websocket"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = socketPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback by default and /v1 is token guarded.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type socketMessage struct {
	Type      string       `json:"type"`
	Log       *logResponse `json:"log,omitempty"`
	Status    string       `json:"status,omitempty"`
	LastLogID int64        `json:"last_log_id,omitempty"`
}

// handleExecutionSocket pushes log lines over a websocket and finishes with
// a "done" message carrying the final status.
func (s *Server) handleExecutionSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "executionID")
	if !ok {
		return
	}
	userID := userFrom(r)
	if _, err := s.store.GetExecution(r.Context(), userID, id); err != nil {
		s.writeCoreError(w, err, "get execution")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "execution_id", id, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	pings := time.NewTicker(socketPingPeriod)
	defer pings.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pings.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	since := int64(parseIntDefault(r.URL.Query().Get("since"), 0))
	err = s.follow(ctx, userID, id, since, func(l *core.ExecutionLog) error {
		entry := logToResponse(l)
		since = l.ID
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		return conn.WriteJSON(socketMessage{Type: "log", Log: &entry})
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("log socket ended", "execution_id", id, "err", err)
		}
		return
	}
	exec, err := s.store.GetExecution(ctx, userID, id)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	_ = conn.WriteJSON(socketMessage{Type: "done", Status: string(exec.Status), LastLogID: since})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(socketWriteWait))
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
