package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hkuds/appbox/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The engine binds to localhost and sits behind the platform's own
	// gateway, which enforces origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// terminalRequest is one command submitted over the terminal socket.
type terminalRequest struct {
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeoutSec"`
}

// handleTerminal upgrades to a websocket and runs submitted commands
// sequentially, relaying each command's event stream back as JSON
// messages. Blocked commands come back as a single error event; the
// socket stays open for the next command.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("terminal upgrade failed", "project", projectID, "error", err)
		return
	}
	defer conn.Close()

	for {
		var req terminalRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("terminal closed", "project", projectID, "error", err)
			}
			return
		}

		verdict := s.engine.Streamer.Validate(req.Command)
		if !verdict.Valid {
			if err := conn.WriteJSON(sandbox.Event{
				Type: sandbox.EventError,
				Data: verdict.Reason,
				Time: time.Now(),
			}); err != nil {
				return
			}
			continue
		}

		timeout := time.Duration(req.TimeoutSec) * time.Second
		events, err := s.engine.Streamer.Run(r.Context(), projectID, req.UserID, sandbox.Kind(req.Kind), req.Command, timeout)
		if err != nil {
			if werr := conn.WriteJSON(sandbox.Event{
				Type: sandbox.EventError,
				Data: err.Error(),
				Time: time.Now(),
			}); werr != nil {
				return
			}
			continue
		}

		for evt := range events {
			if err := conn.WriteJSON(evt); err != nil {
				// Client went away mid-stream; drain so the exec
				// goroutines can finish.
				for range events {
				}
				return
			}
		}
	}
}
