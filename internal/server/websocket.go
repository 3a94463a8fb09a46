package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/rlm/internal/sandbox"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the server is meant to sit behind a trusted network
	},
}

// handleEvents streams a session's observer events as JSON text frames
// until the session closes or the client goes away. Client frames are
// read and discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.manager.Get(id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	// Subscribe before upgrading so nothing emitted after the 101 is lost.
	events, cancel := s.hub.Subscribe(id)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.WithError(err).WithField("session", id).Debug("websocket read ended")
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-events:
			if !ok {
				closeFrame(conn, "server shutting down")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.log.WithError(err).WithField("session", id).Warn("websocket write failed")
				return
			}
			if e.Type == sandbox.EventSessionClosed {
				closeFrame(conn, "session closed")
				return
			}
		}
	}
}

func closeFrame(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
