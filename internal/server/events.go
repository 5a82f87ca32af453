package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	eventPingInterval = 30 * time.Second
	eventWriteTimeout = 10 * time.Second
)

// handleEvents streams the lifecycle events of one project as JSON
// WebSocket messages until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if _, err := s.Service.GetProject(r.Context(), projectID); err != nil {
		s.fail(w, r, err, nil)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.Logger.Warn("events websocket accept failed", "project_id", projectID, "error", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.Service.Events().Subscribe(projectID)
	defer unsubscribe()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// once the peer closes.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	s.Logger.Debug("events subscriber connected", "project_id", projectID)
	for {
		select {
		case <-ctx.Done():
			s.Logger.Debug("events subscriber gone", "project_id", projectID)
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				s.Logger.Debug("events write failed", "project_id", projectID, "error", err)
				return
			}
		}
	}
}
