package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/events"
)

// Events streams a project's lifecycle events to fn until ctx ends, the
// server closes the stream, or fn returns an error. A normal close returns
// nil.
func (c *Client) Events(ctx context.Context, id string, fn func(events.Event) error) error {
	wsURL := c.ServerURL + projectPath(id, "/events")
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return apperr.NotFound("project %s not found", id)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	for {
		var e events.Event
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := fn(e); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}
