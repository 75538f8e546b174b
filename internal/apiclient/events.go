package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/ConfabulousDev/todo-sync/internal/notify"
)

// Subscribe opens the change-notification websocket and calls onMessage for every
// frame until ctx is cancelled or the connection drops. It returns nil only when
// ctx ends the subscription.
func (c *Client) Subscribe(ctx context.Context, onMessage func(notify.Message)) error {
	wsURL := c.baseURL + "/api/v1/sync/events"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	header := http.Header{"User-Agent": []string{c.userAgent}}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "websocket upgrade failed"}
		}
		return fmt.Errorf("failed to connect to events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("events connection lost: %w", err)
		}
		var msg notify.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		onMessage(msg)
	}
}
