package transports

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/rzbill/courier/internal/push"
)

// ErrStopWatch ends Watch cleanly when returned from the frame callback.
var ErrStopWatch = errors.New("transports: stop watch")

// WebSocketURL turns an http(s) base URL into the gateway URL for userID.
func WebSocketURL(baseURL, userID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"userId": {userID}}.Encode()
	return u.String(), nil
}

// Watch holds a gateway connection open and calls onFrame for each frame
// received until ctx is done, the server closes, or onFrame returns an error.
func Watch(ctx context.Context, wsURL string, onFrame func(push.Frame) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var f push.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := onFrame(f); err != nil {
			if errors.Is(err, ErrStopWatch) {
				return nil
			}
			return err
		}
	}
}
