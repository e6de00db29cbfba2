package push

import (
	"context"

	"github.com/rzbill/courier/internal/message"
)

// Result is the outcome of one push attempt.
type Result uint8

const (
	// ResultSuccess means at least one live connection accepted the frame.
	ResultSuccess Result = iota
	// ResultUnreachable means the user has no live connection here, or every
	// write failed outright.
	ResultUnreachable
	// ResultTimeout means the attempt ran out of time before any connection
	// accepted the frame.
	ResultTimeout
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultUnreachable:
		return "unreachable"
	case ResultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Pusher delivers a message to a user's live connections. The context
// deadline bounds the attempt.
type Pusher interface {
	Push(ctx context.Context, userID string, m message.ChatMessage) Result
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, userID string, m message.ChatMessage) Result

func (f PusherFunc) Push(ctx context.Context, userID string, m message.ChatMessage) Result {
	return f(ctx, userID, m)
}

// Frame is the JSON envelope exchanged over a connection.
type Frame struct {
	Type    string               `json:"type"`
	Message *message.ChatMessage `json:"message,omitempty"`
}

// Frame types.
const (
	FrameMessage   = "message"
	FrameHeartbeat = "heartbeat"
)
