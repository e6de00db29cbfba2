package transports

import "context"

// SendRequest is the inbound message submitted by the CLI.
type SendRequest struct {
	SenderID      string
	ReceiverID    string
	Body          string
	AttachmentRef string
	// SentAt is RFC3339; empty lets the server stamp it.
	SentAt string
}

// FetchRequest pages through a receiver's stored messages.
type FetchRequest struct {
	ReceiverID string
	Cursor     string
	Limit      int
}

// Transport abstracts how the CLI reaches the courier server.
// Responses are returned as decoded JSON objects for printing.
type Transport interface {
	Send(ctx context.Context, req SendRequest) (id string, err error)
	Fetch(ctx context.Context, req FetchRequest) (map[string]any, error)
	Ack(ctx context.Context, receiverID, cursor string) error
	ListDeadLetters(ctx context.Context, after string, limit int) (map[string]any, error)
	Stats(ctx context.Context) (map[string]any, error)
}
