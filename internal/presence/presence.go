package presence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownHandle is returned for handles that were never issued, were
// disconnected, or expired.
var ErrUnknownHandle = errors.New("presence: unknown connection handle")

// DefaultTTL is how long a connection counts as live without a heartbeat.
const DefaultTTL = 60 * time.Second

// Handle identifies one live connection. It is opaque to everything except
// the connection layer that obtained it from Connect.
type Handle string

// Snapshot is a point-in-time view of one user's connectivity. It may be
// stale by the time it is used.
type Snapshot struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	Handles    []Handle  `json:"handles,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt,omitempty"`
}

// Reader is the read-only view consumed by the delivery router.
type Reader interface {
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
}

// Tracker owns presence state. Only the connection layer mutates it.
type Tracker interface {
	Reader
	Connect(ctx context.Context, userID string) (Handle, error)
	Disconnect(ctx context.Context, h Handle) error
	Heartbeat(ctx context.Context, h Handle) error
	// SweepExpired removes records whose TTL elapsed and reports how many.
	SweepExpired(ctx context.Context) (int, error)
}

var newHandle = func() Handle { return Handle(uuid.NewString()) }
