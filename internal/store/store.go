package store

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/pkg/id"
)

var (
	// ErrInvalidCursor is returned for cursors this store did not issue.
	ErrInvalidCursor = errors.New("store: invalid cursor")
	// ErrNotFound is returned when a record is absent.
	ErrNotFound = errors.New("store: not found")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// StoredMessage is a message persisted for offline retrieval, partitioned by
// ReceiverID and sorted by (SentAt, ID).
type StoredMessage struct {
	message.ChatMessage
	StoredAt time.Time `json:"storedAt"`
}

// Page is one slice of a receiver's ordered log.
type Page struct {
	Messages   []StoredMessage `json:"messages"`
	NextCursor Cursor          `json:"nextCursor,omitempty"`
	HasMore    bool            `json:"hasMore"`
}

// Store is the durable offline message log.
type Store interface {
	// Upsert writes m once per id. Replays of the same id leave exactly one
	// row and do not move it.
	Upsert(ctx context.Context, m StoredMessage) error
	// FetchSince returns up to limit messages for receiverID strictly after
	// the cursor, ascending by (sentAt, id). An empty cursor starts at the
	// beginning of the partition; cursors derived from UnreadStart skip
	// acknowledged rows.
	FetchSince(ctx context.Context, receiverID string, after Cursor, limit int) (Page, error)
}

// ReadCursors tracks what each receiver has acknowledged reading.
type ReadCursors interface {
	// CommitRead marks every row at or before c that had arrived when c's walk
	// began as read, and advances the receiver's high-water read position.
	// The position never moves backwards.
	CommitRead(ctx context.Context, receiverID string, c Cursor) error
	// ReadPosition returns the highest committed position, or "" when none exists.
	ReadPosition(ctx context.Context, receiverID string) (Cursor, error)
}

// Backend is what the delivery service needs from a store implementation.
type Backend interface {
	Store
	ReadCursors
}

// Cursor is an opaque resume token: base64url of
// sentAtMs(8B) | id(16B) | flags(1B) | seen(8B).
//
// seen is the receiver's arrival sequence when the walk that produced the
// cursor began. Committing a cursor only clears unread markers for rows at or
// before its position that had already arrived by then, so a message stored
// later at a lower (sentAt, id) stays unread.
type Cursor string

const (
	cursorLen       = 33
	flagUnread byte = 1 << 0
)

type position struct {
	sentAtMs int64
	id       id.ID
}

func (p position) isZero() bool { return p.sentAtMs == 0 && p.id.IsZero() }

func (p position) compare(o position) int {
	switch {
	case p.sentAtMs < o.sentAtMs:
		return -1
	case p.sentAtMs > o.sentAtMs:
		return 1
	}
	return p.id.Compare(o.id)
}

type token struct {
	position
	// unread restricts paging to rows that have not been acknowledged.
	unread bool
	seen   uint64
}

func positionOf(m message.ChatMessage) position {
	return position{sentAtMs: m.SentAtMs(), id: m.ID}
}

func cursorFor(m message.ChatMessage) Cursor {
	return encodeCursor(token{position: positionOf(m), seen: math.MaxUint64})
}

// UnreadStart is the cursor for the oldest unacknowledged message. Pages
// fetched from it, and from every NextCursor they return, skip acknowledged
// rows.
func UnreadStart() Cursor {
	return encodeCursor(token{unread: true, seen: math.MaxUint64})
}

func encodeCursor(t token) Cursor {
	var raw [cursorLen]byte
	binary.BigEndian.PutUint64(raw[0:8], uint64(t.sentAtMs))
	copy(raw[8:24], t.id[:])
	if t.unread {
		raw[24] = flagUnread
	}
	binary.BigEndian.PutUint64(raw[25:], t.seen)
	return Cursor(base64.RawURLEncoding.EncodeToString(raw[:]))
}

// decodeCursor parses c. The empty cursor is the start of the log with no
// arrival bound.
func decodeCursor(c Cursor) (token, error) {
	if c == "" {
		return token{seen: math.MaxUint64}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil || len(raw) != cursorLen || raw[24]&^flagUnread != 0 {
		return token{}, ErrInvalidCursor
	}
	var t token
	t.sentAtMs = int64(binary.BigEndian.Uint64(raw[0:8]))
	copy(t.id[:], raw[8:24])
	t.unread = raw[24]&flagUnread != 0
	t.seen = binary.BigEndian.Uint64(raw[25:])
	return t, nil
}

// nextCursor is the resume token after a page read from `after`. An empty page
// leaves the cursor where it was.
func nextCursor(after Cursor, from token, seen uint64, msgs []StoredMessage) Cursor {
	n := len(msgs)
	if n == 0 {
		return after
	}
	return encodeCursor(token{
		position: positionOf(msgs[n-1].ChatMessage),
		unread:   from.unread,
		seen:     min(from.seen, seen),
	})
}

// Validate reports whether c is a well-formed cursor. The empty cursor is valid.
func (c Cursor) Validate() error {
	_, err := decodeCursor(c)
	return err
}

// After reports whether c is positioned strictly after other. The empty
// cursor sorts before everything.
func (c Cursor) After(other Cursor) bool {
	if c == "" {
		return false
	}
	a, errA := decodeCursor(c)
	b, errB := decodeCursor(other)
	if errA != nil || errB != nil {
		return false
	}
	if other == "" {
		return true
	}
	return a.compare(b.position) > 0
}

// ClampLimit applies the page size defaults.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
