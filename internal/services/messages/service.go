package messages

import (
	"context"
	"errors"
	"strings"

	"github.com/rzbill/courier/internal/deadletter"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/queue"
	"github.com/rzbill/courier/internal/runtime"
	"github.com/rzbill/courier/internal/store"
	"github.com/rzbill/courier/internal/validate"
	"github.com/rzbill/courier/pkg/id"
	logpkg "github.com/rzbill/courier/pkg/log"
)

// ErrNotFound is returned when a dead letter does not exist.
var ErrNotFound = errors.New("messages: not found")

// Service is the transport-independent API shared by the HTTP and gRPC
// servers.
type Service struct {
	rt     *runtime.Runtime
	logger logpkg.Logger

	defaultPageSize int
	maxPageSize     int
}

// New creates a Service over rt using the runtime's logger.
func New(rt *runtime.Runtime) *Service {
	return NewWithLogger(rt, rt.Logger())
}

// NewWithLogger creates a Service with a custom logger.
func NewWithLogger(rt *runtime.Runtime, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.Nop()
	}
	cfg := rt.Config().Store
	return &Service{
		rt:              rt,
		logger:          logger.With(logpkg.Component("messages")),
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
	}
}

// Submit validates raw and enqueues it. The message is durable when Submit
// returns nil; delivery continues asynchronously.
func (s *Service) Submit(ctx context.Context, raw validate.Raw) (message.ChatMessage, error) {
	m, err := s.rt.Validator().Validate(ctx, raw)
	if err != nil {
		return message.ChatMessage{}, err
	}
	if _, err := s.rt.Queue().Enqueue(ctx, m); err != nil {
		s.logger.Error("enqueue failed", logpkg.Str("id", m.ID.String()), logpkg.Err(err))
		return message.ChatMessage{}, err
	}
	s.logger.Debug("message accepted",
		logpkg.Str("id", m.ID.String()),
		logpkg.Str("receiver", m.ReceiverID),
		logpkg.Bool("flagged", m.Flagged),
	)
	return m, nil
}

// Fetch returns the receiver's stored messages after cursor. An empty
// cursor walks only unacknowledged rows, so the first page holds the oldest
// unread messages even when some arrived after later ones were acked.
func (s *Service) Fetch(ctx context.Context, receiverID string, cursor store.Cursor, limit int) (store.Page, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return store.Page{}, message.Validation("receiverId is required")
	}
	if err := cursor.Validate(); err != nil {
		return store.Page{}, message.Validation("cursor is malformed")
	}
	if cursor == "" {
		cursor = store.UnreadStart()
	}
	page, err := s.rt.Store().FetchSince(ctx, receiverID, cursor, s.clamp(limit))
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			return store.Page{}, message.Validation("cursor is malformed")
		}
		return store.Page{}, err
	}
	return page, nil
}

func (s *Service) clamp(limit int) int {
	switch {
	case limit <= 0:
		return s.defaultPageSize
	case limit > s.maxPageSize:
		return s.maxPageSize
	default:
		return limit
	}
}

// AckRead records that the receiver has read everything up to cursor.
func (s *Service) AckRead(ctx context.Context, receiverID string, cursor store.Cursor) error {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return message.Validation("receiverId is required")
	}
	if cursor == "" {
		return message.Validation("cursor is required")
	}
	if err := cursor.Validate(); err != nil {
		return message.Validation("cursor is malformed")
	}
	return s.rt.Store().CommitRead(ctx, receiverID, cursor)
}

// Unread counts the receiver's stored messages that have not been acknowledged.
func (s *Service) Unread(ctx context.Context, receiverID string) (int, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return 0, message.Validation("receiverId is required")
	}
	n := 0
	for _, err := range store.Scan(ctx, s.rt.Store(), receiverID, store.UnreadStart(), s.maxPageSize) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// DeadLetterPage is one page of the dead-letter archive.
type DeadLetterPage struct {
	Items []deadletter.Record `json:"items"`
	// Next is the id to pass as after for the following page; empty when done.
	Next string `json:"next,omitempty"`
}

// ListDeadLetters pages through dead letters in id order.
func (s *Service) ListDeadLetters(ctx context.Context, after string, limit int) (DeadLetterPage, error) {
	var from id.ID
	if after != "" {
		parsed, err := id.Parse(after)
		if err != nil {
			return DeadLetterPage{}, message.Validation("after must be a message id")
		}
		from = parsed
	}
	limit = s.clamp(limit)
	recs, err := s.rt.DeadLetters().List(ctx, from, limit)
	if err != nil {
		return DeadLetterPage{}, err
	}
	page := DeadLetterPage{Items: recs}
	if len(recs) == limit {
		page.Next = recs[len(recs)-1].Message.ID.String()
	}
	return page, nil
}

// GetDeadLetter returns one dead letter by message id.
func (s *Service) GetDeadLetter(ctx context.Context, msgID string) (deadletter.Record, error) {
	parsed, err := id.Parse(msgID)
	if err != nil {
		return deadletter.Record{}, message.Validation("id must be a message id")
	}
	rec, err := s.rt.DeadLetters().Get(ctx, parsed)
	if errors.Is(err, deadletter.ErrNotFound) {
		return deadletter.Record{}, ErrNotFound
	}
	return rec, err
}

// Stats is an operational snapshot.
type Stats struct {
	Queue       queue.Stats `json:"queue"`
	DeadLetters int         `json:"deadLetters"`
	Connections int         `json:"connections"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	qs, err := s.rt.Queue().Stats()
	if err != nil {
		return Stats{}, err
	}
	dl, err := s.rt.DeadLetters().Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Queue: qs, DeadLetters: dl, Connections: s.rt.Gateway().Connections()}, nil
}

func (s *Service) Health(ctx context.Context) error {
	return s.rt.CheckHealth(ctx)
}
