// Package deadletter archives messages that exhausted their delivery
// attempts. Records are written once, never retried automatically, and
// exposed read-only for operator tooling.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/courier/internal/message"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/pkg/id"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("deadletter: not found")

const prefix = "dlq/"

// Record is one dead-lettered message.
type Record struct {
	Message        message.ChatMessage `json:"message"`
	Attempts       uint32              `json:"attempts"`
	Reason         string              `json:"reason"`
	DeadLetteredAt time.Time           `json:"deadLetteredAt"`
}

// Store is the dead-letter archive.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, msgID id.ID) (Record, error)
	// List returns records ordered by message id, strictly after `after`
	// (the zero id starts at the beginning).
	List(ctx context.Context, after id.ID, limit int) ([]Record, error)
	Count(ctx context.Context) (int, error)
}

// PebbleStore keeps dead letters under dlq/{id} in the shared DB.
type PebbleStore struct {
	db *pebblestore.DB
}

func NewPebbleStore(db *pebblestore.DB) *PebbleStore { return &PebbleStore{db: db} }

func key(msgID id.ID) []byte { return append([]byte(prefix), msgID[:]...) }

// Put is idempotent on message id; the first record written wins.
func (s *PebbleStore) Put(ctx context.Context, r Record) error {
	k := key(r.Message.ID)
	if _, err := s.db.Get(k); err == nil {
		return nil
	}
	r.Message.State = message.StateDeadLettered
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("deadletter: encode %s: %w", r.Message.ID, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(k, val, nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return message.Transient("deadletter.put", err)
	}
	return nil
}

func (s *PebbleStore) Get(_ context.Context, msgID id.ID) (Record, error) {
	val, err := s.db.Get(key(msgID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, message.Transient("deadletter.get", err)
	}
	var r Record
	if err := json.Unmarshal(val, &r); err != nil {
		return Record{}, fmt.Errorf("deadletter: decode %s: %w", msgID, err)
	}
	return r, nil
}

func (s *PebbleStore) List(ctx context.Context, after id.ID, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	iter, err := s.db.NewPrefixIter([]byte(prefix))
	if err != nil {
		return nil, message.Transient("deadletter.list", err)
	}
	defer iter.Close()

	ok := iter.First()
	if !after.IsZero() {
		ok = iter.SeekGE(key(after))
		if ok && string(iter.Key()) == string(key(after)) {
			ok = iter.Next()
		}
	}
	out := make([]Record, 0, limit)
	for ; ok && len(out) < limit; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("deadletter: decode %x: %w", iter.Key(), err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func (s *PebbleStore) Count(context.Context) (int, error) {
	return s.db.CountPrefix([]byte(prefix))
}
