package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/courier/internal/message"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/pkg/clock"
)

// Keyspace:
//
//	m/{len(receiver) 4B}{receiver}{sentAtMs 8B}{id 16B}  stored message JSON
//	u/{len(receiver) 4B}{receiver}{sentAtMs 8B}{id 16B}  arrival seq 8B, present while unread
//	i/{id 16B}                                          -> m/ key
//	a/{receiver}                                        last arrival seq 8B
//	c/{receiver}                                        highest committed read cursor
const (
	prefixLog     = "m/"
	prefixUnread  = "u/"
	prefixID      = "i/"
	prefixArrival = "a/"
	prefixCursor  = "c/"
)

func partitionKey(prefix, receiverID string) []byte {
	k := make([]byte, 0, len(prefix)+4+len(receiverID))
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint32(k, uint32(len(receiverID)))
	return append(k, receiverID...)
}

func partitionPrefix(receiverID string) []byte { return partitionKey(prefixLog, receiverID) }

func positionKey(prefix, receiverID string, p position) []byte {
	k := partitionKey(prefix, receiverID)
	k = binary.BigEndian.AppendUint64(k, uint64(p.sentAtMs))
	return append(k, p.id[:]...)
}

func logKey(receiverID string, p position) []byte {
	return positionKey(prefixLog, receiverID, p)
}

func unreadKey(receiverID string, p position) []byte {
	return positionKey(prefixUnread, receiverID, p)
}

func idKey(m message.ChatMessage) []byte {
	return append([]byte(prefixID), m.ID[:]...)
}

func arrivalKey(receiverID string) []byte {
	return append([]byte(prefixArrival), receiverID...)
}

func cursorKey(receiverID string) []byte {
	return append([]byte(prefixCursor), receiverID...)
}

func encodeSeq(n uint64) []byte { return binary.BigEndian.AppendUint64(nil, n) }

// PebbleStore keeps the offline log in the shared Pebble DB.
type PebbleStore struct {
	db    *pebblestore.DB
	clock clock.Clock

	// mu serialises writers so the id check, the arrival counter and the
	// unread markers change together.
	mu sync.Mutex
}

// NewPebbleStore returns a store over db. A nil clock means wall time.
func NewPebbleStore(db *pebblestore.DB, clk clock.Clock) *PebbleStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &PebbleStore{db: db, clock: clk}
}

func (s *PebbleStore) Upsert(ctx context.Context, m StoredMessage) error {
	if m.ReceiverID == "" || m.ID.IsZero() {
		return errors.New("store: receiver and id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := idKey(m.ChatMessage)
	if _, err := s.db.Get(ik); err == nil {
		return nil
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return message.Transient("store.upsert", err)
	}
	last, err := s.arrivals(m.ReceiverID)
	if err != nil {
		return message.Transient("store.upsert", err)
	}

	m.State = message.StatePersisted
	if m.StoredAt.IsZero() {
		m.StoredAt = s.clock.Now().UTC()
	}
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", m.ID, err)
	}
	pos := positionOf(m.ChatMessage)
	lk := logKey(m.ReceiverID, pos)
	seq := encodeSeq(last + 1)

	b := s.db.NewBatch()
	defer b.Close()
	for _, kv := range [][2][]byte{
		{lk, val},
		{ik, lk},
		{unreadKey(m.ReceiverID, pos), seq},
		{arrivalKey(m.ReceiverID), seq},
	} {
		if err := b.Set(kv[0], kv[1], nil); err != nil {
			return err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return message.Transient("store.upsert", err)
	}
	return nil
}

// arrivals returns the receiver's last arrival sequence, 0 before the first.
func (s *PebbleStore) arrivals(receiverID string) (uint64, error) {
	v, err := s.db.Get(arrivalKey(receiverID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("store: corrupt arrival counter for %q", receiverID)
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *PebbleStore) FetchSince(ctx context.Context, receiverID string, after Cursor, limit int) (Page, error) {
	limit = ClampLimit(limit)
	from, err := decodeCursor(after)
	if err != nil {
		return Page{}, err
	}
	// Snapshot the arrival counter before walking: every row at or below it
	// is already visible to the iterator.
	seen, err := s.arrivals(receiverID)
	if err != nil {
		return Page{}, message.Transient("store.fetch", err)
	}

	prefix := partitionKey(prefixLog, receiverID)
	startKey := logKey(receiverID, from.position)
	if from.unread {
		prefix = partitionKey(prefixUnread, receiverID)
		startKey = unreadKey(receiverID, from.position)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return Page{}, message.Transient("store.fetch", err)
	}
	defer iter.Close()

	ok := iter.First()
	if !from.isZero() {
		ok = iter.SeekGE(startKey)
		if ok && bytes.Equal(iter.Key(), startKey) {
			ok = iter.Next()
		}
	}

	page := Page{Messages: make([]StoredMessage, 0, limit)}
	for ; ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
		if len(page.Messages) == limit {
			page.HasMore = true
			break
		}
		val := iter.Value()
		if from.unread {
			lk := append([]byte(prefixLog), iter.Key()[len(prefixUnread):]...)
			if val, err = s.db.Get(lk); err != nil {
				return Page{}, message.Transient("store.fetch", err)
			}
		}
		var m StoredMessage
		if err := json.Unmarshal(val, &m); err != nil {
			return Page{}, fmt.Errorf("store: decode %x: %w", iter.Key(), err)
		}
		page.Messages = append(page.Messages, m)
	}
	if err := iter.Error(); err != nil {
		return Page{}, message.Transient("store.fetch", err)
	}
	page.NextCursor = nextCursor(after, from, seen, page.Messages)
	return page, nil
}

func (s *PebbleStore) CommitRead(ctx context.Context, receiverID string, c Cursor) error {
	t, err := decodeCursor(c)
	if err != nil {
		return err
	}
	if t.isZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	prefix := partitionKey(prefixUnread, receiverID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return message.Transient("store.commit_read", err)
	}
	last := unreadKey(receiverID, t.position)
	for ok := iter.First(); ok && bytes.Compare(iter.Key(), last) <= 0; ok = iter.Next() {
		if len(iter.Value()) == 8 && binary.BigEndian.Uint64(iter.Value()) > t.seen {
			continue
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return message.Transient("store.commit_read", err)
	}
	iter.Close()

	key := cursorKey(receiverID)
	cur, err := s.db.Get(key)
	if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return message.Transient("store.commit_read", err)
	}
	if err != nil || c.After(Cursor(cur)) {
		if err := b.Set(key, []byte(c), nil); err != nil {
			return err
		}
	}
	if b.Empty() {
		return nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return message.Transient("store.commit_read", err)
	}
	return nil
}

func (s *PebbleStore) ReadPosition(_ context.Context, receiverID string) (Cursor, error) {
	cur, err := s.db.Get(cursorKey(receiverID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", message.Transient("store.read_position", err)
	}
	return Cursor(cur), nil
}

// Count returns the number of stored messages for receiverID.
func (s *PebbleStore) Count(receiverID string) (int, error) {
	return s.db.CountPrefix(partitionPrefix(receiverID))
}

// UnreadCount returns the number of stored messages for receiverID that have
// not been acknowledged.
func (s *PebbleStore) UnreadCount(receiverID string) (int, error) {
	return s.db.CountPrefix(partitionKey(prefixUnread, receiverID))
}
