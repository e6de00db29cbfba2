package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/courier/internal/message"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/pkg/clock"
	"github.com/rzbill/courier/pkg/log"
)

var (
	// ErrLeaseLost means the entry is no longer held by the caller: its lease
	// expired and was reclaimed, or it was already acked.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("queue: closed")
)

const prefixCorrupt = prefixRoot + "corrupt/"

// Entry is a message held under a lease by one consumer.
type Entry struct {
	Seq     uint64
	Message message.ChatMessage
	// Attempts counts completed delivery attempts: nacks plus lease expiries.
	Attempts       uint32
	EnqueuedAt     time.Time
	LeaseExpiresAt time.Time

	token uint64
}

// Options configures a Queue. Zero values pick defaults.
type Options struct {
	// Lease is how long a dequeued entry stays invisible before it is
	// reclaimed as abandoned.
	Lease time.Duration
	// PollInterval bounds how long Dequeue sleeps before re-checking delayed
	// entries when nothing wakes it.
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       log.Logger
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	InFlight int `json:"inFlight"`
}

// Queue is a durable at-least-once queue of chat messages. An entry is
// leased to exactly one consumer at a time; a consumer that dies without
// acking loses the lease and the entry is redelivered with Attempts+1.
type Queue struct {
	db     *pebblestore.DB
	lease  time.Duration
	poll   time.Duration
	clock  clock.Clock
	logger log.Logger

	mu        sync.Mutex
	lastSeq   uint64
	lastToken uint64
	notifyCh  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Open restores the queue state stored in db.
func Open(db *pebblestore.DB, opts Options) (*Queue, error) {
	if db == nil {
		return nil, errors.New("queue: db must not be nil")
	}
	q := &Queue{
		db:       db,
		lease:    opts.Lease,
		poll:     opts.PollInterval,
		clock:    opts.Clock,
		logger:   opts.Logger,
		notifyCh: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	if q.lease <= 0 {
		q.lease = 30 * time.Second
	}
	if q.poll <= 0 {
		q.poll = 250 * time.Millisecond
	}
	if q.clock == nil {
		q.clock = clock.System{}
	}
	if q.logger == nil {
		q.logger = log.Nop()
	}
	q.logger = q.logger.With(log.Component("queue"))

	meta, err := db.Get(metaKey)
	switch {
	case err == nil && len(meta) >= 8:
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, fmt.Errorf("queue: load meta: %w", err)
	}
	q.lastToken = uint64(q.clock.Now().UnixNano())
	return q, nil
}

// Close wakes blocked Dequeue calls and stops the sweeper.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
	q.StopSweeper()
}

func (q *Queue) nowMs() int64 { return q.clock.Now().UnixMilli() }

// notifyLocked wakes every Dequeue waiting for work. Caller holds q.mu.
func (q *Queue) notifyLocked() {
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

// Enqueue durably appends m and returns its entry. The write is committed
// with the DB fsync policy before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, m message.ChatMessage) (Entry, error) {
	payload, err := message.Encode(m.WithState(message.StateQueued))
	if err != nil {
		return Entry{}, err
	}
	now := q.nowMs()

	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.lastSeq + 1
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(seq), encodeRecord(0, now, payload), nil); err != nil {
		return Entry{}, err
	}
	if err := b.Set(readyKey(seq), nil, nil); err != nil {
		return Entry{}, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(metaKey, meta[:], nil); err != nil {
		return Entry{}, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return Entry{}, message.Transient("queue.enqueue", err)
	}
	q.lastSeq = seq
	q.notifyLocked()
	return Entry{Seq: seq, Message: m.WithState(message.StateQueued), EnqueuedAt: time.UnixMilli(now)}, nil
}

// Dequeue blocks until an entry is available, ctx is done, or the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	for {
		q.mu.Lock()
		wake := q.notifyCh
		q.mu.Unlock()

		e, ok, err := q.TryDequeue(ctx)
		if err != nil || ok {
			return e, err
		}

		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Entry{}, ctx.Err()
		case <-q.closed:
			timer.Stop()
			return Entry{}, ErrClosed
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// TryDequeue leases the oldest ready entry without blocking. Delayed entries
// whose backoff has elapsed are promoted first.
func (q *Queue) TryDequeue(ctx context.Context) (Entry, bool, error) {
	now := q.nowMs()

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.promoteDueLocked(ctx, now); err != nil {
		return Entry{}, false, message.Transient("queue.dequeue", err)
	}

	iter, err := q.db.NewPrefixIter([]byte(prefixReady))
	if err != nil {
		return Entry{}, false, message.Transient("queue.dequeue", err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		seq, valid := parseSeqKey(prefixReady, iter.Key())
		if !valid {
			continue
		}
		e, err := q.leaseLocked(ctx, seq, now)
		if errors.Is(err, errCorruptRecord) || errors.Is(err, pebblestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return Entry{}, false, message.Transient("queue.dequeue", err)
		}
		return e, true, nil
	}
	return Entry{}, false, iter.Error()
}

func (q *Queue) leaseLocked(ctx context.Context, seq uint64, now int64) (Entry, error) {
	b := q.db.NewBatch()
	defer b.Close()

	raw, err := q.db.Get(msgKey(seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			_ = b.Delete(readyKey(seq), nil)
			_ = q.db.CommitBatch(ctx, b)
		}
		return Entry{}, err
	}
	rec, err := decodeRecord(raw)
	var m message.ChatMessage
	if err == nil {
		m, err = message.Decode(rec.payload)
		if err != nil {
			err = errCorruptRecord
		}
	}
	if err != nil {
		q.logger.Error("parking corrupt queue record", log.Uint64("seq", seq), log.Err(err))
		_ = b.Set(seqKey(prefixCorrupt, seq), raw, nil)
		_ = b.Delete(msgKey(seq), nil)
		_ = b.Delete(readyKey(seq), nil)
		_ = q.db.CommitBatch(ctx, b)
		return Entry{}, errCorruptRecord
	}

	q.lastToken++
	token := q.lastToken
	exp := now + q.lease.Milliseconds()
	if err := b.Set(leaseKey(seq), leaseValue(exp, token), nil); err != nil {
		return Entry{}, err
	}
	if err := b.Set(leaseIdxKey(exp, seq), nil, nil); err != nil {
		return Entry{}, err
	}
	if err := b.Delete(readyKey(seq), nil); err != nil {
		return Entry{}, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return Entry{}, err
	}
	return Entry{
		Seq:            seq,
		Message:        m,
		Attempts:       rec.attempts,
		EnqueuedAt:     time.UnixMilli(rec.enqueuedAtMs),
		LeaseExpiresAt: time.UnixMilli(exp),
		token:          token,
	}, nil
}

// promoteDueLocked moves delayed entries whose time has come into ready.
func (q *Queue) promoteDueLocked(ctx context.Context, now int64) error {
	iter, err := q.db.NewPrefixIter([]byte(prefixDelay))
	if err != nil {
		return err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		at, seq, valid := parseTimedKey(prefixDelay, iter.Key())
		if !valid {
			continue
		}
		if at > now {
			break
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return err
		}
		if err := b.Set(readyKey(seq), nil, nil); err != nil {
			return err
		}
		promoted++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if promoted == 0 {
		return nil
	}
	return q.db.CommitBatch(ctx, b)
}

func leaseValue(expMs int64, token uint64) []byte {
	var v [16]byte
	binary.BigEndian.PutUint64(v[0:8], uint64(expMs))
	binary.BigEndian.PutUint64(v[8:16], token)
	return v[:]
}

func parseLease(v []byte) (int64, uint64, bool) {
	if len(v) < 16 {
		return 0, 0, false
	}
	return int64(binary.BigEndian.Uint64(v[0:8])), binary.BigEndian.Uint64(v[8:16]), true
}

// checkLeaseLocked verifies e still holds its lease and returns its expiry.
func (q *Queue) checkLeaseLocked(e Entry) (int64, error) {
	v, err := q.db.Get(leaseKey(e.Seq))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, ErrLeaseLost
	}
	if err != nil {
		return 0, err
	}
	exp, token, ok := parseLease(v)
	if !ok || token != e.token {
		return 0, ErrLeaseLost
	}
	return exp, nil
}

// Ack completes e and deletes it from the queue.
func (q *Queue) Ack(ctx context.Context, e Entry) error {
	return q.finish(ctx, e, "queue.ack")
}

// Remove drops e without delivery. Used after the entry was dead-lettered.
func (q *Queue) Remove(ctx context.Context, e Entry) error {
	return q.finish(ctx, e, "queue.remove")
}

func (q *Queue) finish(ctx context.Context, e Entry, op string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	exp, err := q.checkLeaseLocked(e)
	if errors.Is(err, ErrLeaseLost) {
		return err
	}
	if err != nil {
		return message.Transient(op, err)
	}
	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Delete(leaseKey(e.Seq), nil)
	_ = b.Delete(leaseIdxKey(exp, e.Seq), nil)
	_ = b.Delete(msgKey(e.Seq), nil)
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return message.Transient(op, err)
	}
	return nil
}

// Nack releases e for redelivery after retryAfter and increments its
// attempt counter. retryAfter <= 0 makes it ready immediately.
func (q *Queue) Nack(ctx context.Context, e Entry, retryAfter time.Duration) error {
	now := q.nowMs()

	q.mu.Lock()
	defer q.mu.Unlock()

	exp, err := q.checkLeaseLocked(e)
	if errors.Is(err, ErrLeaseLost) {
		return err
	}
	if err != nil {
		return message.Transient("queue.nack", err)
	}
	raw, err := q.db.Get(msgKey(e.Seq))
	if err != nil {
		return message.Transient("queue.nack", err)
	}
	updated, err := withAttempts(raw, e.Attempts+1)
	if err != nil {
		return err
	}

	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Delete(leaseKey(e.Seq), nil)
	_ = b.Delete(leaseIdxKey(exp, e.Seq), nil)
	if err := b.Set(msgKey(e.Seq), updated, nil); err != nil {
		return err
	}
	if retryAfter > 0 {
		err = b.Set(delayKey(now+retryAfter.Milliseconds(), e.Seq), nil, nil)
	} else {
		err = b.Set(readyKey(e.Seq), nil, nil)
	}
	if err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return message.Transient("queue.nack", err)
	}
	if retryAfter <= 0 {
		q.notifyLocked()
	}
	return nil
}

// ReclaimExpired returns entries whose lease has expired to the ready set,
// counting the expiry as a failed attempt. max <= 0 means no limit.
func (q *Queue) ReclaimExpired(ctx context.Context, max int) (int, error) {
	now := q.nowMs()

	q.mu.Lock()
	defer q.mu.Unlock()

	iter, err := q.db.NewPrefixIter([]byte(prefixLeaseIdx))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		exp, seq, valid := parseTimedKey(prefixLeaseIdx, iter.Key())
		if !valid {
			continue
		}
		if exp > now {
			break
		}
		_ = b.Delete(iter.Key(), nil)

		// A stale index entry whose lease was renewed or released is dropped.
		lv, err := q.db.Get(leaseKey(seq))
		if err != nil {
			continue
		}
		if leaseExp, _, ok := parseLease(lv); !ok || leaseExp != exp {
			continue
		}
		raw, err := q.db.Get(msgKey(seq))
		if err != nil {
			_ = b.Delete(leaseKey(seq), nil)
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			_ = b.Delete(leaseKey(seq), nil)
			_ = b.Set(seqKey(prefixCorrupt, seq), raw, nil)
			_ = b.Delete(msgKey(seq), nil)
			continue
		}
		_ = b.Delete(leaseKey(seq), nil)
		if err := b.Set(msgKey(seq), encodeRecord(rec.attempts+1, rec.enqueuedAtMs, rec.payload), nil); err != nil {
			return reclaimed, err
		}
		if err := b.Set(readyKey(seq), nil, nil); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return reclaimed, err
	}
	if b.Count() == 0 {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		q.logger.Warn("reclaimed expired leases", log.Int("count", reclaimed))
		q.notifyLocked()
	}
	if reclaimed >= 4096 {
		_ = q.db.CompactRange([]byte(prefixLeaseIdx), pebblestore.PrefixUpperBound([]byte(prefixLeaseIdx)))
	}
	return reclaimed, nil
}

// Stats counts entries per state.
func (q *Queue) Stats() (Stats, error) {
	var s Stats
	var err error
	if s.Ready, err = q.db.CountPrefix([]byte(prefixReady)); err != nil {
		return Stats{}, err
	}
	if s.Delayed, err = q.db.CountPrefix([]byte(prefixDelay)); err != nil {
		return Stats{}, err
	}
	if s.InFlight, err = q.db.CountPrefix([]byte(prefixLease)); err != nil {
		return Stats{}, err
	}
	return s, nil
}
