package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/courier/internal/deadletter"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/internal/push"
	"github.com/rzbill/courier/internal/queue"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/internal/store"
	"github.com/rzbill/courier/pkg/clock"
	"github.com/rzbill/courier/pkg/id"
)

var ids = id.NewGeneratorWithNode(7)

type fixture struct {
	clk      *clock.Manual
	queue    *queue.Queue
	store    *store.PebbleStore
	dlq      *deadletter.PebbleStore
	presence *presence.MemoryTracker
	alerts   atomic.Int32
	pushes   atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	q, err := queue.Open(db, queue.Options{Lease: 30 * time.Second, PollInterval: 10 * time.Millisecond, Clock: clk})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(q.Close)
	return &fixture{
		clk:      clk,
		queue:    q,
		store:    store.NewPebbleStore(db, clk),
		dlq:      deadletter.NewPebbleStore(db),
		presence: presence.NewMemoryTracker(time.Hour, clk),
	}
}

func (f *fixture) router(p push.Pusher, s store.Store, timeout time.Duration) *Router {
	coord := NewCoordinator(f.queue, f.dlq, CoordinatorOptions{
		Clock:   f.clk,
		Alerter: AlerterFunc(func(context.Context, deadletter.Record) { f.alerts.Add(1) }),
	})
	return NewRouter(f.presence, p, s, f.queue, coord, RouterOptions{PushTimeout: timeout, Clock: f.clk})
}

func (f *fixture) acceptingPusher() push.Pusher {
	return push.PusherFunc(func(context.Context, string, message.ChatMessage) push.Result {
		f.pushes.Add(1)
		return push.ResultSuccess
	})
}

func (f *fixture) enqueue(t *testing.T, m message.ChatMessage) {
	t.Helper()
	if _, err := f.queue.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (f *fixture) next(t *testing.T) queue.Entry {
	t.Helper()
	e, ok, err := f.queue.TryDequeue(context.Background())
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	return e
}

func (f *fixture) assertDrained(t *testing.T) {
	t.Helper()
	st, err := f.queue.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Ready+st.Delayed+st.InFlight != 0 {
		t.Fatalf("queue not drained: %+v", st)
	}
}

func chat(receiver, body string, sentAtMs int64) message.ChatMessage {
	return message.ChatMessage{
		ID:         ids.Next(),
		SenderID:   "u1",
		ReceiverID: receiver,
		SentAt:     time.UnixMilli(sentAtMs).UTC(),
		Body:       body,
	}
}

type failingStore struct {
	store.Store
	fails atomic.Int32
}

func (s *failingStore) Upsert(context.Context, store.StoredMessage) error {
	s.fails.Add(1)
	return errors.New("disk unavailable")
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts uint32
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.attempts, time.Second, time.Minute); got != c.want {
			t.Fatalf("Backoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestOnlinePushLeavesNoStoreRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.presence.Connect(ctx, "u2"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.enqueue(t, chat("u2", "hi", 1))

	out := f.router(f.acceptingPusher(), f.store, 0).Route(ctx, f.next(t))
	if out.Route != RouteDelivering || out.State != message.StateDelivered {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if n, _ := f.store.Count("u2"); n != 0 {
		t.Fatalf("delivered message must not be stored, got %d rows", n)
	}
	f.assertDrained(t)
}

func TestOfflineReceiverIsPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := chat("u2", "hi", 1)
	f.enqueue(t, m)

	out := f.router(f.acceptingPusher(), f.store, 0).Route(ctx, f.next(t))
	if out.Route != RoutePersisting || out.State != message.StatePersisted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.pushes.Load() != 0 {
		t.Fatalf("offline receiver must not be pushed")
	}
	page, err := f.store.FetchSince(ctx, "u2", "", 10)
	if err != nil || len(page.Messages) != 1 || page.Messages[0].ID != m.ID {
		t.Fatalf("fetch: %+v %v", page, err)
	}
	f.assertDrained(t)
}

func TestPushTimeoutFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.presence.Connect(ctx, "u2"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.enqueue(t, chat("u2", "hi", 1))

	slow := push.PusherFunc(func(ctx context.Context, _ string, _ message.ChatMessage) push.Result {
		<-ctx.Done()
		return push.ResultTimeout
	})
	start := time.Now()
	out := f.router(slow, f.store, 50*time.Millisecond).Route(ctx, f.next(t))
	if time.Since(start) > 2*time.Second {
		t.Fatalf("push was not time-bounded")
	}
	if out.Route != RoutePersisting || out.State != message.StatePersisted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if n, _ := f.store.Count("u2"); n != 1 {
		t.Fatalf("want 1 stored row, got %d", n)
	}
}

func TestRouteIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, chat("u2", "hi", 1))
	e := f.next(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := f.router(f.acceptingPusher(), f.store, 0).Route(ctx, e)
	if out.State != message.StatePersisted {
		t.Fatalf("cancelled caller must not abort the route: %+v", out)
	}
}

type brokenPresence struct{ calls atomic.Int32 }

func (p *brokenPresence) Snapshot(context.Context, string) (presence.Snapshot, error) {
	p.calls.Add(1)
	return presence.Snapshot{}, errors.New("presence backend down")
}

func TestPresenceErrorFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := chat("u2", "hi", 1)
	f.enqueue(t, m)

	pr := &brokenPresence{}
	coord := NewCoordinator(f.queue, f.dlq, CoordinatorOptions{Clock: f.clk})
	r := NewRouter(pr, f.acceptingPusher(), f.store, f.queue, coord, RouterOptions{Clock: f.clk})

	out := r.Route(ctx, f.next(t))
	if out.Route != RoutePersisting || out.State != message.StatePersisted || out.Err != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if pr.calls.Load() != 1 {
		t.Fatalf("presence should be consulted once, got %d", pr.calls.Load())
	}
	if f.pushes.Load() != 0 {
		t.Fatalf("an unknown presence must not be pushed")
	}
	page, err := f.store.FetchSince(ctx, "u2", "", 10)
	if err != nil || len(page.Messages) != 1 || page.Messages[0].ID != m.ID {
		t.Fatalf("fetch: %+v %v", page, err)
	}
	f.assertDrained(t)
}

// nackFailingQueue loses every lease before it can be nacked.
type nackFailingQueue struct{ Acker }

func (q nackFailingQueue) Nack(context.Context, queue.Entry, time.Duration) error {
	return queue.ErrLeaseLost
}

func TestFailedNackReportsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, chat("u2", "hi", 1))
	e := f.next(t)

	retrying := NewCoordinator(f.queue, f.dlq, CoordinatorOptions{Clock: f.clk})
	out := retrying.Fail(ctx, e, RoutePersisting, errors.New("boom"))
	if out.State != message.StateRetrying || !message.CanTransition(message.StateFailed, out.State) {
		t.Fatalf("nacked entry should be Retrying, got %+v", out)
	}

	f.clk.Advance(out.RetryAfter)
	e = f.next(t)
	stuck := NewCoordinator(nackFailingQueue{f.queue}, f.dlq, CoordinatorOptions{Clock: f.clk})
	out = stuck.Fail(ctx, e, RoutePersisting, errors.New("boom"))
	if out.State != message.StateFailed || !errors.Is(out.Err, queue.ErrLeaseLost) {
		t.Fatalf("unsettled entry should stay Failed, got %+v", out)
	}
}

func TestCeilingDeadLettersAfterSixFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := chat("u2", "hi", 1)
	f.enqueue(t, m)
	broken := &failingStore{Store: f.store}
	r := f.router(f.acceptingPusher(), broken, 0)

	var out Outcome
	for i := 0; i < 6; i++ {
		e := f.next(t)
		if e.Attempts != uint32(i) {
			t.Fatalf("attempt %d: entry carries %d attempts", i, e.Attempts)
		}
		out = r.Route(ctx, e)
		if i < 5 {
			if out.State != message.StateRetrying || out.RetryAfter != Backoff(uint32(i), time.Second, time.Minute) {
				t.Fatalf("attempt %d: unexpected outcome %+v", i, out)
			}
			if !message.IsKind(out.Err, message.KindTransientInfra) {
				t.Fatalf("attempt %d: want transient error, got %v", i, out.Err)
			}
			f.clk.Advance(out.RetryAfter)
		}
	}
	if out.State != message.StateDeadLettered || out.Attempts != 6 {
		t.Fatalf("want DeadLettered after 6 failures, got %+v", out)
	}
	if !message.IsKind(out.Err, message.KindPoison) {
		t.Fatalf("want poison error, got %v", out.Err)
	}
	if broken.fails.Load() != 6 {
		t.Fatalf("want 6 upsert attempts, got %d", broken.fails.Load())
	}
	rec, err := f.dlq.Get(ctx, m.ID)
	if err != nil || rec.Attempts != 6 || rec.Message.State != message.StateDeadLettered {
		t.Fatalf("dead letter: %+v %v", rec, err)
	}
	if f.alerts.Load() != 1 {
		t.Fatalf("want one alert, got %d", f.alerts.Load())
	}
	f.assertDrained(t)
}

func TestRedeliveryAfterCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := chat("u2", "hi", 1)
	f.enqueue(t, m)

	_ = f.next(t) // worker dies holding the lease
	f.clk.Advance(31 * time.Second)
	if n, err := f.queue.ReclaimExpired(ctx, 10); err != nil || n != 1 {
		t.Fatalf("reclaim: %d %v", n, err)
	}
	e := f.next(t)
	if e.Attempts != 1 {
		t.Fatalf("want attempts 1 after reclaim, got %d", e.Attempts)
	}
	out := f.router(f.acceptingPusher(), f.store, 0).Route(ctx, e)
	if out.State != message.StatePersisted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	f.assertDrained(t)
}

func TestExhaustedByReclaimGoesStraightToDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, chat("u2", "hi", 1))
	for i := 0; i < 6; i++ {
		_ = f.next(t)
		f.clk.Advance(31 * time.Second)
		if _, err := f.queue.ReclaimExpired(ctx, 10); err != nil {
			t.Fatalf("reclaim: %v", err)
		}
	}
	e := f.next(t)
	out := f.router(f.acceptingPusher(), f.store, 0).Route(ctx, e)
	if out.State != message.StateDeadLettered {
		t.Fatalf("want DeadLettered, got %+v", out)
	}
	if n, _ := f.store.Count("u2"); n != 0 {
		t.Fatalf("exhausted entry must not be stored")
	}
	if n, _ := f.dlq.Count(ctx); n != 1 {
		t.Fatalf("want 1 dead letter, got %d", n)
	}
}

func TestDuplicateQueueDeliveryYieldsOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := chat("u2", "hi", 1)
	f.enqueue(t, m)
	f.enqueue(t, m)
	r := f.router(f.acceptingPusher(), f.store, 0)
	for i := 0; i < 2; i++ {
		if out := r.Route(ctx, f.next(t)); out.State != message.StatePersisted {
			t.Fatalf("unexpected outcome %+v", out)
		}
	}
	if n, _ := f.store.Count("u2"); n != 1 {
		t.Fatalf("want exactly one row, got %d", n)
	}
}

func TestPoolDrainsQueueInReceiverOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const total = 20
	for i := total; i > 0; i-- {
		receiver := "u2"
		if i%2 == 0 {
			receiver = "u3"
		}
		f.enqueue(t, chat(receiver, "m", int64(i)))
	}

	var mu sync.Mutex
	seen := 0
	done := make(chan struct{})
	pool := NewPool(f.queue, f.router(f.acceptingPusher(), f.store, 0), PoolOptions{
		Workers: 4,
		OnOutcome: func(o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			if o.State != message.StatePersisted {
				t.Errorf("unexpected outcome %+v", o)
			}
			seen++
			if seen == total {
				close(done)
			}
		},
	})
	pool.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not drain the queue")
	}
	pool.Stop()

	for _, receiver := range []string{"u2", "u3"} {
		page, err := f.store.FetchSince(ctx, receiver, "", 100)
		if err != nil || len(page.Messages) != total/2 {
			t.Fatalf("%s: %d messages, err %v", receiver, len(page.Messages), err)
		}
		for i := 1; i < len(page.Messages); i++ {
			if message.Compare(page.Messages[i-1].ChatMessage, page.Messages[i].ChatMessage) >= 0 {
				t.Fatalf("%s: out of order at %d", receiver, i)
			}
		}
	}
	f.assertDrained(t)
}
