package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/internal/push"
	"github.com/rzbill/courier/internal/queue"
	"github.com/rzbill/courier/internal/store"
	"github.com/rzbill/courier/pkg/clock"
	"github.com/rzbill/courier/pkg/log"
)

// DefaultPushTimeout bounds a single live push attempt.
const DefaultPushTimeout = 2 * time.Second

// RouterOptions configures a Router.
type RouterOptions struct {
	PushTimeout time.Duration
	Clock       clock.Clock
	Logger      log.Logger
}

// Router decides, per dequeued entry, between live push and durable
// persistence, and settles the entry with the queue.
type Router struct {
	presence    presence.Reader
	pusher      push.Pusher
	store       store.Store
	queue       Acker
	coord       *Coordinator
	pushTimeout time.Duration
	clock       clock.Clock
	logger      log.Logger
}

func NewRouter(pr presence.Reader, p push.Pusher, s store.Store, q Acker, coord *Coordinator, opts RouterOptions) *Router {
	r := &Router{
		presence:    pr,
		pusher:      p,
		store:       s,
		queue:       q,
		coord:       coord,
		pushTimeout: opts.PushTimeout,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if r.pushTimeout <= 0 {
		r.pushTimeout = DefaultPushTimeout
	}
	if r.clock == nil {
		r.clock = clock.System{}
	}
	if r.logger == nil {
		r.logger = log.Nop()
	}
	r.logger = r.logger.With(log.Component("router"))
	return r
}

// Route runs one entry to an outcome. Once started it ignores cancellation
// of ctx; only the push attempt is time-bounded.
func (r *Router) Route(ctx context.Context, e queue.Entry) Outcome {
	ctx = context.WithoutCancel(ctx)
	m := e.Message
	logger := r.logger.With(log.Str("id", m.ID.String()), log.Str("receiver", m.ReceiverID))

	if r.coord.Exhausted(e) {
		return r.coord.DeadLetter(ctx, e, RoutePersisting, e.Attempts, errors.New("attempts exhausted by lease expiry"))
	}

	if r.online(ctx, m.ReceiverID, logger) {
		pctx, cancel := context.WithTimeout(ctx, r.pushTimeout)
		res := r.pusher.Push(pctx, m.ReceiverID, m.WithState(message.StateDelivered))
		cancel()
		if res == push.ResultSuccess {
			r.settle(ctx, e, logger)
			return Outcome{MessageID: m.ID, Route: RouteDelivering, State: message.StateDelivered, Attempts: e.Attempts}
		}
		logger.Debug("push unavailable, persisting", log.Err(message.PushUnavailable(res.String())))
	}

	sm := store.StoredMessage{ChatMessage: m.WithState(message.StatePersisted), StoredAt: r.clock.Now().UTC()}
	if err := r.store.Upsert(ctx, sm); err != nil {
		return r.coord.Fail(ctx, e, RoutePersisting, message.Transient("store.upsert", err))
	}
	r.settle(ctx, e, logger)
	return Outcome{MessageID: m.ID, Route: RoutePersisting, State: message.StatePersisted, Attempts: e.Attempts}
}

// online treats a presence failure as offline; the store path is always safe.
func (r *Router) online(ctx context.Context, userID string, logger log.Logger) bool {
	snap, err := r.presence.Snapshot(ctx, userID)
	if err != nil {
		logger.Warn("presence lookup failed, treating receiver as offline", log.Err(err))
		return false
	}
	return snap.Online
}

// settle acks a delivered entry. A lost lease means the entry will be
// delivered again; the store deduplicates by id.
func (r *Router) settle(ctx context.Context, e queue.Entry, logger log.Logger) {
	if err := r.queue.Ack(ctx, e); err != nil {
		logger.Warn("ack failed, entry may be redelivered", log.Err(err))
	}
}
