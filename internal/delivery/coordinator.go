package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/courier/internal/deadletter"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/queue"
	"github.com/rzbill/courier/pkg/clock"
	"github.com/rzbill/courier/pkg/log"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 60 * time.Second
)

// Backoff returns min(base * 2^attempts, max). It is pure.
func Backoff(attempts uint32, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	d := base
	for i := uint32(0); i < attempts; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Acker is the part of the queue that settles a leased entry.
type Acker interface {
	Ack(ctx context.Context, e queue.Entry) error
	Nack(ctx context.Context, e queue.Entry, retryAfter time.Duration) error
	Remove(ctx context.Context, e queue.Entry) error
}

// Alerter is notified once for every dead-lettered message.
type Alerter interface {
	DeadLettered(ctx context.Context, r deadletter.Record)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, r deadletter.Record)

func (f AlerterFunc) DeadLettered(ctx context.Context, r deadletter.Record) { f(ctx, r) }

// LogAlerter emits an error-level event per dead letter.
type LogAlerter struct{ Logger log.Logger }

func (a LogAlerter) DeadLettered(_ context.Context, r deadletter.Record) {
	if a.Logger == nil {
		return
	}
	a.Logger.Error("message dead-lettered",
		log.Str("id", r.Message.ID.String()),
		log.Str("receiver", r.Message.ReceiverID),
		log.F("attempts", r.Attempts),
		log.Str("cause", r.Reason),
	)
}

// RetryPolicy bounds retries. Zero values pick the defaults.
type RetryPolicy struct {
	MaxAttempts uint32
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = DefaultBackoffMax
	}
	return p
}

// Decision is what the coordinator will do with a failed entry.
type Decision struct {
	Retry bool
	// Attempts is the count after this failure.
	Attempts uint32
	Backoff  time.Duration
}

// Coordinator decides between retry and dead-letter for failed entries and
// carries the decision out against the queue.
type Coordinator struct {
	queue       Acker
	deadLetters deadletter.Store
	alerter     Alerter
	policy      RetryPolicy
	clock       clock.Clock
	logger      log.Logger
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Policy  RetryPolicy
	Alerter Alerter
	Clock   clock.Clock
	Logger  log.Logger
}

func NewCoordinator(q Acker, dls deadletter.Store, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		queue:       q,
		deadLetters: dls,
		alerter:     opts.Alerter,
		policy:      opts.Policy.withDefaults(),
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if c.clock == nil {
		c.clock = clock.System{}
	}
	if c.logger == nil {
		c.logger = log.Nop()
	}
	c.logger = c.logger.With(log.Component("coordinator"))
	if c.alerter == nil {
		c.alerter = LogAlerter{Logger: c.logger}
	}
	return c
}

// Policy returns the effective retry policy.
func (c *Coordinator) Policy() RetryPolicy { return c.policy }

// Decide is pure: it looks only at the entry's attempt count.
func (c *Coordinator) Decide(e queue.Entry) Decision {
	next := e.Attempts + 1
	if next > c.policy.MaxAttempts {
		return Decision{Attempts: next}
	}
	return Decision{Retry: true, Attempts: next, Backoff: Backoff(e.Attempts, c.policy.BackoffBase, c.policy.BackoffMax)}
}

// Exhausted reports whether an entry arrived with more attempts than the
// ceiling allows, which happens when lease reclaims alone used them up.
func (c *Coordinator) Exhausted(e queue.Entry) bool {
	return e.Attempts > c.policy.MaxAttempts
}

// Fail settles an entry whose delivery failed with cause: it is nacked with
// backoff and reported as Retrying, or dead-lettered and removed once the
// ceiling is exceeded. A failed nack leaves the outcome Failed; lease reclaim
// redelivers the entry.
func (c *Coordinator) Fail(ctx context.Context, e queue.Entry, route Route, cause error) Outcome {
	d := c.Decide(e)
	if !d.Retry {
		return c.DeadLetter(ctx, e, route, d.Attempts, cause)
	}
	out := Outcome{MessageID: e.Message.ID, Route: route, State: message.StateFailed, Attempts: d.Attempts, RetryAfter: d.Backoff, Err: cause}
	if err := c.queue.Nack(ctx, e, d.Backoff); err != nil {
		// The lease is gone or the queue is failing; reclaim redelivers it.
		c.logger.Warn("nack failed", log.Str("id", e.Message.ID.String()), log.Err(err))
		out.Err = errors.Join(cause, err)
		return out
	}
	out.State = message.StateRetrying
	c.logger.Debug("delivery failed, retrying",
		log.Str("id", e.Message.ID.String()),
		log.F("attempts", d.Attempts),
		log.Dur("backoff", d.Backoff),
		log.Err(cause),
	)
	return out
}

// DeadLetter archives the entry, raises the alert and removes it from the
// queue. If the archive write fails the entry is nacked at max backoff so it
// is never dropped.
func (c *Coordinator) DeadLetter(ctx context.Context, e queue.Entry, route Route, attempts uint32, cause error) Outcome {
	reason := "attempt ceiling exceeded"
	if cause != nil {
		reason = cause.Error()
	}
	poison := message.Poison(attempts, cause)
	rec := deadletter.Record{
		Message:        e.Message,
		Attempts:       attempts,
		Reason:         reason,
		DeadLetteredAt: c.clock.Now().UTC(),
	}
	if err := c.deadLetters.Put(ctx, rec); err != nil {
		c.logger.Error("dead-letter write failed", log.Str("id", e.Message.ID.String()), log.Err(err))
		_ = c.queue.Nack(ctx, e, c.policy.BackoffMax)
		return Outcome{MessageID: e.Message.ID, Route: route, State: message.StateFailed, Attempts: attempts, RetryAfter: c.policy.BackoffMax, Err: errors.Join(poison, err)}
	}
	c.alerter.DeadLettered(ctx, rec)
	if err := c.queue.Remove(ctx, e); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		c.logger.Warn("remove dead-lettered entry failed", log.Str("id", e.Message.ID.String()), log.Err(err))
	}
	return Outcome{MessageID: e.Message.ID, Route: route, State: message.StateDeadLettered, Attempts: attempts, Err: poison}
}
