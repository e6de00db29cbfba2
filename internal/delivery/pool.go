package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/courier/internal/queue"
	"github.com/rzbill/courier/pkg/log"
)

// Source hands out leased entries.
type Source interface {
	Dequeue(ctx context.Context) (queue.Entry, error)
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Workers is the number of concurrent routing loops (default 4).
	Workers int
	// OnOutcome, when set, observes every routed entry.
	OnOutcome func(Outcome)
	Logger    log.Logger
}

// Pool runs N workers that dequeue and route until stopped.
type Pool struct {
	source    Source
	router    *Router
	workers   int
	onOutcome func(Outcome)
	logger    log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(src Source, r *Router, opts PoolOptions) *Pool {
	p := &Pool{source: src, router: r, workers: opts.Workers, onOutcome: opts.OnOutcome, logger: opts.Logger}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.logger == nil {
		p.logger = log.Nop()
	}
	p.logger = p.logger.With(log.Component("delivery"))
	return p
}

// Run blocks until ctx is done or the source is closed. An entry already
// being routed is finished before its worker exits.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.work(ctx, n)
		}(i)
	}
	p.logger.Info("delivery workers started", log.Int("workers", p.workers))
	wg.Wait()
	p.logger.Info("delivery workers stopped")
}

// Start runs the pool in the background until Stop.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(ctx)
	}()
}

// Stop cancels the workers and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, n int) {
	for {
		e, err := p.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Warn("dequeue failed", log.Int("worker", n), log.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		out := p.router.Route(ctx, e)
		if p.onOutcome != nil {
			p.onOutcome(out)
		}
	}
}
