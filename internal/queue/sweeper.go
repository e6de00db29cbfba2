package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/rzbill/courier/pkg/log"
)

// StartSweeper runs ReclaimExpired in the background every interval (with
// up to 10% jitter). Calling it twice is a no-op.
func (q *Queue) StartSweeper(interval time.Duration, maxPerTick int) {
	q.sweepMu.Lock()
	defer q.sweepMu.Unlock()
	if q.sweepStop != nil {
		return
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxPerTick <= 0 {
		maxPerTick = 1024
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	q.sweepStop, q.sweepDone = stop, done
	go func() {
		defer close(done)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				if _, err := q.ReclaimExpired(context.Background(), maxPerTick); err != nil {
					q.logger.Error("lease reclaim failed", log.Err(err))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper and waits for it to exit.
func (q *Queue) StopSweeper() {
	q.sweepMu.Lock()
	stop, done := q.sweepStop, q.sweepDone
	q.sweepStop, q.sweepDone = nil, nil
	q.sweepMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
