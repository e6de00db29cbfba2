package presence

import (
	"context"
	"time"

	"github.com/rzbill/courier/pkg/log"
)

// RunSweeper calls t.SweepExpired every interval until ctx is done.
func RunSweeper(ctx context.Context, t Tracker, interval time.Duration, logger log.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.SweepExpired(ctx)
			if err != nil {
				logger.Warn("presence sweep failed", log.Err(err))
				continue
			}
			if n > 0 {
				logger.Debug("expired presence records removed", log.Int("count", n))
			}
		}
	}
}
