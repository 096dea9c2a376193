package session

import (
	"context"
	"time"

	"cohortportal/web/internal/logger"
)

// Pruner deletes sessions past their expiry. Backends that expire keys on
// their own, like RedisStore, do not need one.
type Pruner interface {
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// RunPruner calls p every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func RunPruner(ctx context.Context, p Pruner, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.DeleteExpiredSessions(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("session prune failed", "error", err)
				continue
			}
			if n > 0 {
				log.Debug("pruned expired sessions", "count", n)
			}
		}
	}
}
