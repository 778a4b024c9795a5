// pkg/tool/pending/sweep.go
package pending

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweep purges expired states every interval until ctx is done. Consume
// already rejects expired entries, so sweeping only bounds storage growth.
func Sweep(ctx context.Context, store Store, interval time.Duration, logger *zap.SugaredLogger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := store.Purge(ctx, now)
			if err != nil {
				logger.Warnw("pending state purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("purged expired pending states", "count", n)
			}
		}
	}
}
