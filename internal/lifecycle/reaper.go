package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// StartReaper runs a background goroutine that tears down expired sessions
// and sweeps orphaned containers every interval, independent of request
// traffic. The returned channel is
// closed once the goroutine exits after ctx is cancelled.
func StartReaper(ctx context.Context, mgr *Manager, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Reaper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				mgr.ReapExpired(ctx)
				mgr.SweepOrphans(ctx)
			case <-ctx.Done():
				slog.Info("Reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}
