package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryOnConflict runs op, retrying SQLite busy/locked failures with
// exponential backoff (baseDelay, 2*baseDelay, ...). Other errors and the
// last conflict are returned as is.
func RetryOnConflict(ctx context.Context, maxRetries int, baseDelay time.Duration, opName string, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !IsSQLiteConflictError(err) || i == maxRetries-1 {
			return err
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", opName, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
