package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const releaseTimeout = 5 * time.Second

// releaseOnce wraps release so it runs at most once however many goroutines
// call the returned func. It runs on a fresh context because the caller's may
// already be cancelled; a failure is logged and the key then waits out its TTL.
func releaseOnce(key string, release func(ctx context.Context) error) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := release(ctx); err != nil {
				slog.Warn("lock: release failed", "key", key, "err", err)
			}
		})
	}
}
