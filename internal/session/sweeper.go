package session

import (
	"context"
	"log"
	"time"
)

// Sweeper deletes sessions older than the refresh grace window on a
// fixed interval. Passive expiry in Find is the correctness mechanism;
// the sweep only bounds memory.
type Sweeper struct {
	store Store
	grace time.Duration
	stop  chan struct{}
}

// NewSweeper creates a sweeper over store. grace defaults to
// DefaultGrace.
func NewSweeper(store Store, grace time.Duration) *Sweeper {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Sweeper{store: store, grace: grace, stop: make(chan struct{})}
}

// Start begins the background sweep routine.
func (sw *Sweeper) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sw.stop:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-sw.grace)
				if n, err := sw.store.Sweep(ctx, cutoff); err != nil {
					log.Printf("session sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("session sweep removed %d expired sessions", n)
				}
			}
		}
	}()
}

// Stop stops the background sweep routine.
func (sw *Sweeper) Stop() {
	close(sw.stop)
}
