package browser

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/Rorqualx/flaresolverr-bridge/internal/metrics"
)

// Gate admits one browser attempt at a time. Waiters are served in arrival
// order, and the time spent waiting is taken from the caller's context.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a Gate with a single slot.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the slot is free or ctx ends. The caller MUST call
// Release after a nil return.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		log.Debug().Dur("waited", time.Since(start)).Msg("Gave up waiting for the browser")
		return err
	}
	waited := time.Since(start)
	metrics.RecordBrowserWait(waited)
	metrics.BrowserBusy.Set(1)
	if waited > time.Second {
		log.Debug().Dur("waited", waited).Msg("Browser slot acquired after queueing")
	}
	return nil
}

// TryAcquire takes the slot only if it is free.
func (g *Gate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	metrics.BrowserBusy.Set(1)
	return true
}

// Release frees the slot.
func (g *Gate) Release() {
	metrics.BrowserBusy.Set(0)
	g.sem.Release(1)
}
