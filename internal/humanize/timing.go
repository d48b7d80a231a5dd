// Package humanize produces the irregular pauses a person leaves between
// keyboard actions.
package humanize

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pause ranges in milliseconds.
const (
	keyPauseMinMs    = 90
	keyPauseMaxMs    = 240
	beforeActMinMs   = 200
	beforeActMaxMs   = 600
	maxJitterPercent = 0.9
)

// Between returns a random duration in [minMs, maxMs] milliseconds.
func Between(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	return time.Duration(minMs+rand.IntN(maxMs-minMs+1)) * time.Millisecond
}

// KeyPause is the gap between two key presses.
func KeyPause() time.Duration {
	return Between(keyPauseMinMs, keyPauseMaxMs)
}

// BeforeAction is the hesitation before the first interaction with a page.
func BeforeAction() time.Duration {
	return Between(beforeActMinMs, beforeActMaxMs)
}

// Jitter returns base shifted by up to ±percent of itself.
func Jitter(base time.Duration, percent float64) time.Duration {
	if base <= 0 || percent <= 0 {
		return base
	}
	if percent > maxJitterPercent {
		percent = maxJitterPercent
	}
	delta := (rand.Float64()*2 - 1) * percent * float64(base)
	return base + time.Duration(delta)
}

// Sleep waits for d or until ctx ends. It reports whether the full duration
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
