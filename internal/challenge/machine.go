package challenge

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/metrics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

// Defaults for Machine.
const (
	DefaultInterval    = time.Second
	DefaultStallPasses = 20
)

// State is the terminal state of a Run.
type State int

// Terminal states.
const (
	StateResolved State = iota
	StateTimedOut
	StateUnsolvable
)

// String returns the label used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateUnsolvable:
		return "unsolvable"
	default:
		return "unknown"
	}
}

// Page is the view of a loaded page the machine polls.
type Page interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Nudger is implemented by pages that can interact with an interactive
// challenge widget (for example by focusing and pressing its checkbox).
type Nudger interface {
	Nudge(ctx context.Context, kind Kind) error
}

// Outcome describes how a Run ended.
type Outcome struct {
	State    State
	Kind     Kind // last challenge kind observed, KindNone if the page was never challenged
	Seen     bool // a challenge was observed at least once
	Passes   int
	Snapshot Snapshot // last successful snapshot
}

// Machine polls a page until it is free of challenges.
type Machine struct {
	detector    *Detector
	interval    time.Duration
	stallPasses int
}

// NewMachine creates a Machine. Non-positive values select the defaults.
func NewMachine(detector *Detector, interval time.Duration, stallPasses int) *Machine {
	if detector == nil {
		detector = NewDetector(nil)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if stallPasses <= 0 {
		stallPasses = DefaultStallPasses
	}
	return &Machine{detector: detector, interval: interval, stallPasses: stallPasses}
}

// Detector returns the machine's detector.
func (m *Machine) Detector() *Detector {
	return m.detector
}

// Run polls page until no challenge is present, the context ends, or the
// challenge is judged unsolvable. A non-nil error is returned for the
// TimedOut and Unsolvable states and wraps ErrChallengeTimeout or
// ErrChallengeUnsolvable.
func (m *Machine) Run(ctx context.Context, page Page) (Outcome, error) {
	var (
		out      Outcome
		last     stallKey
		repeated int
	)

	for {
		if ctx.Err() != nil {
			return m.timedOut(out)
		}

		snap, err := page.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return m.timedOut(out)
			}
			log.Debug().Err(err).Int("pass", out.Passes+1).Msg("Failed to read page state")
		} else {
			out.Passes++
			out.Snapshot = snap
			kind := m.detector.Detect(snap)

			log.Debug().
				Int("pass", out.Passes).
				Str("title", snap.Title).
				Str("kind", kind.String()).
				Msg("Challenge detection")

			if kind == KindNone {
				out.State = StateResolved
				if out.Seen {
					metrics.RecordChallenge(out.Kind.String(), "solved")
					log.Info().Str("kind", out.Kind.String()).Int("passes", out.Passes).Msg("Challenge solved")
				}
				return out, nil
			}

			out.Kind = kind
			out.Seen = true

			if kind == KindBlock {
				return m.unsolvable(out, "access blocked")
			}

			key := stallKey{kind: kind, url: snap.URL, title: snap.Title}
			if key == last {
				repeated++
			} else {
				last = key
				repeated = 1
			}
			if repeated >= m.stallPasses {
				return m.unsolvable(out, "page stopped changing")
			}

			if n, ok := page.(Nudger); ok && kind == KindManaged {
				if err := n.Nudge(ctx, kind); err != nil {
					log.Debug().Err(err).Msg("Challenge interaction failed")
				}
			}
		}

		if !sleepWithContext(ctx, m.interval) {
			return m.timedOut(out)
		}
	}
}

type stallKey struct {
	kind  Kind
	url   string
	title string
}

func (m *Machine) timedOut(out Outcome) (Outcome, error) {
	out.State = StateTimedOut
	metrics.RecordChallenge(out.Kind.String(), out.State.String())
	return out, types.NewChallengeTimeoutError(out.Snapshot.URL, out.Kind.String(), out.Passes)
}

func (m *Machine) unsolvable(out Outcome, reason string) (Outcome, error) {
	out.State = StateUnsolvable
	metrics.RecordChallenge(out.Kind.String(), out.State.String())
	log.Warn().
		Str("kind", out.Kind.String()).
		Str("reason", reason).
		Int("passes", out.Passes).
		Msg("Challenge judged unsolvable")
	return out, types.NewChallengeUnsolvableError(out.Snapshot.URL, out.Kind.String(), reason, out.Passes)
}

// sleepWithContext sleeps for d or until ctx ends. It reports whether the
// full duration elapsed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
