// Package diagnostics saves screenshots of pages the resolver gave up on.
package diagnostics

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/metrics"
)

// Kind selects the file name prefix.
type Kind int

// Capture kinds.
const (
	KindFailure Kind = iota
	KindDDoSGuardFailure
)

// captureTimeout bounds one background write; it does not depend on the request.
const captureTimeout = 15 * time.Second

// A grab holds the browser slot, so it is kept short: at most grabTimeout,
// cut to the request deadline but never below minGrab.
const (
	grabTimeout = 3 * time.Second
	minGrab     = 500 * time.Millisecond
)

// grabLimit returns how long a grab may take given the request deadline.
// A zero deadline means no request bound.
func grabLimit(deadline, now time.Time) time.Duration {
	limit := grabTimeout
	if deadline.IsZero() {
		return limit
	}
	if left := deadline.Sub(now); left < limit {
		limit = max(left, minGrab)
	}
	return limit
}

// Source produces the PNG bytes for a capture.
type Source func(ctx context.Context) ([]byte, error)

// Capturer writes screenshots in the background. Capture never blocks the
// caller and its failures are reported on Errors, not to the request.
type Capturer struct {
	enabled bool
	dir     string
	now     func() time.Time
	errs    chan error
	wg      sync.WaitGroup
}

// NewCapturer creates a Capturer writing into dir.
func NewCapturer(enabled bool, dir string) *Capturer {
	return &Capturer{
		enabled: enabled,
		dir:     dir,
		now:     time.Now,
		errs:    make(chan error, 16),
	}
}

// Enabled reports whether captures are written.
func (c *Capturer) Enabled() bool {
	return c != nil && c.enabled
}

// Errors reports capture failures. Failures are dropped when nobody reads
// and the buffer is full.
func (c *Capturer) Errors() <-chan error {
	return c.errs
}

// Capture grabs and writes a screenshot in the background. It returns
// immediately.
func (c *Capturer) Capture(kind Kind, targetURL string, src Source) {
	if !c.Enabled() || src == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
		defer cancel()
		c.capture(ctx, kind, targetURL, src)
	}()
}

// Pending is a screenshot grabbed in the background and written only if
// Commit is called. All methods are safe on a nil Pending.
type Pending struct {
	c         *Capturer
	kind      Kind
	targetURL string
	grabbed   chan struct{}
	data      []byte
	err       error
}

// Start begins grabbing a screenshot from src without writing it, bounded by
// the request deadline (see grabLimit). It returns nil when capture is
// disabled.
func (c *Capturer) Start(deadline time.Time, kind Kind, targetURL string, src Source) *Pending {
	if !c.Enabled() || src == nil {
		return nil
	}
	p := &Pending{c: c, kind: kind, targetURL: targetURL, grabbed: make(chan struct{})}
	go func() {
		defer close(p.grabbed)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("screenshot panic: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), grabLimit(deadline, c.now()))
		defer cancel()
		p.data, p.err = src(ctx)
	}()
	return p
}

// Grabbed is closed once src has returned; the page may be released then.
func (p *Pending) Grabbed() <-chan struct{} {
	if p == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.grabbed
}

// Commit writes the screenshot in the background once it is grabbed.
func (p *Pending) Commit() {
	if p == nil {
		return
	}
	p.c.Capture(p.kind, p.targetURL, func(ctx context.Context) ([]byte, error) {
		select {
		case <-p.grabbed:
			return p.data, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Wait blocks until pending captures finish.
func (c *Capturer) Wait() {
	if c != nil {
		c.wg.Wait()
	}
}

func (c *Capturer) capture(ctx context.Context, kind Kind, targetURL string, src Source) {
	defer func() {
		if r := recover(); r != nil {
			c.report(fmt.Errorf("screenshot panic: %v", r))
		}
	}()

	data, err := src(ctx)
	if err != nil {
		c.report(fmt.Errorf("screenshot of %s: %w", targetURL, err))
		return
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.report(fmt.Errorf("screenshot dir: %w", err))
		return
	}

	path := filepath.Join(c.dir, Filename(kind, Domain(targetURL), c.now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.report(fmt.Errorf("write screenshot: %w", err))
		return
	}

	metrics.RecordScreenshot("ok")
	log.Info().Str("path", path).Int("bytes", len(data)).Msg("Failure screenshot saved")
}

func (c *Capturer) report(err error) {
	metrics.RecordScreenshot("error")
	log.Warn().Err(err).Msg("Failure screenshot not saved")
	select {
	case c.errs <- err:
	default:
	}
}

// Filename returns failure_<domain>_<YYYYMMDD_HHMMSS>.png, prefixed with
// ddos_guard_ for DDoS-Guard failures.
func Filename(kind Kind, domain string, at time.Time) string {
	name := fmt.Sprintf("failure_%s_%s.png", domain, at.Format("20060102_150405"))
	if kind == KindDDoSGuardFailure {
		name = "ddos_guard_" + name
	}
	return name
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.-]+`)

// Domain returns the host of rawURL made safe for a file name.
func Domain(rawURL string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	host = strings.Trim(unsafeChars.ReplaceAllString(host, "_"), "_.")
	if host == "" {
		return "unknown"
	}
	return host
}
