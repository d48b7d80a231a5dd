package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/security"
	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

// Driver launches a fresh Chrome per attempt behind a single-slot Gate.
type Driver struct {
	opts Options
	gate *Gate
}

// NewDriver creates a Driver. A nil gate gets a private one.
func NewDriver(opts Options, gate *Gate) *Driver {
	if gate == nil {
		gate = NewGate()
	}
	return &Driver{opts: opts, gate: gate}
}

// Open waits for the browser slot, launches Chrome, and seeds it with the
// given identity. The returned Session holds the slot until Close.
func (d *Driver) Open(ctx context.Context, seed Seed) (Session, error) {
	if err := d.gate.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for browser: %w", types.ErrBrowserLaunch, err)
	}

	s, err := d.launch(ctx, seed)
	if err != nil {
		d.gate.Release()
		return nil, err
	}
	s.release = d.gate.Release
	return s, nil
}

func (d *Driver) launch(ctx context.Context, seed Seed) (s *rodSession, err error) {
	start := time.Now()
	l := newLauncher(d.opts)

	log.Debug().
		Bool("headless", d.opts.Headless).
		Str("proxy", security.RedactProxyURL(d.opts.ProxyURL)).
		Msg("Launching browser")

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: %w", types.ErrBrowserLaunch, err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("%w: connect: %w", types.ErrBrowserLaunch, err)
	}

	s = &rodSession{launcher: l, browser: b}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("%w: page: %w", types.ErrBrowserLaunch, err)
	}
	s.page = page

	ua := seed.UserAgent
	if ua == "" {
		ua = d.opts.UserAgent
	}
	s.userAgent = ua
	if ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      ua,
			AcceptLanguage: "en-US,en;q=0.9",
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to set user agent")
		}
	}

	width, height := d.opts.WindowWidth, d.opts.WindowHeight
	if width > 0 && height > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             width,
			Height:            height,
			DeviceScaleFactor: 1,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to set viewport")
		}
	}

	if params := toCookieParams(seed.Cookies, float64(time.Now().Unix())); len(params) > 0 {
		if err := b.SetCookies(params); err != nil {
			log.Warn().Err(err).Int("count", len(params)).Msg("Failed to restore profile cookies")
		} else {
			log.Debug().Int("count", len(params)).Msg("Profile cookies restored")
		}
	}

	s.capture, s.stopCap = startDocumentCapture(context.Background(), page)

	log.Debug().Dur("took", time.Since(start)).Msg("Browser ready")
	return s, nil
}
