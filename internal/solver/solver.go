// Package solver resolves a URL behind an anti-bot challenge: first with the
// local browser, then with the external fallback service.
package solver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/browser"
	"github.com/Rorqualx/flaresolverr-bridge/internal/challenge"
	"github.com/Rorqualx/flaresolverr-bridge/internal/diagnostics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/fallback"
	"github.com/Rorqualx/flaresolverr-bridge/internal/metrics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/profile"
	"github.com/Rorqualx/flaresolverr-bridge/internal/security"
	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

// Result messages, as FlareSolverr clients expect them.
const (
	MessageSolved      = "Challenge solved!"
	MessageNotDetected = "Challenge not detected!"
)

// DefaultFallbackShare is the part of the budget held back from the browser
// so a browser timeout still leaves the fallback time to run.
const DefaultFallbackShare = 0.3

// Paths that can produce a result.
const (
	PathBrowser  = "browser"
	PathFallback = "fallback"
)

// Browser opens browser sessions. *browser.Driver satisfies it.
type Browser interface {
	Open(ctx context.Context, seed browser.Seed) (browser.Session, error)
}

// Fallback fetches a page through an external service. *fallback.Client
// satisfies it.
type Fallback interface {
	Solve(ctx context.Context, req fallback.Request, budget time.Duration) (*types.Solution, error)
}

// Request is one resolution.
type Request struct {
	URL         string
	Method      string
	PostData    string
	ContentType string
	Cookies     []types.RequestCookie
	Headers     map[string]string
	Timeout     time.Duration
}

// Result is a successful resolution.
type Result struct {
	Solution *types.Solution
	Message  string
	Path     string
}

// Solver orchestrates one resolution at a time per browser slot.
type Solver struct {
	browser   Browser
	machine   *challenge.Machine
	fallback  Fallback
	store     *profile.Store
	capturer  *diagnostics.Capturer
	defaultUA string
	share     float64
	now       func() time.Time
}

// New creates a Solver. capturer may be nil.
func New(b Browser, m *challenge.Machine, f Fallback, store *profile.Store, capturer *diagnostics.Capturer, defaultUA string) *Solver {
	if m == nil {
		m = challenge.NewMachine(nil, 0, 0)
	}
	return &Solver{
		browser:   b,
		machine:   m,
		fallback:  f,
		store:     store,
		capturer:  capturer,
		defaultUA: defaultUA,
		share:     DefaultFallbackShare,
		now:       time.Now,
	}
}

// SetFallbackShare sets the fraction of each budget reserved for the
// fallback, clamped to [0, 0.9].
func (s *Solver) SetFallbackShare(share float64) {
	switch {
	case share < 0:
		share = 0
	case share > 0.9:
		share = 0.9
	}
	s.share = share
}

// browserAttempt is what the browser path hands back.
type browserAttempt struct {
	solution *types.Solution
	seen     bool
	kind     challenge.Kind
	shot     *diagnostics.Pending
}

// Resolve fetches req.URL within req.Timeout. The browser gets the budget
// minus the fallback share; the fallback gets whatever is left. On failure of
// both paths the error is a *types.ResolutionError carrying both causes.
func (s *Solver) Resolve(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = 60 * time.Second
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	browserBudget := time.Duration(float64(req.Timeout) * (1 - s.share))
	browserCtx, cancelBrowser := context.WithTimeout(ctx, browserBudget)
	defer cancelBrowser()

	prof := s.store.Snapshot().WithoutExpired(s.now())
	if prof.UserAgent == "" {
		prof.UserAgent = s.defaultUA
	}

	log.Info().
		Str("url", security.RedactURL(req.URL)).
		Str("method", req.Method).
		Dur("timeout", req.Timeout).
		Int("profile_cookies", len(prof.Cookies)).
		Msg("Resolving")

	attempt, browserErr := s.tryBrowser(browserCtx, deadline, req, prof)
	if browserErr == nil {
		s.persist(ctx, func(p *profile.Profile) {
			p.UserAgent = attempt.solution.UserAgent
			p.Cookies = attempt.solution.Cookies
		})
		metrics.RecordResolution(PathBrowser, "ok")
		msg := MessageNotDetected
		if attempt.seen {
			msg = MessageSolved
		}
		return &Result{Solution: attempt.solution, Message: msg, Path: PathBrowser}, nil
	}

	log.Warn().
		Err(browserErr).
		Str("url", security.RedactURL(req.URL)).
		Msg("Browser path failed, trying fallback")

	sol, fallbackErr := s.fallback.Solve(ctx, fallback.Request{
		URL:      req.URL,
		Method:   req.Method,
		PostData: req.PostData,
		Cookies:  prof.Cookies,
		Headers:  req.Headers,
	}, time.Until(deadline))
	if fallbackErr == nil && sol != nil {
		s.persist(ctx, func(p *profile.Profile) {
			p.MergeCookies(sol.Cookies)
			if sol.UserAgent != "" {
				p.UserAgent = sol.UserAgent
			}
		})
		metrics.RecordResolution(PathFallback, "ok")
		return &Result{Solution: sol, Message: MessageSolved, Path: PathFallback}, nil
	}
	if fallbackErr == nil {
		fallbackErr = types.NewFallbackError("fallback", types.ErrFallbackMalformed, 0, "empty solution")
	}

	attempt.shot.Commit()
	metrics.RecordResolution(PathFallback, "error")
	return nil, &types.ResolutionError{
		URL:         req.URL,
		BrowserErr:  browserErr,
		FallbackErr: fallbackErr,
	}
}

// tryBrowser runs one browser attempt. The session is always torn down; on
// failure a screenshot is grabbed first, bounded by the request deadline, and
// teardown waits for it.
func (s *Solver) tryBrowser(ctx context.Context, deadline time.Time, req Request, prof profile.Profile) (attempt browserAttempt, err error) {
	sess, err := s.browser.Open(ctx, browser.Seed{UserAgent: prof.UserAgent, Cookies: prof.Cookies})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return attempt, &types.ChallengeError{
				Kind:    challenge.KindNone.String(),
				URL:     req.URL,
				Message: "challenge timeout: budget spent waiting for the browser",
				Err:     types.ErrChallengeTimeout,
			}
		}
		return attempt, err
	}

	failed := true
	defer func() {
		if !failed {
			closeSession(sess)
			return
		}
		kind := diagnostics.KindFailure
		if attempt.kind == challenge.KindDDoSGuard {
			kind = diagnostics.KindDDoSGuardFailure
		}
		attempt.shot = s.capturer.Start(deadline, kind, req.URL, sess.Screenshot)
		go func(p *diagnostics.Pending) {
			<-p.Grabbed()
			closeSession(sess)
		}(attempt.shot)
	}()

	if err := sess.Navigate(ctx, browser.NavigateRequest{
		URL:         req.URL,
		Method:      req.Method,
		PostData:    req.PostData,
		ContentType: req.ContentType,
		Cookies:     req.Cookies,
	}); err != nil {
		return attempt, err
	}

	out, runErr := s.machine.Run(ctx, sess)
	attempt.seen = out.Seen
	attempt.kind = out.Kind
	if runErr != nil {
		return attempt, runErr
	}

	cookies, cookieErr := sess.Cookies(ctx)
	if cookieErr != nil {
		log.Warn().Err(cookieErr).Msg("Failed to read cookies, returning none")
		cookies = []types.Cookie{}
	}

	snap := out.Snapshot
	attempt.solution = &types.Solution{
		URL:       snap.URL,
		Status:    snap.StatusCode,
		Headers:   snap.Headers,
		Response:  snap.HTML,
		Cookies:   cookies,
		UserAgent: sess.UserAgent(),
	}
	if attempt.solution.URL == "" {
		attempt.solution.URL = req.URL
	}
	if attempt.solution.Headers == nil {
		attempt.solution.Headers = map[string]string{}
	}
	failed = false

	log.Info().
		Str("url", security.RedactURL(attempt.solution.URL)).
		Int("status", attempt.solution.Status).
		Int("cookies", len(cookies)).
		Bool("challenge_seen", attempt.seen).
		Msg("Browser path succeeded")
	return attempt, nil
}

// persist updates the profile unless the request deadline has passed.
// Failures are logged only.
func (s *Solver) persist(ctx context.Context, fn func(*profile.Profile)) {
	if ctx.Err() != nil {
		log.Warn().Msg("Deadline passed, profile not updated")
		return
	}
	if err := s.store.Update(fn); err != nil {
		log.Error().Err(err).Str("path", s.store.Path()).Msg("Failed to save profile")
	}
}

func closeSession(sess browser.Session) {
	if err := sess.Close(); err != nil {
		log.Debug().Err(err).Msg("Browser teardown reported an error")
	}
}
