package solver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/flaresolverr-bridge/internal/browser"
	"github.com/Rorqualx/flaresolverr-bridge/internal/challenge"
	"github.com/Rorqualx/flaresolverr-bridge/internal/diagnostics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/fallback"
	"github.com/Rorqualx/flaresolverr-bridge/internal/profile"
	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

const testUA = "Mozilla/5.0 (test)"

var (
	clearSnap = challenge.Snapshot{
		URL:        "https://example.com/",
		Title:      "Example Domain",
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "text/html"},
		HTML:       "<html><head><title>Example Domain</title></head><body>ok</body></html>",
	}
	jsSnap  = challenge.Snapshot{URL: "https://example.com/", Title: "Just a moment...", StatusCode: 503}
	ddgSnap = challenge.Snapshot{URL: "https://example.com/", Title: "DDoS-Guard", StatusCode: 403}
)

// fakeBrowser hands out scripted sessions behind a real single-slot gate.
type fakeBrowser struct {
	gate    *browser.Gate
	snaps   []challenge.Snapshot
	cookies []types.Cookie
	openErr error
	hold    time.Duration
	// hangShot makes Screenshot block until its context ends.
	hangShot bool

	mu     sync.Mutex
	seeds  []browser.Seed
	opened int
	closed atomic.Int32
	active atomic.Int32
	peak   atomic.Int32
}

func newFakeBrowser(snaps ...challenge.Snapshot) *fakeBrowser {
	return &fakeBrowser{gate: browser.NewGate(), snaps: snaps}
}

func (b *fakeBrowser) Open(ctx context.Context, seed browser.Seed) (browser.Session, error) {
	if err := b.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.seeds = append(b.seeds, seed)
	b.opened++
	b.mu.Unlock()

	if b.openErr != nil {
		b.gate.Release()
		return nil, b.openErr
	}

	n := b.active.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	ua := seed.UserAgent
	return &fakeSession{b: b, ua: ua}, nil
}

type fakeSession struct {
	b     *fakeBrowser
	ua    string
	calls int
	once  sync.Once
}

func (s *fakeSession) Snapshot(ctx context.Context) (challenge.Snapshot, error) {
	if s.b.hold > 0 {
		time.Sleep(s.b.hold)
	}
	i := s.calls
	s.calls++
	if i >= len(s.b.snaps) {
		i = len(s.b.snaps) - 1
	}
	return s.b.snaps[i], nil
}

func (s *fakeSession) Navigate(ctx context.Context, req browser.NavigateRequest) error {
	return nil
}

func (s *fakeSession) Cookies(ctx context.Context) ([]types.Cookie, error) {
	return s.b.cookies, nil
}

func (s *fakeSession) UserAgent() string { return s.ua }

func (s *fakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	if s.b.hangShot {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte("png"), nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		s.b.active.Add(-1)
		s.b.closed.Add(1)
		s.b.gate.Release()
	})
	return nil
}

type fakeFallback struct {
	sol    *types.Solution
	err    error
	delay  time.Duration
	calls  atomic.Int32
	last   fallback.Request
	budget time.Duration
}

func (f *fakeFallback) Solve(ctx context.Context, req fallback.Request, budget time.Duration) (*types.Solution, error) {
	f.calls.Add(1)
	f.last = req
	f.budget = budget
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.sol, f.err
}

func newTestSolver(t *testing.T, b Browser, f Fallback, capture bool) (*Solver, *profile.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := profile.NewStore(filepath.Join(dir, "persistent.json"))
	store.Load()
	shots := filepath.Join(dir, "screenshots")
	m := challenge.NewMachine(nil, time.Millisecond, 3)
	return New(b, m, f, store, diagnostics.NewCapturer(capture, shots), testUA), store, shots
}

func waitClosed(t *testing.T, b *fakeBrowser, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return b.closed.Load() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestResolveNoChallengeSkipsFallback(t *testing.T) {
	b := newFakeBrowser(clearSnap)
	b.cookies = []types.Cookie{{Name: "sid", Value: "1", Domain: "example.com", Path: "/", Expires: -1, Session: true}}
	f := &fakeFallback{}
	s, store, _ := newTestSolver(t, b, f, true)

	res, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, MessageNotDetected, res.Message)
	assert.Equal(t, PathBrowser, res.Path)
	assert.Equal(t, clearSnap.HTML, res.Solution.Response)
	assert.Equal(t, 200, res.Solution.Status)
	assert.Equal(t, "text/html", res.Solution.Headers["content-type"])
	assert.Equal(t, testUA, res.Solution.UserAgent)
	assert.Zero(t, f.calls.Load())

	saved := store.Snapshot()
	assert.Equal(t, testUA, saved.UserAgent)
	require.Len(t, saved.Cookies, 1)
	assert.Equal(t, "sid", saved.Cookies[0].Name)

	waitClosed(t, b, 1)
}

func TestResolveChallengeThenClear(t *testing.T) {
	b := newFakeBrowser(jsSnap, clearSnap)
	f := &fakeFallback{}
	s, _, _ := newTestSolver(t, b, f, false)

	res, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, MessageSolved, res.Message)
	assert.Zero(t, f.calls.Load())
}

func TestResolveStuckChallengeCallsFallbackOnce(t *testing.T) {
	b := newFakeBrowser(jsSnap)
	f := &fakeFallback{sol: &types.Solution{
		URL:       "https://example.com/",
		Status:    200,
		Headers:   map[string]string{},
		Response:  "<html>from fallback</html>",
		Cookies:   []types.Cookie{{Name: "cf_clearance", Value: "fb", Domain: ".example.com", Path: "/", Expires: -1, Session: true}},
		UserAgent: "Fallback UA",
	}}
	s, store, shots := newTestSolver(t, b, f, true)

	res, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, PathFallback, res.Path)
	assert.Equal(t, MessageSolved, res.Message)
	assert.Equal(t, "<html>from fallback</html>", res.Solution.Response)

	saved := store.Snapshot()
	assert.Equal(t, "Fallback UA", saved.UserAgent)
	require.Len(t, saved.Cookies, 1)
	assert.Equal(t, "fb", saved.Cookies[0].Value)

	waitClosed(t, b, 1)
	s.capturer.Wait()
	entries, _ := os.ReadDir(shots)
	assert.Empty(t, entries, "no screenshot when the fallback recovers")
}

func TestResolveBothFail(t *testing.T) {
	b := newFakeBrowser(jsSnap)
	f := &fakeFallback{err: types.NewFallbackError("scrappey", types.ErrFallbackAuth, 401, "invalid key")}
	s, store, shots := newTestSolver(t, b, f, true)

	res, err := s.Resolve(context.Background(), Request{URL: "https://example.com/page", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, int32(1), f.calls.Load())

	var re *types.ResolutionError
	require.True(t, errors.As(err, &re))
	assert.True(t, errors.Is(err, types.ErrChallengeUnsolvable))
	assert.True(t, errors.Is(err, types.ErrFallbackAuth))
	assert.Contains(t, err.Error(), "challenge unsolvable")
	assert.Contains(t, err.Error(), "invalid key")

	assert.Empty(t, store.Snapshot().Cookies)

	waitClosed(t, b, 1)
	require.Eventually(t, func() bool {
		s.capturer.Wait()
		m, _ := filepath.Glob(filepath.Join(shots, "failure_example.com_*.png"))
		return len(m) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolveDDoSGuardScreenshotPrefix(t *testing.T) {
	b := newFakeBrowser(ddgSnap)
	f := &fakeFallback{err: types.NewFallbackError("scrappey", types.ErrFallbackNetwork, 0, "timed out")}
	s, _, shots := newTestSolver(t, b, f, true)

	_, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 5 * time.Second})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		s.capturer.Wait()
		m, _ := filepath.Glob(filepath.Join(shots, "ddos_guard_failure_example.com_*.png"))
		return len(m) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolveCaptureDisabled(t *testing.T) {
	b := newFakeBrowser(jsSnap)
	f := &fakeFallback{err: types.NewFallbackError("scrappey", types.ErrFallbackMalformed, 0, "bad")}
	s, _, shots := newTestSolver(t, b, f, false)

	_, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 5 * time.Second})
	require.Error(t, err)

	waitClosed(t, b, 1)
	s.capturer.Wait()
	_, statErr := os.Stat(shots)
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolveLaunchFailureUsesFallback(t *testing.T) {
	b := newFakeBrowser(clearSnap)
	b.openErr = types.ErrBrowserLaunch
	f := &fakeFallback{sol: &types.Solution{URL: "https://example.com/", Status: 200}}
	s, _, _ := newTestSolver(t, b, f, true)

	res, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.Path)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolveSeedsProfile(t *testing.T) {
	b := newFakeBrowser(clearSnap)
	f := &fakeFallback{}
	s, store, _ := newTestSolver(t, b, f, false)

	past := float64(time.Now().Add(-time.Hour).Unix())
	future := float64(time.Now().Add(time.Hour).Unix())
	require.NoError(t, store.Save(profile.Profile{Cookies: []types.Cookie{
		{Name: "old", Value: "x", Domain: "example.com", Path: "/", Expires: past},
		{Name: "fresh", Value: "y", Domain: "example.com", Path: "/", Expires: future},
	}}))

	_, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 5 * time.Second})
	require.NoError(t, err)

	require.Len(t, b.seeds, 1)
	assert.Equal(t, testUA, b.seeds[0].UserAgent, "empty profile UA falls back to the default")
	require.Len(t, b.seeds[0].Cookies, 1)
	assert.Equal(t, "fresh", b.seeds[0].Cookies[0].Name)
}

func TestResolveFallbackGetsProfileCookies(t *testing.T) {
	b := newFakeBrowser(jsSnap)
	f := &fakeFallback{sol: &types.Solution{URL: "https://example.com/", Status: 200}}
	s, store, _ := newTestSolver(t, b, f, false)
	require.NoError(t, store.Save(profile.Profile{
		UserAgent: "Stored UA",
		Cookies:   []types.Cookie{{Name: "a", Value: "1", Domain: "example.com", Path: "/", Expires: -1, Session: true}},
	}))

	_, err := s.Resolve(context.Background(), Request{
		URL:      "https://example.com/form",
		Method:   "POST",
		PostData: "a=b",
		Headers:  map[string]string{"Referer": "x"},
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "POST", f.last.Method)
	assert.Equal(t, "a=b", f.last.PostData)
	require.Len(t, f.last.Cookies, 1)
	assert.Equal(t, "x", f.last.Headers["Referer"])
}

func TestResolveNoSaveAfterDeadline(t *testing.T) {
	b := newFakeBrowser(jsSnap)
	f := &fakeFallback{
		sol:   &types.Solution{URL: "https://example.com/", Status: 200, UserAgent: "late", Cookies: []types.Cookie{{Name: "late"}}},
		delay: 300 * time.Millisecond,
	}
	s, store, _ := newTestSolver(t, b, f, false)

	res, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 150 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.Path)

	saved := store.Snapshot()
	assert.Empty(t, saved.UserAgent)
	assert.Empty(t, saved.Cookies)
}

func TestResolveOneBrowserAttemptAtATime(t *testing.T) {
	b := newFakeBrowser(clearSnap)
	b.hold = 10 * time.Millisecond
	f := &fakeFallback{}
	s, _, _ := newTestSolver(t, b, f, false)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 10 * time.Second})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, int32(1), b.peak.Load())
	assert.Equal(t, 6, b.opened)
	assert.Zero(t, f.calls.Load())
}

func TestResolveQueueTimeoutIsChallengeTimeout(t *testing.T) {
	b := newFakeBrowser(clearSnap)
	require.NoError(t, b.gate.Acquire(context.Background()))
	defer b.gate.Release()

	f := &fakeFallback{err: types.NewFallbackError("scrappey", types.ErrFallbackNetwork, 0, "no time left for the request")}
	s, _, _ := newTestSolver(t, b, f, false)

	_, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrChallengeTimeout))
	assert.Zero(t, b.opened)
	assert.True(t, strings.Contains(err.Error(), "waiting for the browser"))
}

func TestResolveBrowserTimeoutLeavesFallbackBudget(t *testing.T) {
	b := newFakeBrowser(jsSnap)
	f := &fakeFallback{sol: &types.Solution{URL: "https://example.com/", Status: 200}}
	dir := t.TempDir()
	store := profile.NewStore(filepath.Join(dir, "persistent.json"))
	m := challenge.NewMachine(nil, 5*time.Millisecond, 1000)
	s := New(b, m, f, store, nil, testUA)
	s.SetFallbackShare(0.5)

	res, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 400 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.Path)
	assert.Greater(t, f.budget, 100*time.Millisecond)
	assert.LessOrEqual(t, f.budget, 200*time.Millisecond)
}

func TestResolveHungScreenshotReleasesBrowser(t *testing.T) {
	b := newFakeBrowser(jsSnap)
	b.hangShot = true
	f := &fakeFallback{err: types.NewFallbackError("scrappey", types.ErrFallbackNetwork, 0, "timed out")}
	dir := t.TempDir()
	store := profile.NewStore(filepath.Join(dir, "persistent.json"))
	m := challenge.NewMachine(nil, 5*time.Millisecond, 1000)
	s := New(b, m, f, store, diagnostics.NewCapturer(true, filepath.Join(dir, "screenshots")), testUA)
	s.SetFallbackShare(0.5)

	start := time.Now()
	_, err := s.Resolve(context.Background(), Request{URL: "https://example.com/", Timeout: 400 * time.Millisecond})
	require.Error(t, err)

	waitClosed(t, b, 1)
	assert.Less(t, time.Since(start), 2*time.Second, "browser slot held past the request deadline")
	s.capturer.Wait()
}

func TestSetFallbackShareClamps(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, testUA)
	assert.Equal(t, DefaultFallbackShare, s.share)
	s.SetFallbackShare(-1)
	assert.Equal(t, 0.0, s.share)
	s.SetFallbackShare(2)
	assert.Equal(t, 0.9, s.share)
}
