package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/challenge"
	"github.com/Rorqualx/flaresolverr-bridge/internal/humanize"
	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

// Seed is the identity a session starts from.
type Seed struct {
	UserAgent string
	Cookies   []types.Cookie
}

// NavigateRequest describes the page load that starts an attempt.
type NavigateRequest struct {
	URL         string
	Method      string // "GET" or "POST"
	PostData    string
	ContentType string
	Cookies     []types.RequestCookie
}

// Session is one browser attempt. It owns the browser slot until Close.
type Session interface {
	challenge.Page
	Navigate(ctx context.Context, req NavigateRequest) error
	Cookies(ctx context.Context) ([]types.Cookie, error)
	UserAgent() string
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// maxHTMLSize bounds the page body kept in a snapshot.
const maxHTMLSize = 10 * 1024 * 1024

type rodSession struct {
	launcher  *launcher.Launcher
	browser   *rod.Browser
	page      *rod.Page
	userAgent string
	capture   *documentCapture
	stopCap   func()
	release   func()
	closeOnce sync.Once
}

var _ Session = (*rodSession)(nil)

// Snapshot reads the page's URL, title, body and last document response.
func (s *rodSession) Snapshot(ctx context.Context) (challenge.Snapshot, error) {
	page := s.page.Context(ctx)

	info, err := page.Info()
	if err != nil {
		return challenge.Snapshot{}, fmt.Errorf("page info: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return challenge.Snapshot{}, fmt.Errorf("page html: %w", err)
	}
	if len(html) > maxHTMLSize {
		log.Warn().Int("size", len(html)).Msg("Page body truncated")
		html = html[:maxHTMLSize]
	}

	status, headers := s.capture.get()
	return challenge.Snapshot{
		URL:        info.URL,
		Title:      info.Title,
		StatusCode: status,
		Headers:    headers,
		HTML:       html,
	}, nil
}

// Nudge focuses the interactive widget with the keyboard and presses it.
func (s *rodSession) Nudge(ctx context.Context, _ challenge.Kind) error {
	page := s.page.Context(ctx)
	if !humanize.Sleep(ctx, humanize.BeforeAction()) {
		return ctx.Err()
	}
	for i := 0; i < 10; i++ {
		if err := page.Keyboard.Press(input.Tab); err != nil {
			return err
		}
		if !humanize.Sleep(ctx, humanize.KeyPause()) {
			return ctx.Err()
		}
	}
	if err := page.Keyboard.Press(input.Space); err != nil {
		return err
	}
	log.Debug().Msg("Sent keyboard interaction to challenge widget")
	return nil
}

// Navigate loads req.URL, submitting a hidden form for POST.
func (s *rodSession) Navigate(ctx context.Context, req NavigateRequest) error {
	if params := requestCookieParams(req.Cookies, req.URL); len(params) > 0 {
		if err := s.browser.Context(ctx).SetCookies(params); err != nil {
			log.Warn().Err(err).Msg("Failed to set request cookies")
		}
	}

	page := s.page.Context(ctx)
	if strings.EqualFold(req.Method, "POST") {
		if err := navigatePost(ctx, page, req); err != nil {
			return fmt.Errorf("%w: %w", types.ErrNavigation, err)
		}
	} else if err := page.Navigate(req.URL); err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrNavigation, req.URL, err)
	}

	if err := page.WaitLoad(); err != nil {
		log.Debug().Err(err).Msg("WaitLoad failed, continuing")
	}
	return nil
}

// Cookies returns every cookie in the browser, not only the current page's.
func (s *rodSession) Cookies(ctx context.Context) ([]types.Cookie, error) {
	raw, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		// Newer Chrome reports partitionKey in a shape older protocol
		// bindings reject; the cookies still decode.
		if !strings.Contains(err.Error(), "partitionKey") || raw == nil {
			return nil, fmt.Errorf("read cookies: %w", err)
		}
		log.Debug().Msg("Cookie partitionKey type mismatch ignored")
	}
	out := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, toCookie(c))
	}
	return out, nil
}

func (s *rodSession) UserAgent() string {
	return s.userAgent
}

// Screenshot captures the full page as PNG.
func (s *rodSession) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := s.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return data, nil
}

// Close tears the browser down and frees the slot. Safe to call more than once.
func (s *rodSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopCap != nil {
			s.stopCap()
		}
		if s.browser != nil {
			err = s.browser.Close()
		}
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
		if s.release != nil {
			s.release()
		}
	})
	return err
}

// navigatePost opens the target origin, then builds and submits a form so
// the browser performs a real top-level POST.
func navigatePost(ctx context.Context, page *rod.Page, req NavigateRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if err := page.Navigate(fmt.Sprintf("%s://%s/", u.Scheme, u.Host)); err != nil {
		return fmt.Errorf("open origin: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		log.Debug().Err(err).Msg("WaitLoad on origin failed")
	}
	if !humanize.Sleep(ctx, humanize.Jitter(500*time.Millisecond, 0.3)) {
		return ctx.Err()
	}

	action, err := json.Marshal(req.URL)
	if err != nil {
		return err
	}
	enctype := types.ContentTypeFormURLEncoded
	fields := formFieldsJS(req.PostData)
	if strings.HasPrefix(req.ContentType, types.ContentTypeJSON) {
		// A form cannot send a JSON body; post it through fetch and render the reply.
		body, err := json.Marshal(req.PostData)
		if err != nil {
			return err
		}
		res, err := proto.RuntimeEvaluate{
			Expression: fmt.Sprintf(`fetch(%s, {method: 'POST', headers: {'Content-Type': 'application/json'}, body: %s, credentials: 'include'})
				.then(r => r.text()).then(t => { document.open(); document.write(t); document.close(); return 'ok'; })`, action, body),
			AwaitPromise:  true,
			ReturnByValue: true,
		}.Call(page)
		if err != nil {
			return fmt.Errorf("submit JSON: %w", err)
		}
		if res.ExceptionDetails != nil {
			return fmt.Errorf("submit JSON: %s", res.ExceptionDetails.Text)
		}
		return nil
	}

	res, err := proto.RuntimeEvaluate{
		Expression: fmt.Sprintf(`(function() {
			var form = document.createElement('form');
			form.method = 'POST';
			form.enctype = %q;
			form.action = %s;
			form.style.display = 'none';
			%s
			document.body.appendChild(form);
			form.submit();
			return 'submitted';
		})()`, enctype, action, fields),
		ReturnByValue: true,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("submit form: %s", res.ExceptionDetails.Text)
	}
	return nil
}

// formFieldsJS returns statements appending one hidden input per
// urlencoded pair to a variable named form.
func formFieldsJS(postData string) string {
	if postData == "" {
		return ""
	}
	var b strings.Builder
	for _, pair := range strings.Split(postData, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			key = k
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			value = v
		}
		keyJSON, _ := json.Marshal(key)
		valueJSON, _ := json.Marshal(value)
		fmt.Fprintf(&b, `
			(function(){ var i = document.createElement('input'); i.type = 'hidden'; i.name = %s; i.value = %s; form.appendChild(i); })();`,
			keyJSON, valueJSON)
	}
	return b.String()
}
