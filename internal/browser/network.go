package browser

import (
	"context"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
)

const maxCapturedHeaders = 100

// documentCapture remembers the status and headers of the last main
// document response, so redirects end up reporting the final hop.
type documentCapture struct {
	mu         sync.RWMutex
	statusCode int
	headers    map[string]string
	url        string
}

func newDocumentCapture() *documentCapture {
	return &documentCapture{statusCode: 200, headers: map[string]string{}}
}

func (c *documentCapture) set(status int, headers map[string]string, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCode = status
	c.headers = headers
	c.url = url
}

func (c *documentCapture) get() (int, map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return c.statusCode, out
}

// observe records e when it is a document response of the main frame.
// Subframe documents (challenge widgets, ads) are ignored. An empty mainFrame
// accepts every document.
func (c *documentCapture) observe(mainFrame proto.PageFrameID, e *proto.NetworkResponseReceived) {
	if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
		return
	}
	if mainFrame != "" && e.FrameID != mainFrame {
		return
	}
	headers := make(map[string]string, len(e.Response.Headers))
	for k, v := range e.Response.Headers {
		if len(headers) >= maxCapturedHeaders {
			break
		}
		headers[strings.ToLower(k)] = headerValue(v)
	}
	log.Debug().
		Int("status_code", e.Response.Status).
		Str("url", e.Response.URL).
		Int("header_count", len(headers)).
		Msg("Captured document response")
	c.set(e.Response.Status, headers, e.Response.URL)
}

// startDocumentCapture subscribes to Network.responseReceived on page. The
// returned stop function ends the subscription and waits for the listener.
func startDocumentCapture(ctx context.Context, page *rod.Page) (*documentCapture, func()) {
	capture := newDocumentCapture()

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		log.Debug().Err(err).Msg("Failed to enable Network domain, status and headers will be defaults")
		return capture, func() {}
	}

	listenCtx, cancel := context.WithCancel(ctx)
	mainFrame := page.FrameID
	wait := page.Context(listenCtx).EachEvent(func(e *proto.NetworkResponseReceived) {
		capture.observe(mainFrame, e)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in network listener")
			}
		}()
		wait()
	}()

	var once sync.Once
	return capture, func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

// headerValue flattens a CDP header value. Chrome joins repeated headers with
// newlines; they are reported comma separated like the fallback does.
func headerValue(v gson.JSON) string {
	switch val := v.Val().(type) {
	case nil:
		return ""
	case string:
		return strings.ReplaceAll(val, "\n", ", ")
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range v.Arr() {
			parts = append(parts, headerValue(item))
		}
		return strings.Join(parts, ", ")
	default:
		return v.JSON("", "")
	}
}
