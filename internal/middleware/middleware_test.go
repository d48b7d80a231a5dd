package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestRecoveryMiddleware(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Error("Expected Content-Type application/json")
	}

	var resp types.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if resp.Status != types.StatusError || resp.Message != "Error: Internal server error" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestRecoveryMiddlewareNoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	Recovery(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if len(seen) != 36 {
		t.Errorf("Expected a UUID, got %q", seen)
	}
	if w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Response header %q does not match context %q", w.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestIDReusesValidIncoming(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "client-abc.123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-abc.123" {
		t.Errorf("Expected incoming ID, got %q", seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\nwith newline")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "bad id\nwith newline" {
		t.Error("Unsafe incoming ID should be replaced")
	}
}

func TestGetRequestIDEmpty(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("Expected empty ID, got %q", id)
	}
}

func TestLoggingMiddlewareCapturesStatusAndBytes(t *testing.T) {
	var captured *responseWriter
	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1?key=secret", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", w.Code)
	}
	if captured.statusCode != http.StatusTeapot || captured.bytes != len("short and stout") {
		t.Errorf("captured status=%d bytes=%d", captured.statusCode, captured.bytes)
	}
}

func TestMaskIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.77:5555":      "192.168.1.0/24",
		"10.0.0.9":               "10.0.0.0/24",
		"[2001:db8:1:2::5]:8080": "2001:db8:1::/48",
		"not-an-ip":              "[redacted]",
	}
	for in, want := range tests {
		if got := maskIP(in); got != want {
			t.Errorf("maskIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"})(okHandler)

	req := httptest.NewRequest("POST", "/v1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key") {
		t.Error("X-API-Key should be an allowed header")
	}
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	for _, origins := range [][]string{nil, {"https://app.example.com"}} {
		handler := CORS(origins)(okHandler)

		req := httptest.NewRequest("POST", "/v1", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("origins %v: Allow-Origin = %q, want none", origins, got)
		}
		if w.Code != http.StatusOK {
			t.Errorf("Same-origin semantics are left to the browser, got %d", w.Code)
		}
	}
}

func TestCORSWildcard(t *testing.T) {
	handler := CORS([]string{"*"})(okHandler)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://anything.test")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.test" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("OPTIONS", "/v1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if called {
		t.Error("Preflight must not reach the handler")
	}
	if w.Header().Get("Access-Control-Max-Age") != "600" {
		t.Error("Expected Access-Control-Max-Age")
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff")
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Error("missing no-store")
	}
}

func TestChainMiddleware(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mw("A"), nil, mw("B"), mw("C"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"A", "B", "C", "handler"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestRateLimiterAllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(3, false)
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("fourth request should be rejected")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other clients have their own bucket")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(60, false)
	defer rl.Close()

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		rl.Allow("1.2.3.4")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(time.Second)
	if !rl.Allow("1.2.3.4") {
		t.Error("one token should be back after a second at 60/min")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, false)
	defer rl.Close()
	handler := rl.Middleware(okHandler)

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, nil)
		req.RemoteAddr = "203.0.113.9:4000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send("/v1"); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := send("/v1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After")
	}
	if w := send("/health"); w.Code != http.StatusOK {
		t.Errorf("health must not be limited, got %d", w.Code)
	}
}

func TestRateLimiterEvictsOldest(t *testing.T) {
	rl := NewRateLimiter(10, false)
	defer rl.Close()

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	rl.Allow("oldest")
	for i := 0; i < maxClients; i++ {
		now = now.Add(time.Millisecond)
		rl.Allow("10.0." + string(rune('a'+i%26)) + "." + time.Duration(i).String())
	}

	rl.mu.Lock()
	_, still := rl.clients["oldest"]
	n := len(rl.clients)
	rl.mu.Unlock()
	if still {
		t.Error("oldest client should have been evicted")
	}
	if n > maxClients {
		t.Errorf("tracked %d clients, max %d", n, maxClients)
	}
}

func TestRateLimiterCloseIdempotent(t *testing.T) {
	rl := NewRateLimiter(10, false)
	rl.Close()
	rl.Close()
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	req.Header.Set("X-Real-IP", "203.0.113.2")

	if got := getClientIP(req, false); got != "198.51.100.7" {
		t.Errorf("untrusted: got %q", got)
	}
	if got := getClientIP(req, true); got != "203.0.113.1" {
		t.Errorf("trusted XFF: got %q", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := getClientIP(req, true); got != "203.0.113.2" {
		t.Errorf("trusted X-Real-IP: got %q", got)
	}

	req.Header.Del("X-Real-IP")
	req.RemoteAddr = "[::ffff:192.0.2.5]:80"
	if got := getClientIP(req, true); got != "192.0.2.5" {
		t.Errorf("mapped IPv4: got %q", got)
	}
}

func TestAPIKeyDisabled(t *testing.T) {
	if APIKey("") != nil {
		t.Error("empty key should disable the middleware")
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	const key = "0123456789abcdef-key"
	handler := APIKey(key)(okHandler)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"valid header", "/v1", map[string]string{"X-API-Key": key}, http.StatusOK},
		{"valid bearer", "/v1", map[string]string{"Authorization": "Bearer " + key}, http.StatusOK},
		{"wrong key", "/v1", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"missing key", "/v1", nil, http.StatusUnauthorized},
		{"query param rejected", "/v1?api_key=" + key, nil, http.StatusUnauthorized},
		{"health bypass", "/health", nil, http.StatusOK},
		{"index bypass", "/", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
