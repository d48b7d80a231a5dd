package types

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Request validation limits.
const (
	MaxURLLength         = 8192
	MaxTimeoutMs         = 600000 // 10 minutes in milliseconds
	MaxCookies           = 100
	MaxCookieNameLength  = 256
	MaxCookieValueLength = 4096
	MaxPostDataLength    = 256 * 1024
	MaxHeaders           = 50
)

// Commands understood by the v1 endpoint.
const (
	CmdRequestGet      = "request.get"
	CmdRequestPost     = "request.post"
	CmdSessionsCreate  = "sessions.create"
	CmdSessionsList    = "sessions.list"
	CmdSessionsDestroy = "sessions.destroy"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Content types accepted for request.post.
const (
	ContentTypeFormURLEncoded = "application/x-www-form-urlencoded"
	ContentTypeJSON           = "application/json"
)

// Request is the body of POST /v1 as sent by FlareSolverr clients.
type Request struct {
	Cmd               string          `json:"cmd"`
	URL               string          `json:"url,omitempty"`
	PostData          string          `json:"postData,omitempty"`
	ContentType       string          `json:"contentType,omitempty"`
	MaxTimeout        int             `json:"maxTimeout,omitempty"`
	Cookies           []RequestCookie `json:"cookies,omitempty"`
	ReturnOnlyCookies bool            `json:"returnOnlyCookies,omitempty"`

	// Accepted for client compatibility. A single shared identity is used
	// for every request, so these are ignored.
	Session    string `json:"session,omitempty"`
	SessionTTL int    `json:"session_ttl_minutes,omitempty"`
	Proxy      *Proxy `json:"proxy,omitempty"`

	// Deprecated in FlareSolverr v2+, still parsed so old clients get a warning
	// instead of a decode failure.
	Headers       map[string]string `json:"headers,omitempty"`
	UserAgent     string            `json:"userAgent,omitempty"`
	ReturnRawHTML bool              `json:"returnRawHtml,omitempty"`
	Download      bool              `json:"download,omitempty"`
}

// RequestCookie is a cookie supplied by the caller.
type RequestCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Proxy is the per-request proxy object of the FlareSolverr protocol.
type Proxy struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Validate checks the request and returns an error whose message is safe to
// return to the caller verbatim.
func (r *Request) Validate() error {
	if r.Cmd == "" {
		return errors.New("Request parameter 'cmd' is mandatory.")
	}

	switch r.Cmd {
	case CmdRequestGet:
		if r.URL == "" {
			return errors.New("Request parameter 'url' is mandatory in 'request.get' command.")
		}
		if r.PostData != "" {
			return errors.New("Cannot use 'postData' when sending a GET request.")
		}
	case CmdRequestPost:
		if r.URL == "" {
			return errors.New("Request parameter 'url' is mandatory in 'request.post' command.")
		}
		if r.PostData == "" {
			return errors.New("Request parameter 'postData' is mandatory in 'request.post' command.")
		}
		if len(r.PostData) > MaxPostDataLength {
			return fmt.Errorf("postData exceeds maximum length of %d", MaxPostDataLength)
		}
		if r.ContentType != "" && r.ContentType != ContentTypeFormURLEncoded && r.ContentType != ContentTypeJSON {
			return fmt.Errorf("unsupported contentType %q", r.ContentType)
		}
	case CmdSessionsCreate, CmdSessionsList, CmdSessionsDestroy:
		return nil
	default:
		return fmt.Errorf("Request parameter 'cmd' = '%s' is invalid.", r.Cmd)
	}

	if len(r.URL) > MaxURLLength {
		return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must include a host")
	}

	if r.MaxTimeout < 0 {
		return errors.New("maxTimeout must not be negative")
	}
	if r.MaxTimeout > MaxTimeoutMs {
		return fmt.Errorf("maxTimeout exceeds maximum of %d ms", MaxTimeoutMs)
	}

	if len(r.Cookies) > MaxCookies {
		return fmt.Errorf("too many cookies: %d (max %d)", len(r.Cookies), MaxCookies)
	}
	for i, c := range r.Cookies {
		if c.Name == "" {
			return fmt.Errorf("cookie %d: name is required", i)
		}
		if len(c.Name) > MaxCookieNameLength || len(c.Value) > MaxCookieValueLength {
			return fmt.Errorf("cookie %d: name or value too long", i)
		}
	}
	if len(r.Headers) > MaxHeaders {
		return fmt.Errorf("too many headers: %d (max %d)", len(r.Headers), MaxHeaders)
	}

	return nil
}

// DeprecatedParams lists the deprecated parameters present on the request.
func (r *Request) DeprecatedParams() []string {
	var params []string
	if len(r.Headers) > 0 {
		params = append(params, "headers")
	}
	if r.UserAgent != "" {
		params = append(params, "userAgent")
	}
	if r.ReturnRawHTML {
		params = append(params, "returnRawHtml")
	}
	if r.Download {
		params = append(params, "download")
	}
	return params
}

// IgnoredParams lists parameters that are parsed but have no effect because
// every request shares one browsing identity.
func (r *Request) IgnoredParams() []string {
	var params []string
	if r.Session != "" {
		params = append(params, "session")
	}
	if r.Proxy != nil && r.Proxy.URL != "" {
		params = append(params, "proxy")
	}
	return params
}

// Response is the body returned by POST /v1.
type Response struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	StartTime int64     `json:"startTimestamp"`
	EndTime   int64     `json:"endTimestamp"`
	Version   string    `json:"version"`
	Solution  *Solution `json:"solution,omitempty"`
}

// Solution carries the resolved page. The browser path and the fallback path
// produce the same shape.
type Solution struct {
	URL       string            `json:"url"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Response  string            `json:"response"`
	Cookies   []Cookie          `json:"cookies"`
	UserAgent string            `json:"userAgent"`
}

// Cookie is a cookie as reported to the caller and persisted in the profile.
// Expires is seconds since the epoch, or -1 for session cookies.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Size     int     `json:"size"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

// IsExpired reports whether the cookie has a fixed expiry at or before now
// (seconds since the epoch).
func (c Cookie) IsExpired(now float64) bool {
	if c.Session || c.Expires <= 0 {
		return false
	}
	return c.Expires <= now
}

// IndexResponse is returned by GET /.
type IndexResponse struct {
	Msg       string `json:"msg"`
	Version   string `json:"version"`
	UserAgent string `json:"userAgent"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
