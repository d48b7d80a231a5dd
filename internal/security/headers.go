package security

import (
	"errors"
	"strings"
)

// Header limits for caller-supplied headers forwarded to the fallback.
const (
	MaxHeaderCount       = 50
	MaxHeaderNameLength  = 256
	MaxHeaderValueLength = 8192
	MaxTotalHeadersSize  = 65536
)

// Reasons a header is dropped.
var (
	ErrHeaderNameEmpty     = errors.New("header name cannot be empty")
	ErrHeaderNameTooLong   = errors.New("header name too long")
	ErrHeaderValueTooLong  = errors.New("header value too long")
	ErrInvalidHeaderName   = errors.New("header name contains invalid characters")
	ErrInvalidHeaderChar   = errors.New("header value contains invalid characters")
	ErrBlockedHeader       = errors.New("header is managed by the browser or the proxy")
	ErrTotalHeadersTooLong = errors.New("headers exceed the total size limit")
)

// Hop-by-hop, credential and cookie headers. Cookies travel in the cookie
// jar, proxy credentials only through the bridge.
var blockedHeaders = map[string]bool{
	"host":                true,
	"connection":          true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"content-length":      true,
	"te":                  true,
	"trailer":             true,
	"upgrade":             true,
	"cookie":              true,
	"authorization":       true,
	"proxy-authorization": true,
	"www-authenticate":    true,
	"proxy-authenticate":  true,
}

var blockedHeaderPrefixes = []string{
	"sec-",
	"cf-",
	"x-forwarded-",
	"proxy-",
	"x-real-",
}

// FilterHeaders returns the headers that are safe to forward and the names
// of the ones it dropped. Names are compared case-insensitively; the input
// map is not modified.
func FilterHeaders(headers map[string]string) (map[string]string, []string) {
	if len(headers) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(headers))
	var dropped []string
	total := 0
	for name, value := range headers {
		if len(out) >= MaxHeaderCount {
			dropped = append(dropped, name)
			continue
		}
		if CheckHeader(name, value) != nil {
			dropped = append(dropped, name)
			continue
		}
		total += len(name) + len(value) + 4
		if total > MaxTotalHeadersSize {
			dropped = append(dropped, name)
			continue
		}
		out[name] = value
	}
	return out, dropped
}

// CheckHeader reports why a single header may not be forwarded.
func CheckHeader(name, value string) error {
	if name == "" {
		return ErrHeaderNameEmpty
	}
	if len(name) > MaxHeaderNameLength {
		return ErrHeaderNameTooLong
	}
	for _, c := range name {
		if c < 33 || c > 126 || c == ':' {
			return ErrInvalidHeaderName
		}
	}

	lower := strings.ToLower(name)
	if blockedHeaders[lower] {
		return ErrBlockedHeader
	}
	for _, prefix := range blockedHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return ErrBlockedHeader
		}
	}

	if len(value) > MaxHeaderValueLength {
		return ErrHeaderValueTooLong
	}
	// Printable ASCII only; CR and LF would allow header injection.
	for _, c := range value {
		if c < 32 || c >= 127 {
			return ErrInvalidHeaderChar
		}
	}
	return nil
}
