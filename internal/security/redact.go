// Package security holds helpers that keep secrets out of logs.
package security

import (
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveParamPatterns are query parameter name fragments that likely carry secrets.
var sensitiveParamPatterns = []string{
	"password", "passwd", "pwd", "secret", "token", "key", "auth",
	"bearer", "credential", "session", "sid", "private",
}

// RedactURL strips user info and secret-looking query parameters from a URL.
// The Scrappey endpoint carries its key as ?key=, so every outbound URL goes
// through here before it is logged.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User(redacted)
	}

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for name := range query {
			if isSensitiveParam(name) {
				query[name] = []string{redacted}
			}
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range sensitiveParamPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// RedactProxyURL keeps the proxy username (useful when several accounts are
// rotated) and hides the password.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), redacted)
		}
	}

	return parsed.String()
}

// MaskSecret shows the first four characters of a secret, enough to tell two
// keys apart in logs.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}
