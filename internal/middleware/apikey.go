package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// APIKey returns middleware that requires key on every request except the
// liveness and identification endpoints. An empty key disables the check.
// The key is read from X-API-Key, then "Authorization: Bearer". Query
// parameters are not accepted since URLs end up in logs.
func APIKey(key string) Middleware {
	if key == "" {
		return nil
	}
	want := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get("X-API-Key")
			if got == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					got = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				log.Warn().
					Str("request_id", GetRequestID(r.Context())).
					Str("remote_addr", maskIP(r.RemoteAddr)).
					Msg("Rejected request with invalid API key")
				writeErrorResponse(w, http.StatusUnauthorized, "Invalid or missing API key", time.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
