// Package handlers provides HTTP request handlers for the FlareSolverr API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/config"
	"github.com/Rorqualx/flaresolverr-bridge/internal/metrics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/middleware"
	"github.com/Rorqualx/flaresolverr-bridge/internal/security"
	"github.com/Rorqualx/flaresolverr-bridge/internal/solver"
	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
	"github.com/Rorqualx/flaresolverr-bridge/pkg/version"
)

// maxBodySize limits the /v1 request body.
const maxBodySize = 1 << 20

// msgSessionsNotImplemented answers every sessions.* command.
const msgSessionsNotImplemented = "Sessions are not implemented in this version."

// Resolver runs one resolution. *solver.Solver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, req solver.Request) (*solver.Result, error)
}

// Handler handles all FlareSolverr API requests.
type Handler struct {
	resolver  Resolver
	config    *config.Config
	userAgent func() string
}

// New creates a new Handler. userAgent reports the effective browser
// user-agent for GET /.
func New(resolver Resolver, cfg *config.Config, userAgent func() string) *Handler {
	if userAgent == nil {
		userAgent = func() string { return version.UserAgent }
	}
	return &Handler{
		resolver:  resolver,
		config:    cfg,
		userAgent: userAgent,
	}
}

// ServeHTTP routes by path (implements http.Handler).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleIndex(w, r)
	case "/health":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleHealth(w, r)
	case "/v1":
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleAPI(w, r)
	default:
		h.HandleNotFound(w, r)
	}
}

// HandleIndex identifies the service.
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, types.IndexResponse{
		Msg:       "FlareSolverr is ready!",
		Version:   version.Full(),
		UserAgent: h.userAgent(),
	})
}

// HandleHealth reports liveness. It never touches the browser or the proxy.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, types.HealthResponse{Status: types.StatusOK})
}

// HandleAPI handles POST /v1.
func (h *Handler) HandleAPI(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	// Parse request using pooled buffer to reduce GC pressure
	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, "", "Failed to read request", startTime)
		return
	}

	var req types.Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeError(w, "", "Invalid JSON request", startTime)
		return
	}

	log.Info().
		Str("request_id", middleware.GetRequestID(r.Context())).
		Str("cmd", req.Cmd).
		Str("url", security.RedactURL(req.URL)).
		Int("max_timeout_ms", req.MaxTimeout).
		Msg("Request received")

	h.routeCommand(w, r, &req, startTime)
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "", "Method not allowed", time.Now())
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusNotFound, "", "Not found", time.Now())
}

// handleRequest runs request.get and request.post.
func (h *Handler) handleRequest(w http.ResponseWriter, ctx context.Context, req *types.Request, startTime time.Time) {
	for _, p := range req.DeprecatedParams() {
		log.Warn().Msgf("Request parameter '%s' was removed in FlareSolverr v2.", p)
	}
	for _, p := range req.IgnoredParams() {
		log.Warn().Str("param", p).Msg("Request parameter ignored, all requests share one browser identity")
	}

	headers, dropped := security.FilterHeaders(req.Headers)
	if len(dropped) > 0 {
		log.Warn().Strs("headers", dropped).Msg("Request headers dropped, not forwardable")
	}

	contentType := req.ContentType
	if req.Cmd == types.CmdRequestPost && contentType == "" {
		contentType = types.ContentTypeFormURLEncoded
	}

	result, err := h.resolver.Resolve(ctx, solver.Request{
		URL:         req.URL,
		Method:      methodFor(req.Cmd),
		PostData:    req.PostData,
		ContentType: contentType,
		Cookies:     req.Cookies,
		Headers:     headers,
		Timeout:     h.timeoutFor(req),
	})
	if err != nil {
		log.Error().Err(err).Str("url", security.RedactURL(req.URL)).Msg("Resolution failed")
		msg := err.Error()
		var re *types.ResolutionError
		if errors.As(err, &re) {
			msg = "Error solving the challenge: " + msg
		}
		h.writeError(w, req.Cmd, msg, startTime)
		return
	}

	h.writeSuccess(w, req.Cmd, result, req.ReturnOnlyCookies, startTime)
}

// timeoutFor returns maxTimeout, or the default when unset, capped at the
// configured maximum.
func (h *Handler) timeoutFor(req *types.Request) time.Duration {
	timeout := h.config.DefaultTimeout
	if req.MaxTimeout > 0 {
		timeout = time.Duration(req.MaxTimeout) * time.Millisecond
	}
	if timeout > h.config.MaxTimeout {
		timeout = h.config.MaxTimeout
	}
	return timeout
}

func methodFor(cmd string) string {
	if cmd == types.CmdRequestPost {
		return http.MethodPost
	}
	return http.MethodGet
}

// writeSuccess writes a successful response.
func (h *Handler) writeSuccess(w http.ResponseWriter, cmd string, result *solver.Result, cookiesOnly bool, startTime time.Time) {
	sol := *result.Solution
	if sol.Cookies == nil {
		sol.Cookies = []types.Cookie{}
	}
	if cookiesOnly {
		sol.Response = ""
		sol.Headers = map[string]string{}
	} else if sol.Headers == nil {
		sol.Headers = map[string]string{}
	}

	elapsed := time.Since(startTime)
	metrics.RecordRequest(cmd, types.StatusOK, elapsed)
	log.Info().
		Str("path", result.Path).
		Int("status", sol.Status).
		Dur("elapsed", elapsed).
		Msg("Response sent")

	writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   result.Message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Solution:  &sol,
	})
}

// writeError writes a FlareSolverr error response. The message is prefixed
// with "Error: " the way FlareSolverr clients expect.
func (h *Handler) writeError(w http.ResponseWriter, cmd, message string, startTime time.Time) {
	h.writeErrorWithStatus(w, http.StatusInternalServerError, cmd, message, startTime)
}

// writeErrorWithStatus writes an error response with a specific HTTP status code.
func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, cmd, message string, startTime time.Time) {
	if !strings.HasPrefix(message, "Error: ") {
		message = "Error: " + message
	}
	if cmd != "" {
		metrics.RecordRequest(cmd, types.StatusError, time.Since(startTime))
	}
	writeJSONResponse(w, statusCode, types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

// writeJSONResponse buffers JSON before writing so encoding errors are caught
// before headers are sent.
func writeJSONResponse(w http.ResponseWriter, statusCode int, resp any) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
