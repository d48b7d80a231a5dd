// Package types provides shared types and errors for the application.
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors. Check with errors.Is.
var (
	// Browser path
	ErrBrowserLaunch            = errors.New("browser launch failed")
	ErrNavigation               = errors.New("navigation failed")
	ErrChallengeTimeout         = errors.New("challenge timeout")
	ErrChallengeUnsolvable      = errors.New("challenge unsolvable")
	ErrProxyUpstreamUnreachable = errors.New("upstream proxy unreachable")

	// Fallback path
	ErrFallbackAuth      = errors.New("fallback authentication failed")
	ErrFallbackNetwork   = errors.New("fallback network failure")
	ErrFallbackMalformed = errors.New("fallback returned a malformed response")
	ErrFallbackDisabled  = errors.New("fallback not configured")

	// Persistence
	ErrPersistenceIO = errors.New("profile persistence failed")

	// Configuration
	ErrMissingConfig = errors.New("missing required configuration")
)

// ChallengeError describes why the browser path gave up on a page.
type ChallengeError struct {
	Kind    string // challenge kind as reported by the detector
	URL     string
	Passes  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ChallengeError) Error() string {
	return e.Message
}

// Unwrap returns the underlying sentinel.
func (e *ChallengeError) Unwrap() error {
	return e.Err
}

// NewChallengeTimeoutError creates an error for a challenge that outlived the budget.
func NewChallengeTimeoutError(url, kind string, passes int) *ChallengeError {
	return &ChallengeError{
		Kind:    kind,
		URL:     url,
		Passes:  passes,
		Message: fmt.Sprintf("challenge timeout: %s challenge still present after %d checks", kind, passes),
		Err:     ErrChallengeTimeout,
	}
}

// NewChallengeUnsolvableError creates an error for a challenge that stopped progressing.
func NewChallengeUnsolvableError(url, kind, reason string, passes int) *ChallengeError {
	return &ChallengeError{
		Kind:    kind,
		URL:     url,
		Passes:  passes,
		Message: fmt.Sprintf("challenge unsolvable: %s (%s)", kind, reason),
		Err:     ErrChallengeUnsolvable,
	}
}

// FallbackError is a classified failure of the external solving service.
type FallbackError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error // one of ErrFallbackAuth, ErrFallbackNetwork, ErrFallbackMalformed
}

// Error implements the error interface.
func (e *FallbackError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v: %s (HTTP %d)", e.Err, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Message)
}

// Unwrap returns the classification sentinel.
func (e *FallbackError) Unwrap() error {
	return e.Err
}

// NewFallbackError creates a classified fallback error.
func NewFallbackError(provider string, class error, status int, message string) *FallbackError {
	return &FallbackError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Err:        class,
	}
}

// ResolutionError is returned when both the browser path and the fallback
// failed. Both causes stay reachable through errors.Is and errors.As.
type ResolutionError struct {
	URL         string
	BrowserErr  error
	FallbackErr error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	switch {
	case e.BrowserErr != nil && e.FallbackErr != nil:
		return fmt.Sprintf("%v; fallback failed: %v", e.BrowserErr, e.FallbackErr)
	case e.FallbackErr != nil:
		return fmt.Sprintf("fallback failed: %v", e.FallbackErr)
	case e.BrowserErr != nil:
		return e.BrowserErr.Error()
	default:
		return "resolution failed"
	}
}

// Unwrap exposes both causes.
func (e *ResolutionError) Unwrap() []error {
	var errs []error
	if e.BrowserErr != nil {
		errs = append(errs, e.BrowserErr)
	}
	if e.FallbackErr != nil {
		errs = append(errs, e.FallbackErr)
	}
	return errs
}
