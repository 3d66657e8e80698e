// Package couch is the HTTP client for the remote CouchDB-compatible
// document store, with automatic retry, request guards, and error
// classification into the docstore taxonomy.
package couch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

// Sentinel errors for HTTP status classification. Each wraps the docstore
// sentinel callers branch on, so errors.Is works against either.
var (
	ErrBadRequest         = fmt.Errorf("couch: bad request: %w", docstore.ErrInvalid)
	ErrPreconditionFailed = errors.New("couch: precondition failed")
	ErrTooLarge           = fmt.Errorf("couch: request body too large: %w", docstore.ErrInvalid)
	ErrThrottled          = fmt.Errorf("couch: throttled: %w", docstore.ErrTransient)
	ErrServerError        = fmt.Errorf("couch: server error: %w", docstore.ErrTransient)
)

// reasonMissingView is the CouchDB reason for a 404 on an undefined view.
const reasonMissingView = "missing_named_view"

// CouchError wraps a sentinel with the HTTP status and the CouchDB error
// body ({"error": ..., "reason": ...}).
type CouchError struct {
	StatusCode int
	Method     string
	Path       string
	Kind       string
	Reason     string
	Err        error
}

func (e *CouchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("couch: %s %s: HTTP %d %s: %s", e.Method, e.Path, e.StatusCode, e.Kind, e.Reason)
	}

	return fmt.Sprintf("couch: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

func (e *CouchError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code (and CouchDB reason) to a sentinel.
// Returns nil for 2xx success codes.
func classifyStatus(code int, reason string) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return docstore.ErrUnauthorized
	case http.StatusForbidden:
		return docstore.ErrForbidden
	case http.StatusNotFound:
		if reason == reasonMissingView {
			return docstore.ErrViewNotFound
		}

		return docstore.ErrNotFound
	case http.StatusConflict:
		return docstore.ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusMultipleChoices {
			return docstore.ErrInvalid
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var ce *CouchError
	return errors.As(err, &ce) && ce.StatusCode == code
}
