package caldav

import (
	"errors"
	"fmt"
	"net/http"
)

// CalDAV-specific errors
var (
	// ErrPropertyNotFound is returned when a multistatus response omits a
	// property the operation depends on.
	ErrPropertyNotFound = errors.New("caldav: property not found")

	// ErrPreconditionFailed is wrapped by ConflictError (HTTP 412).
	ErrPreconditionFailed = errors.New("caldav: precondition failed (HTTP 412)")

	// ErrMalformed is wrapped by MalformedError.
	ErrMalformed = errors.New("caldav: malformed response")
)

// HTTPError is a non-2xx response from the server other than 412.
type HTTPError struct {
	Method     string
	Href       string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("caldav: %s %s: HTTP %d %s", e.Method, e.Href, e.StatusCode, http.StatusText(e.StatusCode))
}

// ConflictError reports a lost update: the resource changed on the server
// since the etag the request was conditioned on.
type ConflictError struct {
	Method string
	Href   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("caldav: %s %s: resource changed on server (HTTP 412)", e.Method, e.Href)
}

func (e *ConflictError) Unwrap() error { return ErrPreconditionFailed }

// TransientError wraps connection failures and per-call timeouts.
type TransientError struct {
	Method string
	Href   string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("caldav: %s %s: %v", e.Method, e.Href, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedError reports a response body that could not be parsed.
type MalformedError struct {
	Href string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("caldav: malformed response from %s: %v", e.Href, e.Err)
}

func (e *MalformedError) Unwrap() []error { return []error{ErrMalformed, e.Err} }

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsTransient reports whether err is worth retrying: connection failures,
// timeouts, 5xx, 408 and 429 responses.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500 ||
			he.StatusCode == http.StatusRequestTimeout ||
			he.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0 if there is none.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	if IsConflict(err) {
		return http.StatusPreconditionFailed
	}
	return 0
}
