// Package frappe provides an HTTP client for the Frappe/ERPNext resource API
// with token authentication, stale-timestamp retry, and error classification.
package frappe

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, frappe.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("frappe: bad request")
	ErrUnauthorized = errors.New("frappe: unauthorized")
	ErrForbidden    = errors.New("frappe: forbidden")
	ErrNotFound     = errors.New("frappe: not found")
	ErrConflict     = errors.New("frappe: conflict")
	ErrThrottled    = errors.New("frappe: throttled")
	ErrServerError  = errors.New("frappe: server error")

	// ErrStaleTimestamp is returned by UpdateDoc when the target rejected the
	// write because the document changed after the sender observed it and the
	// retry budget is exhausted.
	ErrStaleTimestamp = errors.New("frappe: stale timestamp")
)

// maxBodyExcerpt caps the response body carried in an APIError.
const maxBodyExcerpt = 512

// APIError wraps a sentinel error with the verb, URL, HTTP status, and an
// excerpt of the response body for debugging.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("frappe: %s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// newAPIError builds an APIError with the body truncated to an excerpt.
func newAPIError(method, url string, status int, body []byte) *APIError {
	excerpt := string(body)
	if len(excerpt) > maxBodyExcerpt {
		excerpt = excerpt[:maxBodyExcerpt]
	}

	return &APIError{
		Method:     method,
		URL:        url,
		StatusCode: status,
		Body:       excerpt,
		Err:        classifyStatus(status),
	}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}
