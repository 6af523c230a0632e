package serviceapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnknownService is returned for service names that are not configured
var ErrUnknownService = errors.New("unknown service")

// HTTPError is a non-2xx response from a third-party API
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsForbidden reports a 403 response
func IsForbidden(err error) bool {
	return StatusCode(err) == http.StatusForbidden
}

// IsServerError reports a 500 response
func IsServerError(err error) bool {
	return StatusCode(err) == http.StatusInternalServerError
}

// IsHardFailure reports the responses that tend to repeat on every retry
func IsHardFailure(err error) bool {
	return IsForbidden(err) || IsServerError(err)
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

func IsTooManyRequests(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}
