package remote

import (
	"errors"
	"fmt"
)

// Error is returned for any remote call that did not produce a 2xx response.
// Status is 0 when the request never got a response (dial, TLS, timeout).
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status == 0 && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Body == "" && e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, truncateBody(e.Body, 512))
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may succeed if repeated unchanged.
func (e *Error) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// IsRemote reports whether err (or anything it wraps) is a remote call failure.
func IsRemote(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}

func truncateBody(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
