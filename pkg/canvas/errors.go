package canvas

import (
	"errors"
	"fmt"
)

// ErrorKind classifies Canvas API failures so callers can pick the right
// recovery: invalidate the credential, back off, or just retry next run.
type ErrorKind string

const (
	// KindAuth means Canvas rejected the token. Sync must halt for the
	// user until a new token is supplied.
	KindAuth ErrorKind = "auth"
	// KindRateLimit means Canvas throttled us. Slow down, never fatal.
	KindRateLimit ErrorKind = "rate_limit"
	// KindTransient covers timeouts, 5xx and malformed responses. Retried
	// on the next scheduled run with no state change.
	KindTransient ErrorKind = "transient"
)

// APIError is the error type returned for every failed Canvas call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("canvas: %s (%s, status %d)", e.Message, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("canvas: %s (%s)", e.Message, e.Kind)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool { return kindOf(err) == KindAuth }

// IsRateLimit reports whether err is a throttling response.
func IsRateLimit(err error) bool { return kindOf(err) == KindRateLimit }

func kindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
