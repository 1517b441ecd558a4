package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for transport error classification.
var (
	ErrNetwork         = errors.New("NetworkError")
	ErrTimeout         = errors.New("TimeoutError")
	ErrAuthentication  = errors.New("AuthenticationError")
	ErrUnauthenticated = errors.New("UnauthenticatedError")
	ErrValidation      = errors.New("ValidationError")
	ErrRateLimit       = errors.New("RateLimitError")
	ErrServer          = errors.New("ServerError")
	ErrParse           = errors.New("ParseError")
)

// TransportError is the unified error type returned by backend calls.
type TransportError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Endpoint   string `json:"endpoint"`
	Err        error  `json:"-"`
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d)", e.Endpoint, e.Message, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned when a breaker rejects a call without
// attempting it. ResumeAt is when the breaker will next allow a probe.
type CircuitOpenError struct {
	Name     string
	ResumeAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.ResumeAt.Format(time.RFC3339))
}

// MapHTTPStatusToError maps an HTTP status code to a sentinel error.
func MapHTTPStatusToError(status int) error {
	switch {
	case status == 400:
		return ErrValidation
	case status == 401 || status == 403:
		return ErrAuthentication
	case status == 408:
		return ErrTimeout
	case status == 429:
		return ErrRateLimit
	case status >= 500:
		return ErrServer
	default:
		return fmt.Errorf("unexpected status code: %d", status)
	}
}

// Retryable reports whether the error is a transient failure worth
// retrying: network-layer failures, timeouts, and 5xx responses.
// Rate-limit errors are deliberately excluded; they are scheduled
// through the backoff queue instead of retried inline.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServer)
}

// RateLimited reports whether the error is a 429 from the backend.
func RateLimited(err error) bool {
	return errors.Is(err, ErrRateLimit)
}

// CircuitOpen reports whether the error chain contains a breaker rejection.
func CircuitOpen(err error) bool {
	var oe *CircuitOpenError
	return errors.As(err, &oe)
}
