package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMapHTTPStatusToError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{400, ErrValidation},
		{401, ErrAuthentication},
		{403, ErrAuthentication},
		{408, ErrTimeout},
		{429, ErrRateLimit},
		{500, ErrServer},
		{503, ErrServer},
	}

	for _, tt := range tests {
		assert.ErrorIs(t, MapHTTPStatusToError(tt.status), tt.want, "status %d", tt.status)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrNetwork))
	assert.True(t, Retryable(ErrTimeout))
	assert.True(t, Retryable(fmt.Errorf("upstream: %w", ErrServer)))

	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(ErrValidation))
	assert.False(t, Retryable(ErrAuthentication))
	// 429s go through the backoff queue, never inline retry.
	assert.False(t, Retryable(ErrRateLimit))
}

func TestTransportError_Unwrap(t *testing.T) {
	err := &TransportError{StatusCode: 503, Message: "unavailable", Endpoint: "orchestrator", Err: ErrServer}

	assert.ErrorIs(t, err, ErrServer)
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "orchestrator")
}

func TestCircuitOpenError(t *testing.T) {
	resume := time.Now().Add(30 * time.Second)
	var err error = fmt.Errorf("call failed: %w", &CircuitOpenError{Name: "tools", ResumeAt: resume})

	assert.True(t, CircuitOpen(err))

	var oe *CircuitOpenError
	assert.True(t, errors.As(err, &oe))
	assert.Equal(t, resume, oe.ResumeAt)
}
