package breaker

import (
	"context"
	"math"
	"time"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

// RetryResult aggregates what happened across the attempts of one
// ExecuteWithRetry call.
type RetryResult struct {
	Success   bool
	Attempts  int
	TotalTime time.Duration
	Errors    []error
}

// LastError returns the error from the final attempt, or nil.
func (r RetryResult) LastError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1]
}

// ExecuteWithRetry layers bounded exponential retry on top of Execute.
// It stops the moment the breaker reports open — retrying against an
// open breaker is wasted work — and on non-retryable errors. Between
// attempts it sleeps min(base * multiplier^(attempt-1), max).
func (cb *CircuitBreaker) ExecuteWithRetry(ctx context.Context, op func(context.Context) error) RetryResult {
	start := cb.now()
	result := RetryResult{}

	for attempt := 1; attempt <= cb.cfg.MaxRetries+1; attempt++ {
		result.Attempts = attempt

		err := cb.Execute(ctx, op)
		if err == nil {
			result.Success = true
			break
		}
		result.Errors = append(result.Errors, err)

		if model.CircuitOpen(err) || !model.Retryable(err) || ctx.Err() != nil {
			break
		}
		if attempt == cb.cfg.MaxRetries+1 {
			break
		}

		if serr := cb.sleep(ctx, cb.retryDelay(attempt)); serr != nil {
			result.Errors = append(result.Errors, serr)
			break
		}
	}

	result.TotalTime = cb.now().Sub(start)
	return result
}

// retryDelay computes the sleep before the next attempt after the
// attempt-th failure: min(base * multiplier^(attempt-1), max).
func (cb *CircuitBreaker) retryDelay(attempt int) time.Duration {
	d := float64(cb.cfg.RetryBaseDelay) * math.Pow(cb.cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(cb.cfg.RetryMaxDelay) {
		d = float64(cb.cfg.RetryMaxDelay)
	}
	return time.Duration(d)
}
