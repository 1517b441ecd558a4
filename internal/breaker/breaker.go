// Package breaker implements per-endpoint circuit breakers with a lazy
// named registry. A breaker trips open after consecutive failures,
// fast-fails until its reset timeout elapses, then probes in half-open
// and closes again after enough consecutive successes.
package breaker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// latencyWindow is the number of response-time samples kept per breaker.
const latencyWindow = 100

// Config holds per-breaker thresholds and the retry policy used by
// ExecuteWithRetry.
type Config struct {
	FailureThreshold int           // consecutive failures to trip open
	SuccessThreshold int           // consecutive half-open successes to close
	CallTimeout      time.Duration // wall-clock limit for one attempt
	ResetTimeout     time.Duration // cooldown before half-open probing

	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64
}

// DefaultConfig returns the thresholds used when a breaker is created
// without explicit configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		CallTimeout:       15 * time.Second,
		ResetTimeout:      30 * time.Second,
		MaxRetries:        2,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// CircuitBreaker is one named failure/success state machine.
type CircuitBreaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	state  State
	nowFn  func() time.Time
	sleep  func(context.Context, time.Duration) error

	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time

	// resumeAt is non-zero exactly while state == StateOpen.
	resumeAt time.Time

	latencies []time.Duration
	latIdx    int
}

// Status is a read-only snapshot of one breaker.
type Status struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
	LastSuccess          time.Time `json:"last_success,omitempty"`
	ResumeAt             time.Time `json:"resume_at,omitempty"`
	AvgLatencyMs         float64   `json:"avg_latency_ms"`
}

// New creates a breaker with the given name and config.
func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		cfg:       cfg.withDefaults(),
		state:     StateClosed,
		nowFn:     time.Now,
		sleep:     sleepCtx,
		latencies: make([]time.Duration, 0, latencyWindow),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs op through the breaker, enforcing the configured call
// timeout. While open it rejects immediately with a CircuitOpenError
// carrying the resume time; no network call is attempted.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	start := cb.now()
	err := cb.runWithTimeout(ctx, op)
	elapsed := cb.now().Sub(start)

	if err != nil {
		cb.onFailure(elapsed)
		return err
	}

	cb.onSuccess(elapsed)
	return nil
}

// runWithTimeout runs op with the breaker's wall-clock limit. The
// operation goroutine is handed a cancelled context on timeout, but the
// caller gets the timeout verdict without waiting for it to notice.
func (cb *CircuitBreaker) runWithTimeout(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, cb.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.ErrTimeout
	}
}

// beforeCall decides whether the call may proceed, handling the
// open -> half-open transition when the cooldown has elapsed.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}

	now := cb.now()
	if now.Before(cb.resumeAt) {
		return &model.CircuitOpenError{Name: cb.name, ResumeAt: cb.resumeAt}
	}

	log.Printf("breaker %s: cooldown elapsed, probing half-open", cb.name)
	cb.state = StateHalfOpen
	cb.consecutiveSuccesses = 0
	cb.resumeAt = time.Time{}
	return nil
}

func (cb *CircuitBreaker) onSuccess(elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.recordLatency(elapsed)
	cb.lastSuccess = cb.now()
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
		log.Printf("breaker %s: recovered, closing", cb.name)
		cb.state = StateClosed
	}
}

func (cb *CircuitBreaker) onFailure(elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.recordLatency(elapsed)
	cb.lastFailure = cb.now()
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0

	// Any probe failure reopens; in closed state the threshold applies.
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.consecutiveFailures >= cb.cfg.FailureThreshold) {
		cb.trip()
	}
}

// trip opens the breaker. Must be called with mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.resumeAt = cb.now().Add(cb.cfg.ResetTimeout)
	log.Printf("breaker %s: opened until %s (%d consecutive failures)",
		cb.name, cb.resumeAt.Format(time.RFC3339), cb.consecutiveFailures)
}

// recordLatency appends to the bounded sample window. Must be called
// with mu held.
func (cb *CircuitBreaker) recordLatency(d time.Duration) {
	if len(cb.latencies) < latencyWindow {
		cb.latencies = append(cb.latencies, d)
		return
	}
	cb.latencies[cb.latIdx] = d
	cb.latIdx = (cb.latIdx + 1) % latencyWindow
}

func (cb *CircuitBreaker) now() time.Time {
	return cb.nowFn()
}

// State returns the current state without mutating it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset force-closes the breaker and clears its counters. Operator
// escape hatch; the latency window is kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.resumeAt = time.Time{}
	log.Printf("breaker %s: reset to closed", cb.name)
}

// Snapshot returns a copy of the breaker's observable state.
func (cb *CircuitBreaker) Snapshot() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var avg float64
	if len(cb.latencies) > 0 {
		var sum time.Duration
		for _, d := range cb.latencies {
			sum += d
		}
		avg = float64(sum.Milliseconds()) / float64(len(cb.latencies))
	}

	return Status{
		Name:                 cb.name,
		State:                cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailure:          cb.lastFailure,
		LastSuccess:          cb.lastSuccess,
		ResumeAt:             cb.resumeAt,
		AvgLatencyMs:         avg,
	}
}
