// Package dispatch coalesces, retries, and throttles backend requests.
// Concurrent calls with the same signature share one underlying network
// call; transient failures are retried with jittered exponential
// backoff; rate-limited signatures are parked until the backend's
// pressure eases instead of being retried inline.
package dispatch

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

// Config tunes retry, coalescing and backoff behavior.
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterFactor  float64
	InFlightTTL   time.Duration // staleness ceiling for coalesced entries
	SweepInterval time.Duration
	MaxRequeues   int // rate-limit requeues before giving up
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2,
		JitterFactor:  0.3,
		InFlightTTL:   60 * time.Second,
		SweepInterval: 30 * time.Second,
		MaxRequeues:   3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = d.JitterFactor
	}
	// Keeps computed delays monotone in attempt number for any jitter
	// draw: exp(n+1) >= exp(n) * (1 + jitter).
	if c.JitterFactor > c.Multiplier-1 {
		c.JitterFactor = c.Multiplier - 1
	}
	if c.InFlightTTL <= 0 {
		c.InFlightTTL = d.InFlightTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = d.MaxRequeues
	}
	return c
}

// Func is one underlying network call.
type Func func(ctx context.Context) (any, error)

// call is a shared in-flight outcome. At most one call per key exists
// at any instant; late arrivals await done instead of dialing again.
type call struct {
	key     string
	done    chan struct{}
	val     any
	err     error
	started time.Time
	cancel  context.CancelFunc
	waiters int
}

// backoffEntry parks a request signature after a 429.
type backoffEntry struct {
	ResumeAt  time.Time `json:"resume_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
}

// BackoffStatus is the operator view of one parked signature.
type BackoffStatus struct {
	Key string `json:"key"`
	backoffEntry
}

// QueueStatus is the operator view of the dispatcher's shared state.
// Waiters counts every caller attached to an in-flight call, owners
// included, so it reads as "how many callers would settle right now".
type QueueStatus struct {
	InFlight int             `json:"in_flight"`
	Waiters  int             `json:"waiters"`
	Backoffs []BackoffStatus `json:"backoffs"`
}

// Dispatcher owns the in-flight and backoff maps. Both are mutated only
// under mu; a background sweep evicts stale entries to bound memory.
type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	inflight map[string]*call
	backoff  map[string]*backoffEntry

	nowFn  func() time.Time
	randFn func() float64
	sleep  func(context.Context, time.Duration) error

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a dispatcher and starts its sweep loop.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg.withDefaults(),
		inflight: make(map[string]*call),
		backoff:  make(map[string]*backoffEntry),
		nowFn:    time.Now,
		randFn:   rand.Float64,
		sleep:    sleepCtx,
		stop:     make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close stops the sweep loop. In-flight calls are left to settle.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Do executes fn under the single-flight guard for key. If an in-flight
// call for key is younger than the staleness ceiling, the caller awaits
// its shared outcome; otherwise a new call is registered and run. The
// registration is removed when the call settles, success or failure.
func (d *Dispatcher) Do(ctx context.Context, key string, fn Func) (any, error) {
	d.mu.Lock()
	if c, ok := d.inflight[key]; ok && d.nowFn().Sub(c.started) < d.cfg.InFlightTTL {
		c.waiters++
		d.mu.Unlock()
		return d.await(ctx, c)
	}

	// The owning goroutine runs on its own context so one caller's
	// cancellation cannot poison the outcome other waiters share.
	callCtx, cancel := context.WithCancel(context.Background())
	c := &call{
		key:     key,
		done:    make(chan struct{}),
		started: d.nowFn(),
		cancel:  cancel,
		waiters: 1,
	}
	d.inflight[key] = c
	d.mu.Unlock()

	go d.run(callCtx, c, fn)
	return d.await(ctx, c)
}

// await blocks until the shared call settles or the caller's own
// context is done. An abandoning caller does not cancel the call.
func (d *Dispatcher) await(ctx context.Context, c *call) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.val, c.err
	}
}

// run drives one call to completion: honor any standing backoff for the
// key, then attempt with retry on transient failures, parking again on
// rate limits. All waiters sharing the key settle from this single
// execution.
func (d *Dispatcher) run(ctx context.Context, c *call, fn Func) {
	defer c.cancel()

	var (
		val      any
		err      error
		requeues int
	)

	if err = d.waitForBackoff(ctx, c.key); err != nil {
		d.finish(c, nil, err)
		return
	}

	for attempt := 0; ; attempt++ {
		val, err = fn(ctx)
		if err == nil {
			d.clearBackoff(c.key)
			break
		}

		if model.RateLimited(err) {
			requeues++
			if requeues > d.cfg.MaxRequeues {
				log.Printf("dispatch: %s still rate-limited after %d requeues, giving up", short(c.key), d.cfg.MaxRequeues)
				break
			}
			resume := d.setBackoff(c.key, err)
			if werr := d.sleep(ctx, resume.Sub(d.nowFn())); werr != nil {
				err = werr
				break
			}
			attempt = -1 // fresh retry budget after the backoff window
			continue
		}

		if !model.Retryable(err) || attempt >= d.cfg.MaxRetries {
			break
		}

		if werr := d.sleep(ctx, d.delay(attempt)); werr != nil {
			err = werr
			break
		}
	}

	d.finish(c, val, err)
}

// finish publishes the outcome and removes the registration. Runs for
// every call regardless of outcome.
func (d *Dispatcher) finish(c *call, val any, err error) {
	d.mu.Lock()
	c.val, c.err = val, err
	if cur, ok := d.inflight[c.key]; ok && cur == c {
		delete(d.inflight, c.key)
	}
	d.mu.Unlock()
	close(c.done)
}

// delay computes the sleep after the attempt-th failed try: the
// exponential base plus a jitter share, capped at MaxDelay. Jitter
// spreads synchronized clients apart so retries do not arrive in waves.
func (d *Dispatcher) delay(attempt int) time.Duration {
	exp := float64(d.cfg.BaseDelay) * math.Pow(d.cfg.Multiplier, float64(attempt))
	if exp > float64(d.cfg.MaxDelay) {
		exp = float64(d.cfg.MaxDelay)
	}
	jittered := exp + exp*d.cfg.JitterFactor*d.randFn()
	if jittered > float64(d.cfg.MaxDelay) {
		jittered = float64(d.cfg.MaxDelay)
	}
	return time.Duration(jittered)
}

// waitForBackoff blocks until any standing backoff for key elapses.
func (d *Dispatcher) waitForBackoff(ctx context.Context, key string) error {
	d.mu.Lock()
	entry, ok := d.backoff[key]
	var wait time.Duration
	if ok {
		wait = entry.ResumeAt.Sub(d.nowFn())
	}
	d.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	log.Printf("dispatch: %s parked for %s by standing backoff", short(key), wait.Round(time.Millisecond))
	return d.sleep(ctx, wait)
}

// setBackoff records a rate-limit hit for key and returns the new
// resume time, strictly in the future.
func (d *Dispatcher) setBackoff(key string, cause error) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.backoff[key]
	if !ok {
		entry = &backoffEntry{}
		d.backoff[key] = entry
	}
	entry.Attempts++
	entry.LastError = cause.Error()
	entry.ResumeAt = d.nowFn().Add(d.delay(entry.Attempts - 1))
	log.Printf("dispatch: %s rate-limited, resume at %s (attempt %d)",
		short(key), entry.ResumeAt.Format(time.RFC3339), entry.Attempts)
	return entry.ResumeAt
}

func (d *Dispatcher) clearBackoff(key string) {
	d.mu.Lock()
	delete(d.backoff, key)
	d.mu.Unlock()
}

// CancelAll cancels every in-flight call and returns how many were cut.
// Waiters observe a cancellation error.
func (d *Dispatcher) CancelAll() int {
	d.mu.Lock()
	calls := make([]*call, 0, len(d.inflight))
	for _, c := range d.inflight {
		calls = append(calls, c)
	}
	d.mu.Unlock()

	for _, c := range calls {
		c.cancel()
	}
	if len(calls) > 0 {
		log.Printf("dispatch: cancelled %d in-flight requests", len(calls))
	}
	return len(calls)
}

// Status reports the current in-flight count and parked signatures.
func (d *Dispatcher) Status() QueueStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := QueueStatus{InFlight: len(d.inflight), Backoffs: make([]BackoffStatus, 0, len(d.backoff))}
	for _, c := range d.inflight {
		st.Waiters += c.waiters
	}
	for k, e := range d.backoff {
		st.Backoffs = append(st.Backoffs, BackoffStatus{Key: k, backoffEntry: *e})
	}
	return st
}

// sweepLoop periodically evicts in-flight entries older than the
// staleness ceiling and backoff entries whose window long passed.
func (d *Dispatcher) sweepLoop() {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Dispatcher) sweep() {
	now := d.nowFn()

	d.mu.Lock()
	var stale []*call
	for key, c := range d.inflight {
		if now.Sub(c.started) >= d.cfg.InFlightTTL {
			stale = append(stale, c)
			delete(d.inflight, key)
		}
	}
	for key, e := range d.backoff {
		if now.Sub(e.ResumeAt) >= d.cfg.InFlightTTL {
			delete(d.backoff, key)
		}
	}
	d.mu.Unlock()

	// Cancel outside the lock; each owner settles its own waiters.
	for _, c := range stale {
		log.Printf("dispatch: swept stale in-flight request %s", short(c.key))
		c.cancel()
	}
}

func short(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
