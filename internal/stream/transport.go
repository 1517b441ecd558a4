package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/api"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/resilient"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/telemetry"
)

// Delivery tier names, in preference order.
const (
	TierSSE        = "sse"
	TierFetch      = "fetch"
	TierSingleShot = "single-shot"
)

// ErrStreamActive is returned when a session already has a live stream.
var ErrStreamActive = errors.New("stream: session already has an active stream")

// errNoData marks a tier that produced zero frames before dying.
var errNoData = errors.New("stream: no data received")

// StreamError reports a stream that failed after delivering content.
// Partial holds the text accumulated before the failure.
type StreamError struct {
	Tier    string
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream: %s tier failed after %d bytes: %v", e.Tier, len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Callbacks receives stream events. Nil fields are skipped. OnDone fires
// exactly once per stream, and only on successful completion.
type Callbacks struct {
	OnMeta  func(*model.MetaChunk)
	OnDelta func(*model.DeltaChunk)
	OnFinal func(*model.FinalChunk)
	OnTrace func(*model.TraceChunk)
	OnRaw   func(string)
	OnError func(error)
	OnDone  func()
}

// Options configures a Transport.
type Options struct {
	Client        *api.Client
	Service       *resilient.Service
	NoDataTimeout time.Duration // zero frames within this window drops to the next tier
	TotalTimeout  time.Duration // hard ceiling on the whole stream
	Metrics       *telemetry.Metrics
}

// Transport runs tiered streaming with a per-session guard.
type Transport struct {
	client     *api.Client
	httpClient *http.Client
	service    *resilient.Service
	noData     time.Duration
	total      time.Duration
	metrics    *telemetry.Metrics

	mu     sync.Mutex
	active map[string]*Handle
}

// New creates a Transport.
func New(opts Options) *Transport {
	noData := opts.NoDataTimeout
	if noData <= 0 {
		noData = 5 * time.Second
	}
	total := opts.TotalTimeout
	if total <= 0 {
		total = 120 * time.Second
	}
	return &Transport{
		client:     opts.Client,
		httpClient: opts.Client.StreamingHTTPClient(),
		service:    opts.Service,
		noData:     noData,
		total:      total,
		metrics:    opts.Metrics,
		active:     make(map[string]*Handle),
	}
}

// Handle controls one live stream.
type Handle struct {
	sessionID string
	transport *Transport
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Close tears the stream down. It is synchronous: on return the session
// guard is released and no further callbacks will fire.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.cancel()
		h.transport.release(h.sessionID, h)
	})
}

// Done is closed when the stream goroutine has fully exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stream starts a tiered stream for one conversation turn. A missing
// identity token fails before any network I/O.
func (t *Transport) Stream(ctx context.Context, req *model.ChatRequest, cb Callbacks) (*Handle, error) {
	identity, err := t.client.Identity(ctx)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, t.total)
	h := &Handle{
		sessionID: req.SessionID,
		transport: t,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if _, busy := t.active[req.SessionID]; busy {
		t.mu.Unlock()
		cancel()
		return nil, ErrStreamActive
	}
	t.active[req.SessionID] = h
	t.mu.Unlock()

	go t.run(streamCtx, req, identity, cb, h)
	return h, nil
}

// release drops the session guard if it still belongs to h.
func (t *Transport) release(sessionID string, h *Handle) {
	t.mu.Lock()
	if t.active[sessionID] == h {
		delete(t.active, sessionID)
	}
	t.mu.Unlock()
}

// streamState is per-stream accumulation shared across tiers. A stream
// terminates with exactly one done or exactly one error, never both.
type streamState struct {
	handle *Handle
	cb     Callbacks
	accum  strings.Builder
	done   sync.Once
	failed sync.Once
}

func (st *streamState) finish() {
	st.done.Do(func() {
		if st.handle.closed.Load() {
			return
		}
		if st.cb.OnDone != nil {
			st.cb.OnDone()
		}
	})
}

// run walks the tier chain until one completes or everything fails.
func (t *Transport) run(ctx context.Context, req *model.ChatRequest, identity string, cb Callbacks, h *Handle) {
	defer close(h.done)
	defer h.cancel()
	defer t.release(req.SessionID, h)

	st := &streamState{handle: h, cb: cb}

	frames, err := t.runTier(ctx, TierSSE, st, func() (io.ReadCloser, error) {
		return t.openSSE(ctx, req, identity)
	})
	if err == nil {
		return
	}
	if t.abortOn(ctx, st, TierSSE, frames, err) {
		return
	}

	log.Printf("stream: sse tier unavailable for session %s, trying fetch tier: %v", req.SessionID, err)
	frames, err = t.runTier(ctx, TierFetch, st, func() (io.ReadCloser, error) {
		return t.openFetch(ctx, req, identity)
	})
	if err == nil {
		return
	}
	if t.abortOn(ctx, st, TierFetch, frames, err) {
		return
	}

	log.Printf("stream: fetch tier unavailable for session %s, trying single-shot: %v", req.SessionID, err)
	t.singleShot(ctx, req, st)
}

// abortOn decides whether a tier failure ends the stream. A tier that
// delivered frames surfaces its error with the partial text; only a
// zero-frame tier falls through to the next one. Context death always
// ends the stream.
func (t *Transport) abortOn(ctx context.Context, st *streamState, tier string, frames int, err error) bool {
	if ctx.Err() != nil {
		if !st.handle.closed.Load() {
			werr := ctx.Err()
			if errors.Is(werr, context.DeadlineExceeded) {
				werr = fmt.Errorf("%w: stream exceeded total timeout", model.ErrTimeout)
			}
			t.emitError(st, werr)
		}
		return true
	}
	if frames > 0 {
		t.emitError(st, &StreamError{Tier: tier, Partial: st.accum.String(), Err: err})
		return true
	}
	return false
}

// runTier opens one tier and consumes frames. A nil error means the
// stream completed; otherwise the frame count drives the fallback
// decision in abortOn.
func (t *Transport) runTier(ctx context.Context, tier string, st *streamState, open func() (io.ReadCloser, error)) (int, error) {
	body, err := open()
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if t.metrics != nil {
		t.metrics.RecordStreamTier(tier)
	}

	// Zero frames within the no-data window kills the tier. The timer is
	// disarmed by the first frame; closing the body unblocks the reader.
	var starved atomic.Bool
	noData := time.AfterFunc(t.noData, func() {
		starved.Store(true)
		body.Close()
	})
	defer noData.Stop()

	reader := newSSEReader(body)
	frames := 0
	for {
		fr, err := reader.next()
		if err != nil {
			if frames == 0 && starved.Load() {
				return 0, errNoData
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("stream ended without %s marker", doneMarker)
			}
			return frames, err
		}
		if frames == 0 {
			noData.Stop()
		}
		frames++

		if done := t.handleFrame(st, fr); done {
			return frames, nil
		}
	}
}

// handleFrame classifies one frame and dispatches it. Returns true when
// the frame terminates the stream.
func (t *Transport) handleFrame(st *streamState, fr *frame) bool {
	if st.handle.closed.Load() {
		return true
	}
	if fr.data == doneMarker {
		st.finish()
		return true
	}

	chunk, err := model.ParseChunk([]byte(fr.data))
	if err != nil {
		// structured envelope with a broken payload: pass through raw
		chunk = &model.Chunk{Type: model.ChunkRaw, Raw: fr.data}
	}
	if t.metrics != nil {
		t.metrics.RecordStreamChunk(string(chunk.Type))
	}

	switch chunk.Type {
	case model.ChunkMeta:
		if st.cb.OnMeta != nil {
			st.cb.OnMeta(chunk.Meta)
		}
	case model.ChunkDelta:
		st.accum.WriteString(chunk.Delta.Text)
		if st.cb.OnDelta != nil {
			st.cb.OnDelta(chunk.Delta)
		}
	case model.ChunkFinal:
		if chunk.Final.Text == "" {
			chunk.Final.Text = st.accum.String()
		}
		if st.cb.OnFinal != nil {
			st.cb.OnFinal(chunk.Final)
		}
	case model.ChunkTrace:
		if st.cb.OnTrace != nil {
			st.cb.OnTrace(chunk.Trace)
		}
	case model.ChunkDone:
		st.finish()
		return true
	case model.ChunkError:
		// a backend error frame terminates the stream; the server closes
		// the connection right after and that EOF must not double-report
		t.emitError(st, &model.TransportError{Message: chunk.Error.Message, Err: model.ErrServer})
		return true
	default:
		if st.cb.OnRaw != nil {
			st.cb.OnRaw(chunk.Raw)
		}
	}
	return false
}

func (t *Transport) emitError(st *streamState, err error) {
	st.failed.Do(func() {
		if st.handle.closed.Load() {
			return
		}
		if st.cb.OnError != nil {
			st.cb.OnError(err)
		}
	})
}

// openSSE is the first tier: a GET event-source request carrying the
// turn in the query string.
func (t *Transport) openSSE(ctx context.Context, req *model.ChatRequest, identity string) (io.ReadCloser, error) {
	url := t.client.StreamURL(req.SessionID, req.MessageID, req.Message, identity)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	return t.openStream(httpReq)
}

// openFetch is the second tier: a POST with the turn in the body and
// the identity in the Authorization header, body read incrementally.
func (t *Transport) openFetch(ctx context.Context, req *model.ChatRequest, identity string) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/sessions/%s/stream", t.client.BaseURL(), req.SessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+identity)
	return t.openStream(httpReq)
}

func (t *Transport) openStream(req *http.Request) (io.ReadCloser, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, model.MapHTTPStatusToError(resp.StatusCode)
	}
	return resp.Body, nil
}

// singleShot is the final tier: one non-streaming completion, delivered
// as a single final chunk so consumers see a uniform shape.
func (t *Transport) singleShot(ctx context.Context, req *model.ChatRequest, st *streamState) {
	if t.metrics != nil {
		t.metrics.RecordStreamTier(TierSingleShot)
	}
	res := t.service.CallStreamingOrchestrator(ctx, req)
	if !res.Success {
		t.emitError(st, fmt.Errorf("stream: all tiers failed: %s", res.Error))
		return
	}
	resp, ok := res.Data.(*model.ChatResponse)
	if !ok || resp == nil {
		t.emitError(st, errors.New("stream: single-shot returned unexpected payload"))
		return
	}
	if st.handle.closed.Load() {
		return
	}
	if st.cb.OnFinal != nil {
		st.cb.OnFinal(&model.FinalChunk{Text: resp.Response, Metrics: resp.Metrics, Evidence: resp.Evidence})
	}
	st.finish()
}

// ActiveSessions reports sessions with a live stream.
func (t *Transport) ActiveSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.active))
	for id := range t.active {
		out = append(out, id)
	}
	return out
}
