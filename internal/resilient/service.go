// Package resilient composes circuit breakers, the request dispatcher,
// and the fallback snapshot store into the call surface the rest of the
// app uses. Callers always get back real data, flagged fallback data,
// or a structured failure — never a raised fault.
package resilient

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/api"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/breaker"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/cache"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/dispatch"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/telemetry"
)

// Downstream breaker names.
const (
	EndpointOrchestrator          = "orchestrator"
	EndpointTools                 = "tools"
	EndpointStreamingOrchestrator = "streaming-orchestrator"
)

const (
	pathChat         = "/api/ai/chat"
	pathTools        = "/api/ai/tools"
	pathChatComplete = "/api/ai/chat/complete"

	responseCachePrefix = "brie:transport:response:"
)

// FallbackCache is the last-known-good snapshot collaborator consumed
// when live calls are exhausted.
type FallbackCache interface {
	Valid(ctx context.Context) bool
	SpendPlan(ctx context.Context) (*model.SpendPlan, error)
	Store(ctx context.Context, snap *model.FinancialSnapshot) error
}

// Result is the structured outcome of one resilient call.
type Result struct {
	Success      bool          `json:"success"`
	Data         any           `json:"data,omitempty"`
	Error        string        `json:"error,omitempty"`
	Attempts     int           `json:"attempts"`
	TotalTime    time.Duration `json:"total_time"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
	CacheHit     bool          `json:"cache_hit,omitempty"`
	BreakerState string        `json:"circuit_breaker_state,omitempty"`
}

// Options wires a Service.
type Options struct {
	Client          *api.Client
	Breakers        *breaker.Manager
	Dispatcher      *dispatch.Dispatcher
	Fallback        FallbackCache
	ResponseCache   cache.Cache
	ResponseTTL     time.Duration
	FallbackEnabled bool
	Metrics         *telemetry.Metrics // optional
}

// Service is the resilient call surface over the backend API.
type Service struct {
	client          *api.Client
	breakers        *breaker.Manager
	dispatcher      *dispatch.Dispatcher
	fallback        FallbackCache
	responseCache   cache.Cache
	responseTTL     time.Duration
	fallbackEnabled bool
	metrics         *telemetry.Metrics
	ring            *metricsRing
}

// NewService creates the service.
func NewService(opts Options) *Service {
	ttl := opts.ResponseTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		client:          opts.Client,
		breakers:        opts.Breakers,
		dispatcher:      opts.Dispatcher,
		fallback:        opts.Fallback,
		responseCache:   opts.ResponseCache,
		responseTTL:     ttl,
		fallbackEnabled: opts.FallbackEnabled,
		metrics:         opts.Metrics,
		ring:            newMetricsRing(),
	}
}

// CallOrchestrator sends one conversation turn to the AI orchestrator.
func (s *Service) CallOrchestrator(ctx context.Context, req *model.ChatRequest) Result {
	return s.callChat(ctx, EndpointOrchestrator, pathChat, req, false)
}

// CallOrchestratorSigned is CallOrchestrator with a request signature,
// for turns that authorize sensitive account operations.
func (s *Service) CallOrchestratorSigned(ctx context.Context, req *model.ChatRequest) Result {
	return s.callChat(ctx, EndpointOrchestrator, pathChat, req, true)
}

// CallStreamingOrchestrator issues the single-shot completion used when
// every streaming tier has failed.
func (s *Service) CallStreamingOrchestrator(ctx context.Context, req *model.ChatRequest) Result {
	return s.callChat(ctx, EndpointStreamingOrchestrator, pathChatComplete, req, false)
}

// CallTools invokes a named backend tool. Tool results are never
// synthesized from the snapshot; a miss is a structured failure.
func (s *Service) CallTools(ctx context.Context, req *model.ToolRequest) Result {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{Success: false, Error: "encode request: " + err.Error()}
	}

	return s.execute(ctx, EndpointTools, pathTools, body, func(callCtx context.Context) (any, error) {
		var resp model.ToolResponse
		if err := s.client.Do(callCtx, http.MethodPost, pathTools, req, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
}

// callChat runs one chat-shaped call with response caching and snapshot
// fallback.
func (s *Service) callChat(ctx context.Context, endpoint, path string, req *model.ChatRequest, signed bool) Result {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{Success: false, Error: "encode request: " + err.Error()}
	}

	cacheKey := responseCachePrefix + dispatch.Signature(http.MethodPost, s.client.BaseURL()+path, body)
	if cached := s.cachedResponse(ctx, cacheKey); cached != nil {
		res := Result{Success: true, Data: cached, CacheHit: true}
		s.record(endpoint, res, 0)
		return res
	}

	res := s.execute(ctx, endpoint, path, body, func(callCtx context.Context) (any, error) {
		var resp model.ChatResponse
		doFn := s.client.Do
		if signed {
			doFn = s.client.DoSigned
		}
		if err := doFn(callCtx, http.MethodPost, path, req, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})

	if res.Success {
		if resp, ok := res.Data.(*model.ChatResponse); ok {
			s.cacheResponse(ctx, cacheKey, resp)
		}
	}
	if !res.Success && s.fallbackEnabled {
		if fb := s.synthesizeFallback(ctx); fb != nil {
			log.Printf("resilient: %s exhausted, serving snapshot fallback", endpoint)
			if s.metrics != nil {
				s.metrics.RecordFallback()
			}
			fallbackRes := Result{
				Success:      true,
				Data:         fb,
				Attempts:     res.Attempts,
				TotalTime:    res.TotalTime,
				FallbackUsed: true,
				BreakerState: res.BreakerState,
			}
			s.record(endpoint, fallbackRes, res.TotalTime)
			return fallbackRes
		}
	}
	return res
}

// execute is the shared breaker + dispatcher composition. On success
// Result.Data carries the dispatched value.
func (s *Service) execute(ctx context.Context, endpoint, path string, body []byte, fn dispatch.Func) Result {
	key := dispatch.Signature(http.MethodPost, s.client.BaseURL()+path, body)
	cb := s.breakers.GetOrCreate(endpoint)

	var value any
	rr := cb.ExecuteWithRetry(ctx, func(callCtx context.Context) error {
		v, err := s.dispatcher.Do(callCtx, key, fn)
		if err != nil {
			return err
		}
		value = v
		return nil
	})

	res := Result{
		Success:      rr.Success,
		Attempts:     rr.Attempts,
		TotalTime:    rr.TotalTime,
		BreakerState: cb.State().String(),
	}

	if rr.Success {
		res.Data = value
	} else if err := rr.LastError(); err != nil {
		res.Error = err.Error()
	}

	if s.metrics != nil {
		s.metrics.SetBreakerState(endpoint, float64(cb.State()))
	}
	s.record(endpoint, res, rr.TotalTime)
	return res
}

// synthesizeFallback builds a chat-shaped response from the cached
// snapshot, or nil when no valid snapshot exists.
func (s *Service) synthesizeFallback(ctx context.Context) *model.ChatResponse {
	if s.fallback == nil || !s.fallback.Valid(ctx) {
		return nil
	}
	plan, err := s.fallback.SpendPlan(ctx)
	if err != nil || plan == nil {
		return nil
	}
	return &model.ChatResponse{
		Response: plan.Summary,
		Model:    "fallback-cache",
	}
}

// CacheFinancialData stores a fresh snapshot for later fallback use.
func (s *Service) CacheFinancialData(ctx context.Context, snap *model.FinancialSnapshot) error {
	if s.fallback == nil {
		return nil
	}
	return s.fallback.Store(ctx, snap)
}

func (s *Service) cachedResponse(ctx context.Context, key string) *model.ChatResponse {
	if s.responseCache == nil {
		return nil
	}
	data, err := s.responseCache.Get(ctx, key)
	if err != nil || len(data) == 0 {
		return nil
	}
	var resp model.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	if s.metrics != nil {
		s.metrics.RecordCacheHit()
	}
	resp.CacheHit = true
	return &resp
}

func (s *Service) cacheResponse(ctx context.Context, key string, resp *model.ChatResponse) {
	if s.responseCache == nil {
		return
	}
	if data, err := json.Marshal(resp); err == nil {
		_ = s.responseCache.Set(ctx, key, data, s.responseTTL)
	}
}

// record feeds the bounded metrics ring and the Prometheus counters.
func (s *Service) record(endpoint string, res Result, elapsed time.Duration) {
	s.ring.add(CallRecord{
		Endpoint:     endpoint,
		At:           time.Now(),
		Latency:      elapsed,
		Attempts:     res.Attempts,
		Success:      res.Success,
		FallbackUsed: res.FallbackUsed,
		CacheHit:     res.CacheHit,
	})
	if s.metrics != nil {
		outcome := "success"
		switch {
		case res.FallbackUsed:
			outcome = "fallback"
		case res.CacheHit:
			outcome = "cache_hit"
		case !res.Success:
			outcome = "error"
		}
		s.metrics.ObserveRequest(endpoint, outcome, elapsed.Seconds())
	}
}

// HealthStatus returns the live snapshot of every managed breaker.
func (s *Service) HealthStatus() map[string]breaker.Status {
	return s.breakers.Snapshot()
}

// ResetCircuitBreakers force-closes all breakers. Operator escape hatch.
func (s *Service) ResetCircuitBreakers() {
	s.breakers.ResetAll()
}

// CancelAllRequests cancels every in-flight dispatch.
func (s *Service) CancelAllRequests() int {
	return s.dispatcher.CancelAll()
}

// QueueStatus reports the dispatcher's in-flight and backoff state.
func (s *Service) QueueStatus() dispatch.QueueStatus {
	return s.dispatcher.Status()
}

// MetricsSummary aggregates the bounded call history.
func (s *Service) MetricsSummary() Summary {
	return s.ring.summary()
}
