package resilient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/api"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/breaker"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/cache"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/dispatch"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

type testEnv struct {
	service  *Service
	server   *httptest.Server
	hits     *atomic.Int64
	fallback *cache.SnapshotStore
}

func newTestEnv(t *testing.T, handler http.HandlerFunc, fallbackEnabled bool, cfg breaker.Config) *testEnv {
	t.Helper()

	hits := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	if cfg.FailureThreshold == 0 {
		cfg = breaker.Config{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			ResetTimeout:     time.Minute,
			MaxRetries:       1,
			RetryBaseDelay:   time.Millisecond,
			RetryMaxDelay:    5 * time.Millisecond,
		}
	}

	disp := dispatch.New(dispatch.Config{
		MaxRetries: 0,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	t.Cleanup(disp.Close)

	mem := cache.NewMemoryCache()
	t.Cleanup(mem.Close)
	snapshots := cache.NewSnapshotStore(mem, time.Hour)

	respCache := cache.NewMemoryCache()
	t.Cleanup(respCache.Close)

	svc := NewService(Options{
		Client:          api.New(api.Options{BaseURL: srv.URL, Tokens: api.StaticToken("tok")}),
		Breakers:        breaker.NewManager(cfg),
		Dispatcher:      disp,
		Fallback:        snapshots,
		ResponseCache:   respCache,
		FallbackEnabled: fallbackEnabled,
	})
	return &testEnv{service: svc, server: srv, hits: hits, fallback: snapshots}
}

func chatOK(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(model.ChatResponse{Response: text, Model: "brie-orchestrator"})
	}
}

func seedSnapshot(t *testing.T, env *testEnv) {
	t.Helper()
	err := env.fallback.Store(context.Background(), &model.FinancialSnapshot{
		Budgets:      []model.BudgetSummary{{Category: "groceries", Limit: 400, Spent: 150}},
		SpendToDate:  150,
		MonthlyLimit: 1000,
		Currency:     "USD",
	})
	require.NoError(t, err)
}

func TestCallOrchestratorSuccess(t *testing.T) {
	env := newTestEnv(t, chatOK("hello"), true, breaker.Config{})

	res := env.service.CallOrchestrator(context.Background(), &model.ChatRequest{
		SessionID: "s1", MessageID: "m1", Message: "hi",
	})

	require.True(t, res.Success)
	resp, ok := res.Data.(*model.ChatResponse)
	require.True(t, ok)
	assert.Equal(t, "hello", resp.Response)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "closed", res.BreakerState)
}

func TestCallOrchestratorServesCachedResponse(t *testing.T) {
	env := newTestEnv(t, chatOK("cached answer"), true, breaker.Config{})
	req := &model.ChatRequest{SessionID: "s1", MessageID: "m1", Message: "same question"}

	first := env.service.CallOrchestrator(context.Background(), req)
	require.True(t, first.Success)
	assert.False(t, first.CacheHit)

	second := env.service.CallOrchestrator(context.Background(), req)
	require.True(t, second.Success)
	assert.True(t, second.CacheHit)
	resp := second.Data.(*model.ChatResponse)
	assert.Equal(t, "cached answer", resp.Response)

	assert.Equal(t, int64(1), env.hits.Load(), "second call must not reach the network")
}

func TestFallbackAfterExhaustion(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, true, breaker.Config{})
	seedSnapshot(t, env)

	res := env.service.CallOrchestrator(context.Background(), &model.ChatRequest{
		SessionID: "s1", MessageID: "m1", Message: "how am I doing",
	})

	require.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	resp := res.Data.(*model.ChatResponse)
	assert.Equal(t, "fallback-cache", resp.Model)
	assert.Contains(t, resp.Response, "monthly limit")
}

func TestFailureWithoutFallback(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, false, breaker.Config{})

	res := env.service.CallOrchestrator(context.Background(), &model.ChatRequest{
		SessionID: "s1", MessageID: "m1", Message: "hi",
	})

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 2, res.Attempts, "one retry configured")
	assert.Nil(t, res.Data)
}

func TestFailureWithoutValidSnapshot(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, true, breaker.Config{})
	// no snapshot seeded

	res := env.service.CallOrchestrator(context.Background(), &model.ChatRequest{
		SessionID: "s1", MessageID: "m1", Message: "hi",
	})

	assert.False(t, res.Success)
	assert.False(t, res.FallbackUsed)
}

func TestBreakerFastFailsAfterTrip(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, false, breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		MaxRetries:       0,
	})

	first := env.service.CallOrchestrator(context.Background(), &model.ChatRequest{
		SessionID: "s1", MessageID: "m1", Message: "one",
	})
	require.False(t, first.Success)
	assert.Equal(t, "open", first.BreakerState)

	before := env.hits.Load()
	second := env.service.CallOrchestrator(context.Background(), &model.ChatRequest{
		SessionID: "s1", MessageID: "m2", Message: "two",
	})
	assert.False(t, second.Success)
	assert.Equal(t, before, env.hits.Load(), "open breaker must not reach the network")
}

func TestCallToolsNoSnapshotSynthesis(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, true, breaker.Config{})
	seedSnapshot(t, env)

	res := env.service.CallTools(context.Background(), &model.ToolRequest{
		Tool: "budget-report", Arguments: map[string]any{"month": "2026-08"},
	})

	assert.False(t, res.Success, "tool calls never fall back to snapshot data")
	assert.NotEmpty(t, res.Error)
}

func TestCallToolsSuccess(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(model.ToolResponse{Tool: "budget-report", Output: map[string]any{"ok": true}})
	}, false, breaker.Config{})

	res := env.service.CallTools(context.Background(), &model.ToolRequest{Tool: "budget-report"})

	require.True(t, res.Success)
	resp, ok := res.Data.(*model.ToolResponse)
	require.True(t, ok)
	assert.Equal(t, "budget-report", resp.Tool)
}

func TestCallStreamingOrchestratorUsesOwnBreaker(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, false, breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		MaxRetries:       0,
	})

	_ = env.service.CallStreamingOrchestrator(context.Background(), &model.ChatRequest{
		SessionID: "s1", MessageID: "m1", Message: "hi",
	})

	health := env.service.HealthStatus()
	require.Contains(t, health, EndpointStreamingOrchestrator)
	assert.Equal(t, "open", health[EndpointStreamingOrchestrator].State)
	_, tripped := health[EndpointOrchestrator]
	assert.False(t, tripped, "orchestrator breaker untouched")
}

func TestMetricsSummaryAggregates(t *testing.T) {
	env := newTestEnv(t, chatOK("ok"), false, breaker.Config{})

	for i := 0; i < 3; i++ {
		res := env.service.CallOrchestrator(context.Background(), &model.ChatRequest{
			SessionID: "s1", MessageID: "m", Message: string(rune('a' + i)),
		})
		require.True(t, res.Success)
	}

	sum := env.service.MetricsSummary()
	assert.Equal(t, 3, sum.TotalCalls)
	assert.Equal(t, 3, sum.Successes)
	assert.InDelta(t, 1.0, sum.SuccessRate, 1e-9)
	ep := sum.Endpoints[EndpointOrchestrator]
	assert.Equal(t, 3, ep.Calls)
}

func TestResetCircuitBreakers(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, false, breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		MaxRetries:       0,
	})

	_ = env.service.CallOrchestrator(context.Background(), &model.ChatRequest{
		SessionID: "s1", MessageID: "m1", Message: "hi",
	})
	require.Equal(t, "open", env.service.HealthStatus()[EndpointOrchestrator].State)

	env.service.ResetCircuitBreakers()
	assert.Equal(t, "closed", env.service.HealthStatus()[EndpointOrchestrator].State)
}

func TestMetricsRingStaysBounded(t *testing.T) {
	ring := newMetricsRing()
	for i := 0; i < metricsWindow+250; i++ {
		ring.add(CallRecord{Endpoint: EndpointOrchestrator, Success: i%2 == 0})
	}
	records := ring.recent()
	assert.Len(t, records, metricsWindow)

	sum := ring.summary()
	assert.Equal(t, metricsWindow, sum.TotalCalls)
}
