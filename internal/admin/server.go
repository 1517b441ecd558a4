// Package admin is the local operations surface: health, queue and
// breaker introspection, manual resets, and the Prometheus endpoint.
// It binds to a loopback-ish port and carries no auth of its own.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/resilient"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/stream"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/telemetry"
)

// Server exposes the admin HTTP surface.
type Server struct {
	Router    chi.Router
	service   *resilient.Service
	transport *stream.Transport
	metrics   *telemetry.Metrics
}

// Config holds admin server dependencies.
type Config struct {
	Service   *resilient.Service
	Transport *stream.Transport // optional
	Metrics   *telemetry.Metrics
}

// NewServer creates the admin router.
func NewServer(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	s := &Server{
		Router:    r,
		service:   cfg.Service,
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics/summary", s.handleMetricsSummary)
	r.Get("/queue", s.handleQueue)
	r.Post("/circuit-breakers/reset", s.handleBreakerReset)
	r.Post("/requests/cancel", s.handleCancelRequests)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// healthResponse is the /health payload.
type healthResponse struct {
	Status        string                 `json:"status"`
	Breakers      map[string]breakerView `json:"circuit_breakers"`
	ActiveStreams []string               `json:"active_streams,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

type breakerView struct {
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.service.HealthStatus()
	resp := healthResponse{
		Status:    "ok",
		Breakers:  make(map[string]breakerView, len(snapshot)),
		Timestamp: time.Now().UTC(),
	}
	for name, st := range snapshot {
		resp.Breakers[name] = breakerView{
			State:               st.State,
			ConsecutiveFailures: st.ConsecutiveFailures,
			AvgLatencyMs:        st.AvgLatencyMs,
		}
		if st.State == "open" {
			resp.Status = "degraded"
		}
	}
	if s.transport != nil {
		resp.ActiveStreams = s.transport.ActiveSessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.MetricsSummary())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.QueueStatus())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.service.ResetCircuitBreakers()
	log.Printf("admin: circuit breakers reset by %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCancelRequests(w http.ResponseWriter, r *http.Request) {
	cancelled := s.service.CancelAllRequests()
	log.Printf("admin: cancelled %d in-flight requests by %s", cancelled, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("admin: write response: %v", err)
	}
}

// ListenAndServe runs the admin server until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		log.Println("admin server disabled")
		return nil
	}
	if addr[0] != ':' {
		addr = ":" + addr
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("admin server shutdown error: %v", err)
		}
	}()

	log.Printf("admin server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
