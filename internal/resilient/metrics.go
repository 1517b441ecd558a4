package resilient

import (
	"sync"
	"time"
)

// metricsWindow bounds retained call history.
const metricsWindow = 1000

// CallRecord is one completed call in the rolling history.
type CallRecord struct {
	Endpoint     string        `json:"endpoint"`
	At           time.Time     `json:"at"`
	Latency      time.Duration `json:"latency"`
	Attempts     int           `json:"attempts"`
	Success      bool          `json:"success"`
	FallbackUsed bool          `json:"fallback_used"`
	CacheHit     bool          `json:"cache_hit"`
}

// EndpointSummary aggregates one downstream's recent calls.
type EndpointSummary struct {
	Calls        int     `json:"calls"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Summary is the aggregate view over the rolling window.
type Summary struct {
	TotalCalls    int                        `json:"total_calls"`
	Successes     int                        `json:"successes"`
	SuccessRate   float64                    `json:"success_rate"`
	AvgLatencyMs  float64                    `json:"avg_latency_ms"`
	FallbackCount int                        `json:"fallback_count"`
	CacheHits     int                        `json:"cache_hits"`
	Endpoints     map[string]EndpointSummary `json:"endpoints"`
}

// metricsRing is a fixed-size circular buffer of call records.
type metricsRing struct {
	mu      sync.Mutex
	entries []CallRecord
	next    int
	full    bool
}

func newMetricsRing() *metricsRing {
	return &metricsRing{entries: make([]CallRecord, metricsWindow)}
}

func (r *metricsRing) add(rec CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = rec
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// recent returns the retained records, oldest first.
func (r *metricsRing) recent() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]CallRecord, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]CallRecord, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

func (r *metricsRing) summary() Summary {
	records := r.recent()
	sum := Summary{Endpoints: make(map[string]EndpointSummary)}
	var totalLatency time.Duration
	perLatency := make(map[string]time.Duration)

	for _, rec := range records {
		sum.TotalCalls++
		totalLatency += rec.Latency
		ep := sum.Endpoints[rec.Endpoint]
		ep.Calls++
		perLatency[rec.Endpoint] += rec.Latency
		if rec.Success {
			sum.Successes++
			ep.Successes++
		}
		if rec.FallbackUsed {
			sum.FallbackCount++
		}
		if rec.CacheHit {
			sum.CacheHits++
		}
		sum.Endpoints[rec.Endpoint] = ep
	}

	if sum.TotalCalls > 0 {
		sum.SuccessRate = float64(sum.Successes) / float64(sum.TotalCalls)
		sum.AvgLatencyMs = float64(totalLatency.Milliseconds()) / float64(sum.TotalCalls)
	}
	for name, ep := range sum.Endpoints {
		if ep.Calls > 0 {
			ep.SuccessRate = float64(ep.Successes) / float64(ep.Calls)
			ep.AvgLatencyMs = float64(perLatency[name].Milliseconds()) / float64(ep.Calls)
		}
		sum.Endpoints[name] = ep
	}
	return sum
}
