package model

import "time"

// ChatRequest is one conversation turn sent to the orchestrator.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
	Context   string `json:"context,omitempty"`
}

// ChatResponse is the orchestrator's non-streaming reply.
type ChatResponse struct {
	Response  string       `json:"response"`
	Model     string       `json:"model,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	CacheHit  bool         `json:"cache_hit,omitempty"`
	Metrics   *PerfMetrics `json:"metrics,omitempty"`
	Evidence  []Evidence   `json:"evidence,omitempty"`
}

// ToolRequest invokes a named backend tool.
type ToolRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// ToolResponse is a backend tool invocation result.
type ToolResponse struct {
	Tool      string `json:"tool"`
	Output    any    `json:"output"`
	RequestID string `json:"request_id,omitempty"`
}

// FinancialSnapshot is the last-known-good domain data cached for
// offline fallback synthesis. The domain contexts that produce it are
// external to this layer; only the shape crossing the boundary is fixed.
type FinancialSnapshot struct {
	Budgets      []BudgetSummary `json:"budgets,omitempty"`
	Goals        []GoalSummary   `json:"goals,omitempty"`
	SpendToDate  float64         `json:"spend_to_date"`
	MonthlyLimit float64         `json:"monthly_limit"`
	Currency     string          `json:"currency,omitempty"`
	CachedAt     time.Time       `json:"cached_at"`
}

// BudgetSummary is one budget line inside a snapshot.
type BudgetSummary struct {
	Category string  `json:"category"`
	Limit    float64 `json:"limit"`
	Spent    float64 `json:"spent"`
}

// GoalSummary is one savings goal inside a snapshot.
type GoalSummary struct {
	Name     string  `json:"name"`
	Target   float64 `json:"target"`
	Saved    float64 `json:"saved"`
	Deadline string  `json:"deadline,omitempty"`
}

// SpendPlan is the plan synthesized from a snapshot when the backend is
// unreachable.
type SpendPlan struct {
	Summary     string          `json:"summary"`
	Budgets     []BudgetSummary `json:"budgets,omitempty"`
	Goals       []GoalSummary   `json:"goals,omitempty"`
	Remaining   float64         `json:"remaining"`
	GeneratedAt time.Time       `json:"generated_at"`
	Stale       bool            `json:"stale"`
}
