package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

const snapshotKey = "brie:transport:snapshot"

// SnapshotStore keeps the last-known-good financial snapshot and turns
// it into a spend plan when the backend is unreachable.
type SnapshotStore struct {
	cache Cache
	ttl   time.Duration
	nowFn func() time.Time
}

// NewSnapshotStore creates a store over any cache backend. ttl bounds
// how long a snapshot stays eligible for fallback synthesis.
func NewSnapshotStore(c Cache, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotStore{cache: c, ttl: ttl, nowFn: time.Now}
}

// Store persists a fresh snapshot.
func (s *SnapshotStore) Store(ctx context.Context, snap *model.FinancialSnapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	if snap.CachedAt.IsZero() {
		snap.CachedAt = s.nowFn()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.cache.Set(ctx, snapshotKey, data, s.ttl)
}

// Valid reports whether a non-expired snapshot is available.
func (s *SnapshotStore) Valid(ctx context.Context) bool {
	snap, err := s.load(ctx)
	return err == nil && snap != nil
}

// SpendPlan synthesizes a plan from the cached snapshot. Returns
// (nil, nil) when no usable snapshot exists.
func (s *SnapshotStore) SpendPlan(ctx context.Context) (*model.SpendPlan, error) {
	snap, err := s.load(ctx)
	if err != nil || snap == nil {
		return nil, err
	}

	remaining := snap.MonthlyLimit - snap.SpendToDate
	plan := &model.SpendPlan{
		Summary:     planSummary(snap, remaining),
		Budgets:     snap.Budgets,
		Goals:       snap.Goals,
		Remaining:   remaining,
		GeneratedAt: s.nowFn(),
		Stale:       true,
	}
	return plan, nil
}

func (s *SnapshotStore) load(ctx context.Context) (*model.FinancialSnapshot, error) {
	data, err := s.cache.Get(ctx, snapshotKey)
	if err != nil {
		log.Printf("snapshot store: read failed: %v", err)
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var snap model.FinancialSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.nowFn().Sub(snap.CachedAt) > s.ttl {
		return nil, nil
	}
	return &snap, nil
}

// planSummary renders the deterministic one-paragraph summary surfaced
// to the user when live calls are unavailable.
func planSummary(snap *model.FinancialSnapshot, remaining float64) string {
	cur := snap.Currency
	if cur == "" {
		cur = "USD"
	}
	overBudget := 0
	for _, b := range snap.Budgets {
		if b.Spent > b.Limit {
			overBudget++
		}
	}

	summary := fmt.Sprintf(
		"Based on your data from %s: you have spent %.2f %s of your %.2f %s monthly limit, leaving %.2f %s.",
		snap.CachedAt.Format("Jan 2"),
		snap.SpendToDate, cur, snap.MonthlyLimit, cur, remaining, cur,
	)
	if overBudget > 0 {
		summary += fmt.Sprintf(" %d of your %d budgets are over their limit.", overBudget, len(snap.Budgets))
	}
	if len(snap.Goals) > 0 {
		summary += fmt.Sprintf(" You are tracking %d savings goals.", len(snap.Goals))
	}
	return summary
}
