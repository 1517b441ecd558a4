package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

func testSnapshot() *model.FinancialSnapshot {
	return &model.FinancialSnapshot{
		Budgets: []model.BudgetSummary{
			{Category: "groceries", Limit: 400, Spent: 430},
			{Category: "transport", Limit: 150, Spent: 80},
		},
		Goals:        []model.GoalSummary{{Name: "vacation", Target: 2000, Saved: 750}},
		SpendToDate:  1210.50,
		MonthlyLimit: 2500,
		Currency:     "EUR",
	}
}

func TestSnapshotStore_RoundTrip(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	store := NewSnapshotStore(mc, time.Hour)
	ctx := context.Background()

	assert.False(t, store.Valid(ctx))

	require.NoError(t, store.Store(ctx, testSnapshot()))
	assert.True(t, store.Valid(ctx))

	plan, err := store.SpendPlan(ctx)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.True(t, plan.Stale)
	assert.InDelta(t, 1289.50, plan.Remaining, 0.001)
	assert.Len(t, plan.Budgets, 2)
}

func TestSnapshotStore_SummaryIsDeterministic(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	store := NewSnapshotStore(mc, time.Hour)
	ctx := context.Background()

	snap := testSnapshot()
	snap.CachedAt = time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Store(ctx, snap))

	a, err := store.SpendPlan(ctx)
	require.NoError(t, err)
	b, err := store.SpendPlan(ctx)
	require.NoError(t, err)

	assert.Equal(t, a.Summary, b.Summary)
	assert.Contains(t, a.Summary, "Feb 14")
	assert.Contains(t, a.Summary, "1210.50 EUR")
	assert.Contains(t, a.Summary, "1 of your 2 budgets are over")
	assert.Contains(t, a.Summary, "1 savings goals")
}

func TestSnapshotStore_ExpiredSnapshotInvalid(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	store := NewSnapshotStore(mc, time.Hour)
	ctx := context.Background()

	snap := testSnapshot()
	snap.CachedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.Store(ctx, snap))

	assert.False(t, store.Valid(ctx))

	plan, err := store.SpendPlan(ctx)
	require.NoError(t, err)
	assert.Nil(t, plan)
}
