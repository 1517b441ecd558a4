package breaker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

func TestManager_GetOrCreateReusesBreaker(t *testing.T) {
	m := NewManager(DefaultConfig())

	a := m.GetOrCreate("orchestrator")
	b := m.GetOrCreate("orchestrator")
	c := m.GetOrCreate("tools")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestManager_GetOrCreateConcurrent(t *testing.T) {
	m := NewManager(DefaultConfig())

	const n = 32
	results := make([]*CircuitBreaker, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestManager_Snapshot(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1})
	cb := m.GetOrCreate("streaming-orchestrator")
	_ = cb.Execute(context.Background(), func(context.Context) error { return model.ErrServer })

	snap := m.Snapshot()
	require.Contains(t, snap, "streaming-orchestrator")
	assert.Equal(t, "open", snap["streaming-orchestrator"].State)
}

func TestManager_ResetAll(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1})
	for _, name := range []string{"orchestrator", "tools"} {
		cb := m.GetOrCreate(name)
		_ = cb.Execute(context.Background(), func(context.Context) error { return model.ErrServer })
		require.Equal(t, StateOpen, cb.State())
	}

	m.ResetAll()

	for _, st := range m.Snapshot() {
		assert.Equal(t, "closed", st.State)
	}
}
