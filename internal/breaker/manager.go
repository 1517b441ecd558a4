package breaker

import (
	"log"
	"sync"
)

// Manager is a lazy registry of named circuit breakers. Breakers are
// created on first reference and live for the process lifetime.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults Config
}

// NewManager creates a registry whose breakers default to cfg.
func NewManager(defaults Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults.withDefaults(),
	}
}

// GetOrCreate returns the breaker for name, creating it with the
// manager's default config on first reference.
func (m *Manager) GetOrCreate(name string) *CircuitBreaker {
	return m.GetOrCreateWith(name, m.defaults)
}

// GetOrCreateWith returns the breaker for name, creating it with cfg on
// first reference. Config is fixed at creation; later calls with a
// different cfg reuse the existing breaker.
func (m *Manager) GetOrCreateWith(name string, cfg Config) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok = m.breakers[name]; ok {
		return cb
	}

	cb = New(name, cfg)
	m.breakers[name] = cb
	log.Printf("breaker manager: created breaker %q", name)
	return cb
}

// Snapshot returns the observable state of every managed breaker.
func (m *Manager) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.Snapshot()
	}
	return out
}

// ResetAll force-closes every managed breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
