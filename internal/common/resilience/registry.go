package resilience

import (
	"sort"
	"sync"
)

// Registry tracks the circuit breakers of a process so readiness probes can
// report on them
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a new circuit breaker registry
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Register adds a circuit breaker to the registry, replacing any with the same name
func (r *Registry) Register(cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[cb.name] = cb
}

// Get returns a circuit breaker by name
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// AllStats returns stats for all registered circuit breakers ordered by name
func (r *Registry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// OpenBreakers returns the names of breakers currently rejecting calls
func (r *Registry) OpenBreakers() []string {
	var open []string
	for _, s := range r.AllStats() {
		if s.State == StateOpen {
			open = append(open, s.Name)
		}
	}
	return open
}
