package health

import (
	"sync"

	"go.flowcatalyst.tech/internal/router/circuitbreaker"
)

// BreakerStateGetter is satisfied by mediator.HTTPMediator; kept narrow so
// this package doesn't need to import the mediator package.
type BreakerStateGetter interface {
	PoolCode() string
	BreakerState() circuitbreaker.State
}

// CircuitBreakerRegistry tracks one breaker per deployed pool, mutated as
// ConfigSyncer deploys and undeploys pools. It satisfies CircuitBreakerGetter.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]BreakerStateGetter
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{breakers: make(map[string]BreakerStateGetter)}
}

// Register starts tracking the breaker behind a newly deployed pool's
// mediator.
func (r *CircuitBreakerRegistry) Register(poolCode string, getter BreakerStateGetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[poolCode] = getter
}

// Unregister stops tracking a pool's breaker once it's undeployed.
func (r *CircuitBreakerRegistry) Unregister(poolCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, poolCode)
}

// GetAllCircuitBreakerStats returns the current state of every tracked
// breaker, keyed by pool code.
func (r *CircuitBreakerRegistry) GetAllCircuitBreakerStats() map[string]*CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]*CircuitBreakerStats, len(r.breakers))
	for poolCode, b := range r.breakers {
		stats[poolCode] = &CircuitBreakerStats{
			Name:  poolCode,
			State: b.BreakerState().String(),
		}
	}
	return stats
}

// GetOpenCircuitBreakerCount returns how many tracked breakers are
// currently open.
func (r *CircuitBreakerRegistry) GetOpenCircuitBreakerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, b := range r.breakers {
		if b.BreakerState() == circuitbreaker.Open {
			count++
		}
	}
	return count
}
