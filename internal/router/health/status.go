package health

import (
	"context"
	"sync"
	"time"
)

// HealthStatusService aggregates infrastructure, broker, pool, and circuit
// breaker health into the single HealthStatus surfaced by the monitoring
// endpoint.
type HealthStatusService struct {
	mu sync.RWMutex

	startTime            time.Time
	infraHealthService   *InfrastructureHealthService
	brokerHealthService  *BrokerHealthService
	poolMetrics          PoolMetricsProvider
	circuitBreakerGetter CircuitBreakerGetter
}

// CircuitBreakerGetter provides circuit breaker statistics.
type CircuitBreakerGetter interface {
	GetAllCircuitBreakerStats() map[string]*CircuitBreakerStats
	GetOpenCircuitBreakerCount() int
}

// NewHealthStatusService creates a new health status service.
func NewHealthStatusService(
	infraHealth *InfrastructureHealthService,
	brokerHealth *BrokerHealthService,
	poolMetrics PoolMetricsProvider,
) *HealthStatusService {
	return &HealthStatusService{
		startTime:           time.Now(),
		infraHealthService:  infraHealth,
		brokerHealthService: brokerHealth,
		poolMetrics:         poolMetrics,
	}
}

// SetCircuitBreakerGetter sets the circuit breaker stats provider.
func (s *HealthStatusService) SetCircuitBreakerGetter(getter CircuitBreakerGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitBreakerGetter = getter
}

// GetHealthStatus returns the aggregated health status.
func (s *HealthStatusService) GetHealthStatus(ctx context.Context) *HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &HealthStatus{
		Status:                  "UNKNOWN",
		UpSince:                 s.startTime,
		LastInfrastructureCheck: time.Now(),
	}

	if s.infraHealthService != nil {
		infraHealth := s.infraHealthService.CheckHealth()
		if infraHealth.Healthy {
			status.InfrastructureHealth = "HEALTHY"
		} else {
			status.InfrastructureHealth = "UNHEALTHY"
		}
		status.LastInfrastructureCheck = s.infraHealthService.GetLastHealthCheck()
	}

	if s.brokerHealthService != nil {
		s.brokerHealthService.CheckAll(ctx)
		status.BrokersConnected, status.BrokersTotal = s.brokerHealthService.Counts()
	}

	if s.poolMetrics != nil {
		poolStats := s.poolMetrics.GetAllPoolStats()
		status.ActivePoolCount = len(poolStats)

		var totalActiveWorkers int
		var poolHealth []PoolHealth

		for poolCode, stats := range poolStats {
			totalActiveWorkers += stats.ActiveWorkers

			ph := PoolHealth{
				PoolCode:      poolCode,
				Status:        "HEALTHY",
				ActiveWorkers: stats.ActiveWorkers,
				QueueSize:     stats.QueueSize,
			}

			lastActivity := s.poolMetrics.GetLastActivityTimestamp(poolCode)
			if lastActivity != nil {
				ph.LastActivityAt = *lastActivity
				if time.Since(*lastActivity).Milliseconds() > ActivityTimeoutMs {
					ph.Status = "STALLED"
				}
			}

			poolHealth = append(poolHealth, ph)
		}

		status.TotalActiveWorkers = totalActiveWorkers
		status.PoolHealth = poolHealth
	}

	if s.circuitBreakerGetter != nil {
		status.CircuitBreakersOpen = s.circuitBreakerGetter.GetOpenCircuitBreakerCount()
	}

	switch {
	case status.InfrastructureHealth != "HEALTHY" || (status.BrokersTotal > 0 && status.BrokersConnected < status.BrokersTotal):
		status.Status = "UNHEALTHY"
	case status.CircuitBreakersOpen > 0:
		status.Status = "DEGRADED"
	default:
		status.Status = "HEALTHY"
	}

	return status
}

// GetUptime returns the uptime duration.
func (s *HealthStatusService) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
