package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BrokerConnectivityChecker provides broker-specific connectivity checks.
// internal/broker.Broker satisfies this directly.
type BrokerConnectivityChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerHealthService tracks connectivity for every broker currently
// deployed by the ConfigSyncer, keyed by queue identifier. Queues come and
// go as configuration changes, so the set of tracked brokers is mutated by
// RegisterBroker/UnregisterBroker rather than fixed at construction.
type BrokerHealthService struct {
	mu      sync.RWMutex
	brokers map[string]BrokerConnectivityChecker
	results map[string]brokerResult
}

type brokerResult struct {
	checkedAt time.Time
	connected bool
	issue     string
}

// NewBrokerHealthService creates an empty broker health registry.
func NewBrokerHealthService() *BrokerHealthService {
	return &BrokerHealthService{
		brokers: make(map[string]BrokerConnectivityChecker),
		results: make(map[string]brokerResult),
	}
}

// RegisterBroker starts tracking connectivity for a newly deployed queue.
func (s *BrokerHealthService) RegisterBroker(queueID string, checker BrokerConnectivityChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokers[queueID] = checker
}

// UnregisterBroker stops tracking a queue that ConfigSyncer has undeployed.
func (s *BrokerHealthService) UnregisterBroker(queueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.brokers, queueID)
	delete(s.results, queueID)
}

// CheckAll probes every registered broker and returns the issues found
// across all of them, empty if every broker is reachable.
func (s *BrokerHealthService) CheckAll(ctx context.Context) []string {
	s.mu.Lock()
	brokers := make(map[string]BrokerConnectivityChecker, len(s.brokers))
	for id, b := range s.brokers {
		brokers[id] = b
	}
	s.mu.Unlock()

	var issues []string
	results := make(map[string]brokerResult, len(brokers))

	for queueID, checker := range brokers {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := checker.HealthCheck(checkCtx)
		cancel()

		res := brokerResult{checkedAt: time.Now(), connected: err == nil}
		if err != nil {
			res.issue = fmt.Sprintf("queue %s broker unreachable: %v", queueID, err)
			issues = append(issues, res.issue)
		}
		results[queueID] = res
	}

	s.mu.Lock()
	s.results = results
	s.mu.Unlock()

	return issues
}

// Counts returns how many of the registered brokers were reachable as of
// the last CheckAll call, and how many are registered in total.
func (s *BrokerHealthService) Counts() (connected, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total = len(s.brokers)
	for _, r := range s.results {
		if r.connected {
			connected++
		}
	}
	return connected, total
}
