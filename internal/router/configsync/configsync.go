// Package configsync implements the ConfigSyncer: it periodically fetches
// the authoritative pool+queue definitions from an HTTP source and deploys
// or undeploys consumers and pools to match, without dropping in-flight
// work. Grounded on the teacher's runConfigSync loop (retry-then-ticker),
// adapted from a MongoDB-backed pool repository to an HTTP fetch per the
// external configuration source contract.
package configsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/broker"
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/manager"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/pool"
)

// QueueDefinition is one entry of the "queues" array in the configuration
// source document (§6.4). BrokerDescriptor is opaque to this package; a
// BrokerFactory interprets it.
type QueueDefinition struct {
	Identifier       string         `json:"identifier"`
	BrokerDescriptor map[string]any `json:"brokerDescriptor"`
}

// PoolDefinition is one entry of the "pools" array.
type PoolDefinition struct {
	Code               string `json:"code"`
	Concurrency        int    `json:"concurrency"`
	RateLimitPerMinute *int   `json:"rateLimitPerMinute"`
}

type definitions struct {
	Queues []QueueDefinition `json:"queues"`
	Pools  []PoolDefinition  `json:"pools"`
}

const (
	defaultQueueCapacityMultiplier = 2
	minQueueCapacity               = 50
	defaultConcurrency             = 20
)

// BrokerFactory constructs a broker.Broker for one queue definition. Queue
// type (SQS, embedded NATS, ...) is a deployment concern the factory hides
// from the syncer.
type BrokerFactory interface {
	Build(ctx context.Context, def QueueDefinition) (broker.Broker, error)
}

// ConsumerRunner is the syncer's view of a consumer: enough to start it in
// its own goroutine and stop it on removal.
type ConsumerRunner interface {
	Run(ctx context.Context)
	Stop()
	Wait()
}

// ConsumerFactory builds a runnable consumer bound to one broker.
type ConsumerFactory interface {
	Build(queueID string, brk broker.Broker) ConsumerRunner
}

// Config tunes the sync loop.
type Config struct {
	SourceURL            string
	Interval             time.Duration
	InitialRetryAttempts int
	InitialRetryDelay    time.Duration
	FetchTimeout         time.Duration
	MediatorConfig       mediator.Config

	// AuthSecretName, if set, is resolved through SecretsProvider on every
	// fetch and sent as a Bearer Authorization header. Empty means the
	// config source requires no authentication.
	AuthSecretName  string
	SecretsProvider secrets.Provider
}

// DefaultConfig returns production defaults: 5-minute interval, 12×5s
// startup retries (matching the teacher's initial-sync backstop).
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Minute,
		InitialRetryAttempts: 12,
		InitialRetryDelay:    5 * time.Second,
		FetchTimeout:         30 * time.Second,
		MediatorConfig:       mediator.DefaultConfig(),
	}
}

type deployedQueue struct {
	broker   broker.Broker
	consumer ConsumerRunner
	cancel   context.CancelFunc
}

type deployedPool struct {
	dispatcher         *pool.Dispatcher
	mediator           *mediator.HTTPMediator
	concurrency        int
	rateLimitPerMinute *int
}

// BreakerRegistry receives a deployed pool's mediator the moment the pool is
// deployed, and is told to drop it the moment the pool is undeployed, so
// health reporting never tracks a breaker for a pool that no longer exists.
// health.CircuitBreakerRegistry satisfies this.
type BreakerRegistry interface {
	Register(poolCode string, getter health.BreakerStateGetter)
	Unregister(poolCode string)
}

// Syncer is the ConfigSyncer. Construct with New, then call Run in its own
// goroutine; it fetches immediately and then on Config.Interval. Syncer
// itself satisfies health.PoolMetricsProvider by reading live dispatcher
// state, so no separate metrics-collection service sits between a pool and
// its health report.
type Syncer struct {
	cfg             Config
	httpClient      *http.Client
	brokerFactory   BrokerFactory
	consumerFactory ConsumerFactory
	manager         *manager.Manager
	breakers        BreakerRegistry

	mu     sync.Mutex
	queues map[string]*deployedQueue
	pools  map[string]*deployedPool
}

// New constructs a syncer. brokerFactory and consumerFactory encapsulate
// the deployment's queue transport choice; mgr is the single owner the
// syncer registers/unregisters pools against. breakers may be nil if
// circuit breaker health reporting isn't wired up.
func New(cfg Config, brokerFactory BrokerFactory, consumerFactory ConsumerFactory, mgr *manager.Manager, breakers BreakerRegistry) *Syncer {
	return &Syncer{
		cfg:             cfg,
		httpClient:      &http.Client{Timeout: cfg.FetchTimeout},
		brokerFactory:   brokerFactory,
		consumerFactory: consumerFactory,
		manager:         mgr,
		breakers:        breakers,
		queues:          make(map[string]*deployedQueue),
		pools:           make(map[string]*deployedPool),
	}
}

// Run performs the initial sync with retry, then syncs on cfg.Interval
// until ctx is cancelled. On cancellation every deployed consumer and pool
// is drained and shut down before Run returns.
func (s *Syncer) Run(ctx context.Context) {
	if !s.initialSyncWithRetry(ctx) {
		slog.Error("initial config sync failed after all retries, continuing with empty deployment")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardownAll()
			return
		case <-ticker.C:
			if err := s.sync(ctx); err != nil {
				slog.Error("config sync failed", "error", err)
			}
		}
	}
}

func (s *Syncer) initialSyncWithRetry(ctx context.Context) bool {
	attempts := s.cfg.InitialRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.sync(ctx); err == nil {
			slog.Info("initial config sync completed", "attempt", attempt)
			return true
		} else {
			slog.Warn("initial config sync failed, retrying", "attempt", attempt, "maxAttempts", attempts, "error", err)
		}
		if attempt < attempts {
			select {
			case <-time.After(s.cfg.InitialRetryDelay):
			case <-ctx.Done():
				return false
			}
		}
	}
	return false
}

func (s *Syncer) sync(ctx context.Context) error {
	defs, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncPoolsLocked(ctx, defs.Pools)
	s.syncQueuesLocked(ctx, defs.Queues)
	return nil
}

func (s *Syncer) fetch(ctx context.Context) (*definitions, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}
	if s.cfg.AuthSecretName != "" && s.cfg.SecretsProvider != nil {
		token, err := s.cfg.SecretsProvider.Get(ctx, s.cfg.AuthSecretName)
		if err != nil {
			return nil, fmt.Errorf("resolve config source credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch config: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read config body: %w", err)
	}

	var defs definitions
	if err := json.Unmarshal(body, &defs); err != nil {
		return nil, fmt.Errorf("parse config body: %w", err)
	}
	return &defs, nil
}

// syncPoolsLocked computes additions/removals/changes against the current
// pool deployment. Concurrency/rate-limit changes replace the dispatcher
// atomically: drain the old one, deploy a new one, and let RegisterPool's
// map assignment on the manager's actor goroutine serialize the swap.
func (s *Syncer) syncPoolsLocked(ctx context.Context, wanted []PoolDefinition) {
	seen := make(map[string]bool, len(wanted))

	for _, def := range wanted {
		seen[def.Code] = true
		concurrency := def.Concurrency
		if concurrency <= 0 {
			concurrency = defaultConcurrency
		}
		queueCapacity := concurrency * defaultQueueCapacityMultiplier
		if queueCapacity < minQueueCapacity {
			queueCapacity = minQueueCapacity
		}

		existing, deployed := s.pools[def.Code]
		if !deployed {
			s.deployPoolLocked(ctx, def.Code, concurrency, queueCapacity, def.RateLimitPerMinute)
			continue
		}

		changed := existing.concurrency != concurrency || !rateLimitEqual(existing.rateLimitPerMinute, def.RateLimitPerMinute)
		if !changed {
			continue
		}
		slog.Info("pool configuration changed, replacing dispatcher", "pool", def.Code,
			"concurrency", concurrency, "rateLimitPerMinute", def.RateLimitPerMinute)
		s.undeployPoolLocked(def.Code)
		s.deployPoolLocked(ctx, def.Code, concurrency, queueCapacity, def.RateLimitPerMinute)
	}

	for code := range s.pools {
		if !seen[code] {
			slog.Info("pool removed from configuration, draining", "pool", code)
			s.undeployPoolLocked(code)
		}
	}
}

func (s *Syncer) deployPoolLocked(ctx context.Context, code string, concurrency, queueCapacity int, rateLimitPerMinute *int) {
	med := mediator.New(code, s.cfg.MediatorConfig)
	disp := pool.New(code, concurrency, queueCapacity, rateLimitPerMinute, med, s.manager)
	disp.Start()
	s.manager.RegisterPool(ctx, code, disp)
	s.pools[code] = &deployedPool{dispatcher: disp, mediator: med, concurrency: concurrency, rateLimitPerMinute: rateLimitPerMinute}
	if s.breakers != nil {
		s.breakers.Register(code, med)
	}
	slog.Info("deployed pool", "pool", code, "concurrency", concurrency, "queueCapacity", queueCapacity)
}

func (s *Syncer) undeployPoolLocked(code string) {
	dp, ok := s.pools[code]
	if !ok {
		return
	}
	delete(s.pools, code)
	s.manager.UnregisterPool(context.Background(), code)
	if s.breakers != nil {
		s.breakers.Unregister(code)
	}

	go func() {
		dp.dispatcher.Drain()
		dp.dispatcher.Shutdown()
		slog.Info("pool drained and shut down", "pool", code)
	}()
}

// syncQueuesLocked mirrors syncPoolsLocked for consumers: new identifiers
// start a consumer against a freshly built broker; removed identifiers are
// stopped and drained.
func (s *Syncer) syncQueuesLocked(ctx context.Context, wanted []QueueDefinition) {
	seen := make(map[string]bool, len(wanted))

	for _, def := range wanted {
		seen[def.Identifier] = true
		if _, deployed := s.queues[def.Identifier]; deployed {
			continue
		}

		brk, err := s.brokerFactory.Build(ctx, def)
		if err != nil {
			slog.Error("failed to build broker for queue", "queue", def.Identifier, "error", err)
			continue
		}
		consumerCtx, cancel := context.WithCancel(context.Background())
		runner := s.consumerFactory.Build(def.Identifier, brk)

		go runner.Run(consumerCtx)

		s.queues[def.Identifier] = &deployedQueue{broker: brk, consumer: runner, cancel: cancel}
		slog.Info("deployed queue consumer", "queue", def.Identifier)
	}

	for identifier := range s.queues {
		if !seen[identifier] {
			slog.Info("queue removed from configuration, stopping consumer", "queue", identifier)
			s.undeployQueueLocked(identifier)
		}
	}
}

func (s *Syncer) undeployQueueLocked(identifier string) {
	dq, ok := s.queues[identifier]
	if !ok {
		return
	}
	delete(s.queues, identifier)

	go func() {
		dq.consumer.Stop()
		dq.consumer.Wait()
		dq.cancel()
		slog.Info("queue consumer stopped", "queue", identifier)
	}()
}

// teardownAll drains every deployed consumer and pool and blocks until all
// of them have actually finished, unlike undeployQueueLocked/undeployPoolLocked
// (used during hot-reload sync), which fire their drain in the background so
// the sync loop isn't held up by a slow drain. Run relies on teardownAll
// having fully completed before it returns, since callers wait on Run to know
// every in-flight message has been acked or nacked.
func (s *Syncer) teardownAll() {
	var wg sync.WaitGroup

	for identifier, dq := range s.queues {
		delete(s.queues, identifier)
		wg.Add(1)
		go func(identifier string, dq *deployedQueue) {
			defer wg.Done()
			dq.consumer.Stop()
			dq.consumer.Wait()
			dq.cancel()
			slog.Info("queue consumer stopped", "queue", identifier)
		}(identifier, dq)
	}

	for code, dp := range s.pools {
		delete(s.pools, code)
		s.manager.UnregisterPool(context.Background(), code)
		if s.breakers != nil {
			s.breakers.Unregister(code)
		}
		wg.Add(1)
		go func(code string, dp *deployedPool) {
			defer wg.Done()
			dp.dispatcher.Drain()
			dp.dispatcher.Shutdown()
			slog.Info("pool drained and shut down", "pool", code)
		}(code, dp)
	}

	wg.Wait()
}

// GetAllPoolStats implements health.PoolMetricsProvider by reading live
// state off every currently deployed dispatcher.
func (s *Syncer) GetAllPoolStats() map[string]*health.PoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]*health.PoolStats, len(s.pools))
	for code, dp := range s.pools {
		stats[code] = &health.PoolStats{
			PoolCode:       code,
			ActiveWorkers:  dp.dispatcher.ActiveWorkers(),
			MaxConcurrency: dp.dispatcher.Concurrency(),
			QueueSize:      dp.dispatcher.QueueDepth(),
			MessageGroups:  dp.dispatcher.CountMessageGroups(),
		}
	}
	return stats
}

// GetLastActivityTimestamp implements health.PoolMetricsProvider.
func (s *Syncer) GetLastActivityTimestamp(poolCode string) *time.Time {
	s.mu.Lock()
	dp, ok := s.pools[poolCode]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return dp.dispatcher.LastActivityAt()
}

func rateLimitEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
