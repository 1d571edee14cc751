// Package pool implements the per-pool dispatcher: pool-wide concurrency
// and rate-limit enforcement plus strict per-message-group FIFO ordering.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/model"
)

// MessagePointer is the unit of work a pool dispatches: everything the
// mediator needs, plus the identifiers needed to report back to the manager.
type MessagePointer struct {
	ID             string // application message id
	MessageID      string // broker message id, used to ack/nack with the manager
	BatchID        string
	MessageGroupID string

	MediationTarget string
	MediationType   model.MediationType
	AuthToken       string
	Headers         map[string]string
	TimeoutSeconds  int
}

// Mediator dispatches one message to its HTTP target and returns a verdict.
type Mediator interface {
	Dispatch(ctx context.Context, msg *MessagePointer) model.DispatchResult
}

// ManagerCallback is the pool's view of the manager: report outcomes back
// so it can ack/nack the broker and clear the in-flight entry.
type ManagerCallback interface {
	Ack(messageID string)
	Nack(messageID string, delaySeconds int)
}

const (
	// DefaultGroup is the shared group used when a message carries no
	// messageGroupId, collapsing ungrouped traffic onto one FIFO worker
	// per pool (the "default group" resolution of the spec's open question).
	DefaultGroup = "__DEFAULT__"

	// IdleTimeout is how long a group worker waits on an empty queue
	// before deregistering itself.
	IdleTimeout = 5 * time.Minute

	// FailedBatchGroupTTL is how long a cascading-nack marker survives; the
	// TTL sweep is what removes markers.
	FailedBatchGroupTTL = 10 * time.Minute

	// failedBatchGroupSweepInterval is how often the TTL sweep runs.
	failedBatchGroupSweepInterval = time.Minute

	// cascadeNackDelaySeconds is the delay applied to messages nacked
	// because their batch+group already failed.
	cascadeNackDelaySeconds = 10

	// drainNackDelaySeconds is the delay applied to queued messages when
	// the pool is drained for reconfiguration.
	drainNackDelaySeconds = 5
)

// Dispatcher owns one pool's concurrency semaphore, rate limiter, and
// per-group FIFO queues. One instance per configured pool code.
type Dispatcher struct {
	code          string
	concurrency   atomic.Int32
	queueCapacity int
	semaphore     chan struct{}

	rateLimiterMu sync.RWMutex
	rateLimiter   *rate.Limiter
	rateLimitPM   *int

	mediator Mediator
	manager  ManagerCallback

	groupQueues  sync.Map // groupID -> chan *MessagePointer
	groupActive  sync.Map // groupID -> bool
	totalQueued  atomic.Int32

	failedBatchGroups   sync.Map // batchGroupKey -> time.Time (when marked)
	batchGroupRemaining sync.Map // batchGroupKey -> *atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sweepCancel context.CancelFunc
	sweepWg     sync.WaitGroup

	running      atomic.Bool
	lastActivity atomic.Int64
}

// New constructs a dispatcher. Call Start to begin accepting work.
func New(code string, concurrency int, queueCapacity int, rateLimitPerMinute *int, mediator Mediator, manager ManagerCallback) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		code:          code,
		queueCapacity: queueCapacity,
		semaphore:     make(chan struct{}, concurrency),
		mediator:      mediator,
		manager:       manager,
		rateLimitPM:   rateLimitPerMinute,
		ctx:           ctx,
		cancel:        cancel,
	}
	d.concurrency.Store(int32(concurrency))
	for i := 0; i < concurrency; i++ {
		d.semaphore <- struct{}{}
	}
	d.rateLimiter = newLimiter(rateLimitPerMinute)
	return d
}

func newLimiter(perMinute *int) *rate.Limiter {
	if perMinute == nil || *perMinute <= 0 {
		return nil
	}
	perSecond := float64(*perMinute) / 60.0
	burst := (*perMinute + 59) / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Start begins the failed-batch-group TTL sweep. Group workers start lazily
// on first Submit.
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	d.sweepCancel = sweepCancel
	d.sweepWg.Add(1)
	go d.sweepFailedBatchGroups(sweepCtx)
	slog.Info("pool dispatcher started", "pool", d.code, "concurrency", d.concurrency.Load())
}

// Code returns the pool's configured code.
func (d *Dispatcher) Code() string { return d.code }

// Concurrency returns the current concurrency limit.
func (d *Dispatcher) Concurrency() int { return int(d.concurrency.Load()) }

// RateLimitPerMinute returns the current rate limit, or nil if unlimited.
func (d *Dispatcher) RateLimitPerMinute() *int {
	d.rateLimiterMu.RLock()
	defer d.rateLimiterMu.RUnlock()
	return d.rateLimitPM
}

// QueueDepth returns the total number of queued (not yet dispatched) messages.
func (d *Dispatcher) QueueDepth() int { return int(d.totalQueued.Load()) }

// ActiveWorkers returns the number of mediator calls currently in flight.
func (d *Dispatcher) ActiveWorkers() int {
	return int(d.concurrency.Load()) - len(d.semaphore)
}

// LastActivityAt returns when this pool last dispatched a message to its
// mediator, or nil if it never has. Used by health checks to detect a
// stalled pool.
func (d *Dispatcher) LastActivityAt() *time.Time {
	ts := d.lastActivity.Load()
	if ts == 0 {
		return nil
	}
	t := time.Unix(0, ts)
	return &t
}

// Submit enqueues a message for its group, starting a group worker if one
// isn't already running. Returns false if the pool is not running or at
// capacity; the caller (manager) is responsible for nacking in that case.
func (d *Dispatcher) Submit(msg *MessagePointer) bool {
	if !d.running.Load() {
		return false
	}

	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}

	batchGroupKey := ""
	if msg.BatchID != "" {
		batchGroupKey = msg.BatchID + "|" + groupID
	}

	// Cascading-nack check happens at enqueue time, per the pool's
	// cascading-failure contract: once a batch+group has failed, later
	// arrivals never reach a group queue at all.
	if batchGroupKey != "" {
		if _, failed := d.failedBatchGroups.Load(batchGroupKey); failed {
			d.manager.Nack(msg.MessageID, cascadeNackDelaySeconds)
			metrics.PoolMessagesProcessed.WithLabelValues(d.code, "cascaded").Inc()
			return true
		}
	}

	if batchGroupKey != "" {
		counter, _ := d.batchGroupRemaining.LoadOrStore(batchGroupKey, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	queueIface, created := d.groupQueues.LoadOrStore(groupID, make(chan *MessagePointer, d.queueCapacity))
	queue := queueIface.(chan *MessagePointer)

	if created {
		d.startGroupWorker(groupID, queue)
	} else if _, active := d.groupActive.Load(groupID); !active {
		d.startGroupWorker(groupID, queue)
	}

	if int(d.totalQueued.Load()) >= d.queueCapacity {
		if batchGroupKey != "" {
			d.decrementBatchGroup(batchGroupKey)
		}
		return false
	}

	select {
	case queue <- msg:
		d.totalQueued.Add(1)
		return true
	default:
		if batchGroupKey != "" {
			d.decrementBatchGroup(batchGroupKey)
		}
		return false
	}
}

func (d *Dispatcher) startGroupWorker(groupID string, queue chan *MessagePointer) {
	d.groupActive.Store(groupID, true)
	d.wg.Add(1)
	go d.runGroupWorker(groupID, queue)
}

// runGroupWorker is the per-(pool,group) FIFO loop: §4.4.1.
func (d *Dispatcher) runGroupWorker(groupID string, queue chan *MessagePointer) {
	defer d.wg.Done()
	defer d.groupActive.Delete(groupID)

	timer := time.NewTimer(IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.drainQueue(queue)
			return

		case msg := <-queue:
			if msg == nil {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(IdleTimeout)

			d.totalQueued.Add(-1)
			d.process(groupID, msg)

		case <-timer.C:
			if len(queue) == 0 {
				d.groupQueues.Delete(groupID)
				return
			}
			timer.Reset(IdleTimeout)
		}
	}
}

// process acquires a rate-limit token (blocking, cancellable) and then a
// concurrency permit, dispatches through the mediator, and reports the
// outcome back to the manager.
func (d *Dispatcher) process(groupID string, msg *MessagePointer) {
	groupKey := groupID
	if msg.MessageGroupID == "" {
		groupKey = DefaultGroup
	}
	batchGroupKey := ""
	if msg.BatchID != "" {
		batchGroupKey = msg.BatchID + "|" + groupKey
	}

	// Once the pool is drained or shut down, queued messages are nacked
	// with the drain delay instead of being dispatched.
	if !d.running.Load() {
		d.manager.Nack(msg.MessageID, drainNackDelaySeconds)
		if batchGroupKey != "" {
			d.decrementBatchGroup(batchGroupKey)
		}
		return
	}

	var semaphoreAcquired bool
	defer func() {
		if semaphoreAcquired {
			d.semaphore <- struct{}{}
		}
		if r := recover(); r != nil {
			slog.Error("panic dispatching message", "pool", d.code, "messageId", msg.ID, "panic", r)
			d.manager.Nack(msg.MessageID, cascadeNackDelaySeconds)
		}
	}()

	d.rateLimiterMu.RLock()
	limiter := d.rateLimiter
	d.rateLimiterMu.RUnlock()
	if limiter != nil {
		if err := limiter.WaitN(d.ctx, 1); err != nil {
			// Shutdown cancelled the wait.
			d.manager.Nack(msg.MessageID, drainNackDelaySeconds)
			if batchGroupKey != "" {
				d.decrementBatchGroup(batchGroupKey)
			}
			return
		}
	}

	select {
	case <-d.semaphore:
		semaphoreAcquired = true
	case <-d.ctx.Done():
		d.manager.Nack(msg.MessageID, drainNackDelaySeconds)
		if batchGroupKey != "" {
			d.decrementBatchGroup(batchGroupKey)
		}
		return
	}

	start := time.Now()
	d.lastActivity.Store(start.UnixNano())
	result := d.mediator.Dispatch(d.ctx, msg)
	metrics.PoolProcessingDuration.WithLabelValues(d.code).Observe(time.Since(start).Seconds())

	switch result.Outcome {
	case model.OutcomeSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(d.code, "success").Inc()
		d.manager.Ack(msg.MessageID)

	case model.OutcomeNackClientError:
		metrics.PoolMessagesProcessed.WithLabelValues(d.code, "client_error").Inc()
		d.manager.Ack(msg.MessageID)

	case model.OutcomeCircuitOpen:
		metrics.PoolMessagesProcessed.WithLabelValues(d.code, "circuit_open").Inc()
		d.manager.Nack(msg.MessageID, result.Delay)
		// Not marked failed: the target may recover, per §4.4.1 step 6.
		if batchGroupKey != "" {
			d.decrementBatchGroup(batchGroupKey)
		}
		return

	default: // OutcomeNackRetry
		metrics.PoolMessagesProcessed.WithLabelValues(d.code, "failed").Inc()
		d.manager.Nack(msg.MessageID, result.Delay)
		if batchGroupKey != "" {
			d.failedBatchGroups.Store(batchGroupKey, time.Now())
		}
	}

	if batchGroupKey != "" {
		d.decrementBatchGroup(batchGroupKey)
	}
}

func (d *Dispatcher) decrementBatchGroup(batchGroupKey string) {
	counterIface, ok := d.batchGroupRemaining.Load(batchGroupKey)
	if !ok {
		return
	}
	counter := counterIface.(*atomic.Int32)
	if counter.Add(-1) <= 0 {
		d.batchGroupRemaining.Delete(batchGroupKey)
	}
}

// sweepFailedBatchGroups prunes cascading-nack markers older than
// FailedBatchGroupTTL, bounding the memory they hold.
func (d *Dispatcher) sweepFailedBatchGroups(ctx context.Context) {
	defer d.sweepWg.Done()
	ticker := time.NewTicker(failedBatchGroupSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-FailedBatchGroupTTL)
			d.failedBatchGroups.Range(func(key, value any) bool {
				markedAt := value.(time.Time)
				if markedAt.Before(cutoff) {
					d.failedBatchGroups.Delete(key)
					d.batchGroupRemaining.Delete(key)
				}
				return true
			})
		}
	}
}

// drainQueue nacks everything left in a group's queue with the drain delay,
// used when the pool shuts down with queued-but-undispatched messages.
func (d *Dispatcher) drainQueue(queue chan *MessagePointer) {
	for {
		select {
		case msg := <-queue:
			if msg == nil {
				continue
			}
			d.totalQueued.Add(-1)
			d.manager.Nack(msg.MessageID, drainNackDelaySeconds)
		default:
			return
		}
	}
}

// Drain stops accepting new submissions; messages still queued are nacked
// with the drain delay as their group workers reach them, and a message
// already in flight is not interrupted by Drain. Per §4.4.3.
func (d *Dispatcher) Drain() {
	slog.Info("draining pool dispatcher", "pool", d.code, "queued", d.totalQueued.Load())
	d.running.Store(false)
}

// Shutdown stops the dispatcher's group workers and TTL sweep, waiting up
// to 10s for a clean exit.
func (d *Dispatcher) Shutdown() {
	d.running.Store(false)
	if d.sweepCancel != nil {
		d.sweepCancel()
		d.sweepWg.Wait()
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("pool dispatcher shutdown timed out", "pool", d.code)
	}
}

// IsFullyDrained reports whether no messages are queued and every
// concurrency permit has been returned.
func (d *Dispatcher) IsFullyDrained() bool {
	return d.totalQueued.Load() == 0 && len(d.semaphore) == int(d.concurrency.Load())
}

// UpdateRateLimit swaps the rate limiter under a write lock; in-flight
// waits on the old limiter are unaffected, matching the teacher's
// hot-swap behavior for config changes.
func (d *Dispatcher) UpdateRateLimit(perMinute *int) {
	d.rateLimiterMu.Lock()
	defer d.rateLimiterMu.Unlock()
	d.rateLimitPM = perMinute
	d.rateLimiter = newLimiter(perMinute)
}

// UpdateConcurrency grows or shrinks the semaphore to match newLimit,
// blocking (up to timeout) to reclaim permits when shrinking.
func (d *Dispatcher) UpdateConcurrency(newLimit int, timeout time.Duration) bool {
	if newLimit <= 0 {
		return false
	}
	current := int(d.concurrency.Load())
	if newLimit == current {
		return true
	}
	if newLimit > current {
		for i := 0; i < newLimit-current; i++ {
			d.semaphore <- struct{}{}
		}
		d.concurrency.Store(int32(newLimit))
		return true
	}

	diff := current - newLimit
	deadline := time.Now().Add(timeout)
	acquired := 0
	for acquired < diff {
		select {
		case <-d.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < acquired; i++ {
				d.semaphore <- struct{}{}
			}
			return false
		}
	}
	d.concurrency.Store(int32(newLimit))
	return true
}

// CountMessageGroups returns the number of currently active group workers,
// for the pool's gauge metric.
func (d *Dispatcher) CountMessageGroups() int {
	count := 0
	d.groupQueues.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
