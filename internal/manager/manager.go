// Package manager implements the router's single-owner message manager: it
// deduplicates in-flight broker messages, routes each to its pool, and is
// the only component that ever touches the in-flight bookkeeping. Every
// other component — consumers, pool dispatchers, the config syncer —
// reaches it only through typed requests on a channel. This replaces the
// teacher's sync.Map-guarded shared state with single-owner message
// passing, per the redesign the spec calls for: a sole writer removes
// whole classes of data races without fine-grained locking.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/broker"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

const (
	// visibilityInterval is how often the extender branch fires; kept
	// below the 120s extension window so no tracked message goes stale.
	visibilityInterval = 55 * time.Second
	// visibilityExtension is how far out each extension pushes the
	// broker's redelivery deadline.
	visibilityExtension = 120 * time.Second

	duplicateDelaySeconds   = 0
	unknownPoolDelaySeconds = 10
	fullQueueDelaySeconds   = 10

	ackNackRequestTimeout = 10 * time.Second
)

// PoolHandle is the manager's view of a pool dispatcher: enough to submit
// work, without depending on the pool package's full surface.
type PoolHandle interface {
	Submit(msg *pool.MessagePointer) bool
}

// Entry is one message handed to the manager from a consumer: the parsed
// pointer plus whatever the broker needs to ack/nack/extend it later.
type Entry struct {
	Pointer   model.MessagePointer
	MessageID string // broker's own message id; the in-flight map key
	Receipt   broker.Receipt
	Broker    broker.Broker
}

// inFlightEntry is the manager's bookkeeping for one tracked message.
type inFlightEntry struct {
	entry      Entry
	batchID    string
	enqueuedAt time.Time
}

// BatchResult summarizes how a submitted batch was routed.
type BatchResult struct {
	Submitted    int
	Deduplicated int
	Rejected     int
}

type submitBatchReq struct {
	entries []Entry
	batchID string
	reply   chan BatchResult
}

type ackReq struct{ messageID string }
type nackReq struct {
	messageID string
	delay     int
}
type registerPoolReq struct {
	code   string
	handle PoolHandle
}
type unregisterPoolReq struct {
	code  string
	reply chan struct{}
}
type clearEntryReq struct{ messageID string }

// Manager is the router's single-owner actor. Construct with New and run
// its loop with Run in its own goroutine.
type Manager struct {
	inFlight map[string]*inFlightEntry
	pools    map[string]PoolHandle

	submitCh   chan submitBatchReq
	ackCh      chan ackReq
	nackCh     chan nackReq
	registerCh chan registerPoolReq
	unregCh    chan unregisterPoolReq
	clearCh    chan clearEntryReq

	ackWG sync.WaitGroup
}

// New constructs an idle Manager. Call Run to start its actor loop.
func New() *Manager {
	return &Manager{
		inFlight:   make(map[string]*inFlightEntry),
		pools:      make(map[string]PoolHandle),
		submitCh:   make(chan submitBatchReq),
		ackCh:      make(chan ackReq, 256),
		nackCh:     make(chan nackReq, 256),
		registerCh: make(chan registerPoolReq),
		unregCh:    make(chan unregisterPoolReq),
		clearCh:    make(chan clearEntryReq, 256),
	}
}

// Run is the actor's serialized event loop: every map mutation in this
// package happens on this goroutine. It returns when ctx is cancelled,
// after letting any in-flight ack/nack broker calls finish.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(visibilityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.ackWG.Wait()
			return

		case req := <-m.submitCh:
			req.reply <- m.handleSubmitBatch(ctx, req.entries, req.batchID)

		case req := <-m.ackCh:
			m.handleAck(ctx, req.messageID)

		case req := <-m.nackCh:
			m.handleNack(ctx, req.messageID, req.delay)

		case req := <-m.registerCh:
			m.pools[req.code] = req.handle

		case req := <-m.unregCh:
			delete(m.pools, req.code)
			close(req.reply)

		case req := <-m.clearCh:
			delete(m.inFlight, req.messageID)

		case <-ticker.C:
			m.extendVisibility(ctx)
		}
	}
}

// SubmitBatch hands a consumer's poll batch to the manager and blocks for
// the routing decision on every entry (consumer's request-reply contract,
// capped by ctx).
func (m *Manager) SubmitBatch(ctx context.Context, batchID string, entries []Entry) BatchResult {
	reply := make(chan BatchResult, 1)
	select {
	case m.submitCh <- submitBatchReq{entries: entries, batchID: batchID, reply: reply}:
	case <-ctx.Done():
		return BatchResult{Rejected: len(entries)}
	}
	select {
	case result := <-reply:
		return result
	case <-ctx.Done():
		return BatchResult{Rejected: len(entries)}
	}
}

func (m *Manager) handleSubmitBatch(ctx context.Context, entries []Entry, batchID string) BatchResult {
	var result BatchResult
	for _, e := range entries {
		if _, exists := m.inFlight[e.MessageID]; exists {
			m.issueNack(ctx, e, duplicateDelaySeconds)
			result.Deduplicated++
			continue
		}

		handle, known := m.pools[e.Pointer.PoolCode]
		if !known {
			m.inFlight[e.MessageID] = &inFlightEntry{entry: e, batchID: batchID, enqueuedAt: time.Now()}
			m.issueNack(ctx, e, unknownPoolDelaySeconds)
			delete(m.inFlight, e.MessageID)
			result.Rejected++
			continue
		}

		m.inFlight[e.MessageID] = &inFlightEntry{entry: e, batchID: batchID, enqueuedAt: time.Now()}

		ptr := &pool.MessagePointer{
			ID:              e.Pointer.ID,
			MessageID:       e.MessageID,
			BatchID:         batchID,
			MessageGroupID:  e.Pointer.MessageGroupID,
			MediationTarget: e.Pointer.MediationTarget,
			MediationType:   e.Pointer.MediationType,
			AuthToken:       e.Pointer.AuthToken,
			TimeoutSeconds:  0,
		}

		if !handle.Submit(ptr) {
			delete(m.inFlight, e.MessageID)
			m.issueNack(ctx, e, fullQueueDelaySeconds)
			result.Rejected++
			continue
		}
		result.Submitted++
	}
	return result
}

// Ack is the pool.ManagerCallback entry point: a group worker reports a
// successful dispatch. The broker call runs off the actor goroutine so a
// slow broker never stalls routing; the map entry clears once it returns.
func (m *Manager) Ack(messageID string) {
	select {
	case m.ackCh <- ackReq{messageID: messageID}:
	case <-time.After(ackNackRequestTimeout):
		slog.Warn("manager ack request timed out, broker visibility timer will redeliver", "messageId", messageID)
	}
}

// Nack is the pool.ManagerCallback entry point for a failed or deferred
// dispatch.
func (m *Manager) Nack(messageID string, delaySeconds int) {
	select {
	case m.nackCh <- nackReq{messageID: messageID, delay: delaySeconds}:
	case <-time.After(ackNackRequestTimeout):
		slog.Warn("manager nack request timed out, broker visibility timer will redeliver", "messageId", messageID)
	}
}

func (m *Manager) handleAck(ctx context.Context, messageID string) {
	entry, ok := m.inFlight[messageID]
	if !ok {
		return
	}
	m.ackWG.Add(1)
	go func() {
		defer m.ackWG.Done()
		if err := entry.entry.Broker.Ack(ctx, entry.entry.Receipt); err != nil {
			slog.Error("broker ack failed, relying on visibility timer", "messageId", messageID, "error", err)
		}
		m.clearCh <- clearEntryReq{messageID: messageID}
	}()
}

func (m *Manager) handleNack(ctx context.Context, messageID string, delaySeconds int) {
	entry, ok := m.inFlight[messageID]
	if !ok {
		return
	}
	m.ackWG.Add(1)
	go func() {
		defer m.ackWG.Done()
		if err := entry.entry.Broker.Nack(ctx, entry.entry.Receipt, time.Duration(delaySeconds)*time.Second); err != nil {
			slog.Error("broker nack failed, relying on visibility timer", "messageId", messageID, "error", err)
		}
		m.clearCh <- clearEntryReq{messageID: messageID}
	}()
}

// issueNack is used for dedup/unknown-pool/full-queue rejections, where the
// entry either was never tracked or is removed by the caller immediately;
// it fires the broker call in the background same as handleNack, but
// without touching the in-flight map itself.
func (m *Manager) issueNack(ctx context.Context, e Entry, delaySeconds int) {
	m.ackWG.Add(1)
	go func() {
		defer m.ackWG.Done()
		if err := e.Broker.Nack(ctx, e.Receipt, time.Duration(delaySeconds)*time.Second); err != nil {
			slog.Error("broker nack failed", "messageId", e.MessageID, "error", err)
		}
	}()
}

// RegisterPool makes a pool available to route messages to. Deploys go
// through this so the pools map stays single-writer.
func (m *Manager) RegisterPool(ctx context.Context, code string, handle PoolHandle) {
	select {
	case m.registerCh <- registerPoolReq{code: code, handle: handle}:
	case <-ctx.Done():
	}
}

// UnregisterPool removes a pool from the routing table. Callers should
// drain and shut the pool down themselves before or after calling this;
// the manager only owns the map entry.
func (m *Manager) UnregisterPool(ctx context.Context, code string) {
	reply := make(chan struct{})
	select {
	case m.unregCh <- unregisterPoolReq{code: code, reply: reply}:
	case <-ctx.Done():
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// extendVisibility snapshots the in-flight map (cheap, stays on the actor
// goroutine) and fires the broker extension calls in the background so a
// slow broker can't stall routing. Per §4.6, runs in the manager's own
// serialization context to see a consistent snapshot.
func (m *Manager) extendVisibility(ctx context.Context) {
	if len(m.inFlight) == 0 {
		return
	}
	snapshot := make([]Entry, 0, len(m.inFlight))
	for _, v := range m.inFlight {
		snapshot = append(snapshot, v.entry)
	}

	go func() {
		for _, e := range snapshot {
			if err := e.Broker.ExtendVisibility(ctx, e.Receipt, visibilityExtension); err != nil {
				slog.Warn("visibility extension failed", "messageId", e.MessageID, "error", err)
			}
		}
	}()
}
