package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/model"
)

type fakeMediator struct {
	dispatchFunc func(msg *MessagePointer) model.DispatchResult

	mu    sync.Mutex
	calls []*MessagePointer
}

func newFakeMediator() *fakeMediator {
	return &fakeMediator{
		dispatchFunc: func(msg *MessagePointer) model.DispatchResult {
			return model.DispatchResult{Outcome: model.OutcomeSuccess}
		},
	}
}

func (m *fakeMediator) Dispatch(ctx context.Context, msg *MessagePointer) model.DispatchResult {
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	m.mu.Unlock()
	return m.dispatchFunc(msg)
}

func (m *fakeMediator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakeManager struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (m *fakeManager) Ack(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, messageID)
}

func (m *fakeManager) Nack(messageID string, delaySeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, messageID)
}

func (m *fakeManager) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

func (m *fakeManager) nackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nacked)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	mediator := newFakeMediator()
	mgr := &fakeManager{}

	d := New("test-pool", 5, 100, nil, mediator, mgr)
	if d.Code() != "test-pool" {
		t.Errorf("expected code 'test-pool', got %q", d.Code())
	}
	if d.Concurrency() != 5 {
		t.Errorf("expected concurrency 5, got %d", d.Concurrency())
	}
}

func TestDispatcher_SubmitDispatchesAndAcks(t *testing.T) {
	mediator := newFakeMediator()
	mgr := &fakeManager{}

	d := New("test-pool", 5, 100, nil, mediator, mgr)
	d.Start()
	defer d.Shutdown()

	msg := &MessagePointer{ID: "app-1", MessageID: "m1", MessageGroupID: "group-1", MediationTarget: "http://example.com/webhook"}
	if !d.Submit(msg) {
		t.Fatal("Submit returned false for valid message")
	}

	waitFor(t, time.Second, func() bool { return mgr.ackCount() == 1 })
	if mediator.callCount() != 1 {
		t.Errorf("expected 1 mediator call, got %d", mediator.callCount())
	}
}

func TestDispatcher_RespectsConcurrencyLimit(t *testing.T) {
	var current, maxSeen atomic.Int32
	mediator := &fakeMediator{
		dispatchFunc: func(msg *MessagePointer) model.DispatchResult {
			n := current.Add(1)
			for {
				max := maxSeen.Load()
				if n <= max || maxSeen.CompareAndSwap(max, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			current.Add(-1)
			return model.DispatchResult{Outcome: model.OutcomeSuccess}
		},
	}
	mgr := &fakeManager{}

	concurrency := 3
	d := New("test-pool", concurrency, 100, nil, mediator, mgr)
	d.Start()
	defer d.Shutdown()

	for i := 0; i < 10; i++ {
		d.Submit(&MessagePointer{ID: string(rune('a' + i)), MessageID: string(rune('a' + i)), MessageGroupID: string(rune('a' + i))})
	}

	waitFor(t, 2*time.Second, func() bool { return mgr.ackCount() == 10 })

	if maxSeen.Load() > int32(concurrency) {
		t.Errorf("max concurrent %d exceeded limit %d", maxSeen.Load(), concurrency)
	}
}

func TestDispatcher_PreservesPerGroupFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	mediator := &fakeMediator{
		dispatchFunc: func(msg *MessagePointer) model.DispatchResult {
			mu.Lock()
			order = append(order, msg.ID)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return model.DispatchResult{Outcome: model.OutcomeSuccess}
		},
	}
	mgr := &fakeManager{}

	d := New("test-pool", 1, 100, nil, mediator, mgr)
	d.Start()
	defer d.Shutdown()

	group := "same-group"
	for i := 0; i < 5; i++ {
		id := string(rune('1' + i))
		d.Submit(&MessagePointer{ID: id, MessageID: id, MessageGroupID: group})
	}

	waitFor(t, time.Second, func() bool { return mgr.ackCount() == 5 })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"1", "2", "3", "4", "5"}
	if len(order) != len(want) {
		t.Fatalf("expected %d messages processed, got %d", len(want), len(order))
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("position %d: expected %s, got %s", i, id, order[i])
		}
	}
}

func TestDispatcher_NackRetryMarksBatchGroupFailed(t *testing.T) {
	mediator := &fakeMediator{
		dispatchFunc: func(msg *MessagePointer) model.DispatchResult {
			return model.DispatchResult{Outcome: model.OutcomeNackRetry, Delay: 5}
		},
	}
	mgr := &fakeManager{}

	d := New("test-pool", 5, 100, nil, mediator, mgr)
	d.Start()
	defer d.Shutdown()

	d.Submit(&MessagePointer{ID: "m1", MessageID: "m1", BatchID: "batch-1", MessageGroupID: "group-1"})
	waitFor(t, time.Second, func() bool { return mgr.nackCount() == 1 })

	// A second message in the same batch+group should be cascade-nacked
	// without ever reaching the mediator.
	d.Submit(&MessagePointer{ID: "m2", MessageID: "m2", BatchID: "batch-1", MessageGroupID: "group-1"})
	waitFor(t, time.Second, func() bool { return mgr.nackCount() == 2 })

	if mediator.callCount() != 1 {
		t.Errorf("expected cascaded message to skip the mediator, got %d calls", mediator.callCount())
	}
}

func TestDispatcher_ShutdownNacksStillQueuedMessages(t *testing.T) {
	mediator := &fakeMediator{
		dispatchFunc: func(msg *MessagePointer) model.DispatchResult {
			time.Sleep(50 * time.Millisecond)
			return model.DispatchResult{Outcome: model.OutcomeSuccess}
		},
	}
	mgr := &fakeManager{}

	d := New("test-pool", 1, 100, nil, mediator, mgr)
	d.Start()

	group := "group-1"
	d.Submit(&MessagePointer{ID: "m1", MessageID: "m1", MessageGroupID: group})
	waitFor(t, time.Second, func() bool { return mediator.callCount() == 1 })
	// m2 sits queued behind m1, which is still in flight.
	d.Submit(&MessagePointer{ID: "m2", MessageID: "m2", MessageGroupID: group})

	d.Shutdown()

	if mgr.ackCount() != 1 {
		t.Errorf("expected the in-flight message to ack, got %d acks", mgr.ackCount())
	}
	if mgr.nackCount() != 1 {
		t.Errorf("expected the still-queued message to be nacked on shutdown, got %d nacks", mgr.nackCount())
	}
}

func TestDispatcher_UpdateConcurrencyGrowsAndShrinks(t *testing.T) {
	mediator := newFakeMediator()
	mgr := &fakeManager{}

	d := New("test-pool", 5, 100, nil, mediator, mgr)
	d.Start()
	defer d.Shutdown()

	if !d.UpdateConcurrency(10, time.Second) {
		t.Fatal("expected growing concurrency to succeed immediately")
	}
	if d.Concurrency() != 10 {
		t.Errorf("expected concurrency 10, got %d", d.Concurrency())
	}

	if !d.UpdateConcurrency(5, time.Second) {
		t.Fatal("expected shrinking an idle pool to succeed")
	}
	if d.Concurrency() != 5 {
		t.Errorf("expected concurrency 5, got %d", d.Concurrency())
	}
}

func TestDispatcher_CountMessageGroupsTracksActiveGroups(t *testing.T) {
	block := make(chan struct{})
	mediator := &fakeMediator{
		dispatchFunc: func(msg *MessagePointer) model.DispatchResult {
			<-block
			return model.DispatchResult{Outcome: model.OutcomeSuccess}
		},
	}
	mgr := &fakeManager{}

	d := New("test-pool", 2, 100, nil, mediator, mgr)
	d.Start()
	defer func() {
		close(block)
		d.Shutdown()
	}()

	d.Submit(&MessagePointer{ID: "m1", MessageID: "m1", MessageGroupID: "group-a"})
	d.Submit(&MessagePointer{ID: "m2", MessageID: "m2", MessageGroupID: "group-b"})

	waitFor(t, time.Second, func() bool { return d.CountMessageGroups() == 2 })
}
