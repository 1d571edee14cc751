package embeddednats

import (
	"context"
	"net"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Port = freePort(t)
	cfg.StreamName = "TESTSTREAM"
	cfg.Subject = "test.>"
	cfg.ConsumerName = "test-consumer"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func publish(t *testing.T, a *Adapter, subject string, body []byte) {
	t.Helper()
	if err := a.conn.Publish(subject, body); err != nil {
		t.Fatalf("failed to publish test message: %v", err)
	}
	if err := a.conn.Flush(); err != nil {
		t.Fatalf("failed to flush publish: %v", err)
	}
}

func TestAdapter_PollReturnsPublishedMessage(t *testing.T) {
	a := newTestAdapter(t)

	publish(t, a, "test.pool-a", []byte(`{"id":"app-1","poolCode":"pool-a"}`))

	deliveries, err := a.Poll(context.Background(), 10, 5*time.Second)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if string(deliveries[0].Body) != `{"id":"app-1","poolCode":"pool-a"}` {
		t.Errorf("unexpected delivery body: %s", deliveries[0].Body)
	}
}

func TestAdapter_PollTimesOutWithNoMessages(t *testing.T) {
	a := newTestAdapter(t)

	deliveries, err := a.Poll(context.Background(), 10, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("expected a fetch timeout to be treated as an empty poll, got error: %v", err)
	}
	if len(deliveries) != 0 {
		t.Errorf("expected no deliveries, got %d", len(deliveries))
	}
}

func TestAdapter_AckRemovesMessageFromRedelivery(t *testing.T) {
	a := newTestAdapter(t)
	publish(t, a, "test.pool-a", []byte("payload"))

	deliveries, err := a.Poll(context.Background(), 10, 5*time.Second)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d deliveries, err=%v", len(deliveries), err)
	}

	if err := a.Ack(context.Background(), deliveries[0].Receipt); err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}

	// Nothing left to redeliver.
	redelivered, err := a.Poll(context.Background(), 10, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if len(redelivered) != 0 {
		t.Errorf("expected no redelivery after ack, got %d", len(redelivered))
	}
}

func TestAdapter_NackRedeliversImmediately(t *testing.T) {
	a := newTestAdapter(t)
	publish(t, a, "test.pool-a", []byte("payload"))

	first, err := a.Poll(context.Background(), 10, 5*time.Second)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected 1 delivery, got %d deliveries, err=%v", len(first), err)
	}

	if err := a.Nack(context.Background(), first[0].Receipt, 0); err != nil {
		t.Fatalf("Nack returned error: %v", err)
	}

	redelivered, err := a.Poll(context.Background(), 10, 5*time.Second)
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("expected the nacked message to be redelivered, got %d", len(redelivered))
	}
}

func TestAdapter_HealthCheckOK(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy adapter, got %v", err)
	}
}

func TestAdapter_HealthCheckFailsAfterClose(t *testing.T) {
	a := newTestAdapter(t)
	a.Close()

	if err := a.HealthCheck(context.Background()); err == nil {
		t.Error("expected HealthCheck to fail once the connection is closed")
	}
}
