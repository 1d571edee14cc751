package health

import (
	"context"
	"errors"
	"testing"
)

type fakeBroker struct {
	err error
}

func (f *fakeBroker) HealthCheck(ctx context.Context) error {
	return f.err
}

func TestBrokerHealthService_CheckAllAllReachable(t *testing.T) {
	s := NewBrokerHealthService()
	s.RegisterBroker("queue-a", &fakeBroker{})
	s.RegisterBroker("queue-b", &fakeBroker{})

	issues := s.CheckAll(context.Background())
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}

	connected, total := s.Counts()
	if connected != 2 || total != 2 {
		t.Errorf("expected 2/2, got %d/%d", connected, total)
	}
}

func TestBrokerHealthService_CheckAllReportsUnreachable(t *testing.T) {
	s := NewBrokerHealthService()
	s.RegisterBroker("queue-a", &fakeBroker{})
	s.RegisterBroker("queue-b", &fakeBroker{err: errors.New("connection refused")})

	issues := s.CheckAll(context.Background())
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %v", issues)
	}

	connected, total := s.Counts()
	if connected != 1 || total != 2 {
		t.Errorf("expected 1/2, got %d/%d", connected, total)
	}
}

func TestBrokerHealthService_UnregisterBroker(t *testing.T) {
	s := NewBrokerHealthService()
	s.RegisterBroker("queue-a", &fakeBroker{})
	s.CheckAll(context.Background())

	s.UnregisterBroker("queue-a")

	connected, total := s.Counts()
	if connected != 0 || total != 0 {
		t.Errorf("expected 0/0 after unregister, got %d/%d", connected, total)
	}
}

func TestBrokerHealthService_NoBrokersRegistered(t *testing.T) {
	s := NewBrokerHealthService()

	issues := s.CheckAll(context.Background())
	if len(issues) != 0 {
		t.Errorf("expected no issues with no brokers, got %v", issues)
	}

	connected, total := s.Counts()
	if connected != 0 || total != 0 {
		t.Errorf("expected 0/0, got %d/%d", connected, total)
	}
}
