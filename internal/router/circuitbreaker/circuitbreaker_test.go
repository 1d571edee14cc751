package circuitbreaker

import (
	"testing"
	"time"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := New(DefaultConfig())
	if cb.State() != Closed {
		t.Errorf("expected Closed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Error("expected Closed breaker to allow calls")
	}
}

func TestCircuitBreaker_TripsAtFailureThreshold(t *testing.T) {
	cb := New(Config{WindowSize: 10, FailureThreshold: 0.5, OpenDuration: time.Minute})

	for i := 0; i < 5; i++ {
		cb.Allow()
		cb.RecordSuccess()
	}
	if cb.State() != Closed {
		t.Fatalf("expected still Closed after 5 successes, got %s", cb.State())
	}

	for i := 0; i < 5; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.State() != Open {
		t.Errorf("expected Open after window hits 50%% failures, got %s", cb.State())
	}
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	cb := New(Config{WindowSize: 2, FailureThreshold: 0.5, OpenDuration: time.Hour})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != Open {
		t.Fatalf("expected Open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("expected Open breaker to reject calls")
	}
}

func TestCircuitBreaker_HalfOpenTrialAfterDuration(t *testing.T) {
	cb := New(Config{WindowSize: 2, FailureThreshold: 0.5, OpenDuration: 10 * time.Millisecond})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected a single trial call to be allowed once OpenDuration elapses")
	}
	if cb.State() != HalfOpen {
		t.Errorf("expected HalfOpen after the trial window opens, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("expected a second concurrent trial to be rejected in HalfOpen")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := New(Config{WindowSize: 2, FailureThreshold: 0.5, OpenDuration: 10 * time.Millisecond})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected trial to be allowed")
	}
	cb.RecordSuccess()

	if cb.State() != Closed {
		t.Errorf("expected Closed after a successful trial, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{WindowSize: 2, FailureThreshold: 0.5, OpenDuration: 10 * time.Millisecond})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected trial to be allowed")
	}
	cb.RecordFailure()

	if cb.State() != Open {
		t.Errorf("expected Open after a failed trial, got %s", cb.State())
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
