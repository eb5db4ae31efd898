package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("rows")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	boom := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		if err := cb.Run(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Expected backend error, got %v", err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected open breaker, got %s", cb.GetState())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("Expected one transition to open, got %v", transitions)
	}

	called := false
	err = cb.Run(context.Background(), func() error { called = true; return nil })
	if !IsOpen(err) {
		t.Errorf("Expected open-circuit error, got %v", err)
	}
	if called {
		t.Error("Expected the call to be rejected without running")
	}
	if cb.Health().Healthy {
		t.Error("Expected unhealthy status while open")
	}
}

func TestCircuitBreaker_CancellationDoesNotTrip(t *testing.T) {
	cfg := DefaultConfig("rows")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	_ = cb.Run(context.Background(), func() error { return context.Canceled })
	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed breaker after a cancelled call, got %s", cb.GetState())
	}
}

func TestState_Value(t *testing.T) {
	if StateClosed.Value() != 0 || StateOpen.Value() != 1 || StateHalfOpen.Value() != 2 {
		t.Error("Unexpected gauge encoding")
	}
}
