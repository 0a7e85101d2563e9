package circuit

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend write failed")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("secure", Config{})
	if cb.Name() != "secure" {
		t.Errorf("name = %q, want %q", cb.Name(), "secure")
	}
	if cb.GetState() != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.GetState(), StateClosed)
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", cb.config.FailureThreshold)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", cb.config.Timeout)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	var transitions []State
	cb := NewCircuitBreaker("secure", Config{
		FailureThreshold: 3,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.ExecuteWithContext(ctx, fail); !errors.Is(err, errBackend) {
			t.Fatalf("attempt %d: err = %v, want backend error", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.GetState())
	}

	called := false
	err := cb.ExecuteWithContext(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState", err)
	}
	if called {
		t.Error("function must not run while open")
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v, want [OPEN]", transitions)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("secure", Config{FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.ExecuteWithContext(ctx, fail)
	_ = cb.ExecuteWithContext(ctx, succeed)
	_ = cb.ExecuteWithContext(ctx, fail)

	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker("secure", Config{FailureThreshold: 1, Timeout: time.Minute})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.ExecuteWithContext(ctx, fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.GetState())
	}

	now = now.Add(2 * time.Minute)
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", cb.GetState())
	}

	if err := cb.ExecuteWithContext(ctx, succeed); err != nil {
		t.Fatalf("half-open probe err = %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker("secure", Config{FailureThreshold: 1, Timeout: time.Minute})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.ExecuteWithContext(ctx, fail)
	now = now.Add(2 * time.Minute)
	_ = cb.ExecuteWithContext(ctx, fail)

	if cb.GetState() != StateOpen {
		t.Errorf("state = %v, want OPEN", cb.GetState())
	}
}

func TestCircuitBreaker_IsSuccessful(t *testing.T) {
	t.Parallel()

	ignored := errors.New("value too large")
	cb := NewCircuitBreaker("secure", Config{
		FailureThreshold: 1,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ignored)
		},
	})

	_ = cb.ExecuteWithContext(context.Background(), func(context.Context) error { return ignored })
	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.GetState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("secure", Config{FailureThreshold: 1})
	_ = cb.ExecuteWithContext(context.Background(), fail)
	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.GetState())
	}
	if cb.GetCounts().ConsecutiveFailures != 0 {
		t.Error("counts not cleared")
	}
}
