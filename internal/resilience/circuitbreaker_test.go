package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openBreaker(t *testing.T, clk *fakeClock, halfOpenMax int) *CircuitBreaker {
	t.Helper()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: time.Second,
		HalfOpenMax:  halfOpenMax,
		Now:          clk.Now,
	})
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	return cb
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 1 {
		t.Errorf("defaults = %d %v %d", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	// A success in between resets the count.
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("Execute on open breaker = %v (called %v)", err, called)
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	t.Run("probes close", func(t *testing.T) {
		t.Parallel()
		clk := newFakeClock()
		cb := openBreaker(t, clk, 2)
		clk.Advance(time.Second)
		if cb.State() != StateHalfOpen {
			t.Fatalf("state = %v, want half-open", cb.State())
		}
		for i := range 2 {
			if err := cb.Execute(func() error { return nil }); err != nil {
				t.Fatalf("probe %d: %v", i, err)
			}
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})

	t.Run("failed probe re-opens", func(t *testing.T) {
		t.Parallel()
		clk := newFakeClock()
		cb := openBreaker(t, clk, 3)
		clk.Advance(time.Second)
		if err := cb.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
			t.Fatalf("probe = %v", err)
		}
		if cb.State() != StateOpen {
			t.Fatalf("state = %v, want open", cb.State())
		}
		clk.Advance(999 * time.Millisecond)
		if cb.State() != StateOpen {
			t.Fatal("reset timeout restarted from the failed probe")
		}
	})

	t.Run("probe budget", func(t *testing.T) {
		t.Parallel()
		clk := newFakeClock()
		cb := openBreaker(t, clk, 1)
		clk.Advance(time.Second)
		first, err := cb.Allow()
		if err != nil {
			t.Fatalf("first probe: %v", err)
		}
		if _, err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("second probe = %v, want ErrCircuitOpen", err)
		}
		first.Cancel()
		second, err := cb.Allow()
		if err != nil {
			t.Fatalf("probe after cancel: %v", err)
		}
		second.Success()
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})
}

func TestTicket_StaleAndRepeatedOutcomes(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Second, Now: clk.Now})

	stale, _ := cb.Allow()
	fresh, _ := cb.Allow()
	fresh.Failure(errTest)
	fresh.Failure(errTest)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	// Issued before the breaker opened; must not affect the new state.
	stale.Success()
	if cb.State() != StateOpen {
		t.Fatalf("stale ticket changed state to %v", cb.State())
	}
}

func TestCircuitBreaker_ResetAndStateChanges(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var changes []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "wss://asr",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			changes = append(changes, name+":"+from.String()+">"+to.String())
			mu.Unlock()
		},
	})
	_ = cb.Execute(func() error { return errTest })
	cb.Reset()
	cb.Reset()
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("after reset: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"wss://asr:closed>open", "wss://asr:open>closed"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %q, want %q", i, changes[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
