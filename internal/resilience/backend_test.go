package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/streamscribe/pkg/provider/asr"
	"github.com/MrWong99/streamscribe/pkg/provider/asr/mock"
)

// drain reads events until the stream closes.
func drain(t *testing.T, b asr.Backend) []asr.EventType {
	t.Helper()
	var got []asr.EventType
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				return got
			}
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}
}

func TestGuard_ReadyIsSuccess(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "asr", MaxFailures: 1, ResetTimeout: time.Hour})
	inner := mock.New()
	inner.ReadyOnStart = true
	g := Guard(inner, cb)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.Send([]byte{1, 2}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = g.Stop()
	got := drain(t, g)
	if len(got) != 2 || got[0] != asr.EventReady || got[1] != asr.EventClosed {
		t.Errorf("events = %v", got)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	if inner.SentBytes() != 2 {
		t.Errorf("inner received %d bytes", inner.SentBytes())
	}
}

func TestGuard_ErrorBeforeReadyOpensBreaker(t *testing.T) {
	t.Parallel()

	set := NewBreakerSet(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	cb := set.Get("wss://asr")

	inner := mock.New()
	g := Guard(inner, cb)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	inner.Emit(asr.Event{Type: asr.EventError, Err: asr.Errorf(asr.CodeConnectionFailure, "dial failed")})
	_ = inner.Stop()
	drain(t, g)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if set.Get("wss://asr") != cb || set.States()["wss://asr"] != StateOpen {
		t.Error("BreakerSet did not return the shared breaker")
	}

	// The next channel on the same endpoint fails fast.
	next := mock.New()
	g2 := Guard(next, cb)
	err := g2.Start(context.Background())
	var ae *asr.Error
	if !errors.As(err, &ae) || ae.Code != asr.CodeConnectionFailure || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Start on open breaker = %v", err)
	}
	if next.StartCalls != 0 {
		t.Error("inner Start called while breaker open")
	}
	_ = g2.Stop()
	drain(t, g2)
}

func TestGuard_StartErrorAndEarlyStop(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "asr", MaxFailures: 2, ResetTimeout: time.Hour})

	// Our own Stop before ready is not a failure.
	early := mock.New()
	g := Guard(early, cb)
	_ = g.Start(context.Background())
	_ = g.Stop()
	drain(t, g)

	failing := mock.New()
	failing.StartErr = errors.New("bad url")
	g = Guard(failing, cb)
	if err := g.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded")
	}
	_ = g.Stop()
	drain(t, g)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after one failure, want closed", cb.State())
	}

	failing = mock.New()
	failing.StartErr = errors.New("bad url")
	g = Guard(failing, cb)
	_ = g.Start(context.Background())
	_ = g.Stop()
	drain(t, g)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after two failures, want open", cb.State())
	}
}
