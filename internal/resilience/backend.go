package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

// Guard wraps b so that Start is admitted by cb. The first [asr.EventReady]
// settles the attempt as a success; an [asr.EventError] or a closed stream
// before that counts as a failure. A rejected Start returns an *asr.Error
// with [asr.CodeConnectionFailure] wrapping [ErrCircuitOpen].
func Guard(b asr.Backend, cb *CircuitBreaker) asr.Backend {
	g := &guarded{
		inner:  b,
		cb:     cb,
		events: make(chan asr.Event, cap(b.Events())+1),
	}
	go g.relay()
	return g
}

type guarded struct {
	inner  asr.Backend
	cb     *CircuitBreaker
	events chan asr.Event

	mu      sync.Mutex
	ticket  *Ticket
	settled bool
	stopped bool
}

var _ asr.Backend = (*guarded)(nil)

func (g *guarded) Start(ctx context.Context) error {
	t, err := g.cb.Allow()
	if err != nil {
		return &asr.Error{Code: asr.CodeConnectionFailure, Err: fmt.Errorf("%s: %w", g.cb.name, err)}
	}
	g.mu.Lock()
	g.ticket = t
	g.mu.Unlock()

	if err := g.inner.Start(ctx); err != nil {
		g.settle(err)
		return err
	}
	return nil
}

func (g *guarded) Send(pcm []byte) error { return g.inner.Send(pcm) }

func (g *guarded) Stop() error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	return g.inner.Stop()
}

func (g *guarded) Events() <-chan asr.Event { return g.events }

func (g *guarded) relay() {
	defer close(g.events)
	for ev := range g.inner.Events() {
		switch ev.Type {
		case asr.EventReady:
			g.settle(nil)
		case asr.EventError:
			g.settle(ev.Err)
		case asr.EventClosed:
			g.settle(errClosedBeforeReady)
		}
		g.events <- ev
	}
	g.settle(errClosedBeforeReady)
}

var errClosedBeforeReady = errors.New("backend closed before ready")

// settle records the outcome of the current attempt once. A stream closed
// by our own Stop before it became ready has no outcome.
func (g *guarded) settle(err error) {
	g.mu.Lock()
	t := g.ticket
	if t == nil || g.settled {
		g.mu.Unlock()
		return
	}
	g.settled = true
	stopped := g.stopped
	g.mu.Unlock()

	switch {
	case err == nil:
		t.Success()
	case errors.Is(err, errClosedBeforeReady) && stopped:
		t.Cancel()
	default:
		t.Failure(err)
	}
}

// BreakerSet hands out one breaker per name, created on first use.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet returns a set creating breakers from cfg. cfg.Name is
// replaced by the requested name.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[name]
	if !ok {
		cfg := s.cfg
		cfg.Name = name
		cb = NewCircuitBreaker(cfg)
		s.breakers[name] = cb
	}
	return cb
}

// States returns the state of every breaker by name.
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.State()
	}
	return out
}
