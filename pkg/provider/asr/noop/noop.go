// Package noop provides an asr.Backend that discards audio. It serves
// channels that have live transcripts disabled so that the orchestrator can
// still drive audio archival through the same lifecycle.
package noop

import (
	"context"
	"sync"

	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

// Backend accepts and drops all audio. It reports ready immediately on Start.
type Backend struct {
	events chan asr.Event

	mu      sync.Mutex
	started bool
	stopped bool
}

var _ asr.Backend = (*Backend)(nil)

// New returns a Backend.
func New() *Backend {
	return &Backend{events: make(chan asr.Event, 2)}
}

// Start emits EventReady.
func (b *Backend) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return asr.ErrClosed
	}
	if !b.started {
		b.started = true
		b.events <- asr.Event{Type: asr.EventReady}
	}
	return nil
}

// Send drops pcm.
func (b *Backend) Send([]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return asr.ErrClosed
	}
	return nil
}

// Stop emits EventClosed and closes the event channel.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	b.events <- asr.Event{Type: asr.EventClosed}
	close(b.events)
	return nil
}

// Events returns the event stream.
func (b *Backend) Events() <-chan asr.Event { return b.events }
