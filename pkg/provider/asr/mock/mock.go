// Package mock provides a test double for asr.Backend.
//
// Backend records every call and lets the test drive the event stream with
// Emit. Events is buffered; tests that emit many events should size
// EventBuffer accordingly.
//
//	b := mock.New()
//	o := orchestrator.New(..., b)
//	b.Emit(asr.Event{Type: asr.EventReady})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

// Backend is a mock implementation of asr.Backend.
type Backend struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// SendErr, if non-nil, is returned from Send.
	SendErr error

	// ReadyOnStart makes Start emit EventReady.
	ReadyOnStart bool

	// StartCalls counts calls to Start.
	StartCalls int

	// StopCalls counts calls to Stop.
	StopCalls int

	// Sent holds a copy of every chunk passed to Send.
	Sent [][]byte

	// FinalOnStop, if non-empty, is emitted as a final segment on the first
	// Stop before EventClosed.
	FinalOnStop string

	events chan asr.Event
	closed bool
}

var _ asr.Backend = (*Backend)(nil)

// New returns a Backend with a 64-entry event buffer.
func New() *Backend {
	return &Backend{events: make(chan asr.Event, 64)}
}

// Start records the call.
func (b *Backend) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StartCalls++
	if b.StartErr != nil {
		return b.StartErr
	}
	if b.ReadyOnStart && !b.closed {
		b.events <- asr.Event{Type: asr.EventReady}
	}
	return nil
}

// Send records a copy of pcm.
func (b *Backend) Send(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return asr.ErrClosed
	}
	if b.SendErr != nil {
		return b.SendErr
	}
	b.Sent = append(b.Sent, append([]byte(nil), pcm...))
	return nil
}

// Stop records the call and closes the event stream once.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StopCalls++
	if b.closed {
		return nil
	}
	b.closed = true
	if b.FinalOnStop != "" {
		b.events <- asr.Event{Type: asr.EventFinal, Segment: asr.Segment{Text: b.FinalOnStop}}
	}
	b.events <- asr.Event{Type: asr.EventClosed}
	close(b.events)
	return nil
}

// Events returns the event stream.
func (b *Backend) Events() <-chan asr.Event { return b.events }

// Emit pushes ev onto the event stream. It is a no-op after Stop.
func (b *Backend) Emit(ev asr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events <- ev
}

// SentBytes returns the total number of bytes passed to Send.
func (b *Backend) SentBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.Sent {
		n += len(c)
	}
	return n
}

// SendCount returns the number of Send calls recorded.
func (b *Backend) SendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Sent)
}

// Stops returns the number of Stop calls recorded.
func (b *Backend) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.StopCalls
}
