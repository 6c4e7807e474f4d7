// Package asr defines the Backend interface for streaming speech recognition.
//
// A Backend wraps one live recognition stream for a single channel. It accepts
// 16 kHz mono signed 16-bit little-endian PCM through [Backend.Send] and
// reports its lifecycle and results as a single ordered stream of [Event]
// values: one [EventReady] once the remote side accepted the stream, any
// number of [EventPartial] and [EventFinal] segments, at most one
// [EventError], and a terminal [EventClosed] after which the channel is
// closed.
//
// Backends are selected by a closed [Kind] enum; see the realtime, deepgram
// and noop subpackages for the implementations.
package asr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Audio format every backend consumes.
const (
	SampleRate     = 16000
	BytesPerSample = 2
	BytesPerSecond = SampleRate * BytesPerSample
)

// ErrClosed is returned by Send after Stop or after the backend failed.
var ErrClosed = errors.New("asr: backend closed")

// Kind selects a backend implementation.
type Kind int

const (
	KindNoop Kind = iota
	KindRealtime
	KindDeepgram
)

// String returns the configuration name of k.
func (k Kind) String() string {
	switch k {
	case KindNoop:
		return "noop"
	case KindRealtime:
		return "realtime"
	case KindDeepgram:
		return "deepgram"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a [Kind]. The empty string selects
// [KindNoop].
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "noop", "none":
		return KindNoop, nil
	case "realtime":
		return KindRealtime, nil
	case "deepgram":
		return KindDeepgram, nil
	}
	return KindNoop, fmt.Errorf("asr: unknown backend type %q", s)
}

// Segment is one unit of transcribed text.
//
// AStart is the absolute anchor of the stream the segment belongs to; Start
// and End are offsets in seconds relative to it. Lang and Locutor are empty
// when unknown.
type Segment struct {
	AStart       time.Time         `json:"astart"`
	Text         string            `json:"text"`
	Start        float64           `json:"start"`
	End          float64           `json:"end"`
	Lang         string            `json:"lang,omitempty"`
	Locutor      string            `json:"locutor,omitempty"`
	Translations map[string]string `json:"translations,omitempty"`
}

// EventType discriminates [Event] values.
type EventType int

const (
	EventReady EventType = iota + 1
	EventPartial
	EventFinal
	EventError
	EventClosed
)

// String returns a short lowercase name of t.
func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is emitted by a Backend on its Events channel.
type Event struct {
	Type    EventType
	Segment Segment

	// Err is set for EventError. It is always an *Error.
	Err error
}

// Backend is one streaming recognition session.
//
// Start begins connecting and returns once the attempt is underway; success
// is reported with [EventReady]. Send is non-blocking from the caller's point
// of view and may drop audio while the backend is reconnecting. Stop flushes
// any pending text as a final segment, releases all resources and closes the
// Events channel. Stop is idempotent.
//
// Start and Stop must not be called concurrently with each other; Send may be
// called from any goroutine.
type Backend interface {
	Start(ctx context.Context) error
	Send(pcm []byte) error
	Stop() error
	Events() <-chan Event
}

// BytesToSeconds converts a PCM byte count to seconds of audio.
func BytesToSeconds(n int64) float64 {
	return float64(n) / BytesPerSecond
}
