// Package orchestrator drives one ASR backend per (session, channel) pair.
//
// An [Orchestrator] receives the decoded PCM of a live connection through
// [Orchestrator.Transcribe], batches it in a [CircularBuffer] and forwards it
// to the backend once enough audio has accumulated. Backend events are
// translated into a uniform stream of partial and final segments delivered to
// a [Publisher]; backend failures become a synthetic final segment carrying a
// human-readable message. When archival is enabled the raw audio is recorded
// and converted to WAV or Ogg/Opus on [Orchestrator.Dispose].
//
// State machine:
//
//	CLOSED ─Start→ CONNECTING ─ready→ READY ⇄ TRANSCRIBING
//	                    └──────────error──────────→ ERROR
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/streamscribe/internal/observe"
	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/pkg/audio"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

const (
	defaultMinAudio     = 200 * time.Millisecond
	defaultCapacity     = 30 * time.Second
	defaultDrainTimeout = 10 * time.Second
)

// State is the lifecycle state of an [Orchestrator].
type State int

const (
	// StateClosed is both the initial state and the state after the backend
	// closed cleanly.
	StateClosed State = iota
	StateConnecting
	StateReady
	StateTranscribing
	StateError
)

// String returns the upper-case name of s.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Publisher receives the segments produced for a channel. Calls for one
// channel are made from a single goroutine, except for the closing segment
// of [Orchestrator.StreamStopped] which comes from the caller's goroutine.
type Publisher interface {
	Partial(key session.ChannelKey, seg asr.Segment)
	Final(key session.ChannelKey, seg asr.Segment)
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithBackendFactory overrides how the backend is built. Default: [NewBackend].
func WithBackendFactory(f BackendFactory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

// WithMinAudio sets how much audio is accumulated before a forward.
// Default: 200ms.
func WithMinAudio(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.threshold = bytesFor(d)
		}
	}
}

// WithBufferCapacity bounds the audio held while the backend is connecting.
// Older audio is dropped beyond it. Default: 30s.
func WithBufferCapacity(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.buf = NewCircularBuffer(bytesFor(d))
		}
	}
}

// WithAudioDir enables archival below dir for channels that keep audio.
// Files are laid out as <dir>/<session>/<channel>.wav (or .ogg).
func WithAudioDir(dir string) Option {
	return func(o *Orchestrator) { o.audioDir = dir }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDrainTimeout bounds how long Dispose waits for the backend to flush.
// Default: 10s.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithClock overrides the time source used for segment anchors.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the backend, buffer and archive of one channel.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	key     session.ChannelKey
	channel session.Channel
	kind    string
	pub     Publisher

	factory      BackendFactory
	metrics      *observe.Metrics
	now          func() time.Time
	threshold    int
	audioDir     string
	drainTimeout time.Duration
	log          *slog.Logger

	buf  *CircularBuffer
	done chan struct{}

	mu        sync.Mutex
	state     State
	backend   asr.Backend
	archive   *audio.Archive
	astart    time.Time
	startedAt time.Time
	received  int64
	started   bool
	disposed  bool
}

// New creates an orchestrator for ch. It is in [StateClosed] until Start.
func New(key session.ChannelKey, ch session.Channel, pub Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		key:          key,
		channel:      ch,
		kind:         backendName(ch),
		pub:          pub,
		factory:      NewBackend,
		now:          time.Now,
		threshold:    bytesFor(defaultMinAudio),
		drainTimeout: defaultDrainTimeout,
		buf:          NewCircularBuffer(bytesFor(defaultCapacity)),
		done:         make(chan struct{}),
		log:          slog.With("session_id", key.SessionID, "channel_id", key.ChannelID),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Key returns the channel this orchestrator serves.
func (o *Orchestrator) Key() session.ChannelKey { return o.key }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start builds the backend, opens the archive and begins connecting. A
// backend that cannot be built or started is reported as an error segment
// and leaves the orchestrator in [StateError]; the returned error is for
// logging only.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, span := observe.StartChannelSpan(ctx, "orchestrator.start", o.key.SessionID, o.key.ChannelID)
	defer span.End()

	o.mu.Lock()
	if o.started || o.disposed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: %s: already started", o.key)
	}
	o.started = true
	o.astart = o.now()
	o.startedAt = time.Now()
	o.state = StateConnecting

	if o.keepsAudio() {
		a, err := audio.NewArchive(o.rawPath())
		if err != nil {
			observe.Logger(ctx).Warn("orchestrator: archival disabled", "session_id", o.key.SessionID, "channel_id", o.key.ChannelID, "err", err)
		} else {
			o.archive = a
		}
	}

	backend, err := o.factory(o.channel)
	if err != nil {
		o.mu.Unlock()
		close(o.done)
		o.fail(asr.Errorf(asr.CodeStartupError, "build backend: %w", err))
		return fmt.Errorf("orchestrator: %s: %w", o.key, err)
	}
	o.backend = backend
	o.mu.Unlock()

	o.metrics.ActiveOrchestrators.Add(ctx, 1)
	go o.consume(backend.Events())

	if err := backend.Start(ctx); err != nil {
		o.fail(asr.Errorf(asr.CodeStartupError, "start backend: %w", err))
		_ = backend.Stop()
		return fmt.Errorf("orchestrator: %s: %w", o.key, err)
	}
	o.log.Debug("orchestrator: started", "backend", o.kind, "archive", o.archive != nil)
	return nil
}

// Transcribe accepts decoded PCM from the connection. The audio is archived
// when archival is on and forwarded to the backend once the buffer holds at
// least the configured minimum, but only while the backend is READY or
// TRANSCRIBING. While CONNECTING the buffer keeps accumulating up to its
// capacity; in any other state buffered audio is discarded.
func (o *Orchestrator) Transcribe(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}

	ctx := context.Background()
	o.received += int64(len(pcm))
	o.metrics.RecordAudio(ctx, "received", len(pcm))
	if o.archive != nil {
		if _, err := o.archive.Write(pcm); err != nil {
			o.log.Warn("orchestrator: archive write failed, archival stopped", "err", err)
			_ = o.archive.Close()
			o.archive = nil
		} else {
			o.metrics.RecordAudio(ctx, "archived", len(pcm))
		}
	}

	o.buf.Add(pcm)
	o.forwardLocked()
}

// forwardLocked sends the buffered audio when the threshold is reached.
// Must be called with o.mu held.
func (o *Orchestrator) forwardLocked() {
	if o.buf.Len() < o.threshold {
		return
	}
	switch o.state {
	case StateReady, StateTranscribing:
		chunk := o.buf.Bytes()
		o.buf.Flush()
		if err := o.backend.Send(chunk); err != nil {
			o.log.Debug("orchestrator: backend rejected audio", "err", err)
			return
		}
		o.metrics.RecordAudio(context.Background(), "forwarded", len(chunk))
	case StateConnecting:
	default:
		o.buf.Flush()
	}
}

// StreamStopped closes the segment stream of the current connection with an
// empty final segment ending at the amount of audio received.
func (o *Orchestrator) StreamStopped() {
	o.mu.Lock()
	astart, end := o.astart, asr.BytesToSeconds(o.received)
	o.mu.Unlock()
	o.pub.Final(o.key, asr.Segment{AStart: astart, Start: end, End: end})
}

// Dispose closes the archive, stops the backend, waits for its remaining
// segments and finalizes the recorded audio. It is idempotent.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	o.disposed = true
	archive, backend := o.archive, o.backend
	o.archive = nil
	o.buf.Flush()
	o.mu.Unlock()

	var errs []error
	if archive != nil {
		if err := archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}

	if backend != nil {
		if err := backend.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop backend: %w", err))
		}
		timer := time.NewTimer(o.drainTimeout)
		select {
		case <-o.done:
		case <-timer.C:
			o.log.Warn("orchestrator: backend did not close in time", "timeout", o.drainTimeout)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		timer.Stop()
		o.metrics.ActiveOrchestrators.Add(ctx, -1)
	}

	o.mu.Lock()
	if o.state != StateError {
		o.state = StateClosed
	}
	o.mu.Unlock()

	if archive != nil {
		if err := o.finalize(ctx, archive.Path()); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("orchestrator: %s: dispose: %w", o.key, err)
	}
	return nil
}

// consume translates backend events until the backend closes its stream.
func (o *Orchestrator) consume(events <-chan asr.Event) {
	defer close(o.done)
	ctx := context.Background()
	for ev := range events {
		switch ev.Type {
		case asr.EventReady:
			o.mu.Lock()
			if o.state == StateConnecting {
				o.state = StateReady
				o.forwardLocked()
			}
			elapsed := time.Since(o.startedAt)
			o.mu.Unlock()
			o.metrics.BackendConnectDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(attribute.String("backend", o.kind)))
			o.log.Info("orchestrator: backend ready", "backend", o.kind, "elapsed", elapsed)

		case asr.EventPartial:
			o.transition(StateTranscribing)
			o.metrics.RecordSegment(ctx, o.kind, "partial")
			o.pub.Partial(o.key, o.anchor(ev.Segment))

		case asr.EventFinal:
			o.transition(StateReady)
			o.metrics.RecordSegment(ctx, o.kind, "final")
			o.pub.Final(o.key, o.anchor(ev.Segment))

		case asr.EventError:
			o.fail(ev.Err)

		case asr.EventClosed:
			o.mu.Lock()
			if o.state != StateError {
				o.state = StateClosed
			}
			o.mu.Unlock()
		}
	}
}

// transition moves between READY and TRANSCRIBING. Other states are sticky.
func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateReady, StateTranscribing, StateConnecting:
		o.state = to
	}
}

// fail surfaces err as a final segment and moves to StateError. Only the
// first failure is surfaced.
func (o *Orchestrator) fail(err error) {
	code := asr.CodeOf(err)
	if code == "" {
		code = asr.CodeRuntimeError
	}

	o.mu.Lock()
	if o.state == StateError {
		o.mu.Unlock()
		return
	}
	o.state = StateError
	o.buf.Flush()
	astart, end := o.astart, asr.BytesToSeconds(o.received)
	o.mu.Unlock()

	o.log.Warn("orchestrator: backend failed", "backend", o.kind, "code", code, "err", err)
	o.metrics.RecordBackendError(context.Background(), o.kind, string(code))
	o.pub.Final(o.key, asr.Segment{AStart: astart, Text: code.Message(), Start: end, End: end})
}

func (o *Orchestrator) anchor(seg asr.Segment) asr.Segment {
	seg.AStart = o.astart
	return seg
}

func (o *Orchestrator) keepsAudio() bool {
	return o.audioDir != "" && o.channel.KeepAudio
}

// rawPath is unique per connection so that a reconnect never appends to a
// recording that is still being finalized.
func (o *Orchestrator) rawPath() string {
	name := strconv.FormatInt(o.key.ChannelID, 10) + "-" + uuid.NewString() + ".pcm"
	return filepath.Join(o.sessionDir(), name)
}

func (o *Orchestrator) sessionDir() string {
	return filepath.Join(o.audioDir, safeName(o.key.SessionID))
}

// finalize converts the raw recording and appends it to the channel's file.
func (o *Orchestrator) finalize(ctx context.Context, raw string) error {
	c := audio.ContainerFor(o.channel.CompressAudio)
	dst := filepath.Join(o.sessionDir(), strconv.FormatInt(o.key.ChannelID, 10)+c.Ext())

	unlock := lockPath(dst)
	defer unlock()

	start := time.Now()
	err := audio.Finalize(raw, dst, c)
	o.metrics.FinalizeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("container", strings.TrimPrefix(c.Ext(), "."))))
	if err != nil {
		return fmt.Errorf("finalize %s: %w", dst, err)
	}
	o.log.Info("orchestrator: audio finalized", "path", dst, "elapsed", time.Since(start))
	return nil
}

// finalizeLocks serializes finalization per destination file.
var finalizeLocks sync.Map

func lockPath(path string) func() {
	v, _ := finalizeLocks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// safeName keeps a session id usable as a single path element.
func safeName(id string) string {
	id = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, id)
	if id == "" || id == "." || id == ".." {
		return "_"
	}
	return id
}

func backendName(ch session.Channel) string {
	if !ch.EnableLiveTranscripts {
		return asr.KindNoop.String()
	}
	k, err := asr.ParseKind(ch.TranscriberProfile.Type)
	if err != nil {
		return "invalid"
	}
	return k.String()
}

func bytesFor(d time.Duration) int {
	n := int(d * asr.BytesPerSecond / time.Second)
	return n &^ 1
}
