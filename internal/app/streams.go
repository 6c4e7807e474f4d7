package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/streamscribe/internal/listener"
	"github.com/MrWong99/streamscribe/internal/observe"
	"github.com/MrWong99/streamscribe/internal/orchestrator"
	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/internal/transcript"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

// StatusStore records channel stream status transitions.
type StatusStore interface {
	SetStreamStatus(ctx context.Context, key session.ChannelKey, status session.StreamStatus) error
}

const statusTimeout = 5 * time.Second

// Streams owns one orchestrator per live channel. It is the [listener.Sink]
// of every listener: a connection start creates and starts an orchestrator,
// audio is handed to it, and a connection stop closes its segment stream and
// disposes it in the background.
//
// The listeners share one running index, so a channel normally has a single
// start. Overlapping starts for one channel share its orchestrator, which is
// disposed after the last matching stop.
//
// Streams is safe for concurrent use.
type Streams struct {
	dispatcher *transcript.Dispatcher
	status     StatusStore
	metrics    *observe.Metrics
	opts       []orchestrator.Option

	// disposeTimeout bounds a single background Dispose.
	disposeTimeout time.Duration

	mu       sync.RWMutex
	active   map[session.ChannelKey]*stream
	closed   bool
	disposal sync.WaitGroup
}

var _ listener.Sink = (*Streams)(nil)

// NewStreams returns an empty stream table. status may be nil.
func NewStreams(d *transcript.Dispatcher, status StatusStore, metrics *observe.Metrics, disposeTimeout time.Duration, opts ...orchestrator.Option) *Streams {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if disposeTimeout <= 0 {
		disposeTimeout = time.Minute
	}
	return &Streams{
		dispatcher:     d,
		status:         status,
		metrics:        metrics,
		opts:           opts,
		disposeTimeout: disposeTimeout,
		active:         make(map[session.ChannelKey]*stream),
	}
}

// stream is an orchestrator and the number of starts it serves.
type stream struct {
	orch   *orchestrator.Orchestrator
	starts int
}

// publisher binds a channel's translation targets to the dispatcher.
type publisher struct {
	d       *transcript.Dispatcher
	targets []string
}

func (p publisher) Partial(key session.ChannelKey, seg asr.Segment) { p.d.Partial(key, seg) }
func (p publisher) Final(key session.ChannelKey, seg asr.Segment)   { p.d.Final(key, seg, p.targets) }

// SessionStart implements [listener.Sink].
func (s *Streams) SessionStart(t session.Target) {
	key := t.Key()
	log := slog.With("session_id", key.SessionID, "channel_id", key.ChannelID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Warn("app: stream started during shutdown, ignored")
		return
	}
	if cur := s.active[key]; cur != nil {
		cur.starts++
		s.mu.Unlock()
		log.Warn("app: channel already active, sharing its orchestrator")
		return
	}
	pub := publisher{d: s.dispatcher, targets: t.Channel.Translations}
	orch := orchestrator.New(key, t.Channel, pub, s.opts...)
	s.active[key] = &stream{orch: orch, starts: 1}
	s.mu.Unlock()

	if err := orch.Start(context.Background()); err != nil {
		log.Warn("app: orchestrator start failed", "err", err)
	}
	s.setStatus(key, session.StreamActive)
}

// Audio implements [listener.Sink].
func (s *Streams) Audio(key session.ChannelKey, pcm []byte) {
	s.mu.RLock()
	cur := s.active[key]
	s.mu.RUnlock()
	if cur == nil {
		return
	}
	cur.orch.Transcribe(pcm)
}

// SessionStop implements [listener.Sink].
func (s *Streams) SessionStop(key session.ChannelKey) {
	s.mu.Lock()
	cur := s.active[key]
	if cur == nil {
		s.mu.Unlock()
		return
	}
	if cur.starts--; cur.starts > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.active, key)
	s.mu.Unlock()

	cur.orch.StreamStopped()
	s.dispose(cur.orch)
	s.setStatus(key, session.StreamInactive)
}

// Active returns the channels with a live orchestrator.
func (s *Streams) Active() []session.ChannelKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]session.ChannelKey, 0, len(s.active))
	for k := range s.active {
		keys = append(keys, k)
	}
	return keys
}

// Close stops accepting streams, disposes every active orchestrator and
// waits for all disposals, or until ctx ends.
func (s *Streams) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	remaining := s.active
	s.active = make(map[session.ChannelKey]*stream)
	s.mu.Unlock()

	for key, cur := range remaining {
		cur.orch.StreamStopped()
		s.dispose(cur.orch)
		s.setStatus(key, session.StreamInactive)
	}

	done := make(chan struct{})
	go func() {
		s.disposal.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Streams) dispose(orch *orchestrator.Orchestrator) {
	s.disposal.Add(1)
	go func() {
		defer s.disposal.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.disposeTimeout)
		defer cancel()
		key := orch.Key()
		if err := orch.Dispose(ctx); err != nil {
			slog.Warn("app: dispose failed", "session_id", key.SessionID, "channel_id", key.ChannelID, "err", err)
		}
	}()
}

func (s *Streams) setStatus(key session.ChannelKey, status session.StreamStatus) {
	if s.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if err := s.status.SetStreamStatus(ctx, key, status); err != nil {
		slog.Warn("app: record stream status failed", "session_id", key.SessionID, "channel_id", key.ChannelID, "status", status, "err", err)
	}
}
