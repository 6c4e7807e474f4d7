// Package listener accepts live audio over SRT, RTMP and WebSocket and routes
// every connection to a (session, channel) slot.
//
// Each transport extracts a routing key from its connection ("<sessionId>,
// <channelIndex>"), admits it against the current registry snapshot, attaches
// a demuxing worker and relays decoded PCM to a [Sink]. The transports share
// a [Core] per listener, and all listeners of a process share one [Index]
// so a channel has at most one live connection across transports. Registry
// updates pushed through [Core.SetSessions] force-stop every connection whose
// session disappeared; organic disconnects and forced stops converge on the
// same idempotent teardown.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/streamscribe/internal/demux"
	"github.com/MrWong99/streamscribe/internal/observe"
	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

// Sink receives connection lifecycle events and decoded audio. Calls for one
// channel never overlap: SessionStart happens before any Audio and
// SessionStop after the last one.
type Sink interface {
	SessionStart(t session.Target)
	SessionStop(key session.ChannelKey)
	Audio(key session.ChannelKey, pcm []byte)
}

// Listener is one transport.
type Listener interface {
	// Transport names the wire protocol ("srt", "rtmp", "websocket").
	Transport() string

	// Serve accepts connections until ctx is cancelled.
	Serve(ctx context.Context) error

	// SetSessions replaces the registry snapshot.
	SetSessions(sessions []session.Session)

	// Running returns the channels with a live connection.
	Running() []session.ChannelKey
}

// Option configures the shared listener core.
type Option func(*Core)

// WithSpawner sets how demuxing workers are started.
func WithSpawner(s demux.Spawner) Option {
	return func(c *Core) { c.spawner = s }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Core) { c.metrics = m }
}

// WithClock overrides the time used for schedule checks.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// WithIndex shares a running-connection index between listeners. Default: a
// private index per listener.
func WithIndex(x *Index) Option {
	return func(c *Core) { c.index = x }
}

// Index maps every live channel to the connection feeding it, whichever
// listener accepted it. The zero value is not usable; see [NewIndex].
type Index struct {
	mu    sync.Mutex
	conns map[session.ChannelKey]*Conn
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{conns: make(map[session.ChannelKey]*Conn)}
}

// Busy reports whether key has a live connection.
func (x *Index) Busy(key session.ChannelKey) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.conns[key]
	return ok
}

// claim registers conn for its channel unless another connection holds it.
func (x *Index) claim(conn *Conn) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.conns[conn.key]; ok {
		return false
	}
	x.conns[conn.key] = conn
	return true
}

// release frees conn's channel if conn still holds it.
func (x *Index) release(conn *Conn) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conns[conn.key] == conn {
		delete(x.conns, conn.key)
	}
}

// Core holds the registry snapshot and live connections of one listener.
// Lock order is Core.mu before Index.mu. All methods are safe for concurrent
// use.
type Core struct {
	transport string
	sink      Sink
	spawner   demux.Spawner
	metrics   *observe.Metrics
	index     *Index
	now       func() time.Time
	log       *slog.Logger

	mu       sync.RWMutex
	snapshot *session.Snapshot
	running  map[session.ChannelKey]*Conn
}

func newCore(transport string, sink Sink, opts ...Option) *Core {
	c := &Core{
		transport: transport,
		sink:      sink,
		now:       time.Now,
		snapshot:  session.NewSnapshot(nil),
		running:   make(map[session.ChannelKey]*Conn),
		log:       slog.With("transport", transport),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.index == nil {
		c.index = NewIndex()
	}
	return c
}

// Transport returns the transport name.
func (c *Core) Transport() string { return c.transport }

// SetSessions replaces the snapshot and force-stops every live connection of
// a session that is no longer present. It returns once those connections are
// torn down.
func (c *Core) SetSessions(sessions []session.Session) {
	next := session.NewSnapshot(sessions)

	c.mu.Lock()
	removed := c.snapshot.Removed(next)
	c.snapshot = next
	var stale []*Conn
	for key, conn := range c.running {
		if slices.Contains(removed, key.SessionID) {
			stale = append(stale, conn)
		}
	}
	c.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, conn := range stale {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Close(errSessionRemoved)
		}()
	}
	wg.Wait()
}

// Running returns the keys of all live connections.
func (c *Core) Running() []session.ChannelKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]session.ChannelKey, 0, len(c.running))
	for k := range c.running {
		keys = append(keys, k)
	}
	return keys
}

var errSessionRemoved = errors.New("listener: session removed from registry")

// admit parses and validates a routing key. A channel that already has a
// live connection on any listener sharing the index is rejected as busy.
func (c *Core) admit(raw string) (session.Target, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, err := c.validate(raw)
	if err != nil {
		return session.Target{}, err
	}
	if c.index.Busy(t.Key()) {
		return session.Target{}, errBusy
	}
	return t, nil
}

// validate checks raw against the current snapshot. c.mu must be held.
func (c *Core) validate(raw string) (session.Target, error) {
	key, err := session.ParseRoutingKey(raw)
	if err != nil {
		return session.Target{}, err
	}
	return c.snapshot.Validate(key, c.now())
}

var errBusy = fmt.Errorf("%w: connection already running", session.ErrChannelBusy)

// attach admits raw, spawns a worker for encoding (none for 16 kHz PCM) and
// registers the connection. closeTransport is called once on teardown.
//
// The snapshot is validated again at registration: a session removed while
// the worker was starting is rejected instead of attached.
func (c *Core) attach(ctx context.Context, raw, encoding string, sampleRate int, closeTransport func() error) (*Conn, error) {
	t, err := c.admit(raw)
	if err != nil {
		c.reject(ctx, raw, err)
		return nil, err
	}

	var w demux.Worker
	if !demux.IsRawPCM(encoding) || sampleRate != asr.SampleRate {
		if c.spawner == nil {
			err := errors.New("listener: no demux worker configured")
			c.reject(ctx, raw, err)
			return nil, err
		}
		w, err = c.spawner.Spawn(ctx, encoding, sampleRate)
		if err != nil {
			err = fmt.Errorf("listener: spawn worker: %w", err)
			c.reject(ctx, raw, err)
			return nil, err
		}
	}

	conn := &Conn{
		id:             uuid.NewString(),
		core:           c,
		worker:         w,
		closeTransport: closeTransport,
		started:        make(chan struct{}),
		done:           make(chan struct{}),
	}

	c.mu.Lock()
	t, err = c.validate(raw)
	if err == nil {
		conn.target, conn.key = t, t.Key()
		if !c.index.claim(conn) {
			err = errBusy
		}
	}
	if err != nil {
		c.mu.Unlock()
		if w != nil {
			_ = w.Terminate()
		}
		c.reject(ctx, raw, err)
		return nil, err
	}
	conn.log = c.log.With("conn_id", conn.id, "session_id", conn.key.SessionID, "channel_id", conn.key.ChannelID)
	c.running[conn.key] = conn
	c.mu.Unlock()

	c.metrics.RecordConnection(ctx, c.transport, "accepted")
	c.metrics.ActiveStreams.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", c.transport)))
	conn.log.Info("listener: stream started", "routing_key", raw, "encoding", encoding)
	c.sink.SessionStart(t)
	close(conn.started)

	if w != nil {
		go conn.pump()
	}
	return conn, nil
}

func (c *Core) reject(ctx context.Context, raw string, err error) {
	reason := rejectReason(err)
	c.metrics.RecordConnection(ctx, c.transport, "rejected")
	c.metrics.RecordRejection(ctx, c.transport, reason)
	c.log.Info("listener: connection rejected", "routing_key", raw, "reason", reason, "err", err)
}

// remove drops conn from the listener and the shared index if it is still
// the registered one.
func (c *Core) remove(conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[conn.key] == conn {
		delete(c.running, conn.key)
	}
	c.index.release(conn)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, session.ErrBadRoutingKey):
		return "bad_routing_key"
	case errors.Is(err, session.ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, session.ErrChannelOutOfRange):
		return "channel_out_of_range"
	case errors.Is(err, session.ErrChannelBusy):
		return "channel_busy"
	case errors.Is(err, session.ErrNotStarted):
		return "not_started"
	case errors.Is(err, session.ErrEnded):
		return "ended"
	default:
		return "worker"
	}
}

// Conn is the descriptor of one admitted transport connection. It binds the
// (session, channel) target to the worker that decodes its payload.
type Conn struct {
	id             string
	core           *Core
	target         session.Target
	key            session.ChannelKey
	worker         demux.Worker
	closeTransport func() error
	log            *slog.Logger

	once    sync.Once
	started chan struct{} // closed after Sink.SessionStart returns
	done    chan struct{}

	mu  sync.Mutex
	odd []byte
}

// Key returns the channel the connection feeds.
func (c *Conn) Key() session.ChannelKey { return c.key }

// Done is closed after teardown.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Write passes transport payload to the worker, or straight to the sink as
// PCM when the connection has no worker.
func (c *Conn) Write(buf []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	if c.worker != nil {
		return c.worker.Write(buf)
	}

	c.mu.Lock()
	pcm := append(c.odd, buf...)
	c.odd = nil
	if len(pcm)%2 == 1 {
		c.odd = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	c.mu.Unlock()
	if len(pcm) > 0 {
		c.core.sink.Audio(c.key, pcm)
	}
	return nil
}

// pump relays decoded frames until the worker stops, then tears down.
func (c *Conn) pump() {
	for frame := range c.worker.Frames() {
		c.core.sink.Audio(c.key, frame)
	}
	<-c.worker.Done()
	c.Close(c.worker.Err())
}

// Close tears the connection down: the worker is terminated, the transport
// closed, the sink notified and the descriptor removed from the index, so a
// new connection for the channel is admitted only after SessionStop. A
// SessionStop never precedes its SessionStart. cause is only logged. Close is
// idempotent and safe to call from any goroutine.
func (c *Conn) Close(cause error) {
	c.once.Do(func() {
		if c.worker != nil {
			_ = c.worker.Terminate()
		}
		if c.closeTransport != nil {
			if err := c.closeTransport(); err != nil {
				c.log.Debug("listener: close transport", "err", err)
			}
		}
		<-c.started
		c.core.sink.SessionStop(c.key)
		c.core.remove(c)

		ctx := context.Background()
		c.core.metrics.ActiveStreams.Add(ctx, -1, metric.WithAttributes(attribute.String("transport", c.core.transport)))
		if cause != nil && !errors.Is(cause, errSessionRemoved) {
			c.log.Warn("listener: stream stopped", "err", cause)
		} else {
			c.log.Info("listener: stream stopped", "reason", stopReason(cause))
		}
		close(c.done)
	})
}

func stopReason(cause error) string {
	if errors.Is(cause, errSessionRemoved) {
		return "session removed"
	}
	return "disconnected"
}

// readErr maps a clean end of stream to nil.
func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
