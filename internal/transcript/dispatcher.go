// Package transcript delivers transcription segments to their consumers.
//
// Orchestrators hand every segment to a [Dispatcher], which queues it and
// fans it out to the configured [Sink] implementations from a single
// goroutine, so every sink observes segments in the order they were
// produced. Final segments of channels with configured target languages pass
// through an optional translation stage first; see [Translator].
//
// Sinks shipped with this package:
//
//   - [LogSink] writes segments to log/slog.
//   - [PostgresStore] persists final segments and channel stream status.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

const (
	defaultQueueSize       = 256
	defaultDeliveryTimeout = 10 * time.Second
)

// ErrClosed is returned by [Dispatcher.Enqueue] after [Dispatcher.Close].
var ErrClosed = errors.New("transcript: dispatcher closed")

// Delivery is one segment on its way to the sinks.
type Delivery struct {
	Key     session.ChannelKey
	Segment asr.Segment
	Final   bool

	// Targets lists the BCP47 languages the segment is translated into.
	// Only final segments are translated.
	Targets []string
}

// Sink consumes delivered segments. Deliver is never called concurrently
// for one sink.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, d Delivery) error

// Deliver implements [Sink].
func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// TextTranslator translates text into several target languages at once.
// source may be empty when the language is unknown.
type TextTranslator interface {
	Translate(ctx context.Context, text, source string, targets []string) (map[string]string, error)
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithTranslator enables the translation stage.
func WithTranslator(t TextTranslator) DispatcherOption {
	return func(d *Dispatcher) { d.translator = t }
}

// WithQueueSize sets the number of pending deliveries. Default: 256.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithDeliveryTimeout bounds translation and each sink call. Default: 10s.
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Dispatcher is an ordered delivery queue.
//
// Partial segments are dropped when the queue is full; they are superseded
// by the next partial anyway. Final segments block the caller until there is
// room. Close drains everything already queued.
type Dispatcher struct {
	sinks      []Sink
	translator TextTranslator
	queueSize  int
	timeout    time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Delivery

	once sync.Once
	done chan struct{}
}

// NewDispatcher starts a dispatcher delivering to sinks.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:     sinks,
		queueSize: defaultQueueSize,
		timeout:   defaultDeliveryTimeout,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan Delivery, d.queueSize)
	go d.run()
	return d
}

// Partial queues a partial segment. It never blocks.
func (d *Dispatcher) Partial(key session.ChannelKey, seg asr.Segment) {
	_ = d.Enqueue(Delivery{Key: key, Segment: seg})
}

// Final queues a final segment to be translated into targets.
func (d *Dispatcher) Final(key session.ChannelKey, seg asr.Segment, targets []string) {
	if err := d.Enqueue(Delivery{Key: key, Segment: seg, Final: true, Targets: targets}); err != nil {
		slog.Warn("transcript: final segment dropped", "session_id", key.SessionID, "channel_id", key.ChannelID, "err", err)
	}
}

// Enqueue queues del for delivery.
func (d *Dispatcher) Enqueue(del Delivery) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if !del.Final {
		select {
		case d.queue <- del:
		default:
			slog.Debug("transcript: queue full, partial dropped", "session_id", del.Key.SessionID, "channel_id", del.Key.ChannelID)
		}
		return nil
	}
	d.queue <- del
	return nil
}

// Close stops accepting deliveries and waits until the queue is drained.
func (d *Dispatcher) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	<-d.done
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for del := range d.queue {
		d.deliver(del)
	}
}

func (d *Dispatcher) deliver(del Delivery) {
	log := slog.With("session_id", del.Key.SessionID, "channel_id", del.Key.ChannelID)

	if del.Final && d.translator != nil && len(del.Targets) > 0 && del.Segment.Text != "" {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		tr, err := d.translator.Translate(ctx, del.Segment.Text, del.Segment.Lang, del.Targets)
		cancel()
		if err != nil {
			log.Warn("transcript: translation failed", "targets", del.Targets, "err", err)
		} else if len(tr) > 0 {
			del.Segment.Translations = tr
		}
	}

	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Deliver(ctx, del)
		cancel()
		if err != nil {
			log.Warn("transcript: sink failed", "final", del.Final, "err", err)
		}
	}
}
