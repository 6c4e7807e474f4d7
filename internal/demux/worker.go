package demux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/streamscribe/internal/observe"
)

const (
	defaultStartupTimeout = 10 * time.Second
	terminateGrace        = 2 * time.Second
	frameQueue            = 64
	inputQueue            = 64
)

var (
	// ErrWorkerExited is returned by Write once the worker has stopped.
	ErrWorkerExited = errors.New("demux: worker exited")

	// ErrStartupTimeout is returned by Spawn when the worker never reported
	// ready.
	ErrStartupTimeout = errors.New("demux: worker did not become ready")
)

// Worker is a running demuxer attached to one connection.
type Worker interface {
	// ID identifies the worker in logs.
	ID() string

	// Write queues a chunk of transport payload. It blocks while the worker
	// is saturated and fails with ErrWorkerExited once it stopped.
	Write(buf []byte) error

	// Frames delivers decoded PCM. It is closed when the worker stops.
	Frames() <-chan []byte

	// Done is closed once the worker stopped and Frames is drained of new
	// input.
	Done() <-chan struct{}

	// Err returns why the worker stopped. It is nil after a requested
	// Terminate or a clean exit and only valid after Done is closed.
	Err() error

	// Terminate asks the worker to stop and kills it if it does not exit
	// within a grace period. It is idempotent.
	Terminate() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, encoding string, sampleRate int) (Worker, error)
}

// Config describes the worker executable.
type Config struct {
	// Command is the worker binary. Default: "streamdemux".
	Command string

	// Args are passed to Command.
	Args []string

	// Env is appended to the worker environment.
	Env []string

	// StartupTimeout bounds the wait for the ready message. Default: 10s.
	StartupTimeout time.Duration
}

// ProcessSpawner starts each worker as a child process.
type ProcessSpawner struct {
	cfg     Config
	metrics *observe.Metrics
}

var _ Spawner = (*ProcessSpawner)(nil)

// NewProcessSpawner returns a Spawner for cfg. A nil metrics uses
// [observe.DefaultMetrics].
func NewProcessSpawner(cfg Config, metrics *observe.Metrics) *ProcessSpawner {
	if cfg.Command == "" {
		cfg.Command = "streamdemux"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &ProcessSpawner{cfg: cfg, metrics: metrics}
}

// Spawn starts a worker for encoding and waits until it reports ready.
func (s *ProcessSpawner) Spawn(ctx context.Context, encoding string, sampleRate int) (Worker, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(cmd.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("demux: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("demux: stdout pipe: %w", err)
	}
	id := uuid.NewString()
	cmd.Stderr = &logWriter{log: slog.With("worker_id", id)}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("demux: start %s: %w", s.cfg.Command, err)
	}

	h := newHandle(id, stdin, stdout, cmd.Wait, cmd.Process.Kill)
	h.metrics = s.metrics
	s.metrics.ActiveWorkers.Add(ctx, 1)
	h.onExit = func() { s.metrics.ActiveWorkers.Add(context.Background(), -1) }
	h.run()

	if err := h.init(ctx, encoding, sampleRate, s.cfg.StartupTimeout); err != nil {
		_ = h.Terminate()
		<-h.Done()
		return nil, err
	}
	return h, nil
}

// Handle is the listener side of one worker. It is created by a Spawner and
// implements [Worker].
type Handle struct {
	id      string
	enc     *Encoder
	dec     *Decoder
	stdin   io.Closer
	wait    func() error
	kill    func() error
	metrics *observe.Metrics
	onExit  func()

	in     chan []byte
	frames chan []byte
	ready  chan struct{}
	quit   chan struct{}
	done   chan struct{}

	readyOnce sync.Once
	termOnce  sync.Once

	mu         sync.Mutex
	err        error
	terminated bool
}

var _ Worker = (*Handle)(nil)

func newHandle(id string, stdin io.WriteCloser, stdout io.Reader, wait, kill func() error) *Handle {
	return &Handle{
		id:     id,
		enc:    NewEncoder(stdin),
		dec:    NewDecoder(bufio.NewReader(stdout)),
		stdin:  stdin,
		wait:   wait,
		kill:   kill,
		in:     make(chan []byte, inputQueue),
		frames: make(chan []byte, frameQueue),
		ready:  make(chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// run starts the reader and writer goroutines.
func (h *Handle) run() {
	go h.writeLoop()
	go h.readLoop()
}

// init sends the init message and waits for ready.
func (h *Handle) init(ctx context.Context, encoding string, sampleRate int, timeout time.Duration) error {
	if err := h.enc.Encode(Message{Type: TypeInit, Encoding: encoding, SampleRate: sampleRate}); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.ready:
		return nil
	case <-h.done:
		if err := h.Err(); err != nil {
			return err
		}
		return ErrWorkerExited
	case <-timer.C:
		return ErrStartupTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the worker id.
func (h *Handle) ID() string { return h.id }

// Write queues buf for the worker.
func (h *Handle) Write(buf []byte) error {
	chunk := append([]byte(nil), buf...)
	select {
	case <-h.quit:
		return ErrWorkerExited
	case <-h.done:
		return ErrWorkerExited
	default:
	}
	select {
	case h.in <- chunk:
		return nil
	case <-h.quit:
		return ErrWorkerExited
	case <-h.done:
		return ErrWorkerExited
	}
}

// Frames returns decoded PCM chunks.
func (h *Handle) Frames() <-chan []byte { return h.frames }

// Done is closed when the worker process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns why the worker stopped.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Terminate stops the worker.
func (h *Handle) Terminate() error {
	h.termOnce.Do(func() {
		h.mu.Lock()
		h.terminated = true
		h.mu.Unlock()
		close(h.quit)

		go func() {
			timer := time.NewTimer(terminateGrace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				slog.Warn("demux: worker ignored terminate, killing", "worker_id", h.id)
				if h.kill != nil {
					_ = h.kill()
				}
			}
		}()
	})
	return nil
}

// writeLoop is the only writer of buffer and terminate messages.
func (h *Handle) writeLoop() {
	defer h.stdin.Close()
	for {
		select {
		case buf := <-h.in:
			if err := h.enc.Encode(Message{Type: TypeBuffer, Data: buf}); err != nil {
				h.setErr(err)
				return
			}
		case <-h.quit:
			_ = h.enc.Encode(Message{Type: TypeTerminate})
			return
		case <-h.done:
			return
		}
	}
}

// readLoop consumes worker output until EOF, then reaps the process. Output
// that cannot be decoded kills the process first.
func (h *Handle) readLoop() {
	defer func() {
		if h.onExit != nil {
			h.onExit()
		}
		close(h.frames)
		close(h.done)
	}()

	var exitCode *int
	for {
		m, err := h.dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// Nothing drains stdout past this point; the process must go.
				slog.Warn("demux: unreadable worker output, killing", "worker_id", h.id, "err", err)
				h.setErr(err)
				if h.kill != nil {
					_ = h.kill()
				}
			}
			break
		}
		switch m.Type {
		case TypeReady:
			h.readyOnce.Do(func() { close(h.ready) })
		case TypeData:
			if len(m.Data) == 0 {
				continue
			}
			select {
			case h.frames <- m.Data:
			case <-h.quit:
			}
		case TypeError:
			slog.Warn("demux: worker reported error", "worker_id", h.id, "message", m.Message)
			h.setErr(fmt.Errorf("demux: worker error: %s", m.Message))
		case TypeExit:
			exitCode = m.Code
		default:
			slog.Debug("demux: ignoring worker message", "worker_id", h.id, "type", m.Type)
		}
	}

	var waitErr error
	if h.wait != nil {
		waitErr = h.wait()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.terminated:
		h.err = nil
	case exitCode != nil && *exitCode != 0 && h.err == nil:
		h.err = fmt.Errorf("%w: exit code %d", ErrWorkerExited, *exitCode)
	case waitErr != nil && h.err == nil:
		h.err = fmt.Errorf("%w: %w", ErrWorkerExited, waitErr)
	}
	if h.err != nil && h.metrics != nil {
		h.metrics.WorkerFailures.Add(context.Background(), 1)
	}
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// logWriter forwards worker stderr lines to slog at debug level.
type logWriter struct {
	log *slog.Logger
	mu  sync.Mutex
	buf []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := string(w.buf[:i]); line != "" {
			w.log.Debug("demux: worker stderr", "line", line)
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 4096 {
		w.log.Debug("demux: worker stderr", "line", string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
