// Package app wires the streamscribe subsystems into a running service.
//
// The App owns the full lifecycle: New builds the registry source, the
// segment store, the delivery dispatcher, the per-channel stream table and
// the enabled listeners from the configuration; Run serves until the context
// ends; Shutdown disposes live streams, drains delivery and releases
// connections in order.
//
// Tests inject doubles through functional options (WithRegistrySource,
// WithBackendFactory, WithSpawner, ...). When an option is not given, New
// builds the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/streamscribe/internal/config"
	"github.com/MrWong99/streamscribe/internal/demux"
	"github.com/MrWong99/streamscribe/internal/health"
	"github.com/MrWong99/streamscribe/internal/listener"
	"github.com/MrWong99/streamscribe/internal/observe"
	"github.com/MrWong99/streamscribe/internal/orchestrator"
	"github.com/MrWong99/streamscribe/internal/registry"
	"github.com/MrWong99/streamscribe/internal/resilience"
	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/internal/transcript"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

// Source produces registry snapshots until ctx ends.
type Source interface {
	Run(ctx context.Context, publish registry.Publish) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	metrics        *observe.Metrics
	metricsHandler http.Handler

	source     Source
	sourceName string
	httpSource *registry.HTTPSource

	store      *transcript.PostgresStore
	translator transcript.TextTranslator
	extraSinks []transcript.Sink
	dispatcher *transcript.Dispatcher

	factory  orchestrator.BackendFactory
	breakers *resilience.BreakerSet
	streams  *Streams

	spawner   demux.Spawner
	listeners []listener.Listener

	gate     *health.Gate
	checkers []health.Checker

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance and the handler serving /metrics.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

// WithRegistrySource injects a registry source instead of building one from
// config.
func WithRegistrySource(src Source, name string) Option {
	return func(a *App) {
		a.source = src
		a.sourceName = name
	}
}

// WithBackendFactory overrides how channel backends are built. The factory
// result is still guarded by a per-endpoint circuit breaker.
func WithBackendFactory(f orchestrator.BackendFactory) Option {
	return func(a *App) { a.factory = f }
}

// WithSpawner injects the demux worker spawner.
func WithSpawner(s demux.Spawner) Option {
	return func(a *App) { a.spawner = s }
}

// WithSinks adds delivery sinks after the built-in ones.
func WithSinks(sinks ...transcript.Sink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, sinks...) }
}

// WithTranslator injects the translation stage instead of building one from
// config.
func WithTranslator(t transcript.TextTranslator) Option {
	return func(a *App) { a.translator = t }
}

// New creates an App. cfg must already carry defaults and be validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.gate = health.NewGate("no registry snapshot applied yet")
	a.checkers = append(a.checkers, a.gate.Checker("registry"))

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initRegistry(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init registry: %w", err)
	}
	if err := a.initDelivery(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init delivery: %w", err)
	}
	a.initStreams()
	a.initListeners()
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return nil
	}
	pool, err := a.openPool(ctx, "store", dsn)
	if err != nil {
		return err
	}
	store := transcript.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.store = store
	slog.Info("segment store ready")
	return nil
}

func (a *App) initRegistry(ctx context.Context) error {
	if a.source != nil {
		return nil
	}
	rc := a.cfg.Registry
	a.sourceName = string(rc.Source)
	switch rc.Source {
	case config.RegistryFile:
		a.source = registry.NewFileSource(rc.File, rc.PollInterval)
	case config.RegistryHTTP:
		a.httpSource = registry.NewHTTPSource()
		a.source = a.httpSource
	case config.RegistryPostgres:
		pool, err := a.openPool(ctx, "registry", rc.PostgresDSN)
		if err != nil {
			return err
		}
		if err := registry.MigrateRegistry(ctx, pool, rc.NotifyChannel); err != nil {
			return err
		}
		a.source = registry.NewPostgresSource(pool, rc.PollInterval, rc.NotifyChannel)
	default:
		return fmt.Errorf("unknown registry source %q", rc.Source)
	}
	slog.Info("registry source ready", "source", a.sourceName)
	return nil
}

// openPool connects to dsn and registers a readiness check for it.
func (a *App) openPool(ctx context.Context, name, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: create pool: %w", name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", name, err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Ping(name, pool))
	return pool, nil
}

func (a *App) initDelivery() error {
	tc := a.cfg.Translation
	if a.translator == nil && tc.APIKey != "" {
		tr, err := transcript.NewTranslator(tc.APIKey, tc.Model,
			transcript.WithTranslatorBaseURL(tc.BaseURL),
			transcript.WithTranslatorTimeout(tc.Timeout),
		)
		if err != nil {
			return err
		}
		a.translator = tr
		slog.Info("translation enabled", "model", tc.Model)
	}

	sinks := []transcript.Sink{transcript.NewLogSink(nil)}
	if a.store != nil {
		sinks = append(sinks, a.store)
	}
	sinks = append(sinks, a.extraSinks...)

	var opts []transcript.DispatcherOption
	if a.translator != nil {
		opts = append(opts, transcript.WithTranslator(a.translator))
	}
	a.dispatcher = transcript.NewDispatcher(sinks, opts...)
	return nil
}

func (a *App) initStreams() {
	if a.factory == nil {
		a.factory = orchestrator.NewBackend
	}
	a.breakers = resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 30 * time.Second,
	})

	tc := a.cfg.Transcription
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	var status StatusStore
	if a.store != nil {
		status = a.store
	}
	a.streams = NewStreams(a.dispatcher, status, a.metrics, tc.DrainTimeout+time.Minute,
		orchestrator.WithBackendFactory(a.guardedFactory),
		orchestrator.WithMinAudio(ms(tc.MinAudioMs)),
		orchestrator.WithBufferCapacity(ms(tc.BufferCapacityMs)),
		orchestrator.WithAudioDir(tc.AudioDir),
		orchestrator.WithDrainTimeout(tc.DrainTimeout),
		orchestrator.WithMetrics(a.metrics),
	)
}

// guardedFactory builds a channel backend and puts it behind the circuit
// breaker of its remote endpoint. No-op backends are not guarded.
func (a *App) guardedFactory(ch session.Channel) (asr.Backend, error) {
	b, err := a.factory(ch)
	if err != nil {
		return nil, err
	}
	name, ok := breakerName(ch)
	if !ok {
		return b, nil
	}
	return resilience.Guard(b, a.breakers.Get(name)), nil
}

func breakerName(ch session.Channel) (string, bool) {
	if !ch.EnableLiveTranscripts {
		return "", false
	}
	p := ch.TranscriberProfile
	kind, err := asr.ParseKind(p.Type)
	if err != nil || kind == asr.KindNoop {
		return "", false
	}
	if p.Endpoint == "" {
		return kind.String(), true
	}
	return kind.String() + " " + p.Endpoint, true
}

func (a *App) initListeners() {
	if a.spawner == nil {
		wc := a.cfg.Worker
		a.spawner = demux.NewProcessSpawner(demux.Config{
			Command:        wc.Command,
			Args:           wc.Args,
			Env:            []string{"STREAMDEMUX_FFMPEG=" + wc.FFmpegPath},
			StartupTimeout: wc.StartupTimeout,
		}, a.metrics)
	}
	// One index across transports keeps a channel to a single connection.
	opts := []listener.Option{
		listener.WithSpawner(a.spawner),
		listener.WithMetrics(a.metrics),
		listener.WithIndex(listener.NewIndex()),
	}

	lc := a.cfg.Listeners
	if lc.SRT.Enabled {
		a.listeners = append(a.listeners, listener.NewSRT(listener.SRTConfig{
			Addr:       lc.SRT.Addr,
			Encoding:   lc.SRT.Encoding,
			Passphrase: lc.SRT.Passphrase,
			Latency:    time.Duration(lc.SRT.LatencyMs) * time.Millisecond,
		}, a.streams, opts...))
	}
	if lc.RTMP.Enabled {
		a.listeners = append(a.listeners, listener.NewRTMP(listener.RTMPConfig{Addr: lc.RTMP.Addr}, a.streams, opts...))
	}
	if lc.WebSocket.Enabled {
		a.listeners = append(a.listeners, listener.NewWebSocket(listener.WebSocketConfig{
			Addr:       lc.WebSocket.Addr,
			PathPrefix: lc.WebSocket.PathPrefix,
		}, a.streams, opts...))
	}
	for _, l := range a.listeners {
		slog.Info("listener configured", "transport", l.Transport())
	}
}

// Listeners returns the configured listeners.
func (a *App) Listeners() []listener.Listener { return a.listeners }

// Streams returns the stream table shared by all listeners.
func (a *App) Streams() *Streams { return a.streams }

// Breakers returns the backend circuit breakers.
func (a *App) Breakers() *resilience.BreakerSet { return a.breakers }

// Run serves all listeners, the registry source and the admin HTTP server
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range a.listeners {
		g.Go(func() error {
			if err := l.Serve(gctx); err != nil {
				return fmt.Errorf("%s listener: %w", l.Transport(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := a.source.Run(gctx, a.publish); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
		return nil
	})
	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serveAdmin(gctx) })
	}
	return g.Wait()
}

// publish applies a registry snapshot to every listener. Listeners tear down
// streams of removed sessions concurrently.
func (a *App) publish(sessions []session.Session) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for _, l := range a.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.SetSessions(sessions)
		}()
	}
	wg.Wait()

	a.metrics.RecordRegistryUpdate(ctx, a.sourceName, len(sessions))
	a.gate.Open()
	slog.Info("registry snapshot applied", "source", a.sourceName, "sessions", len(sessions))
}

// Handler returns the admin HTTP handler: health probes, /metrics, the
// registry push endpoint when the HTTP source is used, and the segment read
// endpoint when the store is enabled.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	if a.httpSource != nil {
		a.httpSource.Register(mux)
	}
	if a.store != nil {
		a.store.Register(mux)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) serveAdmin(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("admin server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown disposes live streams, drains delivery and closes connections.
// It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.streams.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispose streams: %w", err))
		}
		if err := a.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
		if err := a.closeAll(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
