// Package realtime provides an asr.Backend that speaks the realtime
// transcription WebSocket protocol in one of two dialects (see [Protocol]).
//
// Audio is appended as base64 PCM. Server deltas become partial segments;
// finals either come from the server (OpenAI dialect) or are cut locally by
// a [Segmenter] evaluated on a fixed tick (vLLM dialect). Every connection
// attempt is tagged with a generation number, and messages from superseded
// connections are ignored, so a reconnect can never be corrupted by events
// from the socket it replaced.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/text/language"

	"github.com/MrWong99/streamscribe/pkg/audio"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

const (
	openaiEndpoint = "wss://api.openai.com/v1/realtime?intent=transcription"
	openaiModel    = "gpt-4o-transcribe"

	defaultTick           = 250 * time.Millisecond
	defaultStartupTimeout = 10 * time.Second
	writeTimeout          = 5 * time.Second
	flushTimeout          = 2 * time.Second

	audioQueue  = 256
	outboxSize  = 512
	eventBuffer = 256
)

// errStopped aborts a connection attempt when Stop is called mid-dial.
var errStopped = errors.New("realtime: stopped")

// Option is a functional option for configuring the Backend.
type Option func(*Backend)

// WithAPIKey sets the bearer token sent on the upgrade request.
func WithAPIKey(key string) Option {
	return func(b *Backend) { b.apiKey = key }
}

// WithProtocol selects the wire dialect. Default: ProtocolOpenAI.
func WithProtocol(p Protocol) Option {
	return func(b *Backend) { b.protocol = p }
}

// WithModel sets the transcription model announced in the session update.
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithLanguages sets the candidate BCP47 languages of the channel. The first
// one is sent as the recognition hint.
func WithLanguages(tags ...string) Option {
	return func(b *Backend) { b.languages = tags }
}

// WithThresholds overrides segmentation thresholds. Zero fields keep the
// defaults.
func WithThresholds(th Thresholds) Option {
	return func(b *Backend) { b.thresholds = th }
}

// WithDetection sets the minimum character count before language detection
// runs and the growth that triggers a re-check.
func WithDetection(minChars, recheck int) Option {
	return func(b *Backend) {
		b.minDetect = minChars
		b.redetect = recheck
	}
}

// WithTickInterval sets the segmentation tick. Default: 250ms.
func WithTickInterval(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.tick = d
		}
	}
}

// WithReconnectPolicy sets the reconnection backoff.
func WithReconnectPolicy(p asr.ReconnectPolicy) Option {
	return func(b *Backend) { b.policy = p }
}

// WithStartupTimeout bounds each dial plus session handshake. Default: 10s.
func WithStartupTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.startupTimeout = d
		}
	}
}

// WithHTTPClient sets the client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// Backend implements asr.Backend over the realtime protocol.
type Backend struct {
	endpoint       string
	apiKey         string
	protocol       Protocol
	dialect        dialect
	model          string
	languages      []string
	thresholds     Thresholds
	minDetect      int
	redetect       int
	tick           time.Duration
	policy         asr.ReconnectPolicy
	startupTimeout time.Duration
	httpClient     *http.Client

	events chan asr.Event
	audio  chan []byte
	msgs   chan connMessage
	stopCh chan struct{}
	exited chan struct{}

	gen     atomic.Uint64
	dropped atomic.Int64

	// lifeMu orders Start against Stop.
	lifeMu  sync.Mutex
	started bool
	stopped bool

	// Owned by the run goroutine.
	conn     *connection
	seg      *Segmenter
	det      *Detector
	partial  string
	sent     int64
	segStart float64
}

var _ asr.Backend = (*Backend)(nil)

// New creates a Backend for endpoint. An empty endpoint selects the public
// OpenAI endpoint for ProtocolOpenAI and is an error for ProtocolVLLM.
// http(s) URLs are rewritten to ws(s).
func New(endpoint string, opts ...Option) (*Backend, error) {
	b := &Backend{
		tick:           defaultTick,
		startupTimeout: defaultStartupTimeout,
		events:         make(chan asr.Event, eventBuffer),
		audio:          make(chan []byte, audioQueue),
		msgs:           make(chan connMessage, 64),
		stopCh:         make(chan struct{}),
		exited:         make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	if endpoint == "" {
		if b.protocol != ProtocolOpenAI {
			return nil, fmt.Errorf("realtime: endpoint is required for protocol %s", b.protocol)
		}
		endpoint = openaiEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("realtime: unsupported endpoint scheme %q", u.Scheme)
	}
	b.endpoint = u.String()

	if b.model == "" && b.protocol == ProtocolOpenAI {
		b.model = openaiModel
	}
	b.dialect = newDialect(b.protocol)
	b.seg = NewSegmenter(b.thresholds)
	b.det = NewDetector(b.languages, b.minDetect, b.redetect)
	return b, nil
}

// Start launches the connection in the background. Readiness is reported
// with EventReady; failures with EventError.
func (b *Backend) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.started || b.stopped {
		return fmt.Errorf("realtime: %w", asr.ErrClosed)
	}
	b.started = true
	go b.run(ctx)
	return nil
}

// Send queues pcm (16 kHz mono s16le) for delivery. Audio is dropped while
// the queue is full, which only happens during a reconnect.
func (b *Backend) Send(pcm []byte) error {
	select {
	case <-b.exited:
		return asr.ErrClosed
	case <-b.stopCh:
		return asr.ErrClosed
	default:
	}
	chunk := append([]byte(nil), pcm...)
	select {
	case b.audio <- chunk:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("realtime: audio queue full, dropping audio", "dropped_chunks", n)
		}
	}
	return nil
}

// Stop initiates shutdown and returns without waiting for it. Any remaining
// text is emitted as a final segment, a final commit is sent, and the Events
// channel is closed.
func (b *Backend) Stop() error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	close(b.stopCh)
	if !b.started {
		b.events <- asr.Event{Type: asr.EventClosed}
		close(b.events)
		close(b.exited)
	}
	return nil
}

// Events returns the event stream.
func (b *Backend) Events() <-chan asr.Event { return b.events }

// run is the single goroutine that owns all mutable stream state.
func (b *Backend) run(ctx context.Context) {
	defer close(b.exited)

	c, err := b.connect(ctx, true)
	if err != nil {
		if errors.Is(err, errStopped) {
			b.finish()
			return
		}
		b.fail(err)
		return
	}
	b.conn = c
	b.emit(asr.Event{Type: asr.EventReady})

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case pcm := <-b.audio:
			b.forward(pcm)

		case m := <-b.msgs:
			if !b.current(m) {
				continue
			}
			if m.err != nil {
				if !b.recover(ctx, m.err) {
					return
				}
				continue
			}
			if err := b.handle(m.ev, time.Now()); err != nil {
				b.fail(err)
				return
			}

		case now := <-ticker.C:
			b.onTick(now)

		case <-b.stopCh:
			b.finish()
			return

		case <-ctx.Done():
			b.finish()
			return
		}
	}
}

// connect dials with retries. Stop aborts the attempt with errStopped.
func (b *Backend) connect(ctx context.Context, startup bool) (*connection, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-rctx.Done():
		}
	}()

	var c *connection
	err := b.policy.Retry(rctx, "realtime", func(ctx context.Context, _ int) error {
		var err error
		c, err = b.dial(ctx)
		return err
	})
	if err != nil {
		select {
		case <-b.stopCh:
			return nil, errStopped
		default:
		}
		if startup {
			return nil, startupError(err)
		}
		return nil, err
	}
	return c, nil
}

// dial opens one connection and waits for the session handshake.
func (b *Backend) dial(ctx context.Context) (*connection, error) {
	ctx, cancel := context.WithTimeout(ctx, b.startupTimeout)
	defer cancel()

	gen := b.gen.Add(1)

	header := http.Header{}
	if b.apiKey != "" {
		header.Set("Authorization", "Bearer "+b.apiKey)
	}
	if b.protocol == ProtocolOpenAI {
		header.Set("OpenAI-Beta", "realtime=v1")
	}
	ws, resp, err := websocket.Dial(ctx, b.endpoint, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: b.httpClient,
	})
	if err != nil {
		return nil, asr.DialError(resp, err)
	}
	ws.SetReadLimit(1 << 20)

	c := newConnection(gen, ws)
	c.wg.Add(2)
	go b.readLoop(c)
	go c.writeLoop(func(err error) { b.deliver(c, connMessage{gen: gen, err: err}) })

	update, err := b.dialect.sessionUpdate(sessionParams{model: b.model, language: baseLanguage(b.languages)})
	if err != nil {
		c.abort()
		return nil, asr.NewError(err)
	}
	c.enqueue(update)

	for {
		select {
		case m := <-b.msgs:
			if m.gen != gen {
				continue
			}
			if m.err != nil {
				c.abort()
				return nil, asr.NewError(m.err)
			}
			switch m.ev.kind {
			case evSessionCreated:
				return c, nil
			case evError:
				c.abort()
				return nil, classify(m.ev.err)
			}
		case <-ctx.Done():
			c.abort()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &asr.Error{Code: asr.CodeStartupTimeout, Err: ctx.Err()}
			}
			return nil, ctx.Err()
		}
	}
}

// recover replaces a failed connection. It reports false when the backend
// has terminated.
func (b *Backend) recover(ctx context.Context, cause error) bool {
	old := b.conn
	b.conn = nil
	old.abort()

	if asr.IsCritical(cause) {
		b.fail(cause)
		return false
	}
	slog.Info("realtime: connection lost, reconnecting", "generation", old.gen, "err", cause)

	c, err := b.connect(ctx, false)
	if err != nil {
		if errors.Is(err, errStopped) {
			b.finish()
			return false
		}
		b.fail(err)
		return false
	}
	b.conn = c
	return true
}

func (b *Backend) forward(pcm []byte) {
	b.sent += int64(len(pcm))
	if b.conn == nil {
		return
	}
	data := pcm
	if rate := b.dialect.sampleRate(); rate != asr.SampleRate {
		data = audio.ResampleMono16(pcm, asr.SampleRate, rate)
	}
	msg, err := encodeAppend(data)
	if err != nil {
		return
	}
	if !b.conn.enqueue(msg) {
		slog.Debug("realtime: outbox full, dropping audio append")
	}
}

// handle applies one server event.
func (b *Backend) handle(ev serverEvent, now time.Time) error {
	switch ev.kind {
	case evPartial:
		if b.dialect.segmented() {
			wasEmpty := b.seg.Empty()
			if !b.seg.AddDelta(ev.text, now) {
				return nil
			}
			if wasEmpty {
				b.segStart = b.offset()
			}
			b.emitSegment(asr.EventPartial, strings.TrimSpace(b.seg.Text()))
			return nil
		}
		if ev.text == "" {
			return nil
		}
		if b.partial == "" {
			b.segStart = b.offset()
		}
		b.partial += ev.text
		b.emitSegment(asr.EventPartial, strings.TrimSpace(b.partial))

	case evFinal:
		text := strings.TrimSpace(ev.text)
		if text == "" {
			text = strings.TrimSpace(b.partial)
		}
		b.partial = ""
		if text != "" {
			b.emitSegment(asr.EventFinal, text)
		}

	case evError:
		if benign(ev.err) {
			slog.Debug("realtime: ignoring server notice", "err", ev.err)
			return nil
		}
		return classify(ev.err)
	}
	return nil
}

// onTick runs the segmentation rules.
func (b *Backend) onTick(now time.Time) {
	if !b.dialect.segmented() {
		return
	}
	d := b.seg.Tick(now)
	if d.Commit && b.conn != nil {
		if msg, err := b.dialect.commit(false); err == nil {
			b.conn.enqueue(msg)
		}
	}
	if d.Final == "" {
		return
	}
	slog.Debug("realtime: segment cut", "rule", d.Rule.String(), "words", countWords(d.Final))
	b.emitSegment(asr.EventFinal, d.Final)
	if d.Remainder {
		b.emitSegment(asr.EventPartial, b.seg.Text())
	}
}

// finish flushes remaining text and closes the stream gracefully.
func (b *Backend) finish() {
	var rest string
	if b.dialect.segmented() {
		rest = b.seg.Flush()
	} else {
		rest = strings.TrimSpace(b.partial)
		b.partial = ""
	}
	if rest != "" {
		b.emitSegment(asr.EventFinal, rest)
	}
	b.emit(asr.Event{Type: asr.EventClosed})
	close(b.events)

	if b.conn != nil {
		var final []byte
		if msg, err := b.dialect.commit(true); err == nil {
			final = msg
		}
		b.conn.shutdown(final)
		b.conn = nil
	}
}

// fail flushes remaining text, reports err and terminates the stream.
func (b *Backend) fail(err error) {
	if b.conn != nil {
		b.conn.abort()
		b.conn = nil
	}
	var rest string
	if b.dialect.segmented() {
		rest = b.seg.Flush()
	} else {
		rest = strings.TrimSpace(b.partial)
	}
	if rest != "" {
		b.emitSegment(asr.EventFinal, rest)
	}
	ae := asr.NewError(err)
	slog.Error("realtime: backend failed", "code", ae.Code, "err", ae.Err)
	b.emit(asr.Event{Type: asr.EventError, Err: ae})
	b.emit(asr.Event{Type: asr.EventClosed})
	close(b.events)
}

func (b *Backend) emitSegment(typ asr.EventType, text string) {
	end := b.offset()
	seg := asr.Segment{
		Text:  text,
		Start: b.segStart,
		End:   end,
		Lang:  b.det.Detect(text, typ == asr.EventFinal),
	}
	if typ == asr.EventFinal {
		b.segStart = end
	}
	b.emit(asr.Event{Type: typ, Segment: seg})
}

func (b *Backend) emit(ev asr.Event) {
	b.events <- ev
}

// current reports whether m comes from the live connection. Messages from
// superseded generations are dropped.
func (b *Backend) current(m connMessage) bool {
	return b.conn != nil && m.gen == b.conn.gen
}

// offset is the stream position in seconds of audio forwarded so far.
func (b *Backend) offset() float64 {
	return asr.BytesToSeconds(b.sent)
}

// deliver hands a message from a connection goroutine to run. It gives up
// once the connection has been abandoned.
func (b *Backend) deliver(c *connection, m connMessage) {
	select {
	case b.msgs <- m:
	case <-c.done:
	case <-b.exited:
	}
}

func (b *Backend) readLoop(c *connection) {
	defer c.wg.Done()
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			b.deliver(c, connMessage{gen: c.gen, err: err})
			return
		}
		ev, err := b.dialect.parse(data)
		if err != nil {
			slog.Debug("realtime: unparseable server message", "err", err)
			continue
		}
		if ev.kind == evIgnore {
			continue
		}
		b.deliver(c, connMessage{gen: c.gen, ev: ev})
	}
}

// connMessage is a server event or transport failure tagged with the
// generation of the connection that produced it.
type connMessage struct {
	gen uint64
	ev  serverEvent
	err error
}

// connection is one WebSocket attempt.
type connection struct {
	gen uint64
	ws  *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	out        chan []byte
	flush      chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

func newConnection(gen uint64, ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		gen:        gen,
		ws:         ws,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan []byte, outboxSize),
		flush:      make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// enqueue queues msg without blocking and reports whether it was accepted.
func (c *connection) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *connection) writeLoop(report func(error)) {
	defer c.wg.Done()
	defer close(c.writerDone)
	for {
		select {
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				report(err)
				return
			}
		case <-c.flush:
			for {
				select {
				case msg := <-c.out:
					if c.write(msg) != nil {
						return
					}
				default:
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connection) write(msg []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, msg)
}

// shutdown writes the queued messages plus final, then closes the socket
// with a normal closure.
func (c *connection) shutdown(final []byte) {
	if final != nil {
		c.enqueue(final)
	}
	c.once.Do(func() {
		close(c.flush)
		select {
		case <-c.writerDone:
		case <-time.After(flushTimeout):
		}
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "stream stopped")
		c.cancel()
	})
	c.wg.Wait()
}

// abort drops the connection immediately.
func (c *connection) abort() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.ws.CloseNow()
	})
}

// startupError maps failures of the first connection into the startup part
// of the taxonomy, keeping codes that already say more.
func startupError(err error) error {
	ae := asr.NewError(err)
	switch ae.Code {
	case asr.CodeConnectionFailure, asr.CodeRuntimeError, asr.CodeServiceError:
		return &asr.Error{Code: asr.CodeStartupError, Critical: ae.Critical, Err: ae.Err}
	}
	return ae
}

// classify maps a server error event into the taxonomy.
func classify(err error) *asr.Error {
	var se *serverError
	if !errors.As(err, &se) {
		return asr.NewError(err)
	}
	code := asr.CodeServiceError
	switch {
	case se.Type == "authentication_error", strings.Contains(se.Code, "api_key"):
		code = asr.CodeAuthenticationFailure
	case se.Type == "rate_limit_error", se.Code == "rate_limit_exceeded":
		code = asr.CodeTooManyRequests
	case se.Type == "permission_error":
		code = asr.CodeForbidden
	case se.Type == "invalid_request_error":
		code = asr.CodeBadRequestParameters
	}
	return &asr.Error{Code: code, Err: err}
}

// benign reports server errors that do not affect the stream, such as a
// commit on an empty buffer.
func benign(err error) bool {
	var se *serverError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == "input_audio_buffer_commit_empty"
}

// baseLanguage returns the ISO 639-1 base of the first candidate language.
func baseLanguage(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	t, err := language.Parse(tags[0])
	if err != nil {
		return ""
	}
	base, _ := t.Base()
	return base.String()
}
