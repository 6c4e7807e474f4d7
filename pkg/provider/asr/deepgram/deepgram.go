// Package deepgram provides an asr.Backend over the Deepgram streaming
// WebSocket API.
//
// Every connection uses a short-lived access token obtained from the grant
// endpoint with the long-lived API key. When Deepgram closes an idle stream
// (error NET-0001) the backend fetches a fresh token and reconnects without
// surfacing an error; the last unfinished partial is emitted as a final
// first so no text is lost across the gap.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/text/language"

	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

const (
	defaultBaseURL        = "https://api.deepgram.com"
	defaultModel          = "nova-3"
	defaultKeepAlive      = 5 * time.Second
	defaultStartupTimeout = 10 * time.Second
	tokenTTLSeconds       = 60
	writeTimeout          = 5 * time.Second
	closeTimeout          = 3 * time.Second

	audioQueue  = 256
	eventBuffer = 256
)

var (
	errStopped = errors.New("deepgram: stopped")

	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// Option is a functional option for configuring the Backend.
type Option func(*Backend)

// WithModel sets the Deepgram model (e.g. "nova-3"). Default: nova-3.
func WithModel(model string) Option {
	return func(b *Backend) {
		if model != "" {
			b.model = model
		}
	}
}

// WithLanguages sets the candidate BCP47 languages. One language is sent as
// is; several select Deepgram's multilingual mode.
func WithLanguages(tags ...string) Option {
	return func(b *Backend) { b.languages = tags }
}

// WithDiarization requests speaker labels, reported as Segment.Locutor.
func WithDiarization(on bool) Option {
	return func(b *Backend) { b.diarize = on }
}

// WithBaseURL overrides the API base (grant and listen endpoints are derived
// from it). Default: https://api.deepgram.com.
func WithBaseURL(u string) Option {
	return func(b *Backend) {
		if u != "" {
			b.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithKeepAlive sets how long the stream may go without audio before a
// KeepAlive message is sent. Default: 5s.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.keepAlive = d
		}
	}
}

// WithReconnectPolicy sets the reconnection backoff.
func WithReconnectPolicy(p asr.ReconnectPolicy) Option {
	return func(b *Backend) { b.policy = p }
}

// WithStartupTimeout bounds each token grant plus dial. Default: 10s.
func WithStartupTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.startupTimeout = d
		}
	}
}

// WithHTTPClient sets the client used for token grants and the WebSocket
// upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// Backend implements asr.Backend backed by Deepgram.
type Backend struct {
	apiKey         string
	baseURL        string
	model          string
	languages      []string
	diarize        bool
	keepAlive      time.Duration
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
	conn      *connection
	sent      int64
	base      float64
	last      *asr.Segment
	lastWrite time.Time
}

var _ asr.Backend = (*Backend)(nil)

// New creates a Backend. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	b := &Backend{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		model:          defaultModel,
		keepAlive:      defaultKeepAlive,
		startupTimeout: defaultStartupTimeout,
		httpClient:     http.DefaultClient,
		events:         make(chan asr.Event, eventBuffer),
		audio:          make(chan []byte, audioQueue),
		msgs:           make(chan connMessage, 64),
		stopCh:         make(chan struct{}),
		exited:         make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if _, err := b.listenURL(); err != nil {
		return nil, err
	}
	return b, nil
}

// Start launches the stream in the background.
func (b *Backend) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.started || b.stopped {
		return fmt.Errorf("deepgram: %w", asr.ErrClosed)
	}
	b.started = true
	go b.run(ctx)
	return nil
}

// Send pushes pcm onto the audio queue. Audio is dropped while the queue is
// full.
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
			slog.Warn("deepgram: audio queue full, dropping audio", "dropped_chunks", n)
		}
	}
	return nil
}

// Stop closes the stream. The last partial result, if any, is emitted as a
// final segment before EventClosed.
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

func (b *Backend) run(ctx context.Context) {
	defer close(b.exited)

	c, err := b.connect(ctx)
	if err != nil {
		if errors.Is(err, errStopped) {
			b.finish()
			return
		}
		b.fail(startupError(err))
		return
	}
	b.conn = c
	b.lastWrite = time.Now()
	b.emit(asr.Event{Type: asr.EventReady})

	ticker := time.NewTicker(b.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case pcm := <-b.audio:
			b.sent += int64(len(pcm))
			if err := b.write(websocket.MessageBinary, pcm); err != nil {
				slog.Debug("deepgram: audio write failed", "err", err)
			}

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
			if err := b.handle(m.res); err != nil {
				b.fail(err)
				return
			}

		case now := <-ticker.C:
			if now.Sub(b.lastWrite) >= b.keepAlive {
				_ = b.write(websocket.MessageText, keepAliveMsg)
			}

		case <-b.stopCh:
			b.finish()
			return

		case <-ctx.Done():
			b.finish()
			return
		}
	}
}

// connect fetches a token and dials, retrying per policy. Stop aborts the
// attempt with errStopped.
func (b *Backend) connect(ctx context.Context) (*connection, error) {
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
	err := b.policy.Retry(rctx, "deepgram", func(ctx context.Context, _ int) error {
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
		return nil, err
	}
	return c, nil
}

func (b *Backend) dial(ctx context.Context) (*connection, error) {
	ctx, cancel := context.WithTimeout(ctx, b.startupTimeout)
	defer cancel()

	token, err := b.grant(ctx)
	if err != nil {
		return nil, err
	}
	endpoint, err := b.listenURL()
	if err != nil {
		return nil, asr.Errorf(asr.CodeBadRequestParameters, "deepgram: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: b.httpClient,
	})
	if err != nil {
		return nil, asr.DialError(resp, err)
	}
	ws.SetReadLimit(1 << 20)

	c := newConnection(b.gen.Add(1), ws)
	c.wg.Add(1)
	go b.readLoop(c)
	return c, nil
}

// grantResponse is the body returned by the token grant endpoint.
type grantResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   float64 `json:"expires_in"`
}

// grant exchanges the API key for a short-lived access token.
func (b *Backend) grant(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]int{"ttl_seconds": tokenTTLSeconds})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/auth/grant", bytes.NewReader(body))
	if err != nil {
		return "", asr.NewError(err)
	}
	req.Header.Set("Authorization", "Token "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		ae := asr.NewError(err)
		if ae.Code == asr.CodeRuntimeError {
			ae.Code = asr.CodeConnectionFailure
		}
		return "", ae
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", asr.Errorf(asr.CodeFromHTTPStatus(resp.StatusCode), "deepgram: token grant: status %d", resp.StatusCode)
	}
	var g grantResponse
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return "", asr.Errorf(asr.CodeServiceError, "deepgram: decode token grant: %w", err)
	}
	if g.AccessToken == "" {
		return "", asr.Errorf(asr.CodeServiceError, "deepgram: token grant returned no token")
	}
	return g.AccessToken, nil
}

// listenURL builds the streaming endpoint URL.
func (b *Backend) listenURL() (string, error) {
	u, err := url.Parse(b.baseURL + "/v1/listen")
	if err != nil {
		return "", fmt.Errorf("deepgram: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("deepgram: unsupported base URL scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("model", b.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(asr.SampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	switch len(b.languages) {
	case 0:
	case 1:
		q.Set("language", b.languages[0])
	default:
		q.Set("language", "multi")
	}
	if b.diarize {
		q.Set("diarize", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// recover handles a dropped connection. It reports false when the backend has
// terminated.
func (b *Backend) recover(ctx context.Context, cause error) bool {
	old := b.conn
	b.conn = nil
	old.abort()

	// Deepgram restarts its clock on every connection; anything unfinished
	// from the old one is closed out here.
	b.flushLast()

	if asr.IsCritical(cause) {
		b.fail(cause)
		return false
	}
	if isSilenceTimeout(cause) {
		slog.Debug("deepgram: idle timeout, reconnecting", "generation", old.gen)
	} else {
		slog.Info("deepgram: connection lost, reconnecting", "generation", old.gen, "err", cause)
	}

	c, err := b.connect(ctx)
	if err != nil {
		if errors.Is(err, errStopped) {
			b.finish()
			return false
		}
		b.fail(err)
		return false
	}
	b.conn = c
	b.base = asr.BytesToSeconds(b.sent)
	b.lastWrite = time.Now()
	return true
}

// handle emits the events for one result. It returns the in-band errors
// that end the stream.
func (b *Backend) handle(r result) error {
	if r.err != nil {
		ae, fatal := inbandError(r.err)
		if fatal {
			return ae
		}
		slog.Warn("deepgram: server error", "code", ae.Code, "err", r.err)
		return nil
	}
	text := strings.TrimSpace(r.text)
	seg := asr.Segment{
		Text:    text,
		Start:   b.base + r.start,
		End:     b.base + r.start + r.duration,
		Lang:    b.lang(r.languages),
		Locutor: r.speaker,
	}
	if !r.final {
		if text == "" {
			return nil
		}
		b.last = &seg
		b.emit(asr.Event{Type: asr.EventPartial, Segment: seg})
		return nil
	}
	b.last = nil
	if text != "" {
		b.emit(asr.Event{Type: asr.EventFinal, Segment: seg})
	}
	return nil
}

// inbandError classifies an error message sent by Deepgram. NET errors are
// followed by a close frame and left to the reconnect path; the rest end the
// stream.
func inbandError(err error) (*asr.Error, bool) {
	var se *serverError
	if !errors.As(err, &se) {
		return asr.NewError(err), true
	}
	switch {
	case strings.HasPrefix(se.Code, "NET"):
		return &asr.Error{Code: asr.CodeConnectionFailure, Err: err}, false
	case strings.HasPrefix(se.Code, "DATA"):
		return &asr.Error{Code: asr.CodeBadRequestParameters, Err: err}, true
	}
	return &asr.Error{Code: asr.CodeServiceError, Err: err}, true
}

// flushLast emits the stored partial as a final segment.
func (b *Backend) flushLast() {
	if b.last == nil {
		return
	}
	seg := *b.last
	b.last = nil
	b.emit(asr.Event{Type: asr.EventFinal, Segment: seg})
}

// finish asks Deepgram to flush, collects the trailing results, and closes
// the stream.
func (b *Backend) finish() {
	if c := b.conn; c != nil {
		if err := b.write(websocket.MessageText, closeStreamMsg); err == nil {
			timeout := time.NewTimer(closeTimeout)
		wait:
			for {
				select {
				case m := <-b.msgs:
					if m.gen != c.gen {
						continue
					}
					if m.err != nil {
						break wait
					}
					if err := b.handle(m.res); err != nil {
						slog.Warn("deepgram: server error while closing", "err", err)
						break wait
					}
				case <-timeout.C:
					break wait
				}
			}
			timeout.Stop()
		}
		c.close()
		b.conn = nil
	}
	b.flushLast()
	b.emit(asr.Event{Type: asr.EventClosed})
	close(b.events)
}

func (b *Backend) fail(err error) {
	if b.conn != nil {
		b.conn.abort()
		b.conn = nil
	}
	b.flushLast()
	ae := asr.NewError(err)
	slog.Error("deepgram: backend failed", "code", ae.Code, "err", ae.Err)
	b.emit(asr.Event{Type: asr.EventError, Err: ae})
	b.emit(asr.Event{Type: asr.EventClosed})
	close(b.events)
}

func (b *Backend) write(typ websocket.MessageType, data []byte) error {
	if b.conn == nil {
		return asr.ErrClosed
	}
	ctx, cancel := context.WithTimeout(b.conn.ctx, writeTimeout)
	defer cancel()
	if err := b.conn.ws.Write(ctx, typ, data); err != nil {
		return err
	}
	b.lastWrite = time.Now()
	return nil
}

func (b *Backend) emit(ev asr.Event) {
	b.events <- ev
}

func (b *Backend) current(m connMessage) bool {
	return b.conn != nil && m.gen == b.conn.gen
}

// lang picks the configured candidate matching the detected languages, or
// the only candidate when there is one.
func (b *Backend) lang(detected []string) string {
	if len(b.languages) == 1 {
		return b.languages[0]
	}
	for _, d := range detected {
		dt, err := language.Parse(d)
		if err != nil {
			continue
		}
		db, _ := dt.Base()
		for _, cand := range b.languages {
			ct, err := language.Parse(cand)
			if err != nil {
				continue
			}
			if cb, _ := ct.Base(); cb == db {
				return cand
			}
		}
	}
	return ""
}

func (b *Backend) readLoop(c *connection) {
	defer c.wg.Done()
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			b.deliver(c, connMessage{gen: c.gen, err: err})
			return
		}
		r, ok := parseMessage(data, b.diarize)
		if !ok {
			continue
		}
		b.deliver(c, connMessage{gen: c.gen, res: r})
	}
}

func (b *Backend) deliver(c *connection, m connMessage) {
	select {
	case b.msgs <- m:
	case <-c.done:
	case <-b.exited:
	}
}

// startupError maps a failed first connection into the startup codes,
// keeping codes that say more.
func startupError(err error) error {
	ae := asr.NewError(err)
	switch ae.Code {
	case asr.CodeConnectionFailure, asr.CodeRuntimeError, asr.CodeServiceError:
		return &asr.Error{Code: asr.CodeStartupError, Critical: ae.Critical, Err: ae.Err}
	case asr.CodeServiceTimeout:
		return &asr.Error{Code: asr.CodeStartupTimeout, Critical: ae.Critical, Err: ae.Err}
	}
	return ae
}

// isSilenceTimeout reports whether err is Deepgram closing a stream that
// received no audio (NET-0001).
func isSilenceTimeout(err error) bool {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	reason := strings.ToUpper(strings.ReplaceAll(ce.Reason, "-", ""))
	return ce.Code == websocket.StatusInternalError && strings.Contains(reason, "NET0001")
}

type connMessage struct {
	gen uint64
	res result
	err error
}

type connection struct {
	gen    uint64
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newConnection(gen uint64, ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{gen: gen, ws: ws, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "stream stopped")
		c.cancel()
	})
	c.wg.Wait()
}

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
