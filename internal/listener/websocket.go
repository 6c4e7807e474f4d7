package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

// Handshake message types exchanged on a WebSocket stream before audio flows.
const (
	wsTypeInit      = "init"
	wsTypeAck       = "ack"
	wsTypeError     = "error"
	wsTypeTerminate = "terminate"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	wsReadLimit             = 1 << 20
)

// wsMessage is the JSON control message of the WebSocket handshake.
type wsMessage struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Message    string `json:"message,omitempty"`
}

// WebSocketConfig configures a [WebSocket] listener.
type WebSocketConfig struct {
	// Addr is the TCP listen address, e.g. ":8081".
	Addr string

	// PathPrefix is stripped from the request path; the remainder is the
	// routing key. Default: "/".
	PathPrefix string

	// HandshakeTimeout bounds the wait for the init message. Default: 10s.
	HandshakeTimeout time.Duration
}

// WebSocket accepts streams at ws://host<PathPrefix><sessionId>,<channelIndex>.
// The client first sends {"type":"init","encoding":...,"sampleRate":...} and
// waits for {"type":"ack"} before sending binary payload frames. Raw PCM
// ("pcm") must be 16 kHz and bypasses the demuxing worker.
type WebSocket struct {
	*Core
	cfg WebSocketConfig
}

var _ Listener = (*WebSocket)(nil)

// NewWebSocket creates a WebSocket listener feeding sink.
func NewWebSocket(cfg WebSocketConfig, sink Sink, opts ...Option) *WebSocket {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &WebSocket{Core: newCore("websocket", sink, opts...), cfg: cfg}
}

// Serve listens on cfg.Addr until ctx is cancelled.
func (l *WebSocket) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listener: websocket listen %s: %w", l.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           l.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.log.Info("listener: websocket listening", "addr", ln.Addr().String(), "prefix", l.cfg.PathPrefix)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listener: websocket serve: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler that upgrades stream connections.
func (l *WebSocket) Handler() http.Handler {
	return http.HandlerFunc(l.serveHTTP)
}

func (l *WebSocket) serveHTTP(w http.ResponseWriter, r *http.Request) {
	raw, ok := strings.CutPrefix(r.URL.Path, l.cfg.PathPrefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	raw = strings.Trim(raw, "/")

	// Reject before upgrading so that unknown streams never get a socket.
	if _, err := l.admit(raw); err != nil {
		l.reject(r.Context(), raw, err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		l.log.Debug("listener: websocket upgrade failed", "err", err)
		return
	}
	ws.SetReadLimit(wsReadLimit)
	l.handle(r.Context(), ws, raw)
}

func (l *WebSocket) handle(ctx context.Context, ws *websocket.Conn, raw string) {
	hsCtx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	hello, err := readInit(hsCtx, ws)
	cancel()
	if err != nil {
		l.fail(ctx, ws, raw, err)
		return
	}

	closeTransport := func() error {
		go func() { _ = ws.Close(websocket.StatusNormalClosure, "stream stopped") }()
		return nil
	}
	conn, err := l.attach(ctx, raw, hello.Encoding, hello.SampleRate, closeTransport)
	if err != nil {
		_ = wsjson.Write(ctx, ws, wsMessage{Type: wsTypeError, Message: err.Error()})
		_ = ws.Close(websocket.StatusPolicyViolation, "rejected")
		return
	}
	if err := wsjson.Write(ctx, ws, wsMessage{Type: wsTypeAck}); err != nil {
		conn.Close(err)
		return
	}

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				err = nil
			}
			conn.Close(err)
			return
		}
		if typ == websocket.MessageText {
			var m wsMessage
			if json.Unmarshal(data, &m) == nil && m.Type == wsTypeTerminate {
				conn.Close(nil)
				return
			}
			conn.log.Debug("listener: ignoring text message on websocket stream")
			continue
		}
		if err := conn.Write(data); err != nil {
			conn.Close(err)
			return
		}
	}
}

// fail reports a handshake error to the client and closes the socket.
func (l *WebSocket) fail(ctx context.Context, ws *websocket.Conn, raw string, err error) {
	l.metrics.RecordConnection(ctx, l.transport, "rejected")
	l.metrics.RecordRejection(ctx, l.transport, "handshake")
	l.log.Info("listener: websocket handshake failed", "routing_key", raw, "err", err)

	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = wsjson.Write(writeCtx, ws, wsMessage{Type: wsTypeError, Message: err.Error()})
	_ = ws.Close(websocket.StatusPolicyViolation, "handshake failed")
}

func readInit(ctx context.Context, ws *websocket.Conn) (wsMessage, error) {
	typ, data, err := ws.Read(ctx)
	if err != nil {
		return wsMessage{}, fmt.Errorf("read init: %w", err)
	}
	if typ != websocket.MessageText {
		return wsMessage{}, errors.New("expected init message, got binary data")
	}
	var m wsMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return wsMessage{}, fmt.Errorf("invalid init message: %w", err)
	}
	if m.Type != wsTypeInit {
		return wsMessage{}, fmt.Errorf("expected init message, got %q", m.Type)
	}
	if m.Encoding == "" {
		return wsMessage{}, errors.New("init message has no encoding")
	}
	if m.Encoding == "pcm" && m.SampleRate != asr.SampleRate {
		return wsMessage{}, fmt.Errorf("pcm streams must be %d Hz, got %d", asr.SampleRate, m.SampleRate)
	}
	return m, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBadRoutingKey):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrChannelOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, session.ErrChannelBusy):
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}
