package listener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	flv "github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
	rtmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// RTMPConfig configures an [RTMP] listener.
type RTMPConfig struct {
	// Addr is the TCP listen address, e.g. ":1935".
	Addr string
}

// RTMP accepts publishers at rtmp://host/<app>/<sessionId>,<channelIndex>.
// The publishing name is the routing key. Audio messages are re-muxed into an
// audio-only FLV stream for the demuxing worker; video is dropped.
type RTMP struct {
	*Core
	cfg RTMPConfig
}

var _ Listener = (*RTMP)(nil)

// NewRTMP creates an RTMP listener feeding sink.
func NewRTMP(cfg RTMPConfig, sink Sink, opts ...Option) *RTMP {
	return &RTMP{Core: newCore("rtmp", sink, opts...), cfg: cfg}
}

// Serve listens on cfg.Addr until ctx is cancelled.
func (l *RTMP) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listener: rtmp listen %s: %w", l.cfg.Addr, err)
	}
	logger := logrus.New()
	logger.SetOutput(logWriter{log: l.log})
	logger.SetLevel(logrus.WarnLevel)

	srv := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(nc net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return nc, &rtmp.ConnConfig{
				Handler: &rtmpHandler{l: l, ctx: ctx, nc: nc},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024 / 8,
				},
				Logger: logger,
			}
		},
	})
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	l.log.Info("listener: rtmp listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("listener: rtmp serve: %w", err)
	}
	return nil
}

// rtmpHandler handles one RTMP connection.
type rtmpHandler struct {
	rtmp.DefaultHandler

	l   *RTMP
	ctx context.Context
	nc  net.Conn

	conn *Conn
	enc  *flv.Encoder
}

func (h *rtmpHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if h.conn != nil {
		return errors.New("listener: rtmp connection is already publishing")
	}
	raw := publishingKey(cmd.PublishingName)
	var closeTransport func() error
	if h.nc != nil {
		closeTransport = h.nc.Close
	}
	conn, err := h.l.attach(h.ctx, raw, "flv", 0, closeTransport)
	if err != nil {
		return err
	}
	enc, err := flv.NewEncoder(connWriter{conn}, flv.FlagsAudio)
	if err != nil {
		conn.Close(err)
		return fmt.Errorf("listener: flv header: %w", err)
	}
	h.conn, h.enc = conn, enc
	return nil
}

func (h *rtmpHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	if h.enc == nil {
		return nil
	}
	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(payload, &audio); err != nil {
		return fmt.Errorf("listener: decode rtmp audio: %w", err)
	}
	body := new(bytes.Buffer)
	if _, err := io.Copy(body, audio.Data); err != nil {
		return err
	}
	audio.Data = body
	return h.enc.Encode(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeAudio,
		Timestamp: timestamp,
		Data:      &audio,
	})
}

func (h *rtmpHandler) OnClose() {
	if h.conn != nil {
		h.conn.Close(nil)
	}
}

// connWriter adapts a Conn to io.Writer.
type connWriter struct{ c *Conn }

func (w connWriter) Write(p []byte) (int, error) {
	if err := w.c.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// publishingKey drops the query string some encoders append to the stream
// key.
func publishingKey(name string) string {
	key, _, _ := strings.Cut(name, "?")
	return strings.TrimSpace(key)
}

// logWriter forwards the RTMP library's log lines to slog.
type logWriter struct{ log *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Debug("listener: rtmp", "msg", strings.TrimSpace(string(p)))
	return len(p), nil
}
