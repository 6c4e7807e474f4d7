package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	srt "github.com/datarhei/gosrt"

	"github.com/MrWong99/streamscribe/internal/session"
)

// SRTConfig configures an [SRT] listener.
type SRTConfig struct {
	// Addr is the UDP listen address, e.g. ":6000".
	Addr string

	// Encoding is the container carried by SRT streams. Default: "mpegts".
	Encoding string

	// Passphrase, when set, is required from every caller.
	Passphrase string

	// Latency is the receiver latency. Zero keeps the library default.
	Latency time.Duration
}

// SRT accepts caller-mode SRT streams whose stream id is the routing key.
type SRT struct {
	*Core
	cfg SRTConfig
}

var _ Listener = (*SRT)(nil)

// NewSRT creates an SRT listener feeding sink.
func NewSRT(cfg SRTConfig, sink Sink, opts ...Option) *SRT {
	if cfg.Encoding == "" {
		cfg.Encoding = "mpegts"
	}
	return &SRT{Core: newCore("srt", sink, opts...), cfg: cfg}
}

// Serve listens on cfg.Addr until ctx is cancelled.
func (l *SRT) Serve(ctx context.Context) error {
	conf := srt.DefaultConfig()
	if l.cfg.Latency > 0 {
		conf.ReceiverLatency = l.cfg.Latency
	}
	ln, err := srt.Listen("srt", l.cfg.Addr, conf)
	if err != nil {
		return fmt.Errorf("listener: srt listen %s: %w", l.cfg.Addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	l.log.Info("listener: srt listening", "addr", ln.Addr().String())

	for {
		req, err := ln.Accept2()
		if err != nil {
			if errors.Is(err, srt.ErrListenerClosed) || ctx.Err() != nil {
				return nil
			}
			l.log.Warn("listener: srt accept", "err", err)
			continue
		}
		go l.handle(ctx, req)
	}
}

func (l *SRT) handle(ctx context.Context, req srt.ConnRequest) {
	raw := req.StreamId()

	if l.cfg.Passphrase != "" {
		if !req.IsEncrypted() {
			l.reject(ctx, raw, errors.New("listener: unencrypted srt caller"))
			req.Reject(srt.REJX_UNAUTHORIZED)
			return
		}
		if err := req.SetPassphrase(l.cfg.Passphrase); err != nil {
			l.reject(ctx, raw, fmt.Errorf("listener: srt passphrase: %w", err))
			req.Reject(srt.REJX_UNAUTHORIZED)
			return
		}
	}
	if _, err := l.admit(raw); err != nil {
		l.reject(ctx, raw, err)
		req.Reject(srtReason(err))
		return
	}

	sc, err := req.Accept()
	if err != nil {
		l.log.Warn("listener: srt handshake", "routing_key", raw, "err", err)
		return
	}
	conn, err := l.attach(ctx, raw, l.cfg.Encoding, 0, sc.Close)
	if err != nil {
		_ = sc.Close()
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := sc.Read(buf)
		if n > 0 {
			if werr := conn.Write(buf[:n]); werr != nil {
				conn.Close(werr)
				return
			}
		}
		if err != nil {
			select {
			case <-conn.Done():
				return
			default:
			}
			conn.Close(readErr(err))
			return
		}
	}
}

func srtReason(err error) srt.RejectionReason {
	switch {
	case errors.Is(err, session.ErrBadRoutingKey):
		return srt.REJX_BAD_REQUEST
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrChannelOutOfRange):
		return srt.REJX_NOTFOUND
	case errors.Is(err, session.ErrChannelBusy):
		return srt.REJX_CONFLICT
	default:
		return srt.REJX_FORBIDDEN
	}
}
