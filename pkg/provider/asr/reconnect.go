package asr

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// ReconnectPolicy bounds how a backend re-establishes a dropped stream.
// Zero fields are replaced by defaults.
type ReconnectPolicy struct {
	// MaxRetries is the number of attempts before giving up. Defaults to 5.
	MaxRetries int

	// Backoff is the delay before the second attempt. It doubles on every
	// further attempt up to MaxBackoff. Defaults to 500ms.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 10s.
	MaxBackoff time.Duration
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return p
}

// Delay returns the wait before attempt (1-based). The first attempt is
// immediate.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt <= 1 {
		return 0
	}
	d := p.Backoff
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Retry calls dial until it succeeds, ctx is done, the attempts are exhausted,
// or dial returns a critical error. The last error is returned classified.
func (p ReconnectPolicy) Retry(ctx context.Context, name string, dial func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()

	var last error
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return NewError(ctx.Err())
			case <-time.After(d):
			}
		}

		err := dial(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				slog.Info("asr: reconnected", "backend", name, "attempt", attempt)
			}
			return nil
		}
		last = err
		if IsCritical(err) {
			slog.Error("asr: critical connection failure, not retrying", "backend", name, "err", err)
			return NewError(err)
		}
		if ctx.Err() != nil {
			return NewError(err)
		}
		slog.Warn("asr: connection attempt failed",
			"backend", name,
			"attempt", attempt,
			"max_retries", p.MaxRetries,
			"err", err,
		)
	}
	return NewError(fmt.Errorf("giving up after %d attempts: %w", p.MaxRetries, last))
}
