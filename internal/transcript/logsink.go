package transcript

import (
	"context"
	"log/slog"
)

// LogSink writes final segments at info level and partial segments at debug
// level.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink logging to l, or to the default logger when l is
// nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l}
}

// Deliver implements [Sink].
func (s *LogSink) Deliver(ctx context.Context, d Delivery) error {
	level := slog.LevelDebug
	msg := "transcript: partial"
	if d.Final {
		level = slog.LevelInfo
		msg = "transcript: final"
	}
	if !s.log.Enabled(ctx, level) {
		return nil
	}
	attrs := []slog.Attr{
		slog.String("session_id", d.Key.SessionID),
		slog.Int64("channel_id", d.Key.ChannelID),
		slog.Float64("start", d.Segment.Start),
		slog.Float64("end", d.Segment.End),
		slog.String("text", d.Segment.Text),
	}
	if d.Segment.Lang != "" {
		attrs = append(attrs, slog.String("lang", d.Segment.Lang))
	}
	if d.Segment.Locutor != "" {
		attrs = append(attrs, slog.String("locutor", d.Segment.Locutor))
	}
	for lang, text := range d.Segment.Translations {
		attrs = append(attrs, slog.String("translation_"+lang, text))
	}
	s.log.LogAttrs(ctx, level, msg, attrs...)
	return nil
}
