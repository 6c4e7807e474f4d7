// Command streamdemux is the demuxing worker spawned by the streamscribe
// listeners. It speaks the NDJSON frame protocol on stdin/stdout and decodes
// the received transport payload to 16 kHz mono s16le with ffmpeg. Logs go to
// stderr, which the parent forwards to its own logger.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/streamscribe/internal/demux"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	ffmpegPath := flag.String("ffmpeg", envOr("STREAMDEMUX_FFMPEG", "ffmpeg"), "path to the ffmpeg executable")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	lvl := slog.LevelWarn
	if *debug {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Serve ─────────────────────────────────────────────────────────────────
	if err := demux.Serve(ctx, os.Stdin, os.Stdout, demux.FFmpeg{Path: *ffmpegPath}.Start); err != nil {
		slog.Error("streamdemux failed", "err", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
