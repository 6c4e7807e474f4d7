package demux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/streamscribe/pkg/audio"
)

// FFmpeg decodes container streams by piping them through an ffmpeg process.
type FFmpeg struct {
	// Path is the ffmpeg executable. Default: "ffmpeg".
	Path string
}

// Start implements [TranscoderFunc]. Raw PCM input is handled in process.
func (f FFmpeg) Start(ctx context.Context, encoding string, sampleRate int) (Transcoder, error) {
	if IsRawPCM(encoding) {
		if sampleRate <= 0 {
			return nil, fmt.Errorf("demux: raw pcm needs a sample rate")
		}
		return PCMTranscoder(sampleRate), nil
	}

	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, path, ffmpegArgs(encoding)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("demux: ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("demux: ffmpeg stdout: %w", err)
	}
	t := &ffmpegTranscoder{cmd: cmd, stdin: stdin, stdout: stdout}
	cmd.Stderr = &t.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("demux: start ffmpeg: %w", err)
	}
	return t, nil
}

// inputFormats maps protocol encodings to ffmpeg demuxer names. Unknown
// encodings are left to ffmpeg's probing.
var inputFormats = map[string]string{
	"flv":      "flv",
	"mpegts":   "mpegts",
	"ts":       "mpegts",
	"webm":     "matroska",
	"matroska": "matroska",
	"mkv":      "matroska",
	"ogg":      "ogg",
	"opus":     "ogg",
	"wav":      "wav",
	"mp3":      "mp3",
	"aac":      "aac",
}

func ffmpegArgs(encoding string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-fflags", "nobuffer", "-flags", "low_delay",
	}
	if format, ok := inputFormats[strings.ToLower(encoding)]; ok {
		args = append(args, "-f", format)
	}
	return append(args,
		"-i", "pipe:0",
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"pipe:1",
	)
}

type ffmpegTranscoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr lockedBuffer
}

func (t *ffmpegTranscoder) Write(p []byte) (int, error) { return t.stdin.Write(p) }
func (t *ffmpegTranscoder) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *ffmpegTranscoder) Close() error                { return t.stdin.Close() }

func (t *ffmpegTranscoder) Wait() error {
	if err := t.cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(t.stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// lockedBuffer keeps the last few KiB of ffmpeg's stderr.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if b.buf.Len() > 4096 {
		b.buf.Next(b.buf.Len() - 4096)
	}
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
