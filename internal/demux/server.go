package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/streamscribe/pkg/audio"
)

// chunkBytes is the size of data messages emitted by Serve: 100ms of PCM.
const chunkBytes = audio.SampleRate * audio.BytesPerSample / 10

// Transcoder decodes a container stream into 16 kHz mono s16le PCM. Input is
// written to it; Close ends the input; decoded audio is read from it until
// io.EOF.
type Transcoder interface {
	io.WriteCloser
	io.Reader

	// Wait releases resources after the output reached io.EOF.
	Wait() error
}

// TranscoderFunc starts a Transcoder for the given init parameters.
type TranscoderFunc func(ctx context.Context, encoding string, sampleRate int) (Transcoder, error)

// Serve runs the worker side of the frame protocol: it waits for init,
// starts a Transcoder, feeds it every buffer and streams decoded PCM back as
// data messages. It returns after terminate or end of input, once all
// decoded audio was written and the exit message sent.
func Serve(ctx context.Context, in io.Reader, out io.Writer, start TranscoderFunc) error {
	dec := NewDecoder(in)
	enc := NewEncoder(out)

	fail := func(err error) error {
		_ = enc.Encode(Message{Type: TypeError, Message: err.Error()})
		_ = enc.Encode(Message{Type: TypeExit, Code: ExitCode(1)})
		return err
	}

	first, err := dec.Decode()
	if err != nil {
		return fail(fmt.Errorf("demux: read init: %w", err))
	}
	if first.Type != TypeInit {
		return fail(fmt.Errorf("demux: expected init, got %s", first.Type))
	}

	tc, err := start(ctx, first.Encoding, first.SampleRate)
	if err != nil {
		return fail(fmt.Errorf("demux: start transcoder: %w", err))
	}
	if err := enc.Encode(Message{Type: TypeReady}); err != nil {
		_ = tc.Close()
		return err
	}

	pumped := make(chan error, 1)
	go func() { pumped <- pump(tc, enc) }()

	var inputErr error
loop:
	for {
		m, err := dec.Decode()
		switch {
		case errors.Is(err, io.EOF):
			break loop
		case err != nil:
			inputErr = err
			break loop
		}
		switch m.Type {
		case TypeBuffer:
			if _, err := tc.Write(m.Data); err != nil {
				inputErr = fmt.Errorf("demux: feed transcoder: %w", err)
				break loop
			}
		case TypeTerminate:
			break loop
		default:
			slog.Debug("demux: ignoring message", "type", m.Type)
		}
	}

	_ = tc.Close()
	pumpErr := <-pumped
	waitErr := tc.Wait()

	if err := errors.Join(inputErr, pumpErr, waitErr); err != nil {
		return fail(err)
	}
	return enc.Encode(Message{Type: TypeExit, Code: ExitCode(0)})
}

// pump reads decoded PCM and writes it as data messages.
func pump(r io.Reader, enc *Encoder) error {
	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := enc.Encode(Message{Type: TypeData, Data: buf[:n&^1]}); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("demux: read decoded audio: %w", err)
		}
	}
}

// PCMTranscoder returns an in-process Transcoder for raw s16le mono input at
// sampleRate. It resamples to 16 kHz and needs no external decoder.
func PCMTranscoder(sampleRate int) Transcoder {
	pr, pw := io.Pipe()
	return &pcmTranscoder{rate: sampleRate, pr: pr, pw: pw}
}

type pcmTranscoder struct {
	rate int
	pr   *io.PipeReader
	pw   *io.PipeWriter
	odd  []byte
}

func (t *pcmTranscoder) Write(p []byte) (int, error) {
	data := append(t.odd, p...)
	t.odd = nil
	if len(data)%2 == 1 {
		t.odd = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return len(p), nil
	}
	if _, err := t.pw.Write(audio.ResampleMono16(data, t.rate, audio.SampleRate)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *pcmTranscoder) Read(p []byte) (int, error) { return t.pr.Read(p) }
func (t *pcmTranscoder) Close() error               { return t.pw.Close() }
func (t *pcmTranscoder) Wait() error                { return nil }

// IsRawPCM reports whether encoding names headerless 16-bit PCM.
func IsRawPCM(encoding string) bool {
	switch strings.ToLower(encoding) {
	case "pcm", "s16le", "pcm_s16le", "raw":
		return true
	}
	return false
}
