package demux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
)

// script encodes msgs as protocol input.
func script(t *testing.T, msgs ...Message) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	return &buf
}

// replies decodes everything Serve wrote.
func replies(t *testing.T, out *bytes.Buffer) []Message {
	t.Helper()
	dec := NewDecoder(out)
	var msgs []Message
	for {
		m, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		msgs = append(msgs, m)
	}
}

func types(msgs []Message) []MessageType {
	out := make([]MessageType, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1] == m.Type {
			continue
		}
		out = append(out, m.Type)
	}
	return out
}

func TestServe_PCMPassthrough(t *testing.T) {
	t.Parallel()
	in := script(t,
		Message{Type: TypeInit, Encoding: "pcm", SampleRate: 16000},
		Message{Type: TypeBuffer, Data: make([]byte, 4000)},
		Message{Type: TypeBuffer, Data: make([]byte, 3001)},
		Message{Type: TypeBuffer, Data: make([]byte, 1)},
		Message{Type: TypeTerminate},
	)
	var out bytes.Buffer
	if err := Serve(context.Background(), in, &out, FFmpeg{}.Start); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	msgs := replies(t, &out)
	if got := types(msgs); !slices.Equal(got, []MessageType{TypeReady, TypeData, TypeExit}) {
		t.Fatalf("message types = %v", got)
	}
	total := 0
	for _, m := range msgs {
		total += len(m.Data)
		if len(m.Data) > chunkBytes {
			t.Errorf("data chunk of %d bytes exceeds %d", len(m.Data), chunkBytes)
		}
	}
	if total != 7002 {
		t.Errorf("decoded %d bytes, want 7002", total)
	}
	if last := msgs[len(msgs)-1]; last.Code == nil || *last.Code != 0 {
		t.Errorf("exit = %+v", last)
	}
}

func TestServe_ResamplesPCM(t *testing.T) {
	t.Parallel()
	in := script(t,
		Message{Type: TypeInit, Encoding: "s16le", SampleRate: 8000},
		Message{Type: TypeBuffer, Data: make([]byte, 1600)},
	)
	var out bytes.Buffer
	if err := Serve(context.Background(), in, &out, FFmpeg{}.Start); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	total := 0
	for _, m := range replies(t, &out) {
		total += len(m.Data)
	}
	if total != 3200 {
		t.Errorf("decoded %d bytes, want 3200 after 8k to 16k resampling", total)
	}
}

func TestServe_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    []Message
		start TranscoderFunc
		want  string
	}{
		{
			name: "no init",
			in:   []Message{{Type: TypeBuffer, Data: []byte{1, 2}}},
			want: "expected init",
		},
		{
			name: "raw pcm without rate",
			in:   []Message{{Type: TypeInit, Encoding: "pcm"}},
			want: "sample rate",
		},
		{
			name: "transcoder refuses",
			in:   []Message{{Type: TypeInit, Encoding: "flv"}},
			start: func(context.Context, string, int) (Transcoder, error) {
				return nil, errors.New("no decoder")
			},
			want: "no decoder",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			start := tt.start
			if start == nil {
				start = FFmpeg{}.Start
			}
			var out bytes.Buffer
			err := Serve(context.Background(), script(t, tt.in...), &out, start)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Serve = %v, want error containing %q", err, tt.want)
			}
			msgs := replies(t, &out)
			if got := types(msgs); !slices.Equal(got, []MessageType{TypeError, TypeExit}) {
				t.Fatalf("message types = %v", got)
			}
			if c := msgs[1].Code; c == nil || *c != 1 {
				t.Errorf("exit code = %v, want 1", c)
			}
		})
	}
}

func TestFFmpegArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		encoding   string
		wantFormat string
	}{
		{"flv", "flv"},
		{"MPEGTS", "mpegts"},
		{"webm", "matroska"},
		{"something-else", ""},
	}
	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			t.Parallel()
			args := ffmpegArgs(tt.encoding)
			in := slices.Index(args, "-i")
			if in < 0 || args[in+1] != "pipe:0" {
				t.Fatalf("args = %v", args)
			}
			before := args[:in]
			f := slices.Index(before, "-f")
			switch {
			case tt.wantFormat == "" && f >= 0:
				t.Errorf("unexpected input format %q", before[f+1])
			case tt.wantFormat != "" && (f < 0 || before[f+1] != tt.wantFormat):
				t.Errorf("input format args = %v, want -f %s", before, tt.wantFormat)
			}
			if !slices.Contains(args, "16000") || args[len(args)-1] != "pipe:1" {
				t.Errorf("output args = %v", args[in:])
			}
		})
	}
}
