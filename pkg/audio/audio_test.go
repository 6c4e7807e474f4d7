package audio_test

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/streamscribe/pkg/audio"
)

// tone returns d of a 440 Hz sine as canonical PCM.
func tone(d time.Duration) []byte {
	n := int(d * audio.SampleRate / time.Second)
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return audio.Bytes(s)
}

func TestSamplesBytesRoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	got := audio.Samples(audio.Bytes(in))
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
	if n := len(audio.Samples([]byte{1, 2, 3})); n != 1 {
		t.Errorf("odd input decoded to %d samples, want 1", n)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	if got := audio.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v", got)
	}
	if got := audio.Duration(6400); got != 200*time.Millisecond {
		t.Errorf("Duration(6400) = %v", got)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		src, dst int
		inLen    int
		wantLen  int
	}{
		{"same rate", 16000, 16000, 320, 320},
		{"upsample to 24k", 16000, 24000, 320, 480},
		{"downsample to 8k", 16000, 8000, 320, 160},
		{"invalid rate", 0, 16000, 320, 320},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := audio.ResampleMono16(make([]byte, tt.inLen), tt.src, tt.dst)
			if len(out) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(out), tt.wantLen)
			}
		})
	}

	// Interpolated samples lie between their neighbours.
	up := audio.Samples(audio.ResampleMono16(audio.Bytes([]int16{0, 300}), 16000, 32000))
	if len(up) != 4 || up[0] != 0 || up[1] != 150 || up[2] != 300 {
		t.Errorf("upsampled = %v", up)
	}
}

func TestArchive_AppendsAndCloses(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "s1", "3.pcm")

	a, err := audio.NewArchive(path)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	_, _ = a.Write([]byte{1, 2})
	_, _ = a.Write([]byte{3, 4})
	if a.Written() != 4 {
		t.Errorf("Written = %d", a.Written())
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := a.Write([]byte{5, 6}); err == nil {
		t.Error("Write after Close should fail")
	}

	// A second archive on the same path continues the file.
	b, _ := audio.NewArchive(path)
	_, _ = b.Write([]byte{5, 6})
	_ = b.Close()

	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("file = %v", got)
	}
}

func writeRaw(t *testing.T, path string, pcm []byte) {
	t.Helper()
	a, err := audio.NewArchive(path)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	if _, err := a.Write(pcm); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFinalize_WAVConcatenates(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	raw := filepath.Join(dir, "ch.pcm")
	dst := filepath.Join(dir, "ch"+audio.ContainerWAV.Ext())

	first := tone(100 * time.Millisecond)
	writeRaw(t, raw, first)
	if err := audio.Finalize(raw, dst, audio.ContainerWAV); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(raw); !os.IsNotExist(err) {
		t.Error("raw file not removed")
	}

	second := tone(50 * time.Millisecond)
	writeRaw(t, raw, second)
	if err := audio.Finalize(raw, dst, audio.ContainerWAV); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}

	data, _ := os.ReadFile(dst)
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("not a wav file: %q", data[:12])
	}
	if !bytes.Equal(data[44:], append(append([]byte(nil), first...), second...)) {
		t.Errorf("wav payload is not the concatenation of both recordings (%d bytes)", len(data)-44)
	}
}

func TestFinalize_OggConcatenates(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	raw := filepath.Join(dir, "ch.pcm")
	dst := filepath.Join(dir, "ch"+audio.ContainerOgg.Ext())

	writeRaw(t, raw, tone(time.Second))
	if err := audio.Finalize(raw, dst, audio.ContainerOgg); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	firstSize := fileSize(t, dst)

	writeRaw(t, raw, tone(500*time.Millisecond))
	if err := audio.Finalize(raw, dst, audio.ContainerOgg); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Fatalf("not an ogg file")
	}
	if int64(len(data)) <= firstSize {
		t.Errorf("ogg did not grow: %d <= %d", len(data), firstSize)
	}
}

func TestFinalize_MissingOrEmptyRaw(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.wav")

	if err := audio.Finalize(filepath.Join(dir, "nope.pcm"), dst, audio.ContainerWAV); err != nil {
		t.Errorf("missing raw: %v", err)
	}
	empty := filepath.Join(dir, "empty.pcm")
	writeRaw(t, empty, nil)
	if err := audio.Finalize(empty, dst, audio.ContainerWAV); err != nil {
		t.Errorf("empty raw: %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("dst created from empty recording")
	}
	if _, err := os.Stat(empty); !os.IsNotExist(err) {
		t.Error("empty raw not removed")
	}
}

func TestFinalize_RejectsCorruptExisting(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	raw := filepath.Join(dir, "ch.pcm")
	dst := filepath.Join(dir, "ch.wav")
	_ = os.WriteFile(dst, []byte("garbage, not a wav file at all"), 0o644)
	writeRaw(t, raw, tone(20*time.Millisecond))

	if err := audio.Finalize(raw, dst, audio.ContainerWAV); err == nil {
		t.Fatal("expected error for corrupt existing file")
	}
	if _, err := os.Stat(raw); err != nil {
		t.Error("raw recording must be kept when finalization fails")
	}
}

func TestContainerFor(t *testing.T) {
	t.Parallel()
	if audio.ContainerFor(true) != audio.ContainerOgg || audio.ContainerFor(false) != audio.ContainerWAV {
		t.Error("ContainerFor mapping wrong")
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	return fi.Size()
}
