package audio

import (
	"bytes"
	"testing"
)

func TestOggOpusRoundTrip(t *testing.T) {
	t.Parallel()

	// 1s plus a 5ms tail that gets padded to a full frame.
	pcm := make([]byte, (SampleRate+80)*BytesPerSample)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = byte(i)
	}

	var buf bytes.Buffer
	if err := encodeOggOpus(&buf, pcm); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeOggOpus(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	const frames = 51
	if want := frames * opusFrameSize * BytesPerSample; len(out) != want {
		t.Errorf("decoded %d bytes, want %d", len(out), want)
	}
}

func TestReadWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	buf.Write([]byte{0, 0, 0, 0})
	buf.WriteString("WAVE")
	buf.WriteString("LIST")
	buf.Write([]byte{3, 0, 0, 0, 'a', 'b', 'c', 0}) // odd size plus pad byte
	buf.WriteString("data")
	buf.Write([]byte{4, 0, 0, 0, 1, 2, 3, 4})

	got, err := readWAV(&buf)
	if err != nil {
		t.Fatalf("readWAV: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("data = %v", got)
	}
}
