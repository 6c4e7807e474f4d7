package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Container is the file format produced by Finalize.
type Container int

const (
	// ContainerWAV is lossless 16-bit PCM in a RIFF/WAVE file.
	ContainerWAV Container = iota

	// ContainerOgg is Opus in an Ogg container.
	ContainerOgg
)

// ContainerFor returns ContainerOgg when compress is set, else ContainerWAV.
func ContainerFor(compress bool) Container {
	if compress {
		return ContainerOgg
	}
	return ContainerWAV
}

// Ext returns the file extension including the dot.
func (c Container) Ext() string {
	if c == ContainerOgg {
		return ".ogg"
	}
	return ".wav"
}

// Finalize converts the raw PCM recording at rawPath into dst. When dst
// already exists (an earlier connection of the same channel was finalized)
// its audio is decoded and the new recording is appended to it. dst is
// replaced atomically and rawPath is removed on success.
//
// A missing or empty raw file leaves dst untouched.
func Finalize(rawPath, dst string, c Container) error {
	raw, err := os.ReadFile(rawPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audio: finalize: read raw: %w", err)
	}
	raw = raw[:len(raw)&^1]
	if len(raw) == 0 {
		return os.Remove(rawPath)
	}

	pcm := raw
	prev, err := readContainer(dst, c)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("audio: finalize: read existing %s: %w", dst, err)
	default:
		pcm = append(prev, raw...)
	}

	tmp := dst + ".tmp"
	if err := writeContainer(tmp, c, pcm); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("audio: finalize: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("audio: finalize: rename: %w", err)
	}
	if err := os.Remove(rawPath); err != nil {
		return fmt.Errorf("audio: finalize: remove raw: %w", err)
	}
	return nil
}

func readContainer(path string, c Container) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if c == ContainerOgg {
		return decodeOggOpus(bufio.NewReader(f))
	}
	return readWAV(bufio.NewReader(f))
}

func writeContainer(path string, c Container, pcm []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if c == ContainerOgg {
		err = encodeOggOpus(w, pcm)
	} else {
		err = writeWAV(w, pcm)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// wavHeader is the canonical 44-byte header for mono 16-bit PCM.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func writeWAV(w io.Writer, pcm []byte) error {
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   Channels,
		SampleRate:    SampleRate,
		ByteRate:      SampleRate * Channels * BytesPerSample,
		BlockAlign:    Channels * BytesPerSample,
		BitsPerSample: 8 * BytesPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// readWAV returns the data chunk of a 16 kHz mono 16-bit WAV file. Chunks
// other than fmt and data are skipped.
func readWAV(r io.Reader) ([]byte, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	if !bytes.Equal(riff[0:4], []byte("RIFF")) || !bytes.Equal(riff[8:12], []byte("WAVE")) {
		return nil, errors.New("not a RIFF/WAVE file")
	}
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("read wav chunk: %w", err)
		}
		size := binary.LittleEndian.Uint32(hdr[4:])
		switch string(hdr[0:4]) {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read wav fmt: %w", err)
			}
			if len(body) < 16 {
				return nil, errors.New("short wav fmt chunk")
			}
			ch := binary.LittleEndian.Uint16(body[2:])
			rate := binary.LittleEndian.Uint32(body[4:])
			bits := binary.LittleEndian.Uint16(body[14:])
			if ch != Channels || rate != SampleRate || bits != 8*BytesPerSample {
				return nil, fmt.Errorf("unsupported wav format: %d ch, %d Hz, %d bit", ch, rate, bits)
			}
		case "data":
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("read wav data: %w", err)
			}
			return data[:n&^1], nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return nil, fmt.Errorf("skip wav chunk: %w", err)
			}
		}
		if size&1 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, fmt.Errorf("skip wav padding: %w", err)
			}
		}
	}
}
