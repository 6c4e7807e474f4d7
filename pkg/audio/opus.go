package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"layeh.com/gopus"
)

const (
	// opusFrameSize is 20 ms of canonical audio in samples.
	opusFrameSize = SampleRate * 20 / 1000 // 320

	// Ogg granule positions are always counted at 48 kHz.
	opusGranuleStep = 48000 * 20 / 1000 // 960

	opusMaxPacket = 4000
	opusBitrate   = 24000
)

// encodeOggOpus writes pcm to w as an Ogg/Opus stream. The last partial frame
// is padded with silence.
func encodeOggOpus(w io.Writer, pcm []byte) error {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return fmt.Errorf("audio: create opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)

	ogg, err := oggwriter.NewWith(w, SampleRate, Channels)
	if err != nil {
		return fmt.Errorf("audio: create ogg writer: %w", err)
	}

	samples := Samples(pcm)
	frame := make([]int16, opusFrameSize)
	var ts uint32
	var seq uint16
	for off := 0; off < len(samples); off += opusFrameSize {
		n := copy(frame, samples[off:])
		clear(frame[n:])

		packet, err := enc.Encode(frame, opusFrameSize, opusMaxPacket)
		if err != nil {
			return fmt.Errorf("audio: opus encode: %w", err)
		}
		if err := ogg.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: packet,
		}); err != nil {
			return fmt.Errorf("audio: write ogg page: %w", err)
		}
		seq++
		ts += opusGranuleStep
	}
	if err := ogg.Close(); err != nil {
		return fmt.Errorf("audio: close ogg writer: %w", err)
	}
	return nil
}

// decodeOggOpus reads an Ogg/Opus stream produced by encodeOggOpus back into
// canonical PCM.
func decodeOggOpus(r io.Reader) ([]byte, error) {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return nil, fmt.Errorf("audio: open ogg: %w", err)
	}
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	var out bytes.Buffer
	for {
		payload, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("audio: read ogg page: %w", err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}
		pcm, err := dec.Decode(payload, opusFrameSize, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		out.Write(Bytes(pcm))
	}
	return out.Bytes(), nil
}
