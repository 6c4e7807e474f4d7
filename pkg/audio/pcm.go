// Package audio holds the PCM helpers and the archival pipeline used by the
// transcription service: a raw writer that records a channel while it is
// live, and Finalize, which turns the raw recording into a WAV or Ogg/Opus
// file once the channel is disposed.
//
// All audio handled here is 16 kHz mono signed 16-bit little-endian PCM
// unless a function says otherwise.
package audio

import (
	"encoding/binary"
	"time"
)

// Canonical stream format.
const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2
)

// Duration returns the play time of n bytes of canonical PCM.
func Duration(n int64) time.Duration {
	return time.Duration(n) * time.Second / (SampleRate * BytesPerSample)
}

// Samples decodes little-endian int16 PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as little-endian int16 PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate with
// linear interpolation. Equal or invalid rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := Samples(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Bytes(out)
}
