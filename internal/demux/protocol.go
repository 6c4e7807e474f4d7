// Package demux is the boundary to the external demuxing worker: a separate
// process that decodes a transport payload (FLV, MPEG-TS, WebM, Ogg, ...) into
// 16 kHz mono signed 16-bit PCM.
//
// The two sides exchange newline-delimited JSON messages over the worker's
// stdin and stdout. The listener sends one init message followed by any
// number of buffer messages and finally terminate; the worker answers ready
// once its pipeline runs, streams data messages with decoded PCM, reports
// problems with error and announces its end with exit.
package demux

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MessageType discriminates protocol messages.
type MessageType string

const (
	// Listener to worker.
	TypeInit      MessageType = "init"
	TypeBuffer    MessageType = "buffer"
	TypeTerminate MessageType = "terminate"

	// Worker to listener.
	TypeReady MessageType = "ready"
	TypeData  MessageType = "data"
	TypeError MessageType = "error"
	TypeExit  MessageType = "exit"
)

// maxLine bounds a single protocol line. Buffers are base64 encoded, so this
// allows chunks of roughly 6 MiB.
const maxLine = 8 << 20

// Message is one line of the frame protocol. Data is base64 encoded on the
// wire.
type Message struct {
	Type       MessageType `json:"type"`
	Encoding   string      `json:"encoding,omitempty"`
	SampleRate int         `json:"sampleRate,omitempty"`
	Data       []byte      `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Code       *int        `json:"code,omitempty"`
}

// Encoder writes messages as NDJSON. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes m followed by a newline.
func (e *Encoder) Encode(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("demux: marshal %s: %w", m.Type, err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("demux: write %s: %w", m.Type, err)
	}
	return nil
}

// Decoder reads NDJSON messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64<<10), maxLine)
	return &Decoder{scanner: s}
}

// Decode returns the next message. It returns io.EOF when the stream ends
// cleanly. Blank lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{}, fmt.Errorf("demux: unmarshal message: %w", err)
		}
		if m.Type == "" {
			return Message{}, errors.New("demux: message without type")
		}
		return m, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("demux: read message: %w", err)
	}
	return Message{}, io.EOF
}

// ExitCode is a convenience for building exit messages.
func ExitCode(code int) *int { return &code }
