package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Protocol selects the wire dialect spoken by a realtime backend.
type Protocol int

const (
	// ProtocolOpenAI is the OpenAI realtime transcription dialect: nested
	// session updates, server-side turn detection and explicit completion
	// events. Audio is sent as 24 kHz PCM.
	ProtocolOpenAI Protocol = iota

	// ProtocolVLLM is the flat dialect spoken by vLLM's realtime endpoint: it
	// streams deltas only, so finals are cut locally by the [Segmenter] and
	// commits carry a final flag.
	ProtocolVLLM
)

// String returns the configuration name of p.
func (p Protocol) String() string {
	switch p {
	case ProtocolOpenAI:
		return "openai"
	case ProtocolVLLM:
		return "vllm"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// ParseProtocol maps a configuration name to a Protocol. The empty string
// selects ProtocolOpenAI.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "openai":
		return ProtocolOpenAI, nil
	case "vllm":
		return ProtocolVLLM, nil
	}
	return 0, fmt.Errorf("realtime: unknown protocol %q", s)
}

// eventKind is the normalised type of a server message.
type eventKind int

const (
	evIgnore eventKind = iota
	evSessionCreated
	evPartial
	evFinal
	evError
)

// serverEvent is a server message normalised across dialects.
type serverEvent struct {
	kind eventKind
	text string
	err  error
}

// sessionParams is what a dialect needs to build its session update.
type sessionParams struct {
	model    string
	language string
}

// dialect encodes client messages and decodes server messages for one
// protocol variant.
type dialect interface {
	// sampleRate is the PCM rate the server expects in audio appends.
	sampleRate() int

	// segmented reports whether finals are cut locally.
	segmented() bool

	sessionUpdate(p sessionParams) ([]byte, error)
	commit(final bool) ([]byte, error)
	parse(data []byte) (serverEvent, error)
}

func newDialect(p Protocol) dialect {
	if p == ProtocolVLLM {
		return vllmDialect{}
	}
	return openaiDialect{}
}

// appendMessage is shared by both dialects.
type appendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func encodeAppend(pcm []byte) ([]byte, error) {
	return json.Marshal(appendMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// errorPayload covers both the nested {"error":{...}} and the flat
// {"message":...} error shapes.
type errorPayload struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

func parseError(data []byte) error {
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if len(p.Error) > 0 {
		var nested struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(p.Error, &nested) == nil && nested.Message != "" {
			return &serverError{Type: nested.Type, Code: nested.Code, Message: nested.Message}
		}
		var s string
		if json.Unmarshal(p.Error, &s) == nil && s != "" {
			return &serverError{Message: s}
		}
	}
	if p.Message != "" {
		return &serverError{Message: p.Message}
	}
	return errors.New("realtime: server reported an unspecified error")
}

// serverError is an error event reported by the backend.
type serverError struct {
	Type    string
	Code    string
	Message string
}

func (e *serverError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: server error %s: %s", e.Code, e.Message)
	}
	return "realtime: server error: " + e.Message
}

// ---- OpenAI dialect ----

type openaiDialect struct{}

type openaiSessionUpdate struct {
	Type    string        `json:"type"`
	Session openaiSession `json:"session"`
}

type openaiSession struct {
	InputAudioFormat        string                    `json:"input_audio_format"`
	InputAudioTranscription openaiTranscriptionConfig `json:"input_audio_transcription"`
	TurnDetection           *openaiTurnDetection      `json:"turn_detection,omitempty"`
}

type openaiTranscriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type openaiTurnDetection struct {
	Type string `json:"type"`
}

func (openaiDialect) sampleRate() int { return 24000 }
func (openaiDialect) segmented() bool { return false }

func (openaiDialect) sessionUpdate(p sessionParams) ([]byte, error) {
	return json.Marshal(openaiSessionUpdate{
		Type: "transcription_session.update",
		Session: openaiSession{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: openaiTranscriptionConfig{
				Model:    p.model,
				Language: p.language,
			},
			TurnDetection: &openaiTurnDetection{Type: "server_vad"},
		},
	})
}

func (openaiDialect) commit(bool) ([]byte, error) {
	return []byte(`{"type":"input_audio_buffer.commit"}`), nil
}

func (openaiDialect) parse(data []byte) (serverEvent, error) {
	var msg struct {
		Type       string `json:"type"`
		Delta      string `json:"delta"`
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverEvent{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	switch msg.Type {
	case "transcription_session.created", "session.created":
		return serverEvent{kind: evSessionCreated}, nil
	case "conversation.item.input_audio_transcription.delta":
		return serverEvent{kind: evPartial, text: msg.Delta}, nil
	case "conversation.item.input_audio_transcription.completed":
		return serverEvent{kind: evFinal, text: msg.Transcript}, nil
	case "error":
		return serverEvent{kind: evError, err: parseError(data)}, nil
	}
	return serverEvent{}, nil
}

// ---- vLLM dialect ----

type vllmDialect struct{}

type vllmSessionUpdate struct {
	Type             string `json:"type"`
	Model            string `json:"model,omitempty"`
	Language         string `json:"language,omitempty"`
	InputAudioFormat string `json:"input_audio_format"`
	SampleRate       int    `json:"sample_rate"`
}

type vllmCommit struct {
	Type  string `json:"type"`
	Final bool   `json:"final"`
}

func (vllmDialect) sampleRate() int { return 16000 }
func (vllmDialect) segmented() bool { return true }

func (d vllmDialect) sessionUpdate(p sessionParams) ([]byte, error) {
	return json.Marshal(vllmSessionUpdate{
		Type:             "session.update",
		Model:            p.model,
		Language:         p.language,
		InputAudioFormat: "pcm16",
		SampleRate:       d.sampleRate(),
	})
}

func (vllmDialect) commit(final bool) ([]byte, error) {
	return json.Marshal(vllmCommit{Type: "input_audio_buffer.commit", Final: final})
}

func (vllmDialect) parse(data []byte) (serverEvent, error) {
	var msg struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverEvent{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	switch msg.Type {
	case "session.created":
		return serverEvent{kind: evSessionCreated}, nil
	case "transcription.delta":
		return serverEvent{kind: evPartial, text: msg.Delta}, nil
	case "error":
		return serverEvent{kind: evError, err: parseError(data)}, nil
	}
	// transcription.done only acknowledges a final commit; the remainder has
	// already been flushed locally.
	return serverEvent{}, nil
}
