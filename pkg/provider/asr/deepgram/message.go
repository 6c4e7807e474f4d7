package deepgram

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// result is a server message reduced to what the backend needs.
type result struct {
	text      string
	final     bool
	start     float64
	duration  float64
	languages []string
	speaker   string
	err       error
}

// response is the JSON structure of a Deepgram streaming message.
type response struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Languages  []string `json:"languages"`
			Words      []struct {
				Word    string `json:"word"`
				Speaker *int   `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`

	// Error messages.
	Description string `json:"description"`
	Message     string `json:"message"`
	Variant     string `json:"variant"`
	ErrCode     string `json:"err_code"`
	ErrMsg      string `json:"err_msg"`
}

// serverError is an error message sent in-band by Deepgram.
type serverError struct {
	Code    string
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("deepgram: server error %s: %s", e.Code, e.Message)
}

// parseMessage decodes one text frame. Messages that carry nothing the
// backend uses (Metadata, SpeechStarted, UtteranceEnd) report false.
func parseMessage(data []byte, diarize bool) (result, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	switch resp.Type {
	case "Results":
	case "Error":
		code := resp.ErrCode
		if code == "" {
			code = resp.Variant
		}
		msg := resp.Description
		if msg == "" {
			msg = resp.Message
		}
		if msg == "" {
			msg = resp.ErrMsg
		}
		return result{err: &serverError{Code: code, Message: msg}}, true
	default:
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	r := result{
		text:      alt.Transcript,
		final:     resp.IsFinal,
		start:     resp.Start,
		duration:  resp.Duration,
		languages: alt.Languages,
	}
	if diarize {
		for _, w := range alt.Words {
			if w.Speaker != nil {
				r.speaker = strconv.Itoa(*w.Speaker)
				break
			}
		}
	}
	return r, true
}
