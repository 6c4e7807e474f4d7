// Package session models the externally managed registry of transcription
// sessions and their channels, and implements the admission rules that decide
// whether an incoming stream may attach to a (session, channel) slot.
//
// The core never mutates sessions. It receives full replacement snapshots
// (see [NewSnapshot]) and derives everything else from them: the routing key
// of a channel, the set of sessions that disappeared between two snapshots,
// and whether a connection should be admitted at a given instant.
package session

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a session as reported by the registry.
type Status string

const (
	StatusReady      Status = "ready"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// IsValid reports whether s is a recognised session status.
func (s Status) IsValid() bool {
	switch s {
	case StatusReady, StatusActive, StatusTerminated:
		return true
	}
	return false
}

// StreamStatus is the ingest state of a channel as last published by the
// status reporter.
type StreamStatus string

const (
	StreamActive   StreamStatus = "active"
	StreamInactive StreamStatus = "inactive"
	StreamErrored  StreamStatus = "errored"
)

// Session is one end-to-end transcription job composed of one or more
// channels.
type Session struct {
	ID         string     `json:"id" yaml:"id"`
	Status     Status     `json:"status" yaml:"status"`
	ScheduleOn *time.Time `json:"scheduleOn,omitempty" yaml:"scheduleOn"`
	EndOn      *time.Time `json:"endOn,omitempty" yaml:"endOn"`
	AutoStart  bool       `json:"autoStart" yaml:"autoStart"`
	AutoEnd    bool       `json:"autoEnd" yaml:"autoEnd"`
	Channels   []Channel  `json:"channels" yaml:"channels"`
}

// Channel is one logical audio stream within a session.
type Channel struct {
	// ID is unique within the owning session. It is the channel's primary key,
	// not its routing index; see [SortChannels].
	ID int64 `json:"id" yaml:"id"`

	StreamStatus StreamStatus `json:"streamStatus" yaml:"streamStatus"`

	KeepAudio             bool `json:"keepAudio" yaml:"keepAudio"`
	CompressAudio         bool `json:"compressAudio" yaml:"compressAudio"`
	Diarization           bool `json:"diarization" yaml:"diarization"`
	EnableLiveTranscripts bool `json:"enableLiveTranscripts" yaml:"enableLiveTranscripts"`

	// Translations lists BCP47 target languages each final segment is
	// translated into before delivery.
	Translations []string `json:"translations,omitempty" yaml:"translations"`

	TranscriberProfile TranscriberProfile `json:"transcriberProfile" yaml:"transcriberProfile"`
}

// TranscriberProfile describes which ASR backend serves a channel and how it
// is configured.
type TranscriberProfile struct {
	// Type names the backend variant: "realtime", "deepgram" or "noop".
	Type string `json:"type" yaml:"type"`

	// Protocol selects the wire dialect of a realtime backend: "openai" or
	// "vllm". Ignored by other backends.
	Protocol string `json:"protocol,omitempty" yaml:"protocol"`

	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`
	APIKey   string `json:"apiKey,omitempty" yaml:"apiKey"`
	Model    string `json:"model,omitempty" yaml:"model"`

	// Languages are the candidate BCP47 languages spoken on the channel. The
	// first entry is used as the recognition hint.
	Languages []string `json:"languages,omitempty" yaml:"languages"`

	Segmentation Segmentation `json:"segmentation,omitzero" yaml:"segmentation"`
}

// Segmentation overrides the segmentation thresholds of a realtime backend.
// Zero values keep the backend defaults.
type Segmentation struct {
	HardMaxWords   int `json:"hardMaxWords,omitempty" yaml:"hardMaxWords"`
	SoftMaxWords   int `json:"softMaxWords,omitempty" yaml:"softMaxWords"`
	MinWords       int `json:"minWords,omitempty" yaml:"minWords"`
	SilenceMs      int `json:"silenceMs,omitempty" yaml:"silenceMs"`
	PunctSilenceMs int `json:"punctSilenceMs,omitempty" yaml:"punctSilenceMs"`
	HardSilenceMs  int `json:"hardSilenceMs,omitempty" yaml:"hardSilenceMs"`
	DrainGraceMs   int `json:"drainGraceMs,omitempty" yaml:"drainGraceMs"`
	MinDetectChars int `json:"minDetectChars,omitempty" yaml:"minDetectChars"`
	RedetectChars  int `json:"redetectChars,omitempty" yaml:"redetectChars"`
}

// SortChannels returns a copy of chs ordered ascending by channel id. The
// position of a channel in the result is its routing index.
func SortChannels(chs []Channel) []Channel {
	out := slices.Clone(chs)
	slices.SortStableFunc(out, func(a, b Channel) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// ChannelAt returns the channel with routing index idx, computed over the
// channels sorted by id.
func (s *Session) ChannelAt(idx int) (Channel, bool) {
	sorted := SortChannels(s.Channels)
	if idx < 0 || idx >= len(sorted) {
		return Channel{}, false
	}
	return sorted[idx], true
}

// IndexOf returns the routing index of the channel with the given id, or -1.
func (s *Session) IndexOf(channelID int64) int {
	for i, ch := range SortChannels(s.Channels) {
		if ch.ID == channelID {
			return i
		}
	}
	return -1
}
