package orchestrator

import (
	"fmt"
	"time"

	"github.com/MrWong99/streamscribe/internal/session"
	"github.com/MrWong99/streamscribe/pkg/provider/asr"
	"github.com/MrWong99/streamscribe/pkg/provider/asr/deepgram"
	"github.com/MrWong99/streamscribe/pkg/provider/asr/noop"
	"github.com/MrWong99/streamscribe/pkg/provider/asr/realtime"
)

// BackendFactory builds the backend that serves one channel.
type BackendFactory func(ch session.Channel) (asr.Backend, error)

// NewBackend is the default [BackendFactory]. Channels without live
// transcripts get a no-op backend; everything else is selected by the
// profile's backend type.
func NewBackend(ch session.Channel) (asr.Backend, error) {
	if !ch.EnableLiveTranscripts {
		return noop.New(), nil
	}
	p := ch.TranscriberProfile
	kind, err := asr.ParseKind(p.Type)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	switch kind {
	case asr.KindRealtime:
		proto, err := realtime.ParseProtocol(p.Protocol)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		b, err := realtime.New(p.Endpoint,
			realtime.WithAPIKey(p.APIKey),
			realtime.WithProtocol(proto),
			realtime.WithModel(p.Model),
			realtime.WithLanguages(p.Languages...),
			realtime.WithThresholds(thresholds(p.Segmentation)),
			realtime.WithDetection(p.Segmentation.MinDetectChars, p.Segmentation.RedetectChars),
		)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		return b, nil

	case asr.KindDeepgram:
		b, err := deepgram.New(p.APIKey,
			deepgram.WithModel(p.Model),
			deepgram.WithLanguages(p.Languages...),
			deepgram.WithDiarization(ch.Diarization),
			deepgram.WithBaseURL(p.Endpoint),
		)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		return b, nil

	default:
		return noop.New(), nil
	}
}

func thresholds(s session.Segmentation) realtime.Thresholds {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return realtime.Thresholds{
		HardMaxWords: s.HardMaxWords,
		SoftMaxWords: s.SoftMaxWords,
		MinWords:     s.MinWords,
		Silence:      ms(s.SilenceMs),
		PunctSilence: ms(s.PunctSilenceMs),
		HardSilence:  ms(s.HardSilenceMs),
		DrainGrace:   ms(s.DrainGraceMs),
	}
}
