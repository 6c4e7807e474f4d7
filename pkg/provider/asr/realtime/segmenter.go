package realtime

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Thresholds tune when accumulated text is cut into a final segment.
type Thresholds struct {
	// HardMaxWords forces a split regardless of silence. Default 45.
	HardMaxWords int

	// SoftMaxWords cuts as soon as the text ends a sentence. Default 30.
	SoftMaxWords int

	// MinWords is the smallest text cut by a silence rule. Default 3.
	MinWords int

	// Silence is the base silence threshold for punctuated text. Default 1s.
	Silence time.Duration

	// PunctSilence is the shorter threshold for punctuated text of at least
	// SoftMaxWords/2 words. Default 500ms.
	PunctSilence time.Duration

	// HardSilence starts a drain for unpunctuated text. Default 2.5s.
	HardSilence time.Duration

	// DrainGrace is how long a drain waits for trailing tokens. Default 750ms.
	DrainGrace time.Duration
}

// DefaultThresholds returns the default segmentation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HardMaxWords: 45,
		SoftMaxWords: 30,
		MinWords:     3,
		Silence:      1000 * time.Millisecond,
		PunctSilence: 500 * time.Millisecond,
		HardSilence:  2500 * time.Millisecond,
		DrainGrace:   750 * time.Millisecond,
	}
}

// merge returns t with zero fields taken from DefaultThresholds.
func (t Thresholds) merge() Thresholds {
	d := DefaultThresholds()
	if t.HardMaxWords > 0 {
		d.HardMaxWords = t.HardMaxWords
	}
	if t.SoftMaxWords > 0 {
		d.SoftMaxWords = t.SoftMaxWords
	}
	if t.MinWords > 0 {
		d.MinWords = t.MinWords
	}
	if t.Silence > 0 {
		d.Silence = t.Silence
	}
	if t.PunctSilence > 0 {
		d.PunctSilence = t.PunctSilence
	}
	if t.HardSilence > 0 {
		d.HardSilence = t.HardSilence
	}
	if t.DrainGrace > 0 {
		d.DrainGrace = t.DrainGrace
	}
	return d
}

// Rule identifies why a segment was cut.
type Rule int

const (
	RuleNone Rule = iota
	RuleHardMax
	RuleSoftMax
	RuleSilence
	RulePunctSilence
	RuleDrain
	RuleFlush
)

func (r Rule) String() string {
	switch r {
	case RuleHardMax:
		return "hard_max_words"
	case RuleSoftMax:
		return "soft_max_words"
	case RuleSilence:
		return "silence"
	case RulePunctSilence:
		return "punct_silence"
	case RuleDrain:
		return "drain"
	case RuleFlush:
		return "flush"
	default:
		return "none"
	}
}

// Decision is the outcome of one [Segmenter.Tick].
type Decision struct {
	// Final is the text to emit as a final segment. Empty when nothing is cut.
	Final string

	// Rule is the rule that produced Final or Commit.
	Rule Rule

	// Commit asks the caller to send a non-final commit to the backend.
	Commit bool

	// Remainder is true when a hard split kept a tail in the accumulator.
	Remainder bool
}

// Segmenter turns a stream of incremental text deltas into final segments.
// It holds no timers and performs no I/O: callers feed it deltas and call
// Tick periodically, passing the current time to both. It is not safe for
// concurrent use.
type Segmenter struct {
	th Thresholds

	text       string
	lastDelta  time.Time
	draining   bool
	drainStart time.Time
}

// NewSegmenter returns a Segmenter. Zero fields of th use the defaults.
func NewSegmenter(th Thresholds) *Segmenter {
	return &Segmenter{th: th.merge()}
}

// Thresholds returns the effective thresholds.
func (s *Segmenter) Thresholds() Thresholds { return s.th }

// Text returns the accumulated text.
func (s *Segmenter) Text() string { return s.text }

// Empty reports whether no text is accumulated.
func (s *Segmenter) Empty() bool { return strings.TrimSpace(s.text) == "" }

// Draining reports whether a drain commit is outstanding.
func (s *Segmenter) Draining() bool { return s.draining }

// LastDelta returns the time of the last accepted non-empty delta.
func (s *Segmenter) LastDelta() time.Time { return s.lastDelta }

// AddDelta appends delta received at now and reports whether it was
// accepted. An empty delta is silence and leaves the state untouched. A delta
// made only of punctuation and whitespace is discarded when nothing is
// accumulated. Whitespace-only deltas are appended without counting as
// speech.
func (s *Segmenter) AddDelta(delta string, now time.Time) bool {
	if delta == "" {
		return false
	}
	if s.Empty() {
		if onlyPunctuation(delta) {
			return false
		}
		// Drop leading whitespace so the emitted text starts on a word.
		delta = strings.TrimLeftFunc(delta, unicode.IsSpace)
		s.text = ""
	}
	s.text += delta
	if strings.TrimSpace(delta) != "" {
		s.lastDelta = now
	}
	return true
}

// Tick evaluates the cut rules at now, in priority order, and applies the
// first one that matches.
func (s *Segmenter) Tick(now time.Time) Decision {
	if s.Empty() {
		s.draining = false
		return Decision{}
	}

	if s.draining {
		switch {
		case s.lastDelta.After(s.drainStart):
			// More content arrived; the silence cut is no longer valid.
			s.draining = false
		case now.Sub(s.drainStart) >= s.th.DrainGrace:
			return s.emit(RuleDrain)
		default:
			return Decision{}
		}
	}

	text := strings.TrimSpace(s.text)
	words := countWords(text)
	punct := endsSentence(text)
	silence := now.Sub(s.lastDelta)

	// 1. Hard max words: split at the last sentence break, keep the tail.
	if words >= s.th.HardMaxWords {
		if head, tail, ok := splitAtLastSentence(text); ok {
			s.text = tail
			s.lastDelta = now
			s.draining = false
			return Decision{Final: head, Rule: RuleHardMax, Remainder: true}
		}
		return s.emit(RuleHardMax)
	}

	// 2. Soft max words at a sentence end.
	if words >= s.th.SoftMaxWords && punct {
		return s.emit(RuleSoftMax)
	}

	// 3. Base silence after a sentence end.
	if silence > s.th.Silence && punct && words >= s.th.MinWords {
		return s.emit(RuleSilence)
	}

	// 4. Short silence after a reasonably long sentence.
	if silence > s.th.PunctSilence && punct && words >= s.th.SoftMaxWords/2 {
		return s.emit(RulePunctSilence)
	}

	// 5. Long silence without punctuation: ask the backend to flush first.
	if silence > s.th.HardSilence && words >= s.th.MinWords && !punct {
		s.draining = true
		s.drainStart = now
		return Decision{Rule: RuleDrain, Commit: true}
	}

	return Decision{}
}

// Flush empties the accumulator and returns its trimmed content.
func (s *Segmenter) Flush() string {
	text := strings.TrimSpace(s.text)
	s.text = ""
	s.draining = false
	return text
}

func (s *Segmenter) emit(rule Rule) Decision {
	return Decision{Final: s.Flush(), Rule: rule}
}

// sentenceEnders are the marks that terminate a sentence.
const sentenceEnders = ".!?…。！？؟"

// closers may trail a sentence mark without breaking it, as in `"Yes."`.
const closers = `"')]}»”’`

func isSentenceEnd(r rune) bool {
	return strings.ContainsRune(sentenceEnders, r)
}

// endsSentence reports whether text ends with a sentence mark, ignoring
// trailing closing quotes and brackets.
func endsSentence(text string) bool {
	t := strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(closers, r)
	})
	if t == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(t)
	return isSentenceEnd(r)
}

// splitAtLastSentence scans text backward for the last sentence mark that is
// followed by whitespace. It returns the text up to and including the mark
// and the trimmed remainder. ok is false when no such mark exists or nothing
// follows it.
func splitAtLastSentence(text string) (head, tail string, ok bool) {
	for i := len(text); i > 0; {
		r, size := utf8.DecodeLastRuneInString(text[:i])
		i -= size
		if !isSentenceEnd(r) {
			continue
		}
		next, _ := utf8.DecodeRuneInString(text[i+size:])
		if !unicode.IsSpace(next) {
			continue
		}
		head = strings.TrimSpace(text[:i+size])
		tail = strings.TrimSpace(text[i+size:])
		if head == "" || tail == "" {
			return "", "", false
		}
		return head, tail, true
	}
	return "", "", false
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

// onlyPunctuation reports whether s holds no letters or digits.
func onlyPunctuation(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
