package realtime

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
	"golang.org/x/text/language"
)

// Language detection defaults.
const (
	defaultMinDetectChars = 24
	defaultRedetectChars  = 80
)

// Detector identifies the language of accumulated text among a fixed set of
// candidate BCP47 tags. Results are cached and only recomputed once the text
// has grown by the re-check threshold, or when forced. It is not safe for
// concurrent use.
type Detector struct {
	candidates []string
	byLang     map[lingua.Language]string
	detector   lingua.LanguageDetector

	minChars int
	recheck  int

	cached    string
	cachedLen int
}

// NewDetector builds a detector restricted to tags. Tags the detector does
// not know are ignored for detection but a single configured tag is always
// returned as is. Non-positive thresholds use the defaults.
func NewDetector(tags []string, minChars, recheck int) *Detector {
	if minChars <= 0 {
		minChars = defaultMinDetectChars
	}
	if recheck <= 0 {
		recheck = defaultRedetectChars
	}
	d := &Detector{
		candidates: tags,
		byLang:     make(map[lingua.Language]string, len(tags)),
		minChars:   minChars,
		recheck:    recheck,
	}

	var langs []lingua.Language
	for _, tag := range tags {
		l := linguaLanguage(tag)
		if l == lingua.Unknown {
			slog.Debug("realtime: language not supported by detector", "tag", tag)
			continue
		}
		if _, dup := d.byLang[l]; dup {
			continue
		}
		d.byLang[l] = tag
		langs = append(langs, l)
	}
	if len(langs) >= 2 {
		d.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(langs...).
			WithPreloadedLanguageModels().
			Build()
	}
	return d
}

// Detect returns the BCP47 tag for text, or "" when unknown. force bypasses
// the growth cache and resets it so the next segment is re-checked from
// scratch.
func (d *Detector) Detect(text string, force bool) string {
	switch len(d.candidates) {
	case 0:
		return ""
	case 1:
		return d.candidates[0]
	}
	if d.detector == nil {
		return d.candidates[0]
	}

	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n < d.minChars {
		return d.cached
	}
	if !force && d.cached != "" && n-d.cachedLen < d.recheck {
		return d.cached
	}

	if l, ok := d.detector.DetectLanguageOf(text); ok {
		if tag, known := d.byLang[l]; known {
			d.cached = tag
		}
	}
	d.cachedLen = n
	if force {
		d.cachedLen = 0
	}
	return d.cached
}

// linguaLanguage maps a BCP47 tag to the detector's language enum using the
// tag's ISO 639-1 base.
func linguaLanguage(tag string) lingua.Language {
	t, err := language.Parse(tag)
	if err != nil {
		return lingua.Unknown
	}
	base, _ := t.Base()
	iso := lingua.GetIsoCode639_1FromValue(strings.ToUpper(base.String()))
	return lingua.GetLanguageFromIsoCode639_1(iso)
}
