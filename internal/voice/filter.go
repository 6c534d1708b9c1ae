// Package voice implements the push-to-talk voice command pipeline: utterance
// capture, transcription, a cheap phonetic prefilter, and dispatch of the
// backend's interpreted command.
package voice

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultFilterThreshold = 0.82

// commandKeywords are words a driver plausibly says when issuing a command.
// The prefilter only needs one phonetic or fuzzy hit to let a transcript
// through; the backend does the real interpretation.
var commandKeywords = []string{
	"calm", "calmer", "relax", "breathe", "breathing",
	"stressed", "stress", "anxious", "panic", "help",
	"route", "reroute", "road", "way", "navigate", "drive",
	"stop", "pull", "over", "park", "safe", "spot", "break", "rest",
	"eta", "long", "time", "arrive", "arrival", "far",
	"debrief", "done", "finish", "end", "talk",
}

// Filter decides whether a transcript is worth a backend round-trip.
// It is read-only after construction and safe for concurrent use.
type Filter struct {
	threshold float64
	codes     map[string]struct{}
	keywords  []string
}

// FilterOption configures a [Filter].
type FilterOption func(*Filter)

// WithFilterThreshold sets the minimum Jaro-Winkler similarity a transcript
// token must reach against a keyword when the phonetic codes do not overlap.
// Default: 0.82.
func WithFilterThreshold(threshold float64) FilterOption {
	return func(f *Filter) {
		f.threshold = threshold
	}
}

// NewFilter returns a Filter matching against the built-in command keyword
// set.
func NewFilter(opts ...FilterOption) *Filter {
	f := &Filter{
		threshold: defaultFilterThreshold,
		keywords:  commandKeywords,
	}
	for _, o := range opts {
		o(f)
	}
	f.codes = make(map[string]struct{}, len(f.keywords)*2)
	for _, kw := range f.keywords {
		p, s := matchr.DoubleMetaphone(kw)
		if p != "" {
			f.codes[p] = struct{}{}
		}
		if s != "" {
			f.codes[s] = struct{}{}
		}
	}
	return f
}

// Plausible reports whether the transcript contains at least one token that
// sounds like a command keyword. Empty or whitespace-only transcripts are
// never plausible.
func (f *Filter) Plausible(transcript string) bool {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(transcript)))
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		p, s := matchr.DoubleMetaphone(tok)
		if p != "" {
			if _, ok := f.codes[p]; ok {
				return true
			}
		}
		if s != "" {
			if _, ok := f.codes[s]; ok {
				return true
			}
		}
	}
	// Phonetic miss: one fuzzy pass catches transcription typos that mangle
	// the consonant skeleton.
	for _, tok := range tokens {
		for _, kw := range f.keywords {
			if matchr.JaroWinkler(tok, kw, false) >= f.threshold {
				return true
			}
		}
	}
	return false
}
