package call

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	farewellThreshold = 0.70

	// farewellTail is how many trailing transcript tokens the phonetic pass
	// inspects. Farewells end an utterance; scanning the whole transcript
	// would flag phrases merely mentioned mid-sentence.
	farewellTail = 4
)

// DefaultFarewells returns the built-in phrases that end a call when the
// caller says them.
func DefaultFarewells() []string {
	return []string{"goodbye", "bye bye", "hang up"}
}

// FarewellOption is a functional option for configuring a [FarewellDetector].
type FarewellOption func(*FarewellDetector)

// WithFarewellThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-aligned phrase to be accepted. Default: 0.70.
func WithFarewellThreshold(threshold float64) FarewellOption {
	return func(d *FarewellDetector) {
		d.threshold = threshold
	}
}

// FarewellDetector decides whether a caller transcript is a goodbye. It is
// deliberately tolerant of transcription noise: "goodby", "good bye" and
// "bye-bye" should all hang up the call even though none of them is a literal
// phrase match.
//
// Detection proceeds in two stages:
//
//  1. Literal: the phrase's tokens appearing consecutively anywhere in the
//     transcript, a token pair merging into a one-word phrase ("good bye" for
//     "goodbye") or one token splitting a multi-word phrase ("byebye" for
//     "bye bye") are immediate matches.
//
//  2. Phonetic: windows at the end of the transcript are compared against
//     each phrase with Jaro-Winkler similarity. A window only qualifies when
//     its last token shares a Double Metaphone code with the phrase's last
//     token, so an unrelated trailing word cannot drag a phrase-like prefix
//     into a match.
//
// All methods are safe for concurrent use — the detector is read-only after
// construction.
type FarewellDetector struct {
	phrases   [][]string
	originals []string
	threshold float64
}

// NewFarewellDetector creates a detector over the given phrases. Empty
// phrases are dropped; an empty list falls back to [DefaultFarewells].
func NewFarewellDetector(phrases []string, opts ...FarewellOption) *FarewellDetector {
	if len(phrases) == 0 {
		phrases = DefaultFarewells()
	}
	d := &FarewellDetector{threshold: farewellThreshold}
	for _, p := range phrases {
		tokens := strings.Fields(normalizeSpeech(p))
		if len(tokens) == 0 {
			continue
		}
		d.phrases = append(d.phrases, tokens)
		d.originals = append(d.originals, p)
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Match reports whether the transcript contains a farewell. On a match it
// returns the configured phrase that matched and the similarity score (1.0
// for a literal match).
func (d *FarewellDetector) Match(transcript string) (phrase string, confidence float64, matched bool) {
	tokens := strings.Fields(normalizeSpeech(transcript))
	if len(tokens) == 0 {
		return "", 0, false
	}

	for i, pt := range d.phrases {
		if containsTokens(tokens, pt) || matchesRespaced(tokens, pt) {
			return d.originals[i], 1.0, true
		}
	}

	tail := tokens
	if len(tail) > farewellTail {
		tail = tail[len(tail)-farewellTail:]
	}

	var (
		bestPhrase string
		bestScore  float64
	)
	for i, pt := range d.phrases {
		score := d.phoneticScore(tail, pt)
		if score >= d.threshold && score > bestScore {
			bestPhrase, bestScore = d.originals[i], score
		}
	}
	if bestPhrase != "" {
		return bestPhrase, bestScore, true
	}
	return "", 0, false
}

// phoneticScore returns the best Jaro-Winkler similarity between the phrase
// and a qualifying window at the end of the tail. Windows end at the last or
// second-to-last token, tolerating one trailing filler word ("by by now").
func (d *FarewellDetector) phoneticScore(tail, phrase []string) float64 {
	phraseLast := metaphoneCodes(phrase[len(phrase)-1])

	best := 0.0
	for off := 0; off <= 1; off++ {
		end := len(tail) - off
		if end < len(phrase) {
			continue
		}
		window := tail[end-len(phrase) : end]
		if !codesIntersect(metaphoneCodes(window[len(window)-1]), phraseLast) {
			continue
		}
		if s := windowScore(window, phrase); s > best {
			best = s
		}
	}

	// A tail shorter than the phrase may still be a merged or clipped form
	// ("bye" for "bye bye"); compare the concatenations.
	if len(tail) < len(phrase) {
		if codesIntersect(metaphoneCodes(tail[len(tail)-1]), phraseLast) {
			if s := matchr.JaroWinkler(strings.Join(tail, ""), strings.Join(phrase, ""), false); s > best {
				best = s
			}
		}
	}
	return best
}

// windowScore computes the best Jaro-Winkler similarity between a transcript
// window and a phrase, comparing both the space-joined and concatenated forms.
func windowScore(window, phrase []string) float64 {
	score := matchr.JaroWinkler(strings.Join(window, " "), strings.Join(phrase, " "), false)
	if s := matchr.JaroWinkler(strings.Join(window, ""), strings.Join(phrase, ""), false); s > score {
		score = s
	}
	return score
}

// metaphoneCodes returns the Double Metaphone codes of one token. Empty codes
// are excluded.
func metaphoneCodes(token string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(token)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesIntersect returns true if the two code sets share at least one code.
func codesIntersect(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// matchesRespaced reports whether the phrase appears with its spacing shifted:
// two adjacent tokens merging into a one-token phrase, or a single token equal
// to a multi-token phrase with the spaces removed.
func matchesRespaced(tokens, phrase []string) bool {
	if len(phrase) == 1 {
		for i := 0; i+1 < len(tokens); i++ {
			if tokens[i]+tokens[i+1] == phrase[0] {
				return true
			}
		}
		return false
	}
	joined := strings.Join(phrase, "")
	for _, t := range tokens {
		if t == joined {
			return true
		}
	}
	return false
}

// containsTokens reports whether needle appears as a consecutive token run
// inside haystack. Token-wise matching keeps "goodbyes" from matching the
// phrase "goodbye".
func containsTokens(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, n := range needle {
			if haystack[i+j] != n {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// normalizeSpeech lowercases the text and replaces punctuation with spaces so
// "Bye-bye!" tokenizes as "bye bye".
func normalizeSpeech(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, s)
}
