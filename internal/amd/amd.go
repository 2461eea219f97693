// Package amd classifies the first utterance of an outbound call as a human
// answer or an answering machine.
//
// Telephony-level machine detection is unreliable on short greetings, so the
// detector works on the transcript instead: the first final user transcript
// is scanned for machine-greeting phrases ("please leave a message after the
// tone", "has been forwarded to an automated voice messaging system") using
// Double Metaphone phonetic overlap plus Jaro-Winkler similarity, which keeps
// the match robust against transcription errors. A long uninterrupted first
// utterance is a secondary machine signal; humans answer with a word or two.
package amd

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold  = 0.82
	defaultFuzzyThreshold     = 0.90
	defaultLongUtteranceWords = 18
)

// defaultPhrases are greeting fragments that essentially never occur in a
// live human answer. Matching is per-phrase against a sliding window of the
// same length over the transcript.
var defaultPhrases = []string{
	"please leave a message",
	"leave a message after the tone",
	"leave your message after the tone",
	"record your message after the beep",
	"at the tone please record your message",
	"your call has been forwarded",
	"has been forwarded to an automated voice messaging system",
	"the person you are trying to reach",
	"is not available right now",
	"is unable to take your call",
	"please leave your name and number",
	"nobody is available to take your call",
	"you have reached the voicemail",
	"you have reached the mailbox of",
	"the mailbox is full",
	"press pound when you are finished",
}

// Option configures a [Detector].
type Option func(*Detector)

// WithPhrases replaces the built-in machine-greeting phrase list.
func WithPhrases(phrases []string) Option {
	return func(d *Detector) {
		d.phrases = phrases
	}
}

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-overlapping window to count as a phrase hit. Default: 0.82.
func WithPhoneticThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when the
// window has no phonetic overlap with the phrase. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.fuzzyThreshold = threshold
	}
}

// WithLongUtteranceWords sets the word count at which a first utterance is
// treated as a machine greeting even without a phrase hit. Zero disables the
// length signal. Default: 18.
func WithLongUtteranceWords(words int) Option {
	return func(d *Detector) {
		d.longUtteranceWords = words
	}
}

// Verdict is the outcome of classifying one utterance.
type Verdict struct {
	// Machine is true when the utterance looks like an answering machine.
	Machine bool

	// Phrase is the greeting phrase that matched, empty for a length-only
	// verdict or a human verdict.
	Phrase string

	// Confidence is the Jaro-Winkler score of the matched window, or 1.0
	// for a length-only verdict.
	Confidence float64
}

// Detector matches utterances against machine-greeting phrases. Read-only
// after construction and safe for concurrent use.
type Detector struct {
	phrases            []string
	phraseTokens       [][]string
	phraseCodes        []map[string]struct{}
	phoneticThreshold  float64
	fuzzyThreshold     float64
	longUtteranceWords int
}

// New returns a Detector with the built-in phrase list unless overridden.
func New(opts ...Option) *Detector {
	d := &Detector{
		phrases:            defaultPhrases,
		phoneticThreshold:  defaultPhoneticThreshold,
		fuzzyThreshold:     defaultFuzzyThreshold,
		longUtteranceWords: defaultLongUtteranceWords,
	}
	for _, o := range opts {
		o(d)
	}
	d.phraseTokens = make([][]string, len(d.phrases))
	d.phraseCodes = make([]map[string]struct{}, len(d.phrases))
	for i, p := range d.phrases {
		tokens := strings.Fields(strings.ToLower(strings.TrimSpace(p)))
		d.phraseTokens[i] = tokens
		d.phraseCodes[i] = codesForTokens(tokens)
	}
	return d
}

// Classify scores transcript against the phrase list and returns the best
// verdict. An empty transcript is always human.
func (d *Detector) Classify(transcript string) Verdict {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(transcript)))
	if len(tokens) == 0 {
		return Verdict{}
	}

	var best Verdict
	for i, phraseTokens := range d.phraseTokens {
		score, ok := d.matchPhrase(tokens, phraseTokens, d.phraseCodes[i])
		if ok && score > best.Confidence {
			best = Verdict{Machine: true, Phrase: d.phrases[i], Confidence: score}
		}
	}
	if best.Machine {
		return best
	}

	if d.longUtteranceWords > 0 && len(tokens) >= d.longUtteranceWords {
		return Verdict{Machine: true, Confidence: 1.0}
	}
	return Verdict{}
}

// matchPhrase slides a phrase-length window over the transcript tokens and
// returns the best window score. Windows with phonetic overlap qualify at
// the phonetic threshold, the rest at the stricter fuzzy threshold.
func (d *Detector) matchPhrase(tokens, phraseTokens []string, phraseCodes map[string]struct{}) (float64, bool) {
	n := len(phraseTokens)
	if n == 0 || len(tokens) < n {
		return 0, false
	}
	phrase := strings.Join(phraseTokens, " ")

	var best float64
	var hit bool
	for i := 0; i+n <= len(tokens); i++ {
		window := tokens[i : i+n]
		windowCodes := codesForTokens(window)
		score := matchr.JaroWinkler(strings.Join(window, " "), phrase, false)

		threshold := d.fuzzyThreshold
		if codesOverlap(windowCodes, phraseCodes) {
			threshold = d.phoneticThreshold
		}
		if score >= threshold && score > best {
			best = score
			hit = true
		}
	}
	return best, hit
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Tokens too short to encode contribute nothing.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
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
