package objective

import (
	"strings"

	"github.com/loqalabs/loqa-capture/internal/capture"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Response is the reading of a caller's reply to a confirmation prompt.
type Response int

const (
	Ambiguous Response = iota
	Affirmation
	Negation
	Correction
)

func (r Response) String() string {
	switch r {
	case Affirmation:
		return "affirmation"
	case Negation:
		return "negation"
	case Correction:
		return "correction"
	}
	return "ambiguous"
}

var negationWords = map[string]bool{
	"no": true, "nope": true, "nah": true, "wrong": true, "incorrect": true,
	"negative": true, "not": true, "isn't": true, "wasn't": true,
}

var affirmationWords = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "yup": true, "ya": true,
	"correct": true, "right": true, "exactly": true, "affirmative": true,
	"sure": true, "ok": true, "okay": true, "perfect": true,
	"absolutely": true, "definitely": true, "uh-huh": true, "mhm": true,
	"fine": true, "good": true, "great": true, "alright": true,
}

var negationPhrases = [][]string{
	{"that's", "not"},
	{"that", "is", "not"},
	{"not", "quite"},
	{"not", "right"},
	{"not", "correct"},
}

// neutralPhrases are stock phrases that say nothing about the value even
// though they contain "no", "not" or number words.
var neutralPhrases = [][]string{
	{"no", "problem"},
	{"no", "doubt"},
	{"no", "worries"},
	{"no", "question"},
	{"why", "not"},
	{"not", "a", "problem"},
	{"of", "course"},
	{"hold", "on"},
	{"hang", "on"},
	{"go", "ahead"},
	{"one", "second"},
	{"one", "sec"},
	{"one", "moment"},
	{"one", "minute"},
	{"a", "second"},
	{"a", "moment"},
	{"a", "minute"},
	{"a", "hundred", "percent"},
	{"one", "hundred", "percent"},
	{"hundred", "percent"},
	{"the", "one"},
	{"that", "one"},
	{"this", "one"},
}

// correctionMarkers introduce a value the caller is supplying instead of the
// one read back.
var correctionMarkers = [][]string{
	{"it's"},
	{"its"},
	{"it", "is"},
	{"i", "said"},
	{"i", "meant"},
	{"i", "mean"},
	{"actually"},
	{"should", "be"},
	{"make", "that"},
	{"instead"},
	{"my", "name", "is"},
	{"name", "is"},
	{"name's"},
	{"call", "me"},
}

// confirmationWords never carry part of a value; they are removed before
// looking for a correction in the reply.
var confirmationWords = map[string]bool{
	"that's": true, "thats": true, "that": true, "is": true, "it": true,
	"it's": true, "its": true, "i": true, "i'm": true, "mean": true,
	"meant": true, "said": true, "um": true, "uh": true, "actually": true,
	"sorry": true, "please": true, "thanks": true, "thank": true, "you": true,
	"my": true, "name": true, "name's": true, "this": true, "call": true,
	"me": true, "but": true, "well": true, "should": true, "be": true,
	"don't": true, "know": true, "what": true, "huh": true, "hmm": true,
	"maybe": true, "pardon": true, "repeat": true, "again": true, "say": true,
	"can": true, "could": true, "think": true, "so": true, "instead": true,
	"spelled": true, "different": true, "differently": true,
}

// Classify reads a reply to "is X correct?". Negation wins over everything,
// then a different value the caller supplies counts as a correction, then
// affirmation. Anything else is ambiguous. The returned candidate is the
// replacement value when one was found.
//
// Stock phrases such as "no problem" or "one second" are ignored. A name is
// only taken from the reply after a rejection or an introducing phrase
// ("it's", "my name is").
func Classify(text string, prim capture.Primitive, current string) (Response, string) {
	r := newReply(text)
	candidate, corrected := correction(r, prim, current)
	switch {
	case r.negated:
		return Negation, candidate
	case corrected:
		return Correction, candidate
	case r.affirmed:
		return Affirmation, ""
	}
	return Ambiguous, ""
}

type reply struct {
	text     string
	tokens   []string
	neutral  []bool
	negated  bool
	affirmed bool
	// marker is the index just past the last correction marker, or -1.
	marker int
}

func newReply(text string) reply {
	r := reply{text: text, tokens: words(text), marker: -1}
	r.neutral = make([]bool, len(r.tokens))
	for i, tok := range r.tokens {
		for _, phrase := range neutralPhrases {
			if hasPhrase(r.tokens, i, phrase) {
				for j := range phrase {
					r.neutral[i+j] = true
				}
			}
		}
		if tok == "percent" && i > 0 {
			r.neutral[i-1], r.neutral[i] = true, true
		}
	}
	for i, tok := range r.tokens {
		if r.neutral[i] {
			continue
		}
		if negationWords[tok] {
			r.negated = true
		}
		if affirmationWords[tok] {
			r.affirmed = true
		}
		for _, phrase := range negationPhrases {
			if hasPhrase(r.tokens, i, phrase) {
				r.negated = true
			}
		}
		for _, phrase := range correctionMarkers {
			if hasPhrase(r.tokens, i, phrase) {
				r.marker = i + len(phrase)
			}
		}
	}
	return r
}

// residual joins the tokens from start on that could belong to a value.
func (r reply) residual(start int) string {
	var out []string
	for i := start; i < len(r.tokens); i++ {
		tok := r.tokens[i]
		if r.neutral[i] || confirmationWords[tok] || negationWords[tok] || affirmationWords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

// correction looks for a value in the reply that differs from current.
func correction(r reply, prim capture.Primitive, current string) (string, bool) {
	candidate, ok := correctionCandidate(r, prim, current, false)
	if !ok || prim.Normalize(candidate) == current {
		return "", false
	}
	return candidate, true
}

// correctionCandidate extracts a full value from the reply, or failing that
// a partial repair of current. A bare value is taken when asked is set,
// since the reply then answers a request for the value.
func correctionCandidate(r reply, prim capture.Primitive, current string, asked bool) (string, bool) {
	if r.marker >= 0 {
		if candidate, ok := extract(prim, r.residual(r.marker)); ok {
			return candidate, true
		}
	}
	explicit := asked || r.marker >= 0 || r.negated
	bare := prim.Type() != capture.Name && (!r.affirmed || valueShaped(prim.Type(), r.tokens))
	if explicit || bare {
		if candidate, ok := extract(prim, r.residual(0)); ok {
			return candidate, true
		}
	}
	if rp, ok := prim.(capture.Repairer); ok && current != "" {
		if repaired, ok := rp.Repair(current, r.text); ok {
			return repaired, true
		}
	}
	return "", false
}

func extract(prim capture.Primitive, text string) (string, bool) {
	if text == "" {
		return "", false
	}
	return prim.Extract(text)
}

// valueShaped reports whether an affirmed reply still spells out a value of
// type vt, as in "yes, john at outlook dot com".
func valueShaped(vt capture.ValueType, tokens []string) bool {
	if vt != capture.Email {
		return true
	}
	for _, tok := range tokens {
		if tok == "at" || strings.Contains(tok, "@") {
			return true
		}
	}
	return false
}

func hasPhrase(tokens []string, i int, phrase []string) bool {
	return i+len(phrase) <= len(tokens) && equal(tokens[i:i+len(phrase)], phrase)
}

func words(text string) []string {
	lower := cases.Lower(language.Und).String(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', '!', '?', ';', ':', '"':
			return true
		}
		return false
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, "."); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func equal(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
