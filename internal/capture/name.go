package capture

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

var nameMarkers = [][]string{
	{"my", "name", "is"},
	{"name", "is"},
	{"name's"},
	{"this", "is"},
	{"i", "am"},
	{"i'm"},
	{"call", "me"},
	{"it's"},
	{"it", "is"},
}

var nameFillers = map[string]bool{
	"yes": true, "no": true, "um": true, "uh": true, "please": true,
	"thanks": true, "thank": true, "you": true, "sure": true, "hi": true,
	"hello": true, "okay": true, "ok": true, "well": true, "and": true,
	"speaking": true, "here": true, "spelled": true, "the": true,
}

type namePrimitive struct{}

func newName(_ language.Tag) Primitive { return namePrimitive{} }

func (namePrimitive) Type() ValueType { return Name }

func (namePrimitive) Label() string { return "name" }

func (namePrimitive) Example() string { return "Jane Doe" }

func (namePrimitive) Extract(text string) (string, bool) {
	tokens := tokenize(text)
	start := 0
	for i := range tokens {
		for _, marker := range nameMarkers {
			if i+len(marker) <= len(tokens) && equalTokens(tokens[i:i+len(marker)], marker) {
				start = i + len(marker)
			}
		}
	}
	var words []string
	var spelled strings.Builder
	flush := func() {
		if spelled.Len() > 0 {
			words = append(words, spelled.String())
			spelled.Reset()
		}
	}
	for _, tok := range tokens[start:] {
		if nameFillers[tok] {
			if len(words) > 0 || spelled.Len() > 0 {
				break
			}
			continue
		}
		if !isNameWord(tok) {
			break
		}
		if len([]rune(tok)) == 1 {
			spelled.WriteString(tok)
			continue
		}
		flush()
		words = append(words, tok)
	}
	flush()
	if len(words) == 0 || len(words) > 4 {
		return "", false
	}
	return strings.Join(words, " "), true
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isNameWord(tok string) bool {
	for _, r := range tok {
		if !unicode.IsLetter(r) && r != '\'' && r != '-' {
			return false
		}
	}
	return tok != ""
}

func (namePrimitive) Validate(candidate string, _ language.Tag) error {
	words := strings.Fields(candidate)
	if len(words) == 0 {
		return invalid("empty")
	}
	if len(words) > 4 {
		return invalid("too_many_words")
	}
	letters := 0
	for _, w := range words {
		if !isNameWord(strings.ToLower(w)) {
			return invalid("invalid_characters")
		}
		letters += len([]rune(w))
	}
	if letters < 2 {
		return invalid("too_short")
	}
	return nil
}

func (namePrimitive) Normalize(candidate string) string {
	return titleCase(strings.Join(strings.Fields(candidate), " "))
}

func (namePrimitive) ConfirmationPrompt(candidate string) string {
	return fmt.Sprintf("I have your name as %s. Is that right?", candidate)
}
