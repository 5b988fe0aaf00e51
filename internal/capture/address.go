package capture

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

var streetSuffixes = map[string]string{
	"street": "Street", "st": "Street",
	"avenue": "Avenue", "ave": "Avenue",
	"road": "Road", "rd": "Road",
	"boulevard": "Boulevard", "blvd": "Boulevard",
	"lane": "Lane", "ln": "Lane",
	"drive": "Drive", "dr": "Drive",
	"court": "Court", "ct": "Court",
	"place": "Place", "pl": "Place",
	"way":     "Way",
	"terrace": "Terrace",
	"circle":  "Circle",
	"parkway": "Parkway",
	"highway": "Highway",
}

var addressPattern = regexp.MustCompile(`^\d{1,6}[A-Za-z]? [A-Za-z0-9'\- ]+ [A-Za-z]+$`)

type addressPrimitive struct{}

func newAddress(_ language.Tag) Primitive { return addressPrimitive{} }

func (addressPrimitive) Type() ValueType { return Address }

func (addressPrimitive) Label() string { return "street address" }

func (addressPrimitive) Example() string { return "one twenty three Main Street" }

func (addressPrimitive) Extract(text string) (string, bool) {
	tokens := splitHyphens(tokenize(text))
	for i := range tokens {
		number, used := spokenNumberString(tokens[i:])
		if number == "" {
			continue
		}
		var street []string
		for _, tok := range tokens[i+used:] {
			if suffix, ok := streetSuffixes[tok]; ok && len(street) > 0 {
				return number + " " + strings.Join(append(street, suffix), " "), true
			}
			if !isNameWord(tok) && !isDigits(tok) {
				break
			}
			street = append(street, tok)
			if len(street) > 5 {
				break
			}
		}
	}
	return "", false
}

func (addressPrimitive) Validate(candidate string, locale language.Tag) error {
	if !isEnglish(locale) {
		return impossible("unsupported_locale")
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return invalid("empty")
	}
	if !addressPattern.MatchString(candidate) {
		return invalid("malformed")
	}
	words := strings.Fields(candidate)
	if _, ok := streetSuffixes[strings.ToLower(words[len(words)-1])]; !ok {
		return invalid("missing_street_type")
	}
	return nil
}

func (addressPrimitive) Normalize(candidate string) string {
	words := strings.Fields(candidate)
	for i, w := range words {
		if i == len(words)-1 {
			if suffix, ok := streetSuffixes[strings.ToLower(w)]; ok {
				words[i] = suffix
				continue
			}
		}
		if i == 0 {
			words[i] = strings.ToUpper(w)
			continue
		}
		words[i] = titleCase(w)
	}
	return strings.Join(words, " ")
}

func (addressPrimitive) ConfirmationPrompt(candidate string) string {
	return fmt.Sprintf("I have your address as %s. Is that correct?", candidate)
}
