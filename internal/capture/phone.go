package capture

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

type phoneRule struct {
	countryCode string
	trunk       string // national trunk prefix, "0" in most of Europe
	minNational int
	maxNational int
	groups      []int
}

var phoneRules = map[string]phoneRule{
	"US": {countryCode: "1", minNational: 10, maxNational: 10, groups: []int{3, 3, 4}},
	"CA": {countryCode: "1", minNational: 10, maxNational: 10, groups: []int{3, 3, 4}},
	"GB": {countryCode: "44", trunk: "0", minNational: 10, maxNational: 10, groups: []int{4, 3, 3}},
	"DE": {countryCode: "49", trunk: "0", minNational: 9, maxNational: 11, groups: []int{3, 4, 4}},
	"FR": {countryCode: "33", trunk: "0", minNational: 9, maxNational: 9, groups: []int{1, 2, 2, 2, 2}},
}

var genericPhoneRule = phoneRule{minNational: 8, maxNational: 15, groups: []int{3, 3, 3, 3, 3}}

type phonePrimitive struct {
	locale language.Tag
	rule   phoneRule
}

func newPhone(locale language.Tag) Primitive {
	rule, ok := phoneRules[regionOf(locale)]
	if !ok {
		rule = genericPhoneRule
	}
	return phonePrimitive{locale: locale, rule: rule}
}

func (phonePrimitive) Type() ValueType { return Phone }

func (phonePrimitive) Label() string { return "phone number" }

func (phonePrimitive) Example() string { return "five five five, one two three, four five six seven" }

func (p phonePrimitive) Extract(text string) (string, bool) {
	digits := spokenDigits(tokenize(text))
	if len(strings.TrimPrefix(digits, "+")) < 7 {
		return "", false
	}
	return digits, true
}

// national strips an international or trunk prefix and returns the
// subscriber digits for rule.
func (r phoneRule) national(candidate string) string {
	international := strings.HasPrefix(candidate, "+")
	digits := onlyDigits(candidate)
	if r.countryCode == "" {
		return digits
	}
	switch {
	case international && strings.HasPrefix(digits, r.countryCode):
		return strings.TrimPrefix(digits, r.countryCode)
	case strings.HasPrefix(digits, "00"+r.countryCode):
		return strings.TrimPrefix(digits, "00"+r.countryCode)
	case r.trunk != "" && strings.HasPrefix(digits, r.trunk):
		return strings.TrimPrefix(digits, r.trunk)
	case r.trunk == "" && len(digits) == r.maxNational+len(r.countryCode) && strings.HasPrefix(digits, r.countryCode):
		return strings.TrimPrefix(digits, r.countryCode)
	}
	return digits
}

func (p phonePrimitive) Validate(candidate string, locale language.Tag) error {
	rule, ok := phoneRules[regionOf(locale)]
	if !ok {
		rule = genericPhoneRule
	}
	if strings.TrimSpace(candidate) == "" {
		return invalid("empty")
	}
	national := rule.national(candidate)
	if len(national) < rule.minNational {
		return invalid("too_short")
	}
	if len(national) > rule.maxNational {
		return invalid("too_long")
	}
	if rule.countryCode == "1" && (national[0] == '0' || national[0] == '1') {
		return invalid("invalid_area_code")
	}
	if rule.trunk != "" && national[0] == '0' {
		return invalid("invalid_prefix")
	}
	return nil
}

func (p phonePrimitive) Normalize(candidate string) string {
	national := p.rule.national(candidate)
	if p.rule.countryCode == "" {
		if strings.HasPrefix(candidate, "+") {
			return "+" + national
		}
		return national
	}
	return "+" + p.rule.countryCode + national
}

func (p phonePrimitive) ConfirmationPrompt(candidate string) string {
	return fmt.Sprintf("I have your phone number as %s. Is that correct?", speakDigits(p.rule.national(candidate), p.rule.groups))
}

// Repair handles "the last four digits are 4 5 6 8" style corrections by
// replacing only the trailing digits of the current value.
func (p phonePrimitive) Repair(current, text string) (string, bool) {
	tokens := tokenize(text)
	trailing := false
	for _, tok := range tokens {
		switch tok {
		case "last", "ending", "ends", "end":
			trailing = true
		}
	}
	if !trailing {
		return "", false
	}
	digits := spokenDigits(tokens)
	digits = strings.TrimPrefix(digits, "+")
	// "last four digits" speaks the count too; drop it when it matches.
	if len(digits) > 1 {
		if n := int(digits[0] - '0'); n == len(digits)-1 {
			digits = digits[1:]
		}
	}
	national := p.rule.national(current)
	if digits == "" || len(digits) >= len(national) {
		return "", false
	}
	repaired := national[:len(national)-len(digits)] + digits
	if repaired == national {
		return "", false
	}
	if p.rule.countryCode == "" {
		return repaired, true
	}
	return "+" + p.rule.countryCode + repaired, true
}

func speakDigits(digits string, groups []int) string {
	var chunks []string
	rest := digits
	for _, size := range groups {
		if rest == "" {
			break
		}
		if size > len(rest) {
			size = len(rest)
		}
		chunks = append(chunks, spaced(rest[:size]))
		rest = rest[size:]
	}
	if rest != "" {
		chunks = append(chunks, spaced(rest))
	}
	return strings.Join(chunks, ", ")
}

func spaced(s string) string {
	return strings.Join(strings.Split(s, ""), " ")
}
