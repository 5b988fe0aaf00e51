package capture

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

type numberPrimitive struct{}

func newNumber(_ language.Tag) Primitive { return numberPrimitive{} }

func (numberPrimitive) Type() ValueType { return Number }

func (numberPrimitive) Label() string { return "number" }

func (numberPrimitive) Example() string { return "twenty five" }

func (numberPrimitive) Extract(text string) (string, bool) {
	tokens := splitHyphens(tokenize(text))
	for i := range tokens {
		if isNumericToken(tokens[i]) && !strings.ContainsAny(tokens[i], "/+") {
			if digits := onlyDigits(tokens[i]); digits != "" {
				return strings.TrimLeft(digits, "0") + zeroIfEmpty(digits), true
			}
		}
		if n, _, ok := parseCardinal(tokens[i:]); ok {
			return strconv.Itoa(n), true
		}
	}
	return "", false
}

func zeroIfEmpty(digits string) string {
	if strings.TrimLeft(digits, "0") == "" {
		return "0"
	}
	return ""
}

func (numberPrimitive) Validate(candidate string, _ language.Tag) error {
	if _, err := strconv.ParseUint(strings.TrimSpace(candidate), 10, 63); err != nil {
		return invalid("not_a_number")
	}
	return nil
}

func (numberPrimitive) Normalize(candidate string) string {
	n, err := strconv.ParseUint(strings.TrimSpace(candidate), 10, 63)
	if err != nil {
		return strings.TrimSpace(candidate)
	}
	return strconv.FormatUint(n, 10)
}

func (numberPrimitive) ConfirmationPrompt(candidate string) string {
	return fmt.Sprintf("I have the number as %s. Is that correct?", candidate)
}
