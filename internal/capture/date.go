package capture

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

const isoDate = "2006-01-02"

var monthWords = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

type datePrimitive struct {
	monthFirst bool
}

func newDate(locale language.Tag) Primitive {
	region := regionOf(locale)
	return datePrimitive{monthFirst: region == "US" || region == "PH" || region == "FM"}
}

func (datePrimitive) Type() ValueType { return Date }

func (datePrimitive) Label() string { return "date" }

func (datePrimitive) Example() string { return "March fourteenth, nineteen ninety" }

func (d datePrimitive) Extract(text string) (string, bool) {
	tokens := splitHyphens(tokenize(text))
	for _, tok := range tokens {
		if t, err := time.Parse(isoDate, tok); err == nil {
			return t.Format(isoDate), true
		}
		if strings.Count(tok, "/") == 2 {
			if iso, ok := d.parseSlashed(tok); ok {
				return iso, true
			}
		}
	}
	for i, tok := range tokens {
		month, ok := monthWords[tok]
		if !ok {
			continue
		}
		// "march fourteenth nineteen ninety"
		if day, used, ok := parseOrdinal(tokens[i+1:]); ok {
			rest := skipWords(tokens[i+1+used:], "of", "in")
			if year, _, ok := parseYear(rest); ok {
				return composeDate(year, month, day)
			}
		}
		// "the fourteenth of march nineteen ninety", "14 march 1990"
		for start := max(0, i-4); start < i; start++ {
			day, used, ok := parseOrdinal(tokens[start:i])
			if !ok {
				continue
			}
			between := skipWords(tokens[start+used:i], "of")
			if len(between) != 0 {
				continue
			}
			if year, _, ok := parseYear(skipWords(tokens[i+1:], "of", "in")); ok {
				return composeDate(year, month, day)
			}
		}
	}
	return "", false
}

func (d datePrimitive) parseSlashed(tok string) (string, bool) {
	parts := strings.Split(tok, "/")
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	y, errY := strconv.Atoi(parts[2])
	if errA != nil || errB != nil || errY != nil {
		return "", false
	}
	if len(parts[2]) == 2 {
		y = expandTwoDigitYear(y)
	}
	month, day := a, b
	if !d.monthFirst {
		month, day = b, a
	}
	if month < 1 || month > 12 {
		return "", false
	}
	return composeDate(y, time.Month(month), day)
}

func composeDate(year int, month time.Month, day int) (string, bool) {
	if day < 1 || day > 31 {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, int(month), day), true
}

func skipWords(tokens []string, words ...string) []string {
	for len(tokens) > 0 {
		skipped := false
		for _, w := range words {
			if tokens[0] == w {
				tokens = tokens[1:]
				skipped = true
				break
			}
		}
		if !skipped {
			return tokens
		}
	}
	return tokens
}

func (datePrimitive) Validate(candidate string, _ language.Tag) error {
	t, err := time.Parse(isoDate, strings.TrimSpace(candidate))
	if err != nil {
		// time.Parse rejects impossible days such as February 30th.
		return invalid("not_a_date")
	}
	if t.Year() < 1900 || t.Year() > 2100 {
		return invalid("year_out_of_range")
	}
	return nil
}

func (datePrimitive) Normalize(candidate string) string {
	t, err := time.Parse(isoDate, strings.TrimSpace(candidate))
	if err != nil {
		return strings.TrimSpace(candidate)
	}
	return t.Format(isoDate)
}

func (datePrimitive) ConfirmationPrompt(candidate string) string {
	t, err := time.Parse(isoDate, candidate)
	if err != nil {
		return fmt.Sprintf("I have the date as %s. Is that correct?", candidate)
	}
	return fmt.Sprintf("I have the date as %s. Is that correct?", t.Format("January 2, 2006"))
}
