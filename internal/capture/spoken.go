package capture

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// tokenize folds text to NFKC lower case and splits it on whitespace and on
// punctuation that never appears inside a spoken value.
func tokenize(text string) []string {
	folded := cases.Lower(language.Und).String(norm.NFKC.String(text))
	raw := strings.FieldsFunc(folded, func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		switch r {
		case '@', '.', '-', '_', '+', '/', '\'':
			return false
		}
		return true
	})
	tokens := raw[:0]
	for _, tok := range raw {
		tok = strings.Trim(tok, ".-/'_")
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// splitHyphens breaks "twenty-first" into "twenty", "first".
func splitHyphens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if strings.Contains(tok, "-") && !isDigits(strings.ReplaceAll(tok, "-", "")) {
			for _, part := range strings.Split(tok, "-") {
				if part != "" {
					out = append(out, part)
				}
			}
			continue
		}
		out = append(out, tok)
	}
	return out
}

var digitWords = map[string]string{
	"zero":  "0",
	"oh":    "0",
	"o":     "0",
	"one":   "1",
	"two":   "2",
	"three": "3",
	"four":  "4",
	"five":  "5",
	"six":   "6",
	"seven": "7",
	"eight": "8",
	"nine":  "9",
}

var unitWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11,
	"twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var tensWords = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"eleventh": 11, "twelfth": 12, "thirteenth": 13, "fourteenth": 14,
	"fifteenth": 15, "sixteenth": 16, "seventeenth": 17, "eighteenth": 18,
	"nineteenth": 19, "twentieth": 20, "thirtieth": 30,
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isNumericToken accepts tokens made of digits and the separators people
// read out when giving numbers ("555-1234", "(555)").
func isNumericToken(tok string) bool {
	hasDigit := false
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r == '-' || r == '.' || r == '/' || r == '+':
		default:
			return false
		}
	}
	return hasDigit
}

// spokenDigits collects every digit spoken in tokens, honouring "double" and
// "triple" and a leading "plus".
func spokenDigits(tokens []string) string {
	var b strings.Builder
	repeat := 1
	for _, tok := range tokens {
		switch tok {
		case "double":
			repeat = 2
			continue
		case "triple":
			repeat = 3
			continue
		case "plus":
			if b.Len() == 0 {
				b.WriteByte('+')
			}
			continue
		case "hundred":
			if b.Len() > 0 {
				b.WriteString("00")
			}
			continue
		}
		if d, ok := digitWords[tok]; ok {
			b.WriteString(strings.Repeat(d, repeat))
			repeat = 1
			continue
		}
		if isNumericToken(tok) {
			if strings.HasPrefix(tok, "+") && b.Len() == 0 {
				b.WriteByte('+')
			}
			digits := onlyDigits(tok)
			if repeat > 1 && len(digits) == 1 {
				digits = strings.Repeat(digits, repeat)
			}
			b.WriteString(digits)
		}
		repeat = 1
	}
	return b.String()
}

// parseTwoDigit reads a number from 0 to 99 spoken as words or digits.
func parseTwoDigit(tokens []string) (int, int, bool) {
	if len(tokens) == 0 {
		return 0, 0, false
	}
	tok := tokens[0]
	if isDigits(tok) && len(tok) <= 2 {
		n, _ := strconv.Atoi(tok)
		return n, 1, true
	}
	if tok == "oh" && len(tokens) > 1 {
		if u, ok := unitWords[tokens[1]]; ok && u < 10 {
			return u, 2, true
		}
	}
	if u, ok := unitWords[tok]; ok {
		return u, 1, true
	}
	if t, ok := tensWords[tok]; ok {
		if len(tokens) > 1 {
			if u, ok := unitWords[tokens[1]]; ok && u > 0 && u < 10 {
				return t + u, 2, true
			}
		}
		return t, 1, true
	}
	return 0, 0, false
}

// parseCardinal reads a spoken or written non-negative integer from the
// start of tokens and returns the number of tokens consumed.
func parseCardinal(tokens []string) (int, int, bool) {
	if len(tokens) == 0 {
		return 0, 0, false
	}
	if isDigits(tokens[0]) {
		n, err := strconv.Atoi(tokens[0])
		if err != nil {
			return 0, 0, false
		}
		return n, 1, true
	}
	total, current, consumed := 0, 0, 0
	seen := false
	for consumed < len(tokens) {
		tok := tokens[consumed]
		u, isUnit := unitWords[tok]
		t, isTens := tensWords[tok]
		switch {
		case isUnit:
			current += u
		case isTens:
			current += t
		case tok == "hundred" && seen:
			current *= 100
		case tok == "thousand" && seen:
			total += current * 1000
			current = 0
		case tok == "and" && seen && consumed+1 < len(tokens) && isNumberWord(tokens[consumed+1]):
			// "two thousand and one"
		default:
			return total + current, consumed, seen
		}
		seen = true
		consumed++
	}
	if !seen {
		return 0, 0, false
	}
	return total + current, consumed, true
}

func isNumberWord(tok string) bool {
	if _, ok := unitWords[tok]; ok {
		return true
	}
	_, ok := tensWords[tok]
	return ok
}

// parseOrdinal reads a day-of-month style ordinal: "14th", "fourteenth",
// "twenty first", "the 3rd", or a plain cardinal up to 31.
func parseOrdinal(tokens []string) (int, int, bool) {
	skip := 0
	if len(tokens) > 0 && tokens[0] == "the" {
		skip = 1
	}
	tokens = tokens[skip:]
	if len(tokens) == 0 {
		return 0, 0, false
	}
	tok := tokens[0]
	for _, suffix := range []string{"st", "nd", "rd", "th"} {
		if strings.HasSuffix(tok, suffix) && isDigits(strings.TrimSuffix(tok, suffix)) {
			n, _ := strconv.Atoi(strings.TrimSuffix(tok, suffix))
			return n, skip + 1, true
		}
	}
	if isDigits(tok) && len(tok) <= 2 {
		n, _ := strconv.Atoi(tok)
		return n, skip + 1, true
	}
	if n, ok := ordinalWords[tok]; ok {
		return n, skip + 1, true
	}
	if t, ok := tensWords[tok]; ok && len(tokens) > 1 {
		if n, ok := ordinalWords[tokens[1]]; ok && n < 10 {
			return t + n, skip + 2, true
		}
		if u, ok := unitWords[tokens[1]]; ok && u > 0 && u < 10 {
			return t + u, skip + 2, true
		}
	}
	if u, ok := unitWords[tok]; ok && u > 0 {
		return u, skip + 1, true
	}
	if t, ok := tensWords[tok]; ok && t <= 30 {
		return t, skip + 1, true
	}
	return 0, 0, false
}

// parseYear reads "1990", "nineteen ninety", "nineteen eighty five",
// "two thousand and one", "twenty twenty four" or "ninety".
func parseYear(tokens []string) (int, int, bool) {
	if len(tokens) == 0 {
		return 0, 0, false
	}
	if isDigits(tokens[0]) {
		n, _ := strconv.Atoi(tokens[0])
		switch len(tokens[0]) {
		case 4:
			return n, 1, true
		case 2:
			return expandTwoDigitYear(n), 1, true
		}
		return 0, 0, false
	}
	if len(tokens) > 1 && tokens[1] == "thousand" {
		n, consumed, ok := parseCardinal(tokens)
		if ok && n >= 1000 {
			return n, consumed, true
		}
	}
	high, used, ok := parseTwoDigit(tokens)
	if !ok {
		return 0, 0, false
	}
	if high >= 10 {
		if len(tokens) > used && tokens[used] == "hundred" {
			return high * 100, used + 1, true
		}
		if low, more, ok := parseTwoDigit(tokens[used:]); ok {
			return high*100 + low, used + more, true
		}
	}
	return expandTwoDigitYear(high), used, true
}

func expandTwoDigitYear(n int) int {
	if n >= 100 {
		return n
	}
	if n <= 30 {
		return 2000 + n
	}
	return 1900 + n
}

// spokenNumberString renders a run of number words as digits the way house
// numbers are read: "one twenty three" becomes "123".
func spokenNumberString(tokens []string) (string, int) {
	var b strings.Builder
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if isDigits(tok) {
			b.WriteString(tok)
			i++
			continue
		}
		if t, ok := tensWords[tok]; ok {
			if i+1 < len(tokens) {
				if u, ok := unitWords[tokens[i+1]]; ok && u > 0 && u < 10 {
					b.WriteString(strconv.Itoa(t + u))
					i += 2
					continue
				}
			}
			b.WriteString(strconv.Itoa(t))
			i++
			continue
		}
		if u, ok := unitWords[tok]; ok && tok != "oh" {
			b.WriteString(strconv.Itoa(u))
			i++
			continue
		}
		break
	}
	return b.String(), i
}

func titleCase(s string) string {
	return cases.Title(language.Und).String(strings.ToLower(s))
}
