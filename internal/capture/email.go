package capture

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

var emailPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._%+\-]*[a-z0-9_%+\-])?@[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?)*\.[a-z]{2,}$`)

var emailFillers = map[string]bool{
	"my": true, "email": true, "e-mail": true, "mail": true, "address": true,
	"is": true, "it's": true, "its": true, "it": true, "the": true, "yes": true,
	"no": true, "nope": true, "sorry": true, "actually": true, "that's": true,
	"thats": true, "um": true, "uh": true, "and": true, "correct": true,
	"right": true, "wrong": true, "should": true, "be": true, "was": true,
	"said": true, "me": true, "reach": true, "at": true, "you": true,
	"can": true, "use": true, "try": true, "so": true, "well": true,
}

var localSeparators = map[string]string{
	"dot":        ".",
	"period":     ".",
	"point":      ".",
	"underscore": "_",
	"dash":       "-",
	"hyphen":     "-",
	"minus":      "-",
	"plus":       "+",
}

var domainTypos = map[string]string{
	"gmial":    "gmail",
	"gamil":    "gmail",
	"gmal":     "gmail",
	"gnail":    "gmail",
	"hotmial":  "hotmail",
	"hotmal":   "hotmail",
	"yahooo":   "yahoo",
	"yaho":     "yahoo",
	"outlok":   "outlook",
	"outloook": "outlook",
	"con":      "com",
	"cmo":      "com",
}

type emailPrimitive struct {
	fixTypos bool
}

func newEmail(_ language.Tag) Primitive { return emailPrimitive{} }

func newEmailTypoAware(_ language.Tag) Primitive { return emailPrimitive{fixTypos: true} }

func (emailPrimitive) Type() ValueType { return Email }

func (emailPrimitive) Label() string { return "email address" }

func (emailPrimitive) Example() string { return "jane at example dot com" }

func (e emailPrimitive) Extract(text string) (string, bool) {
	tokens := tokenize(text)
	for _, tok := range tokens {
		if strings.Contains(tok, "@") {
			candidate := strings.Trim(tok, ".-_")
			if emailPattern.MatchString(candidate) {
				return candidate, true
			}
		}
	}
	for i := len(tokens) - 1; i >= 1; i-- {
		if tokens[i] != "at" {
			continue
		}
		domain, ok := spokenDomain(tokens[i+1:])
		if !ok {
			continue
		}
		local, ok := spokenLocal(tokens[:i])
		if !ok {
			continue
		}
		return local + "@" + domain, true
	}
	return "", false
}

func (e emailPrimitive) Validate(candidate string, _ language.Tag) error {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if candidate == "" {
		return invalid("empty")
	}
	if strings.Count(candidate, "@") != 1 {
		return invalid("malformed")
	}
	if strings.Contains(candidate, "..") {
		return invalid("consecutive_dots")
	}
	if len(candidate) > 254 {
		return invalid("too_long")
	}
	if !emailPattern.MatchString(candidate) {
		return invalid("malformed")
	}
	return nil
}

func (e emailPrimitive) Normalize(candidate string) string {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if !e.fixTypos {
		return candidate
	}
	at := strings.LastIndex(candidate, "@")
	if at < 0 {
		return candidate
	}
	labels := strings.Split(candidate[at+1:], ".")
	for i, label := range labels {
		if fixed, ok := domainTypos[label]; ok {
			labels[i] = fixed
		}
	}
	return candidate[:at+1] + strings.Join(labels, ".")
}

func (e emailPrimitive) ConfirmationPrompt(candidate string) string {
	return fmt.Sprintf("I have your email address as %s, that's %s. Is that correct?", candidate, speakEmail(candidate))
}

// Repair replaces only the disputed half of the address: "no, it's at
// outlook dot com" keeps the local part, "the username is john" keeps the
// domain.
func (e emailPrimitive) Repair(current, text string) (string, bool) {
	at := strings.LastIndex(current, "@")
	if at <= 0 {
		return "", false
	}
	local, domain := current[:at], current[at+1:]
	tokens := tokenize(text)
	for i, tok := range tokens {
		if tok == "at" {
			if d, ok := spokenDomain(tokens[i+1:]); ok && d != domain {
				return local + "@" + d, true
			}
		}
	}
	for i := 0; i+1 < len(tokens); i++ {
		if (tokens[i] == "username" || tokens[i] == "name") && tokens[i+1] == "is" {
			if l, ok := spokenLocalForward(tokens[i+2:]); ok && l != local {
				return l + "@" + domain, true
			}
		}
	}
	for i := range tokens {
		if emailFillers[tokens[i]] {
			continue
		}
		if d, ok := spokenDomain(tokens[i:]); ok && d != domain {
			return local + "@" + d, true
		}
	}
	return "", false
}

func spokenDomain(tokens []string) (string, bool) {
	var labels []string
	j := 0
	for j < len(tokens) {
		tok := tokens[j]
		if len(labels) > 0 {
			if tok != "dot" && tok != "period" && tok != "point" {
				break
			}
			j++
			if j >= len(tokens) {
				break
			}
			tok = tokens[j]
		}
		if !isDomainLabel(tok) {
			break
		}
		labels = append(labels, tok)
		j++
	}
	domain := strings.Join(labels, ".")
	if !strings.Contains(domain, ".") {
		return "", false
	}
	return domain, true
}

func isDomainLabel(tok string) bool {
	if tok == "" || emailFillers[tok] {
		return false
	}
	if _, sep := localSeparators[tok]; sep {
		return false
	}
	for _, r := range tok {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}

func isLocalWord(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-' || r == '+') {
			return false
		}
	}
	return true
}

// spokenLocal walks backwards from the spoken "at" and rebuilds the local
// part: "john dot smith", "j a n e", "jane one two three".
func spokenLocal(tokens []string) (string, bool) {
	var parts []string
	expectWord := true
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := tokens[i]
		if d, ok := digitWords[tok]; ok && tok != "o" {
			tok = d
		}
		if expectWord {
			if emailFillers[tok] || !isLocalWord(tok) {
				break
			}
			parts = append(parts, tok)
			expectWord = false
			continue
		}
		if sep, ok := localSeparators[tok]; ok {
			parts = append(parts, sep)
			expectWord = true
			continue
		}
		last := parts[len(parts)-1]
		if isDigits(last) && isLocalWord(tok) && !emailFillers[tok] {
			parts = append(parts, tok)
			continue
		}
		if len(last) == 1 && len(tok) == 1 && isLocalWord(tok) {
			parts = append(parts, tok)
			continue
		}
		break
	}
	if len(parts) > 0 && expectWord {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return "", false
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
	}
	return b.String(), true
}

func spokenLocalForward(tokens []string) (string, bool) {
	end := 0
	for end < len(tokens) && tokens[end] != "at" && !emailFillers[tokens[end]] {
		end++
	}
	return spokenLocal(tokens[:end])
}

func speakEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	local := spellLocal(email[:at])
	domain := strings.ReplaceAll(email[at+1:], ".", " dot ")
	return local + " at " + domain
}

func spellLocal(local string) string {
	var parts []string
	for _, r := range local {
		switch r {
		case '.':
			parts = append(parts, "dot")
		case '_':
			parts = append(parts, "underscore")
		case '-':
			parts = append(parts, "dash")
		case '+':
			parts = append(parts, "plus")
		default:
			parts = append(parts, string(r))
		}
	}
	return strings.Join(parts, " ")
}
