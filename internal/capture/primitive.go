// Package capture holds the value-type primitives used to elicit structured
// values over voice: extraction from recognized text, locale-aware
// validation, normalization and the read-back prompt used for confirmation.
package capture

import (
	"errors"
	"fmt"

	"golang.org/x/text/language"
)

// ValueType names a kind of structured value an objective can capture.
type ValueType string

const (
	Email   ValueType = "email"
	Phone   ValueType = "phone"
	Name    ValueType = "name"
	Date    ValueType = "date"
	Address ValueType = "address"
	Number  ValueType = "number"
)

// ValueTypes lists every supported value type.
var ValueTypes = []ValueType{Email, Phone, Name, Date, Address, Number}

// Critical reports whether values of this type always require an explicit
// verbal affirmation. It is fixed per type and not configurable.
func (v ValueType) Critical() bool {
	switch v {
	case Email, Phone, Address, Date:
		return true
	}
	return false
}

// Valid reports whether v is a known value type.
func (v ValueType) Valid() bool {
	switch v {
	case Email, Phone, Name, Date, Address, Number:
		return true
	}
	return false
}

// Primitive composes extraction, validation, normalization and confirmation
// prompting for one value type. Implementations are pure and hold no I/O.
type Primitive interface {
	Type() ValueType
	// Label is the spoken noun for the value ("email address").
	Label() string
	// Example is a spoken hint used when re-eliciting with more specificity.
	Example() string
	Extract(text string) (string, bool)
	Validate(candidate string, locale language.Tag) error
	ConfirmationPrompt(candidate string) string
	Normalize(candidate string) string
}

// Repairer is implemented by primitives that support correcting only the
// disputed part of a value (an email domain, the last digits of a phone).
type Repairer interface {
	Repair(current, text string) (string, bool)
}

// ErrUnknownValueType is returned when no primitive is registered for a type.
var ErrUnknownValueType = errors.New("unknown value type")

// ValidationError describes why a candidate was rejected. Permanent errors
// cannot be fixed by asking again (for example an unsupported locale).
type ValidationError struct {
	Reason    string
	Permanent bool
}

func (e *ValidationError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("validation impossible: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func invalid(reason string) error {
	return &ValidationError{Reason: reason}
}

func impossible(reason string) error {
	return &ValidationError{Reason: reason, Permanent: true}
}

// IsPermanent reports whether err is a permanent validation failure.
func IsPermanent(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) && verr.Permanent
}

// ParseLocale parses a BCP-47 tag, falling back to en-US for empty input.
func ParseLocale(locale string) (language.Tag, error) {
	if locale == "" {
		return language.AmericanEnglish, nil
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return language.Und, fmt.Errorf("parse locale %q: %w", locale, err)
	}
	return tag, nil
}

func regionOf(tag language.Tag) string {
	region, _ := tag.Region()
	return region.String()
}

func isEnglish(tag language.Tag) bool {
	base, _ := tag.Base()
	return base.String() == "en"
}
