package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func lookup(t *testing.T, vt ValueType, locale string) Primitive {
	t.Helper()
	tag, err := ParseLocale(locale)
	require.NoError(t, err)
	p, err := DefaultRegistry().Lookup(vt, "1.0.0", tag)
	require.NoError(t, err)
	return p
}

func TestCriticalFlagIsFixedPerType(t *testing.T) {
	for _, vt := range []ValueType{Email, Phone, Address, Date} {
		assert.True(t, vt.Critical(), vt)
	}
	for _, vt := range []ValueType{Name, Number} {
		assert.False(t, vt.Critical(), vt)
	}
	assert.False(t, ValueType("ssn").Valid())
}

func TestEmailExtract(t *testing.T) {
	p := lookup(t, Email, "en-US")
	cases := map[string]string{
		"jane at gmail dot com":                            "jane@gmail.com",
		"no, john at outlook dot com":                      "john@outlook.com",
		"my email is john dot smith at acme dot co dot uk": "john.smith@acme.co.uk",
		"j a n e at example dot org":                       "jane@example.org",
		"jane one two three at yahoo dot com":              "jane123@yahoo.com",
		"it's Jane.Doe@Example.com":                        "jane.doe@example.com",
	}
	for text, want := range cases {
		got, ok := p.Extract(text)
		require.True(t, ok, text)
		assert.Equal(t, want, got, text)
		assert.NoError(t, p.Validate(got, language.AmericanEnglish), text)
	}
	for _, text := range []string{"", "i don't know", "gmail dot com", "what was that"} {
		_, ok := p.Extract(text)
		assert.False(t, ok, text)
	}
}

func TestEmailValidateAndPrompt(t *testing.T) {
	p := lookup(t, Email, "en-US")
	assert.Error(t, p.Validate("jane@@gmail.com", language.AmericanEnglish))
	assert.Error(t, p.Validate("jane..doe@gmail.com", language.AmericanEnglish))
	assert.Error(t, p.Validate("jane@gmail", language.AmericanEnglish))
	assert.False(t, IsPermanent(p.Validate("", language.AmericanEnglish)))

	assert.Equal(t, "jane@gmail.com", p.Normalize(" Jane@Gmail.COM "))
	prompt := p.ConfirmationPrompt("jane@gmail.com")
	assert.Contains(t, prompt, "jane@gmail.com")
	assert.Contains(t, prompt, "j a n e at gmail dot com")
}

func TestEmailRepairKeepsUndisputedPart(t *testing.T) {
	p := lookup(t, Email, "en-US")
	r, ok := p.(Repairer)
	require.True(t, ok)

	got, ok := r.Repair("jane@gmail.com", "no it's at outlook dot com")
	require.True(t, ok)
	assert.Equal(t, "jane@outlook.com", got)

	got, ok = r.Repair("jane@gmail.com", "the username is john")
	require.True(t, ok)
	assert.Equal(t, "john@gmail.com", got)

	_, ok = r.Repair("jane@gmail.com", "no")
	assert.False(t, ok)
}

func TestPhoneExtractNormalize(t *testing.T) {
	us := lookup(t, Phone, "en-US")
	got, ok := us.Extract("five five five, one two three, four five six seven")
	require.True(t, ok)
	assert.Equal(t, "5551234567", got)
	require.NoError(t, us.Validate(got, language.AmericanEnglish))
	assert.Equal(t, "+15551234567", us.Normalize(got))

	got, ok = us.Extract("it's 555-123-4567")
	require.True(t, ok)
	assert.Equal(t, "+15551234567", us.Normalize(got))

	got, ok = us.Extract("double five five one two three four five six seven")
	require.True(t, ok)
	assert.Equal(t, "5551234567", got)

	assert.Error(t, us.Validate("0551234567", language.AmericanEnglish))
	assert.Error(t, us.Validate("555123", language.AmericanEnglish))

	for _, text := range []string{"i don't know", "what", "hang on a second"} {
		_, ok := us.Extract(text)
		assert.False(t, ok, text)
	}
}

func TestPhoneLocaleRules(t *testing.T) {
	gb := lookup(t, Phone, "en-GB")
	got, ok := gb.Extract("+44 20 7946 0958")
	require.True(t, ok)
	require.NoError(t, gb.Validate(got, language.BritishEnglish))
	assert.Equal(t, "+442079460958", gb.Normalize(got))

	got, ok = gb.Extract("020 7946 0958")
	require.True(t, ok)
	require.NoError(t, gb.Validate(got, language.BritishEnglish))
	assert.Equal(t, "+442079460958", gb.Normalize(got))

	// A valid US number is too short for the British plan.
	assert.Error(t, gb.Validate("5551234", language.BritishEnglish))
	assert.True(t, Phone.Critical())
}

func TestPhonePromptAndRepair(t *testing.T) {
	p := lookup(t, Phone, "en-US")
	assert.Contains(t, p.ConfirmationPrompt("+15551234567"), "5 5 5, 1 2 3, 4 5 6 7")

	r := p.(Repairer)
	got, ok := r.Repair("+15551234567", "no the last four digits are four five six eight")
	require.True(t, ok)
	assert.Equal(t, "+15551234568", got)
}

func TestDateExtract(t *testing.T) {
	us := lookup(t, Date, "en-US")
	cases := map[string]string{
		"march fourteenth nineteen ninety":       "1990-03-14",
		"the fourteenth of march 1990":           "1990-03-14",
		"March 3rd, 2001":                        "2001-03-03",
		"july twenty-first two thousand and one": "2001-07-21",
		"03/04/2021":                             "2021-03-04",
		"1985-11-02":                             "1985-11-02",
	}
	for text, want := range cases {
		got, ok := us.Extract(text)
		require.True(t, ok, text)
		assert.Equal(t, want, got, text)
	}

	gb := lookup(t, Date, "en-GB")
	got, ok := gb.Extract("03/04/2021")
	require.True(t, ok)
	assert.Equal(t, "2021-04-03", got)

	assert.Error(t, us.Validate("2021-02-30", language.AmericanEnglish))
	assert.Error(t, us.Validate("1850-01-01", language.AmericanEnglish))
	assert.Contains(t, us.ConfirmationPrompt("1990-03-14"), "March 14, 1990")
}

func TestNameExtract(t *testing.T) {
	p := lookup(t, Name, "en-US")
	got, ok := p.Extract("my name is jane doe")
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", p.Normalize(got))

	got, ok = p.Extract("it's j o h n")
	require.True(t, ok)
	assert.Equal(t, "John", p.Normalize(got))

	_, ok = p.Extract("um")
	assert.False(t, ok)
	assert.Error(t, p.Validate("j", language.AmericanEnglish))
	assert.False(t, Name.Critical())
}

func TestAddressExtract(t *testing.T) {
	p := lookup(t, Address, "en-US")
	got, ok := p.Extract("I live at one twenty three main street")
	require.True(t, ok)
	require.NoError(t, p.Validate(got, language.AmericanEnglish))
	assert.Equal(t, "123 Main Street", p.Normalize(got))

	got, ok = p.Extract("42 oak ave")
	require.True(t, ok)
	assert.Equal(t, "42 Oak Avenue", p.Normalize(got))

	err := p.Validate("123 Main Street", language.French)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestNumberExtract(t *testing.T) {
	p := lookup(t, Number, "en-US")
	cases := map[string]string{
		"twenty five":          "25",
		"about two hundred":    "200",
		"I have 3 kids":        "3",
		"two thousand and one": "2001",
	}
	for text, want := range cases {
		got, ok := p.Extract(text)
		require.True(t, ok, text)
		assert.Equal(t, want, got, text)
	}
	assert.Error(t, p.Validate("abc", language.AmericanEnglish))
	assert.Equal(t, "7", p.Normalize("007"))
}

func TestRegistryVersionLock(t *testing.T) {
	r := DefaultRegistry()

	v, err := r.Resolve(Email, "^1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v)

	v, err = r.Resolve(Email, "~1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	v, err = r.Resolve(Phone, "^1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	_, err = r.Resolve(ValueType("ssn"), "^1")
	assert.ErrorIs(t, err, ErrUnknownValueType)

	_, err = r.Resolve(Email, "^2")
	assert.Error(t, err)

	old, err := r.Lookup(Email, "1.0.0", language.AmericanEnglish)
	require.NoError(t, err)
	assert.Equal(t, "jane@gmial.com", old.Normalize("jane@gmial.com"))

	latest, err := r.Lookup(Email, "1.1.0", language.AmericanEnglish)
	require.NoError(t, err)
	assert.Equal(t, "jane@gmail.com", latest.Normalize("jane@gmial.con"))

	assert.Error(t, r.Register(Email, "1.1.0", newEmail))
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, r.Versions(Email))
}

func TestParseLocale(t *testing.T) {
	tag, err := ParseLocale("")
	require.NoError(t, err)
	assert.Equal(t, language.AmericanEnglish, tag)

	_, err = ParseLocale("not a locale!")
	assert.Error(t, err)
}
