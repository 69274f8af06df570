package identity

import (
	"fmt"
	"strings"
)

// ErrorKind distinguishes why a raw identity was rejected.
type ErrorKind string

const (
	ErrEmpty     ErrorKind = "empty"
	ErrNoDigits  ErrorKind = "no_digits"
	ErrBadLength ErrorKind = "invalid_length"
	ErrNotMobile ErrorKind = "not_mobile"
)

// ValidationError is returned when a raw phone-like string cannot be
// canonicalized. Rejections are never silent.
type ValidationError struct {
	Kind ErrorKind
	Raw  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid identity %q: %s", e.Raw, e.Kind)
}

const (
	countryCode          = "57"
	nationalNumberLength = 10
	fullNumberLength     = 12 // country code + national number, no '+'
)

// Mobile operator prefix classes for the national numbering plan. Numbers
// outside this set but still mobile-shaped (leading 3, 10 digits) are
// accepted: carriers add ranges faster than this table is updated.
var mobilePrefixes = map[string]bool{
	"300": true, "301": true, "302": true, "303": true, "304": true, "305": true,
	"310": true, "311": true, "312": true, "313": true, "314": true, "315": true,
	"316": true, "317": true, "318": true, "319": true,
	"320": true, "321": true, "322": true, "323": true, "324": true, "325": true,
	"350": true, "351": true,
}

// Normalizer canonicalizes raw phone-like strings into a stable E.164
// identity. Pure: no I/O, no clock, no store.
type Normalizer struct {
	defaultCountryCode string
}

func NewNormalizer(defaultCountryCode string) *Normalizer {
	if defaultCountryCode == "" {
		defaultCountryCode = countryCode
	}
	return &Normalizer{defaultCountryCode: defaultCountryCode}
}

// Normalize maps every syntactic variant of the same subscriber (transport
// wrapped, prefixed, locally formatted, whitespace decorated) to one
// canonical "+<cc><national>" identity.
func (n *Normalizer) Normalize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &ValidationError{Kind: ErrEmpty, Raw: raw}
	}

	cleaned := clean(raw)
	if strings.TrimPrefix(cleaned, "+") == "" {
		return "", &ValidationError{Kind: ErrNoDigits, Raw: raw}
	}

	cc, national := n.extract(cleaned)

	if err := validateNational(national); err != nil {
		err.Raw = raw
		return "", err
	}

	return "+" + cc + national, nil
}

// KnownMobilePrefix reports whether the canonical identity carries a
// recognized operator prefix. Informational only; Normalize does not
// reject on it.
func KnownMobilePrefix(identity string) bool {
	national := strings.TrimPrefix(identity, "+"+countryCode)
	if len(national) < 3 {
		return false
	}
	return mobilePrefixes[national[:3]]
}

// clean strips transport prefixes and every non-digit character, keeping a
// leading '+' as the country-code marker.
func clean(raw string) string {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "whatsapp:", ""))
	hasPlus := strings.HasPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	if hasPlus {
		return "+" + b.String()
	}
	return b.String()
}

// extract splits the cleaned digits into country code and national number.
//
//	+573001234567 -> (57, 3001234567)
//	573001234567  -> (57, 3001234567)
//	3001234567    -> (57, 3001234567)  assumes default country
//	03001234567   -> (57, 3001234567)  old local format, drops the 0
func (n *Normalizer) extract(cleaned string) (string, string) {
	digits := strings.TrimPrefix(cleaned, "+")
	cc := n.defaultCountryCode

	if strings.HasPrefix(digits, cc) {
		remaining := digits[len(cc):]
		if len(remaining) == nationalNumberLength || len(remaining) == nationalNumberLength-1 {
			return cc, remaining
		}
	}

	if strings.HasPrefix(digits, "0") {
		digits = digits[1:]
	}

	if len(digits) == nationalNumberLength {
		return cc, digits
	}

	if len(digits) == fullNumberLength && strings.HasPrefix(digits, cc) {
		return cc, digits[len(cc):]
	}

	// Unexpected shape: salvage the trailing national-number digits.
	if len(digits) > nationalNumberLength {
		return cc, digits[len(digits)-nationalNumberLength:]
	}

	return cc, digits
}

func validateNational(national string) *ValidationError {
	if len(national) != nationalNumberLength {
		return &ValidationError{Kind: ErrBadLength}
	}
	if !strings.HasPrefix(national, "3") {
		return &ValidationError{Kind: ErrNotMobile}
	}
	return nil
}
