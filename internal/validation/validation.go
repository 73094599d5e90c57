package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrCategoryEmpty is returned when category is empty or whitespace-only after trim.
var ErrCategoryEmpty = errors.New("category is required")

// ErrCategoryTooShort is returned when category length is below the minimum.
var ErrCategoryTooShort = errors.New("category too short")

// ErrCategoryTooLong is returned when category length exceeds the maximum.
var ErrCategoryTooLong = errors.New("category too long")

// ErrCategoryInvalidChars is returned when category contains disallowed characters.
var ErrCategoryInvalidChars = errors.New("category contains invalid characters")

// ValidateCategory trims the input, enforces length bounds (minLen, maxLen in
// runes), and restricts to allowed characters: lowercase/uppercase letters,
// digits, hyphen and underscore (the character set upstream category slugs
// use). Returns the trimmed string or an error suitable for 400
// INVALID_CATEGORY responses. Normalization (lowercase) is left to the
// service layer.
func ValidateCategory(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrCategoryEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrCategoryTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrCategoryTooLong
	}
	for _, c := range r {
		if !isAllowedCategoryRune(c) {
			return "", ErrCategoryInvalidChars
		}
	}
	return s, nil
}

// isAllowedCategoryRune returns true for ASCII letters, digits, hyphen and underscore.
func isAllowedCategoryRune(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return r == '-' || r == '_'
}
