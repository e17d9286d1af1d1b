package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrNameEmpty is returned when a name is empty or whitespace-only after trim.
var ErrNameEmpty = errors.New("name is required")

// ErrNameTooLong is returned when a name exceeds the maximum length.
var ErrNameTooLong = errors.New("name too long")

// ErrNameInvalidChars is returned when a name contains disallowed characters.
var ErrNameInvalidChars = errors.New("name contains invalid characters")

// ErrIssueKeyInvalid is returned when an external issue id is not of the
// PROJECT-123 form trackers use.
var ErrIssueKeyInvalid = errors.New("invalid issue key")

// ValidateName trims the input, enforces the length bound (maxLen in
// runes) and restricts to allowed characters: letters (Unicode), digits,
// space, dot, underscore, comma, hyphen. Returns the trimmed string or
// an error suitable for 400 responses.
func ValidateName(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrNameEmpty
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrNameTooLong
	}
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	return s, nil
}

// isAllowedNameRune returns true for letters (Unicode), digits, space,
// dot, underscore, comma, hyphen.
func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', '.', '_', ',', '-':
		return true
	}
	return false
}

// ValidateIssueKey checks a tracker issue id of the PROJECT-123 form:
// an alphanumeric project part, a dash, a numeric issue part. Returns
// the trimmed key.
func ValidateIssueKey(input string) (string, error) {
	s := strings.TrimSpace(input)
	dash := strings.LastIndex(s, "-")
	if dash <= 0 || dash == len(s)-1 {
		return "", ErrIssueKeyInvalid
	}
	for _, c := range s[:dash] {
		if !unicode.IsLetter(c) && !unicode.IsNumber(c) && c != '_' && c != '-' {
			return "", ErrIssueKeyInvalid
		}
	}
	for _, c := range s[dash+1:] {
		if !unicode.IsDigit(c) {
			return "", ErrIssueKeyInvalid
		}
	}
	return s, nil
}
