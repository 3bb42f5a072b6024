package domain

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	handlePattern = regexp.MustCompile(`^[a-z0-9-]{3,30}$`)
	emailPattern  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phonePattern  = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)
)

const (
	minDisplayName = 2
	maxDisplayName = 50
	minPassword    = 8
	maxPassword    = 72
)

// ValidationError reports a malformed registration field. It is returned before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NormalizeHandle lowercases and trims a handle.
func NormalizeHandle(h string) string { return strings.ToLower(strings.TrimSpace(h)) }

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }

// NormalizePhone strips spaces, dashes and parentheses from a phone number.
func NormalizePhone(p string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(p))
}

// ValidateHandle requires 3–30 lowercase letters, digits or hyphens.
func ValidateHandle(h string) error {
	if h == "" {
		return &ValidationError{Field: "handle", Message: "is required"}
	}
	if !handlePattern.MatchString(h) {
		return &ValidationError{Field: "handle", Message: "must be 3-30 lowercase letters, numbers or hyphens"}
	}
	if strings.HasPrefix(h, "-") {
		return &ValidationError{Field: "handle", Message: "must not start with a hyphen"}
	}
	return nil
}

func ValidateEmail(e string) error {
	if e == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	if !emailPattern.MatchString(e) {
		return &ValidationError{Field: "email", Message: "invalid email format"}
	}
	return nil
}

func ValidatePhone(p string) error {
	if p == "" {
		return &ValidationError{Field: "phone", Message: "is required"}
	}
	if !phonePattern.MatchString(p) {
		return &ValidationError{Field: "phone", Message: "must be 8-15 digits with an optional leading +"}
	}
	return nil
}

func ValidateDisplayName(n string) error {
	l := utf8.RuneCountInString(n)
	if l < minDisplayName || l > maxDisplayName {
		return &ValidationError{Field: "display_name", Message: fmt.Sprintf("must be %d-%d characters", minDisplayName, maxDisplayName)}
	}
	return nil
}

func ValidatePassword(p string) error {
	if len(p) < minPassword {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPassword)}
	}
	if len(p) > maxPassword {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at most %d bytes", maxPassword)}
	}
	return nil
}
