package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Account limits
const (
	MaxEmailLength    = 254
	MinPasswordLength = 6
	MaxPasswordLength = 72 // bcrypt ignores anything past 72 bytes
	MinNameLength     = 2
	MaxNameLength     = 100
)

var (
	emailLocalPart = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+$")
	emailLabel     = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// NormalizeEmail trims and lowercases an email so lookups are case-insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail accepts local@domain where the domain has at least two labels.
// Surrounding whitespace is ignored.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > MaxEmailLength {
		return false
	}

	local, domain, ok := strings.Cut(email, "@")
	if !ok || !emailLocalPart.MatchString(local) || strings.Contains(local, "..") {
		return false
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !emailLabel.MatchString(label) {
			return false
		}
	}
	return true
}

// ValidateRegistration checks the fields of a sign-up request
func ValidateRegistration(email, password, name string) error {
	if !IsValidEmail(email) {
		return invalid("a valid email is required")
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < MinNameLength || n > MaxNameLength {
		return invalid("name must be between %d and %d characters", MinNameLength, MaxNameLength)
	}
	return nil
}

// ValidatePassword enforces password length limits
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return invalid("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return invalid("password must be at most %d bytes", MaxPasswordLength)
	}
	return nil
}
