package auth

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptInputLimit  = 72
	defaultBcryptCost = 12

	minPasswordLength = 8
	specialCharacters = `!@#$%^&*(),.?":{}|<>`
)

type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = defaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash truncates the password to bcrypt's 72-byte input limit before
// hashing. Strength is validated separately, so truncation only discards
// the tail of very long passwords.
func (h *PasswordHasher) Hash(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword(truncateForBcrypt(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether password matches digest. Malformed digests and any
// internal comparison error report false.
func (h *PasswordHasher) Verify(password, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), truncateForBcrypt(password)) == nil
}

func truncateForBcrypt(password string) []byte {
	b := []byte(password)
	if len(b) > bcryptInputLimit {
		b = b[:bcryptInputLimit]
	}
	return b
}

// ValidatePasswordStrength checks every rule independently so the caller
// can report the complete list of violations at once.
func ValidatePasswordStrength(password string) (bool, []string) {
	var violations []string

	length := utf8.RuneCountInString(password)
	if length < minPasswordLength {
		violations = append(violations, "Password must be at least 8 characters long")
	}
	if length > bcryptInputLimit {
		violations = append(violations, "Password must be at most 72 characters long")
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		case strings.ContainsRune(specialCharacters, r):
			hasSpecial = true
		}
	}

	if !hasUpper {
		violations = append(violations, "Password must contain at least one uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "Password must contain at least one lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "Password must contain at least one digit")
	}
	if !hasSpecial {
		violations = append(violations, "Password must contain at least one special character")
	}

	return len(violations) == 0, violations
}
