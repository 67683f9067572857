package auth

import (
	"errors"
	"fmt"
	"time"
)

// Unknown identifier and wrong password share one error so callers cannot
// tell which accounts exist.
var ErrInvalidCredentials = errors.New("incorrect email/username or password")

var (
	ErrNotVerified      = errors.New("email not verified")
	ErrUnauthorized     = errors.New("invalid or expired token")
	ErrEmailTaken       = errors.New("email already registered")
	ErrUsernameTaken    = errors.New("username already taken")
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenAlreadyUsed = errors.New("token already used")
)

type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return fmt.Sprintf("account locked due to too many failed login attempts, try again in %d minutes",
		e.RemainingMinutes(time.Now().UTC()))
}

// RemainingMinutes reports the remaining lockout window in whole minutes.
func (e ErrAccountLocked) RemainingMinutes(now time.Time) int {
	if !e.Until.After(now) {
		return 0
	}
	return int(e.Until.Sub(now).Minutes())
}

type PasswordPolicyError struct {
	Violations []string
}

func (e PasswordPolicyError) Error() string {
	return "password does not meet requirements"
}
