package auth

import "time"

const (
	defaultMaxAttempts     = 5
	defaultLockoutDuration = 15 * time.Minute
)

// LockoutState is the per-account brute-force snapshot stored on the users
// row.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// LockoutPolicy derives lockout transitions from consecutive login
// failures. It carries configuration only; state lives on the user row and
// transitions are pure.
type LockoutPolicy struct {
	maxAttempts int
	duration    time.Duration
}

func NewLockoutPolicy(maxAttempts int, duration time.Duration) *LockoutPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if duration <= 0 {
		duration = defaultLockoutDuration
	}
	return &LockoutPolicy{maxAttempts: maxAttempts, duration: duration}
}

// OnFailure increments the counter and opens a lockout window once the
// threshold is reached. An expired window does not reset the counter; only
// a successful login does, so an account with an old high counter re-locks
// on its next failure.
func (p *LockoutPolicy) OnFailure(state LockoutState, now time.Time) LockoutState {
	state.FailedAttempts++
	if state.FailedAttempts >= p.maxAttempts {
		until := now.Add(p.duration)
		state.LockedUntil = &until
	}
	return state
}

func (p *LockoutPolicy) OnSuccess(LockoutState) LockoutState {
	return LockoutState{}
}

// Check reports whether the state is currently locked and, if so, the
// remaining window in whole minutes. It never mutates the state.
func (p *LockoutPolicy) Check(state LockoutState, now time.Time) (int, bool) {
	if state.LockedUntil == nil || !state.LockedUntil.After(now) {
		return 0, false
	}
	return int(state.LockedUntil.Sub(now).Minutes()), true
}
