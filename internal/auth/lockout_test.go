package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockoutPolicyLocksAtThreshold(t *testing.T) {
	policy := NewLockoutPolicy(5, 15*time.Minute)
	now := time.Now().UTC()

	state := LockoutState{}
	for i := 0; i < 4; i++ {
		state = policy.OnFailure(state, now)
		_, locked := policy.Check(state, now)
		assert.False(t, locked, "attempt %d must not lock", i+1)
	}

	state = policy.OnFailure(state, now)
	require.Equal(t, 5, state.FailedAttempts)
	require.NotNil(t, state.LockedUntil)
	assert.Equal(t, now.Add(15*time.Minute), *state.LockedUntil)

	remaining, locked := policy.Check(state, now)
	assert.True(t, locked)
	assert.Equal(t, 15, remaining)
}

func TestLockoutPolicyExpiredWindowKeepsCounter(t *testing.T) {
	policy := NewLockoutPolicy(5, 15*time.Minute)
	now := time.Now().UTC()

	state := LockoutState{}
	for i := 0; i < 5; i++ {
		state = policy.OnFailure(state, now)
	}

	later := now.Add(16 * time.Minute)
	_, locked := policy.Check(state, later)
	require.False(t, locked)

	// The counter survives the expired window, so the very next failure
	// locks again.
	state = policy.OnFailure(state, later)
	assert.Equal(t, 6, state.FailedAttempts)
	_, locked = policy.Check(state, later)
	assert.True(t, locked)
}

func TestLockoutPolicyOnSuccessResets(t *testing.T) {
	policy := NewLockoutPolicy(5, 15*time.Minute)
	now := time.Now().UTC()

	state := LockoutState{}
	for i := 0; i < 5; i++ {
		state = policy.OnFailure(state, now)
	}

	state = policy.OnSuccess(state)
	assert.Zero(t, state.FailedAttempts)
	assert.Nil(t, state.LockedUntil)
}

func TestLockoutPolicyDefaults(t *testing.T) {
	policy := NewLockoutPolicy(0, 0)
	now := time.Now().UTC()

	state := LockoutState{FailedAttempts: 4}
	state = policy.OnFailure(state, now)
	require.NotNil(t, state.LockedUntil)
	assert.Equal(t, now.Add(15*time.Minute), *state.LockedUntil)
}

func TestAccountLockedRemainingMinutes(t *testing.T) {
	now := time.Now().UTC()
	err := ErrAccountLocked{Until: now.Add(10*time.Minute + 30*time.Second)}

	assert.Equal(t, 10, err.RemainingMinutes(now))
	assert.Equal(t, 0, err.RemainingMinutes(now.Add(time.Hour)))
}
