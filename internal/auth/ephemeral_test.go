package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOpaqueToken(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		token, err := generateOpaqueToken()
		require.NoError(t, err)

		// 32 random bytes in unpadded base64url.
		assert.Len(t, token, 43)
		assert.NotContains(t, token, "+")
		assert.NotContains(t, token, "/")
		assert.NotContains(t, token, "=")

		_, dup := seen[token]
		require.False(t, dup, "token %q generated twice", token)
		seen[token] = struct{}{}
	}
}

func TestEphemeralStoreNewTokenExpiry(t *testing.T) {
	store := NewVerificationTokenStore(nil, 24*time.Hour)

	before := time.Now().UTC()
	token, expiresAt, err := store.NewToken()
	after := time.Now().UTC()

	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.False(t, expiresAt.Before(before.Add(24*time.Hour)))
	assert.False(t, expiresAt.After(after.Add(24*time.Hour)))
}
