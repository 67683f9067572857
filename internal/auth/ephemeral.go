package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

const opaqueTokenBytes = 32

func generateOpaqueToken() (string, error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate opaque token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type ephemeralKind int

const (
	kindVerification ephemeralKind = iota
	kindPasswordReset
)

// EphemeralTokenStore manages single-purpose, single-use, expiring opaque
// tokens. The verification and reset flows each get their own instance.
// The kinds differ in how prior tokens are invalidated on issue
// (verification: deleted, reset: marked used) and in what a successful
// consume mutates.
type EphemeralTokenStore struct {
	repo *Repository
	kind ephemeralKind
	ttl  time.Duration
}

func NewVerificationTokenStore(repo *Repository, ttl time.Duration) *EphemeralTokenStore {
	return &EphemeralTokenStore{repo: repo, kind: kindVerification, ttl: ttl}
}

func NewPasswordResetTokenStore(repo *Repository, ttl time.Duration) *EphemeralTokenStore {
	return &EphemeralTokenStore{repo: repo, kind: kindPasswordReset, ttl: ttl}
}

// NewToken generates an unpersisted token and its expiry. Signup uses it to
// insert the user row and the verification row in one transaction.
func (s *EphemeralTokenStore) NewToken() (string, time.Time, error) {
	token, err := generateOpaqueToken()
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().UTC().Add(s.ttl), nil
}

// Issue invalidates any prior tokens for the user and persists a fresh one,
// both inside a single transaction.
func (s *EphemeralTokenStore) Issue(ctx context.Context, userID string) (string, error) {
	token, expiresAt, err := s.NewToken()
	if err != nil {
		return "", err
	}

	if s.kind == kindVerification {
		err = s.repo.ReplaceVerificationToken(ctx, userID, token, expiresAt)
	} else {
		err = s.repo.ReplacePasswordResetToken(ctx, userID, token, expiresAt)
	}
	if err != nil {
		return "", err
	}

	return token, nil
}

// Consume redeems the token and returns the owning user id. The row is
// locked for the duration of the mutation, so at most one concurrent
// Consume for the same token succeeds. Failures are ErrTokenNotFound,
// ErrTokenExpired, or (reset kind) ErrTokenAlreadyUsed.
func (s *EphemeralTokenStore) Consume(ctx context.Context, token string) (string, error) {
	now := time.Now().UTC()
	if s.kind == kindVerification {
		return s.repo.ConsumeVerificationToken(ctx, token, now)
	}
	return s.repo.ConsumePasswordResetToken(ctx, token, now)
}
