package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cadarena/internal/email"
	"cadarena/internal/observability"
)

const (
	defaultVerificationTTL = 24 * time.Hour
	defaultResetTTL        = time.Hour
)

// Service orchestrates the credential flows. It is the only component that
// talks to storage; the hasher, codec, lockout policy, and token stores are
// pure or delegate back through the repository.
type Service struct {
	repo         *Repository
	hasher       *PasswordHasher
	codec        *TokenCodec
	lockout      *LockoutPolicy
	verification *EphemeralTokenStore
	resets       *EphemeralTokenStore
	mailer       email.Mailer
	logger       *observability.Logger
	emailEnabled bool
}

type ServiceConfig struct {
	// EmailEnabled gates verification enforcement. When false, signups are
	// auto-verified and no verification tokens are issued.
	EmailEnabled    bool
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

func NewService(repo *Repository, hasher *PasswordHasher, codec *TokenCodec, lockout *LockoutPolicy, mailer email.Mailer, logger *observability.Logger, cfg ServiceConfig) *Service {
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = defaultVerificationTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = defaultResetTTL
	}

	return &Service{
		repo:         repo,
		hasher:       hasher,
		codec:        codec,
		lockout:      lockout,
		verification: NewVerificationTokenStore(repo, cfg.VerificationTTL),
		resets:       NewPasswordResetTokenStore(repo, cfg.ResetTTL),
		mailer:       mailer,
		logger:       logger,
		emailEnabled: cfg.EmailEnabled,
	}
}

func (s *Service) Signup(ctx context.Context, username, emailAddr, password string) (User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	if ok, violations := ValidatePasswordStrength(password); !ok {
		return User{}, PasswordPolicyError{Violations: violations}
	}

	emailTaken, usernameTaken, err := s.repo.IdentifierTaken(ctx, emailAddr, username)
	if err != nil {
		return User{}, err
	}
	if emailTaken {
		return User{}, ErrEmailTaken
	}
	if usernameTaken {
		return User{}, ErrUsernameTaken
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, err
	}

	if !s.emailEnabled {
		// No delivery channel, so accounts are usable immediately.
		return s.repo.CreateUser(ctx, username, emailAddr, hash, true)
	}

	token, tokenExpiry, err := s.verification.NewToken()
	if err != nil {
		return User{}, err
	}

	user, err := s.repo.CreateUserWithVerificationToken(ctx, username, emailAddr, hash, token, tokenExpiry)
	if err != nil {
		return User{}, err
	}

	s.dispatchEmail("verification", user.ID, func() error {
		return s.mailer.SendVerification(user.Email, user.Username, token)
	})

	return user, nil
}

func (s *Service) Login(ctx context.Context, identifier, password string) (TokenPair, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" || password == "" {
		return TokenPair{}, ErrInvalidCredentials
	}

	user, err := s.repo.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, err
	}

	now := time.Now().UTC()
	if _, locked := s.lockout.Check(user.lockoutState(), now); locked {
		// A locked attempt is refused before the password check and is
		// not counted.
		return TokenPair{}, ErrAccountLocked{Until: *user.LockedUntil}
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		state, err := s.repo.RecordLoginFailure(ctx, user.ID, func(st LockoutState) LockoutState {
			return s.lockout.OnFailure(st, now)
		})
		if err != nil {
			return TokenPair{}, err
		}
		if _, locked := s.lockout.Check(state, now); locked {
			return TokenPair{}, ErrAccountLocked{Until: *state.LockedUntil}
		}
		return TokenPair{}, ErrInvalidCredentials
	}

	if s.emailEnabled && !user.IsVerified {
		// Lockout state is left untouched; the password was correct.
		return TokenPair{}, ErrNotVerified
	}

	pair, refreshToken, err := s.issueTokenPair(user)
	if err != nil {
		return TokenPair{}, err
	}

	markVerified := !s.emailEnabled && !user.IsVerified
	if err := s.repo.FinishLogin(ctx, user.ID, refreshToken, markVerified); err != nil {
		return TokenPair{}, err
	}

	return pair, nil
}

// Refresh rotates the token pair. The presented token must exactly equal
// the user's stored refresh token, so a superseded (possibly stolen) token
// is rejected even while cryptographically valid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	claims, err := s.codec.DecodeRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, ErrUnauthorized
	}

	user, err := s.repo.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}

	if user.RefreshToken == nil || *user.RefreshToken != refreshToken {
		return TokenPair{}, ErrUnauthorized
	}

	pair, newRefresh, err := s.issueTokenPair(user)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.repo.SetRefreshToken(ctx, user.ID, &newRefresh); err != nil {
		return TokenPair{}, err
	}

	return pair, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	_, err := s.verification.Consume(ctx, strings.TrimSpace(token))
	return err
}

// ResendVerification issues a fresh verification token when the address
// belongs to an unverified account. Unknown addresses and already verified
// accounts return nil as well, so callers cannot probe for existence.
func (s *Service) ResendVerification(ctx context.Context, emailAddr string) error {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	user, err := s.repo.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if user.IsVerified {
		return nil
	}

	token, err := s.verification.Issue(ctx, user.ID)
	if err != nil {
		return err
	}

	s.dispatchEmail("verification", user.ID, func() error {
		return s.mailer.SendVerification(user.Email, user.Username, token)
	})

	return nil
}

// ForgotPassword behaves like ResendVerification with respect to unknown
// addresses: the caller sees the same outcome either way.
func (s *Service) ForgotPassword(ctx context.Context, emailAddr string) error {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	user, err := s.repo.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	token, err := s.resets.Issue(ctx, user.ID)
	if err != nil {
		return err
	}

	s.dispatchEmail("password_reset", user.ID, func() error {
		return s.mailer.SendPasswordReset(user.Email, user.Username, token)
	})

	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	// The policy is checked before the token so a weak password does not
	// burn the single-use token.
	if ok, violations := ValidatePasswordStrength(newPassword); !ok {
		return PasswordPolicyError{Violations: violations}
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	userID, err := s.resets.Consume(ctx, strings.TrimSpace(token))
	if err != nil {
		return err
	}

	return s.repo.UpdatePasswordAndUnlock(ctx, userID, hash)
}

func (s *Service) ChangePassword(ctx context.Context, user User, currentPassword, newPassword string) error {
	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return ErrUnauthorized
	}

	if ok, violations := ValidatePasswordStrength(newPassword); !ok {
		return PasswordPolicyError{Violations: violations}
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	return s.repo.UpdatePassword(ctx, user.ID, hash)
}

// Logout clears the stored refresh token; subsequent refresh calls for the
// user fail until the next login.
func (s *Service) Logout(ctx context.Context, user User) error {
	return s.repo.SetRefreshToken(ctx, user.ID, nil)
}

func (s *Service) CurrentUser(ctx context.Context, accessToken string) (User, error) {
	claims, err := s.codec.DecodeAccess(accessToken)
	if err != nil {
		return User{}, ErrUnauthorized
	}
	if claims.Subject == "" {
		return User{}, ErrUnauthorized
	}

	user, err := s.repo.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUnauthorized
		}
		return User{}, err
	}

	return user, nil
}

// CurrentVerifiedUser is the gate for every protected non-auth endpoint.
func (s *Service) CurrentVerifiedUser(ctx context.Context, accessToken string) (User, error) {
	user, err := s.CurrentUser(ctx, accessToken)
	if err != nil {
		return User{}, err
	}
	if !user.IsVerified {
		return User{}, ErrNotVerified
	}
	return user, nil
}

func (s *Service) issueTokenPair(user User) (TokenPair, string, error) {
	access, err := s.codec.IssueAccess(user.ID, user.Username)
	if err != nil {
		return TokenPair{}, "", err
	}
	refresh, err := s.codec.IssueRefresh(user.ID)
	if err != nil {
		return TokenPair{}, "", err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}, refresh, nil
}

// Email delivery is best effort: the triggering flow never blocks on it
// and never fails because of it.
func (s *Service) dispatchEmail(kind, userID string, send func() error) {
	go func() {
		if err := send(); err != nil {
			s.logger.Error("send_email_failed", map[string]any{
				"kind":    kind,
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}()
}
