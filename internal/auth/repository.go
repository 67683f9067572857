package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type CleanupResult struct {
	DeletedVerificationTokens int64 `json:"deleted_verification_tokens"`
	DeletedResetTokens        int64 `json:"deleted_reset_tokens"`
}

const userColumns = `id, username, email, password_hash, is_verified, refresh_token, failed_attempts, locked_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		user         User
		refreshToken sql.NullString
		lockedUntil  sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.IsVerified,
		&refreshToken, &user.FailedAttempts, &lockedUntil, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	if refreshToken.Valid {
		value := refreshToken.String
		user.RefreshToken = &value
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		user.LockedUntil = &value
	}
	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, nil
}

// GetUserByIdentifier matches the identifier against email or username,
// case-insensitively. The identifier must already be lowercased.
func (r *Repository) GetUserByIdentifier(ctx context.Context, identifier string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(email) = $1 OR LOWER(username) = $1
	`, identifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by identifier: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(email) = $1
	`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	return user, nil
}

func (r *Repository) IdentifierTaken(ctx context.Context, email, username string) (bool, bool, error) {
	var emailTaken, usernameTaken bool
	err := r.db.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM users WHERE LOWER(email) = $1),
			EXISTS(SELECT 1 FROM users WHERE LOWER(username) = $2)
	`, email, username).Scan(&emailTaken, &usernameTaken)
	if err != nil {
		return false, false, fmt.Errorf("check identifier uniqueness: %w", err)
	}
	return emailTaken, usernameTaken, nil
}

func (r *Repository) CreateUser(ctx context.Context, username, email, passwordHash string, verified bool) (User, error) {
	user, err := newUserRecord(username, email, passwordHash, verified)
	if err != nil {
		return User{}, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, is_verified, failed_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.IsVerified, user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

// CreateUserWithVerificationToken inserts the unverified user row and its
// verification token in one transaction, so a failed token write cannot
// leave an account that can never verify.
func (r *Repository) CreateUserWithVerificationToken(ctx context.Context, username, email, passwordHash, token string, tokenExpiry time.Time) (User, error) {
	user, err := newUserRecord(username, email, passwordHash, false)
	if err != nil {
		return User{}, err
	}

	tokenID, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate token id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin signup tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, is_verified, failed_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.IsVerified, user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verification_tokens (id, user_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tokenID.String(), user.ID, token, tokenExpiry.UTC(), user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert verification token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit signup tx: %w", err)
	}

	return user, nil
}

func newUserRecord(username, email, passwordHash string, verified bool) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	return User{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		IsVerified:   verified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// RecordLoginFailure applies the lockout transition while holding the row
// lock, so concurrent failures cannot lose an increment.
func (r *Repository) RecordLoginFailure(ctx context.Context, userID string, apply func(LockoutState) LockoutState) (LockoutState, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return LockoutState{}, fmt.Errorf("begin login failure tx: %w", err)
	}
	defer tx.Rollback()

	var (
		state       LockoutState
		lockedUntil sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&state.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockoutState{}, err
		}
		return LockoutState{}, fmt.Errorf("lock user row: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		state.LockedUntil = &value
	}

	state = apply(state)

	var nextLock any
	if state.LockedUntil != nil {
		nextLock = state.LockedUntil.UTC()
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, userID, state.FailedAttempts, nextLock, time.Now().UTC())
	if err != nil {
		return LockoutState{}, fmt.Errorf("update lockout state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LockoutState{}, fmt.Errorf("commit login failure tx: %w", err)
	}

	return state, nil
}

// FinishLogin clears the lockout counters, stores the new sole refresh
// token, and optionally flips the verified flag, in one statement.
func (r *Repository) FinishLogin(ctx context.Context, userID, refreshToken string, markVerified bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = 0,
		    locked_until = NULL,
		    refresh_token = $2,
		    is_verified = (is_verified OR $3),
		    updated_at = $4
		WHERE id = $1
	`, userID, refreshToken, markVerified, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish login: %w", err)
	}
	return nil
}

// SetRefreshToken replaces the user's current refresh token; nil clears it.
func (r *Repository) SetRefreshToken(ctx context.Context, userID string, token *string) error {
	var value any
	if token != nil {
		value = *token
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token = $2, updated_at = $3
		WHERE id = $1
	`, userID, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}
	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// UpdatePasswordAndUnlock stores the new hash and lifts any lockout; a
// completed password reset always clears the failure counters.
func (r *Repository) UpdatePasswordAndUnlock(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, failed_attempts = 0, locked_until = NULL, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password and unlock: %w", err)
	}
	return nil
}

// ReplaceVerificationToken deletes any outstanding verification tokens for
// the user and inserts the new one in the same transaction.
func (r *Repository) ReplaceVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate token id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin verification token tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM verification_tokens WHERE user_id = $1
	`, userID); err != nil {
		return fmt.Errorf("delete prior verification tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO verification_tokens (id, user_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), userID, token, expiresAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("insert verification token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit verification token tx: %w", err)
	}

	return nil
}

// ConsumeVerificationToken redeems a verification token. For an unverified
// user it flips is_verified and deletes the row in one transaction. For an
// already verified user it succeeds without mutating anything, so a repeat
// call with the same token also succeeds.
func (r *Repository) ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin verification consume tx: %w", err)
	}
	defer tx.Rollback()

	var (
		tokenID    string
		userID     string
		expiresAt  time.Time
		isVerified bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT t.id, t.user_id, t.expires_at, u.is_verified
		FROM verification_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token = $1
		FOR UPDATE OF t
	`, token).Scan(&tokenID, &userID, &expiresAt, &isVerified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("read verification token: %w", err)
	}

	if now.After(expiresAt.UTC()) {
		return "", ErrTokenExpired
	}

	if isVerified {
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit verification consume tx: %w", err)
		}
		return userID, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET is_verified = TRUE, updated_at = $2 WHERE id = $1
	`, userID, now); err != nil {
		return "", fmt.Errorf("mark user verified: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM verification_tokens WHERE id = $1
	`, tokenID); err != nil {
		return "", fmt.Errorf("delete consumed verification token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit verification consume tx: %w", err)
	}

	return userID, nil
}

// ReplacePasswordResetToken marks all unused reset tokens for the user as
// used and inserts the new one in the same transaction.
func (r *Repository) ReplacePasswordResetToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate token id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset token tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE password_reset_tokens SET used = TRUE WHERE user_id = $1 AND used = FALSE
	`, userID); err != nil {
		return fmt.Errorf("invalidate prior reset tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, id.String(), userID, token, expiresAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset token tx: %w", err)
	}

	return nil
}

// ConsumePasswordResetToken flips used false -> true while holding the row
// lock; used never transitions back, so a token is redeemable at most once.
func (r *Repository) ConsumePasswordResetToken(ctx context.Context, token string, now time.Time) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin reset consume tx: %w", err)
	}
	defer tx.Rollback()

	var (
		tokenID   string
		userID    string
		expiresAt time.Time
		used      bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, used
		FROM password_reset_tokens
		WHERE token = $1
		FOR UPDATE
	`, token).Scan(&tokenID, &userID, &expiresAt, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("read reset token: %w", err)
	}

	if used {
		return "", ErrTokenAlreadyUsed
	}
	if now.After(expiresAt.UTC()) {
		return "", ErrTokenExpired
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE password_reset_tokens SET used = TRUE WHERE id = $1
	`, tokenID); err != nil {
		return "", fmt.Errorf("mark reset token used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit reset consume tx: %w", err)
	}

	return userID, nil
}

// PurgeExpiredTokens batch-deletes verification tokens past their expiry
// and reset tokens that are used or expired, once they are older than the
// retention cutoff.
func (r *Repository) PurgeExpiredTokens(ctx context.Context, retention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	deletedVerification, err := r.deleteStaleVerificationTokens(ctx, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedReset, err := r.deleteStaleResetTokens(ctx, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedVerificationTokens: deletedVerification,
		DeletedResetTokens:        deletedReset,
	}, nil
}

func (r *Repository) deleteStaleVerificationTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM verification_tokens
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM verification_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale verification tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale verification tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleResetTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM password_reset_tokens
			WHERE (used = TRUE OR expires_at < NOW()) AND created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM password_reset_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale reset tokens rows affected: %w", err)
	}

	return affected, nil
}
