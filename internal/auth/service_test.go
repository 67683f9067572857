package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"cadarena/internal/email"
	"cadarena/internal/observability"
)

func newTestService(t *testing.T, emailEnabled bool) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := observability.NewLogger()
	service := NewService(
		NewRepository(db),
		NewPasswordHasher(bcrypt.MinCost),
		NewTokenCodec("access-secret", "refresh-secret"),
		NewLockoutPolicy(5, 15*time.Minute),
		email.NewLogMailer(logger, "http://localhost:3000"),
		logger,
		ServiceConfig{EmailEnabled: emailEnabled},
	)

	return service, mock, func() { db.Close() }
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := NewPasswordHasher(bcrypt.MinCost).Hash(password)
	require.NoError(t, err)
	return hash
}

func userRow(id, username, emailAddr, passwordHash string, verified bool, refreshToken any, failedAttempts int, lockedUntil any) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "is_verified",
		"refresh_token", "failed_attempts", "locked_until", "created_at", "updated_at",
	}).AddRow(id, username, emailAddr, passwordHash, verified, refreshToken, failedAttempts, lockedUntil, now, now)
}

func TestServiceLoginSuccess(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WithArgs("alice").
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, nil, 0, nil))
	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pair, err := service.Login(context.Background(), "Alice", "Str0ng!Pass")
	require.NoError(t, err)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64((30 * time.Minute).Seconds()), pair.ExpiresIn)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceLoginUnknownIdentifier(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	mock.ExpectQuery(`FROM users`).
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := service.Login(context.Background(), "nobody@example.com", "Str0ng!Pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// An unknown identifier must not record a failure.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceLoginEmptyInput(t *testing.T) {
	service, _, closeDB := newTestService(t, false)
	defer closeDB()

	_, err := service.Login(context.Background(), "", "Str0ng!Pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.Login(context.Background(), "alice", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceLoginWrongPasswordIncrementsCounter(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, nil, 0, nil))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(0, nil))
	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := service.Login(context.Background(), "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceLoginFifthFailureLocks(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, nil, 4, nil))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(4, nil))
	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := service.Login(context.Background(), "alice", "wrong-password")

	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)
	assert.True(t, locked.Until.After(time.Now().UTC()))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceLoginLockedAccountRefusedWithoutCounting(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	until := time.Now().UTC().Add(10 * time.Minute)
	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, nil, 5, until))

	// Even the correct password is refused while locked.
	_, err := service.Login(context.Background(), "alice", "Str0ng!Pass")

	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, until, locked.Until)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceLoginUnverifiedAccount(t *testing.T) {
	service, mock, closeDB := newTestService(t, true)
	defer closeDB()

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, false, nil, 0, nil))

	_, err := service.Login(context.Background(), "alice", "Str0ng!Pass")
	assert.ErrorIs(t, err, ErrNotVerified)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceSignupWeakPassword(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	_, err := service.Signup(context.Background(), "alice", "alice@example.com", "weak")

	var policyErr PasswordPolicyError
	require.ErrorAs(t, err, &policyErr)
	assert.NotEmpty(t, policyErr.Violations)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceSignupDuplicateEmail(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	mock.ExpectQuery(`EXISTS`).
		WithArgs("alice@example.com", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"email_taken", "username_taken"}).AddRow(true, false))

	_, err := service.Signup(context.Background(), "Alice", "Alice@Example.com", "Str0ng!Pass")
	assert.ErrorIs(t, err, ErrEmailTaken)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceSignupDuplicateUsername(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	mock.ExpectQuery(`EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"email_taken", "username_taken"}).AddRow(false, true))

	_, err := service.Signup(context.Background(), "alice", "alice@example.com", "Str0ng!Pass")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceSignupAutoVerifiesWhenEmailDisabled(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	mock.ExpectQuery(`EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"email_taken", "username_taken"}).AddRow(false, false))
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user, err := service.Signup(context.Background(), "alice", "alice@example.com", "Str0ng!Pass")
	require.NoError(t, err)

	assert.True(t, user.IsVerified)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEmpty(t, user.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceSignupCreatesVerificationTokenWhenEmailEnabled(t *testing.T) {
	service, mock, closeDB := newTestService(t, true)
	defer closeDB()

	mock.ExpectQuery(`EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"email_taken", "username_taken"}).AddRow(false, false))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO verification_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	user, err := service.Signup(context.Background(), "alice", "alice@example.com", "Str0ng!Pass")
	require.NoError(t, err)
	assert.False(t, user.IsVerified)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceRefreshRotatesToken(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	refresh, err := service.codec.IssueRefresh("user-1")
	require.NoError(t, err)

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WithArgs("user-1").
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, refresh, 0, nil))
	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pair, err := service.Refresh(context.Background(), refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceRefreshRejectsSupersededToken(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	presented, err := service.codec.IssueRefresh("user-1")
	require.NoError(t, err)
	stored := "a-different-stored-token"

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, stored, 0, nil))

	_, err = service.Refresh(context.Background(), presented)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceRefreshRejectsAfterLogout(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	presented, err := service.codec.IssueRefresh("user-1")
	require.NoError(t, err)

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, nil, 0, nil))

	_, err = service.Refresh(context.Background(), presented)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceRefreshRejectsMalformedToken(t *testing.T) {
	service, _, closeDB := newTestService(t, false)
	defer closeDB()

	_, err := service.Refresh(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServiceForgotPasswordUnknownEmail(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	mock.ExpectQuery(`FROM users`).
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	err := service.ForgotPassword(context.Background(), "Nobody@Example.com")
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceForgotPasswordIssuesToken(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, nil, 0, nil))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE password_reset_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO password_reset_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := service.ForgotPassword(context.Background(), "alice@example.com")
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceResetPasswordChecksPolicyBeforeToken(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	err := service.ResetPassword(context.Background(), "some-token", "weak")

	var policyErr PasswordPolicyError
	require.ErrorAs(t, err, &policyErr)

	// The token must survive a rejected password.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceResetPasswordHappyPath(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	expires := time.Now().UTC().Add(30 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM password_reset_tokens`).
		WithArgs("reset-token").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "expires_at", "used"}).
			AddRow("token-1", "user-1", expires, false))
	mock.ExpectExec(`UPDATE password_reset_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.ResetPassword(context.Background(), "reset-token", "N3w!Password")
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceResetPasswordUsedToken(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	expires := time.Now().UTC().Add(30 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM password_reset_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "expires_at", "used"}).
			AddRow("token-1", "user-1", expires, true))
	mock.ExpectRollback()

	err := service.ResetPassword(context.Background(), "reset-token", "N3w!Password")
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
}

func TestServiceResetPasswordExpiredToken(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	expires := time.Now().UTC().Add(-time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM password_reset_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "expires_at", "used"}).
			AddRow("token-1", "user-1", expires, false))
	mock.ExpectRollback()

	err := service.ResetPassword(context.Background(), "reset-token", "N3w!Password")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestServiceVerifyEmailUnknownToken(t *testing.T) {
	service, mock, closeDB := newTestService(t, true)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM verification_tokens`).
		WithArgs("missing-token").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := service.VerifyEmail(context.Background(), "missing-token")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestServiceVerifyEmailAlreadyVerifiedUser(t *testing.T) {
	service, mock, closeDB := newTestService(t, true)
	defer closeDB()

	expires := time.Now().UTC().Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM verification_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "expires_at", "is_verified"}).
			AddRow("token-1", "user-1", expires, true))
	mock.ExpectCommit()

	// The token row is left in place, so repeating the call succeeds too.
	err := service.VerifyEmail(context.Background(), "verify-token")
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceVerifyEmailHappyPath(t *testing.T) {
	service, mock, closeDB := newTestService(t, true)
	defer closeDB()

	expires := time.Now().UTC().Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM verification_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "expires_at", "is_verified"}).
			AddRow("token-1", "user-1", expires, false))
	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM verification_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := service.VerifyEmail(context.Background(), "verify-token")
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceResendVerificationAlreadyVerified(t *testing.T) {
	service, mock, closeDB := newTestService(t, true)
	defer closeDB()

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, nil, 0, nil))

	// Same generic outcome as an unknown address.
	err := service.ResendVerification(context.Background(), "alice@example.com")
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceChangePasswordWrongCurrent(t *testing.T) {
	service, _, closeDB := newTestService(t, false)
	defer closeDB()

	user := User{ID: "user-1", PasswordHash: mustHash(t, "Str0ng!Pass")}
	err := service.ChangePassword(context.Background(), user, "wrong-password", "N3w!Password")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServiceChangePasswordHappyPath(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user := User{ID: "user-1", PasswordHash: mustHash(t, "Str0ng!Pass")}
	err := service.ChangePassword(context.Background(), user, "Str0ng!Pass", "N3w!Password")
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceCurrentUser(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	access, err := service.codec.IssueAccess("user-1", "alice")
	require.NoError(t, err)

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WithArgs("user-1").
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, true, nil, 0, nil))

	user, err := service.CurrentUser(context.Background(), access)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "alice", user.Username)
}

func TestServiceCurrentUserInvalidToken(t *testing.T) {
	service, _, closeDB := newTestService(t, false)
	defer closeDB()

	_, err := service.CurrentUser(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServiceCurrentVerifiedUserRejectsUnverified(t *testing.T) {
	service, mock, closeDB := newTestService(t, true)
	defer closeDB()

	access, err := service.codec.IssueAccess("user-1", "alice")
	require.NoError(t, err)

	hash := mustHash(t, "Str0ng!Pass")
	mock.ExpectQuery(`FROM users`).
		WillReturnRows(userRow("user-1", "alice", "alice@example.com", hash, false, nil, 0, nil))

	_, err = service.CurrentVerifiedUser(context.Background(), access)
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestServiceLogoutClearsRefreshToken(t *testing.T) {
	service, mock, closeDB := newTestService(t, false)
	defer closeDB()

	mock.ExpectExec(`UPDATE users`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.Logout(context.Background(), User{ID: "user-1"})
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
