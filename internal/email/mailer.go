package email

import (
	"cadarena/internal/observability"
)

// Mailer delivers the account lifecycle emails. Token values travel only
// inside the generated links; implementations must not log them.
type Mailer interface {
	SendVerification(toEmail, username, token string) error
	SendPasswordReset(toEmail, username, token string) error
	Enabled() bool
}

// LogMailer is the development stand-in used when email delivery is
// disabled. It logs the link a real mailer would have sent so local flows
// stay testable end to end.
type LogMailer struct {
	logger      *observability.Logger
	frontendURL string
}

func NewLogMailer(logger *observability.Logger, frontendURL string) *LogMailer {
	return &LogMailer{logger: logger, frontendURL: frontendURL}
}

func (m *LogMailer) SendVerification(toEmail, username, token string) error {
	m.logger.Info("verification_email_skipped", map[string]any{
		"to":   toEmail,
		"link": verificationLink(m.frontendURL, token),
	})
	return nil
}

func (m *LogMailer) SendPasswordReset(toEmail, username, token string) error {
	m.logger.Info("password_reset_email_skipped", map[string]any{
		"to":   toEmail,
		"link": resetLink(m.frontendURL, token),
	})
	return nil
}

func (m *LogMailer) Enabled() bool {
	return false
}
