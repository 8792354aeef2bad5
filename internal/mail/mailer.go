// Package mail delivers transactional email: confirmation links, password
// reset links and verification codes. Delivery failures are logged, never
// surfaced to callers; an unreachable mail host must not reveal anything
// through API behavior.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/pkg/config"
)

// Mailer sends transactional messages to account holders.
type Mailer interface {
	SendConfirmationLink(ctx context.Context, email, link string) error
	SendPasswordResetLink(ctx context.Context, email, link string) error
	SendVerificationCode(ctx context.Context, email, code string) error
	SendTwoFactorCode(ctx context.Context, email, code string) error
}

// New builds a Mailer from configuration.
func New(cfg *config.MailConfig, logger *zap.Logger) Mailer {
	if cfg.Type == "smtp" {
		return NewSMTPMailer(cfg, logger)
	}
	return NewLogMailer(logger)
}

// LogMailer writes the would-be message to the log instead of sending it.
// Useful in development and as the default when no mail host is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a new LogMailer
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("mail")}
}

func (m *LogMailer) SendConfirmationLink(ctx context.Context, email, link string) error {
	m.logger.Info("Confirmation link", zap.String("email", email), zap.String("link", link))
	return nil
}

func (m *LogMailer) SendPasswordResetLink(ctx context.Context, email, link string) error {
	m.logger.Info("Password reset link", zap.String("email", email), zap.String("link", link))
	return nil
}

func (m *LogMailer) SendVerificationCode(ctx context.Context, email, code string) error {
	m.logger.Info("Verification code", zap.String("email", email), zap.String("code", code))
	return nil
}

func (m *LogMailer) SendTwoFactorCode(ctx context.Context, email, code string) error {
	m.logger.Info("Two-factor code", zap.String("email", email), zap.String("code", code))
	return nil
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	cfg    *config.MailConfig
	logger *zap.Logger
}

// NewSMTPMailer creates a new SMTPMailer
func NewSMTPMailer(cfg *config.MailConfig, logger *zap.Logger) *SMTPMailer {
	return &SMTPMailer{
		cfg:    cfg,
		logger: logger.Named("mail"),
	}
}

func (m *SMTPMailer) SendConfirmationLink(ctx context.Context, email, link string) error {
	body := fmt.Sprintf("Confirm your account by opening this link:\r\n\r\n%s\r\n", link)
	return m.send(email, "Confirm your email", body)
}

func (m *SMTPMailer) SendPasswordResetLink(ctx context.Context, email, link string) error {
	body := fmt.Sprintf("Reset your password by opening this link:\r\n\r\n%s\r\n\r\nIf you did not request this, you can ignore this message.\r\n", link)
	return m.send(email, "Reset your password", body)
}

func (m *SMTPMailer) SendVerificationCode(ctx context.Context, email, code string) error {
	body := fmt.Sprintf("Your verification code is: %s\r\n\r\nThe code expires shortly.\r\n", code)
	return m.send(email, "Your verification code", body)
}

func (m *SMTPMailer) SendTwoFactorCode(ctx context.Context, email, code string) error {
	body := fmt.Sprintf("Your sign-in code is: %s\r\n\r\nThe code expires shortly.\r\n", code)
	return m.send(email, "Your sign-in code", body)
}

func (m *SMTPMailer) send(to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.cfg.Username != "" {
		host := m.cfg.SMTPAddr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}

	if err := smtp.SendMail(m.cfg.SMTPAddr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		m.logger.Error("Failed to send mail", zap.String("to", to), zap.Error(err))
		return err
	}

	return nil
}
