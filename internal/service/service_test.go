package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/internal/storage/memory"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:     "127.0.0.1",
			Port:     8080,
			RPID:     "localhost",
			RPOrigin: "http://localhost:3000",
			RPName:   "Identity Backend",
			BaseURL:  "http://localhost:3000",
		},
		Storage: config.StorageConfig{Type: "memory", Ephemeral: "same"},
		Session: config.SessionConfig{
			Secret:        "test-session-secret",
			CookieName:    "identity_session",
			TTLHours:      24,
			RememberDays:  14,
			PartialTTLMin: 15,
		},
		Auth: config.AuthConfig{
			MaxFailedAttempts: 3,
			LockoutMinutes:    5,
			CodeTTLMinutes:    10,
			EnrollTTLMinutes:  15,
			LinkTokenTTLHours: 24,
			ChallengeTTLMin:   5,
			MinPasswordLength: 6,
			TOTPIssuer:        "Identity Backend",
		},
		Mail: config.MailConfig{Type: "log"},
	}
}

// sentMail is one captured outbound message.
type sentMail struct {
	Kind  string // confirmation-link, reset-link, verification-code, 2fa-code
	Email string
	Value string // the link or code
}

// captureMailer records outbound mail on a channel so tests can wait for
// the asynchronous delivery.
type captureMailer struct {
	sent chan sentMail
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{sent: make(chan sentMail, 16)}
}

func (m *captureMailer) SendConfirmationLink(ctx context.Context, email, link string) error {
	m.sent <- sentMail{Kind: "confirmation-link", Email: email, Value: link}
	return nil
}

func (m *captureMailer) SendPasswordResetLink(ctx context.Context, email, link string) error {
	m.sent <- sentMail{Kind: "reset-link", Email: email, Value: link}
	return nil
}

func (m *captureMailer) SendVerificationCode(ctx context.Context, email, code string) error {
	m.sent <- sentMail{Kind: "verification-code", Email: email, Value: code}
	return nil
}

func (m *captureMailer) SendTwoFactorCode(ctx context.Context, email, code string) error {
	m.sent <- sentMail{Kind: "2fa-code", Email: email, Value: code}
	return nil
}

// waitForMail blocks until a message is captured or the test fails.
func waitForMail(t *testing.T, m *captureMailer) sentMail {
	t.Helper()
	select {
	case msg := <-m.sent:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mail")
		return sentMail{}
	}
}

// newTestServices wires the full service graph on an in-memory store.
func newTestServices(t *testing.T) (*Services, storage.Store, *captureMailer) {
	t.Helper()

	store := memory.NewStore()
	mailer := newCaptureMailer()
	services, err := NewServices(store, testConfig(), zap.NewNop(), mailer)
	require.NoError(t, err)
	return services, store, mailer
}

// seedAccount creates a confirmed or unconfirmed password account directly
// in the store.
func seedAccount(t *testing.T, store storage.Store, email, password string, confirmed bool) *domain.Account {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now()
	hashStr := string(hash)
	account := &domain.Account{
		ID:                       domain.NewAccountID(),
		Email:                    domain.NormalizeEmail(email),
		EmailConfirmed:           confirmed,
		PasswordHash:             &hashStr,
		PreferredTwoFactorMethod: domain.TwoFactorNone,
		SecurityStamp:            domain.NewSecurityStamp(),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	require.NoError(t, store.Accounts().Create(context.Background(), account))
	return account
}

// parseLinkParams pulls two query parameters out of an emailed link.
func parseLinkParams(t *testing.T, link, first, second string) (string, string) {
	t.Helper()

	parsed, err := url.Parse(link)
	require.NoError(t, err)

	query := parsed.Query()
	a, b := query.Get(first), query.Get(second)
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	return a, b
}

// beginSession starts a fresh anonymous session.
func beginSession(t *testing.T, services *Services) *domain.Session {
	t.Helper()
	session, err := services.Session.Begin(context.Background())
	require.NoError(t, err)
	return session
}
