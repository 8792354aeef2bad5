package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/server"
	"github.com/veridianlabs/identity-backend/internal/service"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/internal/storage/memory"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

// TestHarness provides a complete test environment: a running test server
// on in-memory storage, a cookie-aware client and captured outbound mail.
type TestHarness struct {
	T       *testing.T
	Server  *httptest.Server
	Config  *config.Config
	Storage storage.Store
	Mail    *MailRecorder

	// Client keeps session cookies between requests like a browser would
	Client *http.Client

	// BaseURL is the URL of the test server
	BaseURL string

	csrf string
}

// MailRecorder captures outbound mail on a channel so tests can wait for
// the asynchronous delivery without sleeping.
type MailRecorder struct {
	ch chan RecordedMail
}

// RecordedMail is one captured message.
type RecordedMail struct {
	Kind  string // confirmation-link, reset-link, verification-code, 2fa-code
	Email string
	Value string
}

func newMailRecorder() *MailRecorder {
	return &MailRecorder{ch: make(chan RecordedMail, 16)}
}

func (m *MailRecorder) SendConfirmationLink(ctx context.Context, email, link string) error {
	m.ch <- RecordedMail{Kind: "confirmation-link", Email: email, Value: link}
	return nil
}

func (m *MailRecorder) SendPasswordResetLink(ctx context.Context, email, link string) error {
	m.ch <- RecordedMail{Kind: "reset-link", Email: email, Value: link}
	return nil
}

func (m *MailRecorder) SendVerificationCode(ctx context.Context, email, code string) error {
	m.ch <- RecordedMail{Kind: "verification-code", Email: email, Value: code}
	return nil
}

func (m *MailRecorder) SendTwoFactorCode(ctx context.Context, email, code string) error {
	m.ch <- RecordedMail{Kind: "2fa-code", Email: email, Value: code}
	return nil
}

// Wait blocks until a message is captured or the test fails.
func (m *MailRecorder) Wait(t *testing.T) RecordedMail {
	t.Helper()
	select {
	case msg := <-m.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mail")
		return RecordedMail{}
	}
}

// NewTestHarness creates a new test harness with a running test server
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
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
			Secret:        "test-secret-key-for-integration-tests",
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
		CORS: config.CORSConfig{
			AllowedOrigins:   []string{"http://localhost:3000"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-XSRF-TOKEN"},
			AllowCredentials: true,
		},
	}

	logger := zap.NewNop()
	store := memory.NewStore()
	recorder := newMailRecorder()

	services, err := service.NewServices(store, cfg, logger, recorder)
	if err != nil {
		t.Fatalf("Failed to build services: %v", err)
	}

	srv := server.New(cfg, store, services, logger)
	ts := httptest.NewServer(srv.Router())

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("Failed to create cookie jar: %v", err)
	}

	h := &TestHarness{
		T:       t,
		Server:  ts,
		Config:  cfg,
		Storage: store,
		Mail:    recorder,
		Client:  &http.Client{Jar: jar},
		BaseURL: ts.URL,
	}

	t.Cleanup(func() {
		ts.Close()
	})

	return h
}

// FetchCSRF obtains a session and its antiforgery token; subsequent POST
// requests replay the token automatically.
func (h *TestHarness) FetchCSRF() {
	h.T.Helper()

	var body struct {
		Token string `json:"token"`
	}
	h.GET("/api/auth/antiforgery").Status(http.StatusOK).JSON(&body)
	if body.Token == "" {
		h.T.Fatal("antiforgery endpoint returned no token")
	}
	h.csrf = body.Token
}

// Request makes an HTTP request to the test server
func (h *TestHarness) Request(method, path string, body interface{}) *Response {
	h.T.Helper()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			h.T.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, h.BaseURL+path, bodyReader)
	if err != nil {
		h.T.Fatalf("Failed to create request: %v", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.csrf != "" {
		req.Header.Set("X-XSRF-TOKEN", h.csrf)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		h.T.Fatalf("Request failed: %v", err)
	}

	return &Response{T: h.T, Response: resp}
}

// GET makes a GET request
func (h *TestHarness) GET(path string) *Response {
	return h.Request(http.MethodGet, path, nil)
}

// POST makes a POST request with a JSON body
func (h *TestHarness) POST(path string, body interface{}) *Response {
	return h.Request(http.MethodPost, path, body)
}

// SeedAccount creates a confirmed password account directly in storage.
func (h *TestHarness) SeedAccount(email, password string) *domain.Account {
	h.T.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		h.T.Fatalf("Failed to hash password: %v", err)
	}

	now := time.Now()
	hashStr := string(hash)
	account := &domain.Account{
		ID:                       domain.NewAccountID(),
		Email:                    domain.NormalizeEmail(email),
		EmailConfirmed:           true,
		PasswordHash:             &hashStr,
		PreferredTwoFactorMethod: domain.TwoFactorNone,
		SecurityStamp:            domain.NewSecurityStamp(),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := h.Storage.Accounts().Create(context.Background(), account); err != nil {
		h.T.Fatalf("Failed to seed account: %v", err)
	}
	return account
}

// linkParams pulls two query parameters out of an emailed link.
func linkParams(t *testing.T, link, first, second string) (string, string) {
	t.Helper()

	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("Failed to parse link %q: %v", link, err)
	}

	query := parsed.Query()
	a, b := query.Get(first), query.Get(second)
	if a == "" || b == "" {
		t.Fatalf("link %q is missing %q or %q", link, first, second)
	}
	return a, b
}

// Response wraps an HTTP response with assertion helpers
type Response struct {
	T        *testing.T
	Response *http.Response
	body     []byte
	bodyRead bool
}

// Body returns the response body as bytes
func (r *Response) Body() []byte {
	r.T.Helper()
	if !r.bodyRead {
		var err error
		r.body, err = io.ReadAll(r.Response.Body)
		if err != nil {
			r.T.Fatalf("Failed to read response body: %v", err)
		}
		r.Response.Body.Close()
		r.bodyRead = true
	}
	return r.body
}

// JSON unmarshals the response body into the given target
func (r *Response) JSON(target interface{}) *Response {
	r.T.Helper()
	if err := json.Unmarshal(r.Body(), target); err != nil {
		r.T.Fatalf("Failed to unmarshal response: %v\nBody: %s", err, string(r.Body()))
	}
	return r
}

// Status asserts the response status code
func (r *Response) Status(expected int) *Response {
	r.T.Helper()
	if r.Response.StatusCode != expected {
		r.T.Errorf("Expected status %d, got %d\nBody: %s", expected, r.Response.StatusCode, string(r.Body()))
	}
	return r
}

// BodyContains asserts the response body contains a substring
func (r *Response) BodyContains(substr string) *Response {
	r.T.Helper()
	if !bytes.Contains(r.Body(), []byte(substr)) {
		r.T.Errorf("Expected body to contain %q\nBody: %s", substr, string(r.Body()))
	}
	return r
}
