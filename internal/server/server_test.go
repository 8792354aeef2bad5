package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/mail"
	"github.com/veridianlabs/identity-backend/internal/service"
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
			MaxFailedAttempts: 5,
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
}

// testClient drives the router like a browser: it keeps cookies between
// requests and replays the antiforgery token.
type testClient struct {
	t       *testing.T
	handler http.Handler
	cookies []*http.Cookie
	csrf    string
}

func newTestServer(t *testing.T) (*testClient, *memory.Store) {
	t.Helper()

	cfg := testConfig()
	store := memory.NewStore()
	logger := zap.NewNop()

	services, err := service.NewServices(store, cfg, logger, mail.NewLogMailer(logger))
	require.NoError(t, err)

	srv := New(cfg, store, services, logger)
	return &testClient{t: t, handler: srv.Router()}, store
}

// seedConfirmedAccount creates a signed-up, confirmed password account.
func seedConfirmedAccount(t *testing.T, store *memory.Store, email, password string) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now()
	hashStr := string(hash)
	require.NoError(t, store.Accounts().Create(context.Background(), &domain.Account{
		ID:                       domain.NewAccountID(),
		Email:                    domain.NormalizeEmail(email),
		EmailConfirmed:           true,
		PasswordHash:             &hashStr,
		PreferredTwoFactorMethod: domain.TwoFactorNone,
		SecurityStamp:            domain.NewSecurityStamp(),
		CreatedAt:                now,
		UpdatedAt:                now,
	}))
}

func (c *testClient) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	c.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	if set := rec.Result().Cookies(); len(set) > 0 {
		c.cookies = set
	}
	return rec
}

// post sends a mutating request with the antiforgery token attached.
func (c *testClient) post(path string, body any) *httptest.ResponseRecorder {
	return c.do(http.MethodPost, path, body, map[string]string{"X-XSRF-TOKEN": c.csrf})
}

// fetchCSRF obtains a session and its antiforgery token.
func (c *testClient) fetchCSRF() {
	c.t.Helper()

	rec := c.do(http.MethodGet, "/api/auth/antiforgery", nil, nil)
	require.Equal(c.t, http.StatusOK, rec.Code)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(c.t, body.Token)
	c.csrf = body.Token
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndStatus(t *testing.T) {
	client, _ := newTestServer(t)

	rec := client.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = client.do(http.MethodGet, "/status", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeJSON(t, rec)["status"])
}

func TestAntiforgery_MutatingRequestWithoutTokenIs400(t *testing.T) {
	client, _ := newTestServer(t)

	rec := client.do(http.MethodPost, "/api/auth/login", map[string]string{
		"email": "a@example.com", "password": "password1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// refreshing the token and retrying is the documented recovery
	client.fetchCSRF()
	rec = client.post("/api/auth/login", map[string]string{
		"email": "a@example.com", "password": "password1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAntiforgery_WrongTokenIs400(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()
	client.csrf = "forged-token"

	rec := client.post("/api/auth/logout", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_UnconfirmedCannotLogin(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()

	rec := client.post("/api/auth/register", map[string]string{
		"email": "flow@example.com", "password": "password1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// unconfirmed address cannot sign in yet
	rec = client.post("/api/auth/login", map[string]any{
		"email": "flow@example.com", "password": "password1",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, true, decodeJSON(t, rec)["isNotAllowed"])
}

func TestLoginMeLogout(t *testing.T) {
	client, store := newTestServer(t)
	seedConfirmedAccount(t, store, "member@example.com", "password1")
	client.fetchCSRF()

	rec := client.post("/api/auth/login", map[string]any{
		"email": "member@example.com", "password": "password1", "rememberMe": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeJSON(t, rec)["succeeded"])

	// the login response rotated the session cookie; the CSRF token rotated
	// with it
	client.fetchCSRF()

	rec = client.do(http.MethodGet, "/api/auth/me", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "member@example.com", decodeJSON(t, rec)["email"])

	rec = client.post("/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = client.do(http.MethodGet, "/api/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()

	for _, path := range []string{
		"/api/auth/password/change",
		"/api/auth/email/change",
		"/api/auth/2fa/disable",
		"/api/auth/passkey/creation-options",
	} {
		rec := client.post(path, map[string]string{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := client.do(http.MethodGet, "/api/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = client.do(http.MethodGet, "/api/auth/passkey/list", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_UnknownAndWrongPasswordLookAlike(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()

	unknown := client.post("/api/auth/login", map[string]any{
		"email": "nobody@example.com", "password": "password1",
	})
	require.Equal(t, http.StatusUnauthorized, unknown.Code)

	require.Equal(t, http.StatusOK, client.post("/api/auth/register", map[string]string{
		"email": "someone@example.com", "password": "password1",
	}).Code)

	wrong := client.post("/api/auth/login", map[string]any{
		"email": "someone@example.com", "password": "not-it",
	})
	require.Equal(t, http.StatusUnauthorized, wrong.Code)

	assert.Equal(t, unknown.Body.String(), wrong.Body.String())
}

func TestForgotPassword_UniformResponse(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()

	known := client.post("/api/auth/password/forgot", map[string]string{"email": "a@example.com"})
	unknown := client.post("/api/auth/password/forgot", map[string]string{"email": "b@example.com"})

	assert.Equal(t, http.StatusOK, known.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())
}

func TestRegisterPasswordless_UniformResponse(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()

	first := client.post("/api/auth/register-passwordless", map[string]string{"email": "pw-less@example.com"})
	require.Equal(t, http.StatusOK, first.Code)
	firstBody := decodeJSON(t, first)
	assert.NotEmpty(t, firstBody["userId"])

	// a taken address answers with the same shape and a fresh-looking id
	again := client.post("/api/auth/register-passwordless", map[string]string{"email": "pw-less@example.com"})
	require.Equal(t, http.StatusOK, again.Code)
	againBody := decodeJSON(t, again)
	assert.NotEmpty(t, againBody["userId"])
	assert.NotEqual(t, firstBody["userId"], againBody["userId"])
	assert.Equal(t, firstBody["message"], againBody["message"])
}

func TestPasskeyRequestOptions_NeedsNoAccount(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()

	rec := client.post("/api/auth/passkey/request-options", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.NotEmpty(t, body["challengeId"])
	assert.NotNil(t, body["options"])
}

func TestPasskeyRequestOptions_UnknownEmailLooksNormal(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()

	rec := client.post("/api/auth/passkey/request-options", map[string]string{"email": "nobody@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.NotEmpty(t, body["challengeId"])
	assert.NotNil(t, body["options"])
}

func TestMalformedJSONIs400(t *testing.T) {
	client, _ := newTestServer(t)
	client.fetchCSRF()

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-XSRF-TOKEN", client.csrf)
	for _, cookie := range client.cookies {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	client.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
