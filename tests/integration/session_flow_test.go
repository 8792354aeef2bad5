package integration

import (
	"net/http"
	"testing"
)

func TestSessionFlow_LoginMeLogout(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedAccount("member@example.com", "password1")
	h.FetchCSRF()

	h.POST("/api/auth/login", map[string]any{
		"email": "member@example.com", "password": "password1",
	}).Status(http.StatusOK).BodyContains(`"succeeded":true`)

	// login rotated the session, so the antiforgery token rotated too
	h.FetchCSRF()

	var me struct {
		Email       string `json:"email"`
		HasPassword bool   `json:"hasPassword"`
	}
	h.GET("/api/auth/me").Status(http.StatusOK).JSON(&me)
	if me.Email != "member@example.com" || !me.HasPassword {
		t.Fatalf("unexpected profile: %+v", me)
	}

	h.POST("/api/auth/logout", nil).Status(http.StatusOK)
	h.GET("/api/auth/me").Status(http.StatusUnauthorized)
}

func TestSessionFlow_CSRFRequired(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedAccount("guarded@example.com", "password1")

	// no antiforgery token at all
	h.POST("/api/auth/login", map[string]any{
		"email": "guarded@example.com", "password": "password1",
	}).Status(http.StatusBadRequest)

	// fetching the token makes the same request pass the guard
	h.FetchCSRF()
	h.POST("/api/auth/login", map[string]any{
		"email": "guarded@example.com", "password": "password1",
	}).Status(http.StatusOK)
}

func TestSessionFlow_LockoutOverHTTP(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedAccount("target@example.com", "password1")
	h.FetchCSRF()

	for i := 0; i < 2; i++ {
		h.POST("/api/auth/login", map[string]any{
			"email": "target@example.com", "password": "wrong",
		}).Status(http.StatusUnauthorized).BodyContains(`"isLockedOut":false`)
	}

	h.POST("/api/auth/login", map[string]any{
		"email": "target@example.com", "password": "wrong",
	}).Status(http.StatusUnauthorized).BodyContains(`"isLockedOut":true`)

	// the correct password is refused while the lock holds
	h.POST("/api/auth/login", map[string]any{
		"email": "target@example.com", "password": "password1",
	}).Status(http.StatusUnauthorized).BodyContains(`"isLockedOut":true`)
}

func TestSessionFlow_TwoFactorByEmail(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedAccount("cautious@example.com", "password1")
	h.FetchCSRF()

	// turn on email step-up from a signed-in session
	h.POST("/api/auth/login", map[string]any{
		"email": "cautious@example.com", "password": "password1",
	}).Status(http.StatusOK)
	h.FetchCSRF()
	h.POST("/api/auth/2fa/enable", map[string]string{
		"method": "email",
	}).Status(http.StatusOK)
	h.POST("/api/auth/logout", nil).Status(http.StatusOK)

	// next login stops at the second factor
	h.FetchCSRF()
	h.POST("/api/auth/login", map[string]any{
		"email": "cautious@example.com", "password": "password1",
	}).Status(http.StatusOK).BodyContains(`"requiresTwoFactor":true`)

	h.GET("/api/auth/me").Status(http.StatusUnauthorized)

	code := h.Mail.Wait(t)
	if code.Kind != "2fa-code" {
		t.Fatalf("expected a 2fa code, got %q", code.Kind)
	}

	h.POST("/api/auth/2fa/verify", map[string]string{
		"code": code.Value,
	}).Status(http.StatusOK).BodyContains(`"succeeded":true`)

	h.FetchCSRF()
	h.GET("/api/auth/me").Status(http.StatusOK).BodyContains("cautious@example.com")
}

func TestSessionFlow_PasswordResetRevokesSessions(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedAccount("holder@example.com", "password1")
	h.FetchCSRF()

	h.POST("/api/auth/login", map[string]any{
		"email": "holder@example.com", "password": "password1",
	}).Status(http.StatusOK)
	h.FetchCSRF()
	h.GET("/api/auth/me").Status(http.StatusOK)

	h.POST("/api/auth/password/forgot", map[string]string{
		"email": "holder@example.com",
	}).Status(http.StatusOK)

	link := h.Mail.Wait(t)
	if link.Kind != "reset-link" {
		t.Fatalf("expected a reset link, got %q", link.Kind)
	}
	email, token := linkParams(t, link.Value, "email", "token")

	h.POST("/api/auth/password/reset", map[string]string{
		"email":       email,
		"token":       token,
		"newPassword": "password2",
	}).Status(http.StatusOK)

	// the pre-reset session fails its stamp check
	h.GET("/api/auth/me").Status(http.StatusUnauthorized)
}

func TestSessionFlow_ForgotPasswordUniform(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedAccount("present@example.com", "password1")
	h.FetchCSRF()

	known := h.POST("/api/auth/password/forgot", map[string]string{"email": "present@example.com"})
	known.Status(http.StatusOK)
	unknown := h.POST("/api/auth/password/forgot", map[string]string{"email": "absent@example.com"})
	unknown.Status(http.StatusOK)

	if string(known.Body()) != string(unknown.Body()) {
		t.Errorf("responses differ between known and unknown addresses:\n%s\n%s",
			known.Body(), unknown.Body())
	}
}
