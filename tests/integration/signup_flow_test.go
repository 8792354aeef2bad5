package integration

import (
	"net/http"
	"testing"
)

// The passkey-first signup walks: register-passwordless, emailed code,
// verify-email, enrollment token, creation options. The ceremony itself
// needs an authenticator, so the flow is driven up to the issued options.
func TestPasswordlessSignupFlow(t *testing.T) {
	h := NewTestHarness(t)
	h.FetchCSRF()

	var registered struct {
		Succeeded bool   `json:"succeeded"`
		UserID    string `json:"userId"`
	}
	h.POST("/api/auth/register-passwordless", map[string]string{
		"email": "newcomer@example.com",
	}).Status(http.StatusOK).JSON(&registered)

	if !registered.Succeeded || registered.UserID == "" {
		t.Fatalf("incomplete registration handoff: %+v", registered)
	}

	msg := h.Mail.Wait(t)
	if msg.Kind != "verification-code" {
		t.Fatalf("expected a verification code, got %q", msg.Kind)
	}

	var verified struct {
		Succeeded  bool   `json:"succeeded"`
		UserID     string `json:"userId"`
		SetupToken string `json:"setupToken"`
	}
	h.POST("/api/auth/verify-email", map[string]string{
		"userId": registered.UserID,
		"code":   msg.Value,
	}).Status(http.StatusOK).JSON(&verified)

	if !verified.Succeeded || verified.UserID == "" || verified.SetupToken == "" {
		t.Fatalf("incomplete verification handoff: %+v", verified)
	}

	var options struct {
		ChallengeID string `json:"challengeId"`
	}
	h.POST("/api/auth/passkey/setup-creation-options", map[string]string{
		"userId":     verified.UserID,
		"setupToken": verified.SetupToken,
	}).Status(http.StatusOK).JSON(&options)

	if options.ChallengeID == "" {
		t.Fatal("no challenge issued for passkey setup")
	}

	// the setup token was spent on the first call
	h.POST("/api/auth/passkey/setup-creation-options", map[string]string{
		"userId":     verified.UserID,
		"setupToken": verified.SetupToken,
	}).Status(http.StatusBadRequest)
}

func TestPasswordlessSignup_WrongCodeThenRight(t *testing.T) {
	h := NewTestHarness(t)
	h.FetchCSRF()

	var registered struct {
		UserID string `json:"userId"`
	}
	h.POST("/api/auth/register-passwordless", map[string]string{
		"email": "careful@example.com",
	}).Status(http.StatusOK).JSON(&registered)
	code := h.Mail.Wait(t).Value

	h.POST("/api/auth/verify-email", map[string]string{
		"userId": registered.UserID,
		"code":   "000000",
	}).Status(http.StatusBadRequest)

	h.POST("/api/auth/verify-email", map[string]string{
		"userId": registered.UserID,
		"code":   code,
	}).Status(http.StatusOK)
}

func TestPasswordlessSignup_ResendReplacesCode(t *testing.T) {
	h := NewTestHarness(t)
	h.FetchCSRF()

	var registered struct {
		UserID string `json:"userId"`
	}
	h.POST("/api/auth/register-passwordless", map[string]string{
		"email": "patient@example.com",
	}).Status(http.StatusOK).JSON(&registered)
	first := h.Mail.Wait(t).Value

	h.POST("/api/auth/resend-verification", map[string]string{
		"userId": registered.UserID,
	}).Status(http.StatusOK)
	second := h.Mail.Wait(t).Value

	if first != second {
		h.POST("/api/auth/verify-email", map[string]string{
			"userId": registered.UserID,
			"code":   first,
		}).Status(http.StatusBadRequest)
	}

	h.POST("/api/auth/verify-email", map[string]string{
		"userId": registered.UserID,
		"code":   second,
	}).Status(http.StatusOK)
}

func TestPasswordlessSignup_ExistingAddressLooksTheSame(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedAccount("resident@example.com", "password1")
	h.FetchCSRF()

	type response struct {
		Succeeded bool   `json:"succeeded"`
		UserID    string `json:"userId"`
		Message   string `json:"message"`
	}

	var taken, fresh response
	h.POST("/api/auth/register-passwordless", map[string]string{
		"email": "resident@example.com",
	}).Status(http.StatusOK).JSON(&taken)

	h.POST("/api/auth/register-passwordless", map[string]string{
		"email": "stranger-here@example.com",
	}).Status(http.StatusOK).JSON(&fresh)

	// both answers carry the same shape; ids are opaque either way
	if !taken.Succeeded || !fresh.Succeeded {
		t.Errorf("both signups must report success: %+v vs %+v", taken, fresh)
	}
	if taken.UserID == "" || fresh.UserID == "" {
		t.Errorf("both signups must hand out a user id: %+v vs %+v", taken, fresh)
	}
	if taken.Message != fresh.Message {
		t.Errorf("messages differ between known and unknown addresses: %q vs %q",
			taken.Message, fresh.Message)
	}

	// the id handed out for the taken address leads nowhere
	h.POST("/api/auth/verify-email", map[string]string{
		"userId": taken.UserID,
		"code":   "123456",
	}).Status(http.StatusBadRequest)
}

func TestRegisterAndConfirmFlow(t *testing.T) {
	h := NewTestHarness(t)
	h.FetchCSRF()

	h.POST("/api/auth/register", map[string]string{
		"email":    "classic@example.com",
		"password": "password1",
	}).Status(http.StatusOK)

	msg := h.Mail.Wait(t)
	if msg.Kind != "confirmation-link" {
		t.Fatalf("expected a confirmation link, got %q", msg.Kind)
	}

	userID, token := linkParams(t, msg.Value, "userId", "token")

	// sign-in is refused until the link is followed
	h.POST("/api/auth/login", map[string]any{
		"email": "classic@example.com", "password": "password1",
	}).Status(http.StatusUnauthorized).BodyContains(`"isNotAllowed":true`)

	h.POST("/api/auth/confirm-email", map[string]string{
		"userId": userID,
		"token":  token,
	}).Status(http.StatusOK)

	h.POST("/api/auth/login", map[string]any{
		"email": "classic@example.com", "password": "password1",
	}).Status(http.StatusOK).BodyContains(`"succeeded":true`)
}
