package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/service"
	"github.com/veridianlabs/identity-backend/pkg/config"
	"github.com/veridianlabs/identity-backend/pkg/middleware"
)

// Handlers aggregates all HTTP handlers
type Handlers struct {
	services *service.Services
	cfg      *config.Config
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services *service.Services, cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		services: services,
		cfg:      cfg,
		logger:   logger.Named("handlers"),
	}
}

// ApiResponse is the uniform envelope for operations without a richer
// payload.
type ApiResponse struct {
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message,omitempty"`
}

// LoginResponse mirrors the sign-in outcome without disclosing which check
// failed.
type LoginResponse struct {
	Succeeded         bool   `json:"succeeded"`
	RequiresTwoFactor bool   `json:"requiresTwoFactor"`
	IsLockedOut       bool   `json:"isLockedOut"`
	IsNotAllowed      bool   `json:"isNotAllowed"`
	Message           string `json:"message,omitempty"`
}

func loginResponse(r *service.LoginResult) LoginResponse {
	return LoginResponse{
		Succeeded:         r.Succeeded,
		RequiresTwoFactor: r.RequiresTwoFactor,
		IsLockedOut:       r.IsLockedOut,
		IsNotAllowed:      r.IsNotAllowed,
		Message:           r.Message,
	}
}

func ok(c *gin.Context, message string) {
	c.JSON(http.StatusOK, ApiResponse{Succeeded: true, Message: message})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, ApiResponse{Succeeded: false, Message: message})
}

func (h *Handlers) internalError(c *gin.Context, err error) {
	h.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	fail(c, http.StatusInternalServerError, "An unexpected error occurred.")
}

// setSessionCookie writes the signed cookie referencing a session.
func (h *Handlers) setSessionCookie(c *gin.Context, session *domain.Session) {
	value, err := h.services.Session.CookieValue(session)
	if err != nil {
		h.logger.Error("Failed to sign session cookie", zap.Error(err))
		return
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(
		h.cfg.Session.CookieName,
		value,
		h.services.Session.CookieMaxAge(session),
		"/",
		"",
		h.cfg.Session.CookieSecure,
		true,
	)
}

func (h *Handlers) clearSessionCookie(c *gin.Context) {
	c.SetCookie(h.cfg.Session.CookieName, "", -1, "/", "", h.cfg.Session.CookieSecure, true)
}

// ensureSession returns the request's session, creating an anonymous one
// when the request carries none.
func (h *Handlers) ensureSession(c *gin.Context) (*domain.Session, error) {
	if session := middleware.SessionFromContext(c); session != nil {
		return session, nil
	}

	session, err := h.services.Session.Begin(c.Request.Context())
	if err != nil {
		return nil, err
	}

	h.setSessionCookie(c, session)
	c.Set(middleware.ContextSession, session)
	return session, nil
}

// Antiforgery hands out the session's antiforgery token, creating an
// anonymous session when necessary. Clients call this before their first
// mutating request and again after any 400.
func (h *Handlers) Antiforgery(c *gin.Context) {
	session, err := h.ensureSession(c)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": session.CSRFToken})
}

// LoginRequest is the password sign-in payload
type LoginRequest struct {
	Email      string `json:"email" binding:"required"`
	Password   string `json:"password" binding:"required"`
	RememberMe bool   `json:"rememberMe"`
}

// Login handles password sign-in.
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Email and password are required.")
		return
	}

	session, err := h.ensureSession(c)
	if err != nil {
		h.internalError(c, err)
		return
	}

	result, err := h.services.Auth.Login(c.Request.Context(), session, req.Email, req.Password, req.RememberMe)
	if err != nil {
		h.internalError(c, err)
		return
	}

	if result.Session != nil {
		h.setSessionCookie(c, result.Session)
	}

	if result.Succeeded || result.RequiresTwoFactor {
		c.JSON(http.StatusOK, loginResponse(result))
		return
	}

	c.JSON(http.StatusUnauthorized, loginResponse(result))
}

// TwoFactorVerifyRequest carries the step-up code
type TwoFactorVerifyRequest struct {
	Code string `json:"code" binding:"required"`
}

// VerifyTwoFactor completes a pending login.
func (h *Handlers) VerifyTwoFactor(c *gin.Context) {
	var req TwoFactorVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Code is required.")
		return
	}

	session := middleware.SessionFromContext(c)
	result, err := h.services.Auth.VerifyTwoFactor(c.Request.Context(), session, req.Code)
	if err != nil {
		if errors.Is(err, service.ErrNoPendingLogin) {
			fail(c, http.StatusUnauthorized, "No pending login.")
			return
		}
		h.internalError(c, err)
		return
	}

	if result.Session != nil {
		h.setSessionCookie(c, result.Session)
	}

	if result.Succeeded {
		c.JSON(http.StatusOK, loginResponse(result))
		return
	}

	c.JSON(http.StatusUnauthorized, loginResponse(result))
}

// SendTwoFactorEmailCode mails a step-up code for a pending login.
func (h *Handlers) SendTwoFactorEmailCode(c *gin.Context) {
	session := middleware.SessionFromContext(c)
	if err := h.services.Auth.SendTwoFactorEmailCode(c.Request.Context(), session); err != nil {
		if errors.Is(err, service.ErrNoPendingLogin) {
			fail(c, http.StatusUnauthorized, "No pending login.")
			return
		}
		h.internalError(c, err)
		return
	}

	ok(c, "If a login is pending, a code has been sent.")
}

// RegisterRequest is the password signup payload
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Register creates a password account.
func (h *Handlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "A valid email and password are required.")
		return
	}

	if err := h.services.Auth.Register(c.Request.Context(), req.Email, req.Password); err != nil {
		switch {
		case errors.Is(err, service.ErrEmailTaken):
			fail(c, http.StatusBadRequest, "Email is already taken.")
		case errors.Is(err, service.ErrPasswordTooShort):
			fail(c, http.StatusBadRequest, "Password does not meet the minimum length.")
		default:
			h.internalError(c, err)
		}
		return
	}

	ok(c, "Registration successful. Please check your email to confirm your account.")
}

// ConfirmEmailRequest redeems an emailed confirmation link
type ConfirmEmailRequest struct {
	UserID string `json:"userId" binding:"required"`
	Token  string `json:"token" binding:"required"`
}

// ConfirmEmail redeems a confirmation token.
func (h *Handlers) ConfirmEmail(c *gin.Context) {
	var req ConfirmEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "User id and token are required.")
		return
	}

	if err := h.services.Auth.ConfirmEmail(c.Request.Context(), req.UserID, req.Token); err != nil {
		if errors.Is(err, service.ErrTokenInvalid) {
			fail(c, http.StatusBadRequest, "The confirmation link is invalid or has expired.")
			return
		}
		h.internalError(c, err)
		return
	}

	ok(c, "Email confirmed. You can now sign in.")
}

// Logout destroys the caller's session.
func (h *Handlers) Logout(c *gin.Context) {
	session := middleware.SessionFromContext(c)
	if err := h.services.Auth.Logout(c.Request.Context(), session); err != nil {
		h.internalError(c, err)
		return
	}

	h.clearSessionCookie(c)
	ok(c, "Signed out.")
}

// Me reports the signed-in account's profile.
func (h *Handlers) Me(c *gin.Context) {
	account := middleware.AccountFromContext(c)
	if account == nil {
		fail(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"email":                    account.Email,
		"emailConfirmed":           account.EmailConfirmed,
		"hasPassword":              account.HasPassword(),
		"twoFactorEnabled":         account.TwoFactorEnabled,
		"preferredTwoFactorMethod": account.PreferredTwoFactorMethod,
		"passkeyCount":             len(account.Passkeys),
	})
}

// ChangePasswordRequest carries the password change payload
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

// ChangePassword replaces the signed-in account's password.
func (h *Handlers) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Current and new password are required.")
		return
	}

	account := middleware.AccountFromContext(c)
	session := middleware.SessionFromContext(c)

	err := h.services.Auth.ChangePassword(c.Request.Context(), account, session, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			fail(c, http.StatusBadRequest, "Current password is incorrect.")
		case errors.Is(err, service.ErrPasswordTooShort):
			fail(c, http.StatusBadRequest, "Password does not meet the minimum length.")
		case errors.Is(err, service.ErrPasswordRequired):
			fail(c, http.StatusBadRequest, "This account has no password.")
		default:
			h.internalError(c, err)
		}
		return
	}

	ok(c, "Password changed.")
}

// ForgotPasswordRequest names the address to reset
type ForgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// ForgotPassword always answers the same way, registered address or not.
func (h *Handlers) ForgotPassword(c *gin.Context) {
	var req ForgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "A valid email is required.")
		return
	}

	if err := h.services.Auth.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		h.internalError(c, err)
		return
	}

	ok(c, "If the address is registered, a reset link has been sent.")
}

// ResetPasswordRequest redeems an emailed reset link
type ResetPasswordRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

// ResetPassword redeems a reset token.
func (h *Handlers) ResetPassword(c *gin.Context) {
	var req ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Email, token and new password are required.")
		return
	}

	err := h.services.Auth.ResetPassword(c.Request.Context(), req.Email, req.Token, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenInvalid):
			fail(c, http.StatusBadRequest, "The reset link is invalid or has expired.")
		case errors.Is(err, service.ErrPasswordTooShort):
			fail(c, http.StatusBadRequest, "Password does not meet the minimum length.")
		default:
			h.internalError(c, err)
		}
		return
	}

	ok(c, "Password has been reset. You can now sign in.")
}

// ChangeEmailRequest proposes a new address
type ChangeEmailRequest struct {
	NewEmail string `json:"newEmail" binding:"required,email"`
}

// ChangeEmail mails a confirmation link to the proposed address.
func (h *Handlers) ChangeEmail(c *gin.Context) {
	var req ChangeEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "A valid email is required.")
		return
	}

	account := middleware.AccountFromContext(c)
	if err := h.services.Auth.ChangeEmail(c.Request.Context(), account, req.NewEmail); err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			fail(c, http.StatusBadRequest, "Email is already taken.")
			return
		}
		h.internalError(c, err)
		return
	}

	ok(c, "A confirmation link has been sent to the new address.")
}

// ConfirmEmailChange applies a confirmed address change.
func (h *Handlers) ConfirmEmailChange(c *gin.Context) {
	var req ConfirmEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "User id and token are required.")
		return
	}

	session := middleware.SessionFromContext(c)
	err := h.services.Auth.ConfirmEmailChange(c.Request.Context(), req.UserID, req.Token, session)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenInvalid):
			fail(c, http.StatusBadRequest, "The confirmation link is invalid or has expired.")
		case errors.Is(err, service.ErrEmailTaken):
			fail(c, http.StatusBadRequest, "Email is already taken.")
		default:
			h.internalError(c, err)
		}
		return
	}

	ok(c, "Email address updated.")
}

// Two-factor management

// TwoFactorEnrollment starts authenticator enrollment and returns the
// shared key.
func (h *Handlers) TwoFactorEnrollment(c *gin.Context) {
	account := middleware.AccountFromContext(c)
	enrollment, err := h.services.TwoFactor.StartAuthenticatorEnrollment(c.Request.Context(), account)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, enrollment)
}

// EnableTwoFactorRequest turns a second factor on
type EnableTwoFactorRequest struct {
	Method string `json:"method" binding:"required"`
	Code   string `json:"code"`
}

// EnableTwoFactor enables the chosen second factor.
func (h *Handlers) EnableTwoFactor(c *gin.Context) {
	var req EnableTwoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Method is required.")
		return
	}

	account := middleware.AccountFromContext(c)

	var err error
	switch domain.TwoFactorMethod(req.Method) {
	case domain.TwoFactorAuthenticator:
		err = h.services.TwoFactor.EnableAuthenticator(c.Request.Context(), account, req.Code)
	case domain.TwoFactorEmail:
		err = h.services.TwoFactor.EnableEmail(c.Request.Context(), account)
	default:
		fail(c, http.StatusBadRequest, "Unknown two-factor method.")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, service.ErrTwoFactorCodeInvalid):
			fail(c, http.StatusBadRequest, "Invalid verification code.")
		case errors.Is(err, service.ErrNoAuthenticator):
			fail(c, http.StatusBadRequest, "No authenticator enrollment in progress.")
		default:
			h.internalError(c, err)
		}
		return
	}

	ok(c, "Two-factor authentication enabled.")
}

// DisableTwoFactor turns the second factor off.
func (h *Handlers) DisableTwoFactor(c *gin.Context) {
	account := middleware.AccountFromContext(c)
	if err := h.services.TwoFactor.Disable(c.Request.Context(), account); err != nil {
		h.internalError(c, err)
		return
	}

	ok(c, "Two-factor authentication disabled.")
}

// UpdateTwoFactorMethodRequest switches the preferred factor
type UpdateTwoFactorMethodRequest struct {
	Method string `json:"method" binding:"required"`
}

// UpdateTwoFactorMethod switches the preferred second factor.
func (h *Handlers) UpdateTwoFactorMethod(c *gin.Context) {
	var req UpdateTwoFactorMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Method is required.")
		return
	}

	method := domain.TwoFactorMethod(req.Method)
	if !method.Valid() || method == domain.TwoFactorNone {
		fail(c, http.StatusBadRequest, "Unknown two-factor method.")
		return
	}

	account := middleware.AccountFromContext(c)
	if err := h.services.TwoFactor.UpdateMethod(c.Request.Context(), account, method); err != nil {
		switch {
		case errors.Is(err, service.ErrTwoFactorNotEnabled):
			fail(c, http.StatusBadRequest, "Two-factor authentication is not enabled.")
		case errors.Is(err, service.ErrNoAuthenticator):
			fail(c, http.StatusBadRequest, "No authenticator is enrolled.")
		default:
			h.internalError(c, err)
		}
		return
	}

	ok(c, "Two-factor method updated.")
}

// Passkeys

// PasskeyRequestOptionsRequest optionally names the account to assert
type PasskeyRequestOptionsRequest struct {
	Email string `json:"email"`
}

// PasskeyRequestOptions opens an assertion ceremony. With an email the
// options carry that account's credentials; without one the authenticator
// picks a discoverable credential.
func (h *Handlers) PasskeyRequestOptions(c *gin.Context) {
	var req PasskeyRequestOptionsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "Invalid request body.")
			return
		}
	}

	session, err := h.ensureSession(c)
	if err != nil {
		h.internalError(c, err)
		return
	}

	result, err := h.services.Passkey.BeginLogin(c.Request.Context(), session.ID, req.Email)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challengeId": result.ChallengeID,
		"options":     result.Options,
	})
}

// PasskeyAuthenticateRequest completes an assertion ceremony
type PasskeyAuthenticateRequest struct {
	ChallengeID string          `json:"challengeId" binding:"required"`
	Credential  json.RawMessage `json:"credential" binding:"required"`
}

// PasskeyAuthenticate signs in with a passkey.
func (h *Handlers) PasskeyAuthenticate(c *gin.Context) {
	var req PasskeyAuthenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Challenge id and credential are required.")
		return
	}

	session, err := h.ensureSession(c)
	if err != nil {
		h.internalError(c, err)
		return
	}

	result, err := h.services.Auth.LoginWithPasskey(c.Request.Context(), session, req.ChallengeID, req.Credential)
	if err != nil {
		h.internalError(c, err)
		return
	}

	if result.Session != nil {
		h.setSessionCookie(c, result.Session)
	}

	if result.Succeeded || result.RequiresTwoFactor {
		c.JSON(http.StatusOK, loginResponse(result))
		return
	}

	c.JSON(http.StatusUnauthorized, loginResponse(result))
}

// PasskeyCreationOptions opens a creation ceremony for a signed-in
// account.
func (h *Handlers) PasskeyCreationOptions(c *gin.Context) {
	account := middleware.AccountFromContext(c)
	session := middleware.SessionFromContext(c)

	result, err := h.services.Passkey.BeginRegistration(c.Request.Context(), account, session.ID, domain.CeremonyRegister)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challengeId": result.ChallengeID,
		"options":     result.Options,
	})
}

// PasskeyRegisterRequest completes a creation ceremony
type PasskeyRegisterRequest struct {
	ChallengeID string          `json:"challengeId" binding:"required"`
	Credential  json.RawMessage `json:"credential" binding:"required"`
	Name        string          `json:"name"`
}

// PasskeyRegister adds a passkey to a signed-in account.
func (h *Handlers) PasskeyRegister(c *gin.Context) {
	var req PasskeyRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Challenge id and credential are required.")
		return
	}

	account := middleware.AccountFromContext(c)
	session := middleware.SessionFromContext(c)
	passkey, err := h.services.Passkey.FinishRegistration(
		c.Request.Context(), account, req.ChallengeID, session.ID, req.Credential, req.Name, domain.CeremonyRegister)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrChallengeNotFound),
			errors.Is(err, service.ErrChallengeExpired),
			errors.Is(err, service.ErrChallengeMismatch),
			errors.Is(err, service.ErrVerificationFailed):
			fail(c, http.StatusBadRequest, "Passkey registration failed.")
		case errors.Is(err, service.ErrDuplicateCredential):
			fail(c, http.StatusConflict, "This passkey is already registered.")
		default:
			h.internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"succeeded":    true,
		"credentialId": passkey.EncodedID(),
	})
}

// PasskeyInfo is the listing shape for one credential
type PasskeyInfo struct {
	CredentialID string  `json:"credentialId"`
	Name         *string `json:"name,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	LastUsedAt   *string `json:"lastUsedAt,omitempty"`
}

// PasskeyList lists the signed-in account's credentials.
func (h *Handlers) PasskeyList(c *gin.Context) {
	account := middleware.AccountFromContext(c)

	passkeys := make([]PasskeyInfo, 0, len(account.Passkeys))
	for i := range account.Passkeys {
		p := &account.Passkeys[i]
		info := PasskeyInfo{
			CredentialID: p.EncodedID(),
			Name:         p.Name,
			CreatedAt:    p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if p.LastUsedAt != nil {
			formatted := p.LastUsedAt.UTC().Format("2006-01-02T15:04:05Z")
			info.LastUsedAt = &formatted
		}
		passkeys = append(passkeys, info)
	}

	c.JSON(http.StatusOK, gin.H{"passkeys": passkeys})
}

// PasskeyDeleteRequest names the credential to remove
type PasskeyDeleteRequest struct {
	CredentialID string `json:"credentialId" binding:"required"`
}

// PasskeyDelete removes a credential.
func (h *Handlers) PasskeyDelete(c *gin.Context) {
	var req PasskeyDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Credential id is required.")
		return
	}

	credentialID, err := base64.RawURLEncoding.DecodeString(req.CredentialID)
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid credential id.")
		return
	}

	account := middleware.AccountFromContext(c)
	if err := h.services.Passkey.RemovePasskey(c.Request.Context(), account, credentialID); err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownCredential):
			fail(c, http.StatusNotFound, "Passkey not found.")
		case errors.Is(err, service.ErrLastCredential):
			fail(c, http.StatusBadRequest, "Cannot remove the only way to sign in.")
		default:
			h.internalError(c, err)
		}
		return
	}

	ok(c, "Passkey removed.")
}

// PasskeyRenameRequest renames a credential
type PasskeyRenameRequest struct {
	CredentialID string `json:"credentialId" binding:"required"`
	Name         string `json:"name" binding:"required"`
}

// PasskeyRename changes a credential's display name.
func (h *Handlers) PasskeyRename(c *gin.Context) {
	var req PasskeyRenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Credential id and name are required.")
		return
	}

	credentialID, err := base64.RawURLEncoding.DecodeString(req.CredentialID)
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid credential id.")
		return
	}

	account := middleware.AccountFromContext(c)
	if err := h.services.Passkey.RenamePasskey(c.Request.Context(), account, credentialID, req.Name); err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownCredential):
			fail(c, http.StatusNotFound, "Passkey not found.")
		case errors.Is(err, service.ErrPasskeyNameTaken):
			fail(c, http.StatusBadRequest, "A passkey with that name already exists.")
		default:
			h.internalError(c, err)
		}
		return
	}

	ok(c, "Passkey renamed.")
}

// Passwordless signup

// RegisterPasswordlessRequest starts passkey-first signup
type RegisterPasswordlessRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// RegisterPasswordless starts the passkey-first signup. Uniform response.
func (h *Handlers) RegisterPasswordless(c *gin.Context) {
	var req RegisterPasswordlessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "A valid email is required.")
		return
	}

	result, err := h.services.Auth.RegisterPasswordless(c.Request.Context(), req.Email)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"succeeded": true,
		"userId":    result.AccountID,
		"message":   "A verification code has been sent to your email.",
	})
}

// VerifyEmailRequest checks a signup code
type VerifyEmailRequest struct {
	UserID string `json:"userId" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

// VerifyEmail checks a signup code and returns the enrollment handoff.
func (h *Handlers) VerifyEmail(c *gin.Context) {
	var req VerifyEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "User id and code are required.")
		return
	}

	result, err := h.services.Auth.VerifyEmail(c.Request.Context(), req.UserID, req.Code)
	if err != nil {
		if errors.Is(err, service.ErrCodeInvalid) {
			fail(c, http.StatusBadRequest, "Invalid or expired code.")
			return
		}
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"succeeded":  true,
		"userId":     result.AccountID,
		"setupToken": result.SetupToken,
	})
}

// ResendVerificationRequest names the pending signup
type ResendVerificationRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// ResendVerification mails a fresh signup code. Uniform response.
func (h *Handlers) ResendVerification(c *gin.Context) {
	var req ResendVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "A user id is required.")
		return
	}

	if err := h.services.Auth.ResendVerification(c.Request.Context(), req.UserID); err != nil {
		h.internalError(c, err)
		return
	}

	ok(c, "A verification code has been sent to your email.")
}

// PasskeySetupOptionsRequest redeems the enrollment token
type PasskeySetupOptionsRequest struct {
	UserID     string `json:"userId" binding:"required"`
	SetupToken string `json:"setupToken" binding:"required"`
}

// PasskeySetupOptions redeems the enrollment token and opens the first
// creation ceremony of a passwordless account.
func (h *Handlers) PasskeySetupOptions(c *gin.Context) {
	var req PasskeySetupOptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "User id and setup token are required.")
		return
	}

	session, err := h.ensureSession(c)
	if err != nil {
		h.internalError(c, err)
		return
	}

	result, err := h.services.Auth.BeginPasskeySetup(c.Request.Context(), req.UserID, req.SetupToken, session.ID)
	if err != nil {
		if errors.Is(err, service.ErrTokenInvalid) {
			fail(c, http.StatusBadRequest, "The setup token is invalid or has expired.")
			return
		}
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challengeId": result.ChallengeID,
		"options":     result.Options,
	})
}

// PasskeySetupRegisterRequest completes the enrollment ceremony
type PasskeySetupRegisterRequest struct {
	UserID      string          `json:"userId" binding:"required"`
	ChallengeID string          `json:"challengeId" binding:"required"`
	Credential  json.RawMessage `json:"credential" binding:"required"`
}

// PasskeySetupRegister completes enrollment and signs the account in.
func (h *Handlers) PasskeySetupRegister(c *gin.Context) {
	var req PasskeySetupRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "User id, challenge id and credential are required.")
		return
	}

	session, err := h.ensureSession(c)
	if err != nil {
		h.internalError(c, err)
		return
	}

	result, err := h.services.Auth.FinishPasskeySetup(c.Request.Context(), session, req.UserID, req.ChallengeID, req.Credential)
	if err != nil {
		h.internalError(c, err)
		return
	}

	if result.Session != nil {
		h.setSessionCookie(c, result.Session)
	}

	if result.Succeeded {
		c.JSON(http.StatusOK, loginResponse(result))
		return
	}

	c.JSON(http.StatusBadRequest, loginResponse(result))
}
