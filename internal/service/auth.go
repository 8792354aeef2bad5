package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/mail"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already in use")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrPasswordTooShort   = errors.New("password too short")
	ErrNoPendingLogin     = errors.New("no pending login")
	ErrPasswordRequired   = errors.New("account has no password")
)

const mailTimeout = 15 * time.Second

// AuthService orchestrates the authentication flows: password login with
// optional step-up, passkey login, both signup paths, and the credential
// lifecycle operations. Outcomes that could reveal whether an address is
// registered are deliberately uniform.
type AuthService struct {
	store     storage.Store
	cfg       *config.Config
	logger    *zap.Logger
	lockout   *LockoutService
	codes     *CodeService
	tokens    *TokenService
	passkeys  *PasskeyService
	twofactor *TwoFactorService
	sessions  *SessionService
	mailer    mail.Mailer
}

// NewAuthService creates a new AuthService
func NewAuthService(
	store storage.Store,
	cfg *config.Config,
	logger *zap.Logger,
	lockout *LockoutService,
	codes *CodeService,
	tokens *TokenService,
	passkeys *PasskeyService,
	twofactor *TwoFactorService,
	sessions *SessionService,
	mailer mail.Mailer,
) *AuthService {
	return &AuthService{
		store:     store,
		cfg:       cfg,
		logger:    logger.Named("auth-service"),
		lockout:   lockout,
		codes:     codes,
		tokens:    tokens,
		passkeys:  passkeys,
		twofactor: twofactor,
		sessions:  sessions,
		mailer:    mailer,
	}
}

// LoginResult is the outcome of a first-factor attempt. A failed attempt
// carries a generic message; the caller learns nothing about which part
// was wrong.
type LoginResult struct {
	Succeeded         bool
	RequiresTwoFactor bool
	IsLockedOut       bool
	IsNotAllowed      bool
	Message           string
	Session           *domain.Session
}

func failedLogin() *LoginResult {
	return &LoginResult{Message: "Invalid login attempt."}
}

// Login attempts a password sign-in. On success the session is either
// established outright or promoted to partial when a second factor is
// pending.
func (s *AuthService) Login(ctx context.Context, session *domain.Session, email, password string, remember bool) (*LoginResult, error) {
	account, err := s.store.Accounts().GetByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failedLogin(), nil
		}
		return nil, err
	}

	if err := s.lockout.Check(ctx, account); err != nil {
		return &LoginResult{IsLockedOut: true, Message: "Account is locked out."}, nil
	}

	if !account.HasPassword() {
		// Passkey-only account; indistinguishable from a wrong password.
		return failedLogin(), nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(*account.PasswordHash), []byte(password)); err != nil {
		if err := s.lockout.RecordFailure(ctx, account.ID); err != nil {
			if errors.Is(err, ErrAccountLocked) {
				return &LoginResult{IsLockedOut: true, Message: "Account is locked out."}, nil
			}
			return nil, err
		}
		return failedLogin(), nil
	}

	if !account.EmailConfirmed {
		return &LoginResult{IsNotAllowed: true, Message: "Email not confirmed."}, nil
	}

	if account.TwoFactorEnabled {
		if err := s.sessions.Promote(ctx, session, account, remember); err != nil {
			return nil, err
		}

		if account.PreferredTwoFactorMethod == domain.TwoFactorEmail {
			s.sendTwoFactorCode(account)
		}

		return &LoginResult{RequiresTwoFactor: true, Session: session}, nil
	}

	if err := s.lockout.RecordSuccess(ctx, account.ID); err != nil {
		return nil, err
	}

	established, err := s.sessions.Establish(ctx, session, account, remember)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Login succeeded", zap.String("account_id", account.ID.String()))

	return &LoginResult{Succeeded: true, Session: established}, nil
}

// VerifyTwoFactor completes a pending login with a step-up code.
func (s *AuthService) VerifyTwoFactor(ctx context.Context, session *domain.Session, code string) (*LoginResult, error) {
	if session == nil || session.State != domain.SessionPartial {
		return nil, ErrNoPendingLogin
	}

	account, err := s.store.Accounts().GetByID(ctx, session.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoPendingLogin
		}
		return nil, err
	}

	if err := s.lockout.Check(ctx, account); err != nil {
		return &LoginResult{IsLockedOut: true, Message: "Account is locked out."}, nil
	}

	if err := s.twofactor.VerifyStepUp(ctx, account, code); err != nil {
		if errors.Is(err, ErrTwoFactorCodeInvalid) {
			if err := s.lockout.RecordFailure(ctx, account.ID); err != nil {
				if errors.Is(err, ErrAccountLocked) {
					return &LoginResult{IsLockedOut: true, Message: "Account is locked out."}, nil
				}
				return nil, err
			}
			return &LoginResult{Message: "Invalid verification code."}, nil
		}
		return nil, err
	}

	if err := s.lockout.RecordSuccess(ctx, account.ID); err != nil {
		return nil, err
	}

	established, err := s.sessions.Establish(ctx, session, account, session.Remember)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Two-factor login succeeded", zap.String("account_id", account.ID.String()))

	return &LoginResult{Succeeded: true, Session: established}, nil
}

// SendTwoFactorEmailCode mails a fresh step-up code for a pending login.
func (s *AuthService) SendTwoFactorEmailCode(ctx context.Context, session *domain.Session) error {
	if session == nil || session.State != domain.SessionPartial {
		return ErrNoPendingLogin
	}

	account, err := s.store.Accounts().GetByID(ctx, session.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoPendingLogin
		}
		return err
	}

	s.sendTwoFactorCode(account)
	return nil
}

// LoginWithPasskey completes an assertion ceremony. The session is
// established outright, or promoted to partial when the account still
// requires a second factor.
func (s *AuthService) LoginWithPasskey(ctx context.Context, session *domain.Session, challengeID string, credential json.RawMessage) (*LoginResult, error) {
	account, err := s.passkeys.FinishLogin(ctx, challengeID, session.ID, credential)
	if err != nil {
		switch {
		case errors.Is(err, ErrChallengeNotFound),
			errors.Is(err, ErrChallengeExpired),
			errors.Is(err, ErrChallengeMismatch),
			errors.Is(err, ErrUnknownCredential),
			errors.Is(err, ErrCounterRegression),
			errors.Is(err, ErrVerificationFailed):
			return failedLogin(), nil
		}
		return nil, err
	}

	if err := s.lockout.Check(ctx, account); err != nil {
		return &LoginResult{IsLockedOut: true, Message: "Account is locked out."}, nil
	}

	if !account.EmailConfirmed {
		return &LoginResult{IsNotAllowed: true, Message: "Email not confirmed."}, nil
	}

	if account.TwoFactorEnabled {
		if err := s.sessions.Promote(ctx, session, account, true); err != nil {
			return nil, err
		}

		if account.PreferredTwoFactorMethod == domain.TwoFactorEmail {
			s.sendTwoFactorCode(account)
		}

		return &LoginResult{RequiresTwoFactor: true, Session: session}, nil
	}

	if err := s.lockout.RecordSuccess(ctx, account.ID); err != nil {
		return nil, err
	}

	established, err := s.sessions.Establish(ctx, session, account, true)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Passkey login succeeded", zap.String("account_id", account.ID.String()))

	return &LoginResult{Succeeded: true, Session: established}, nil
}

// Register creates a password account and mails a confirmation link. The
// account cannot sign in until the link is followed.
func (s *AuthService) Register(ctx context.Context, email, password string) error {
	if len(password) < s.cfg.Auth.MinPasswordLength {
		return ErrPasswordTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	hashStr := string(hash)
	account := &domain.Account{
		ID:                       domain.NewAccountID(),
		Email:                    domain.NormalizeEmail(email),
		PasswordHash:             &hashStr,
		PreferredTwoFactorMethod: domain.TwoFactorNone,
		SecurityStamp:            domain.NewSecurityStamp(),
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	if err := s.store.Accounts().Create(ctx, account); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.Info("Account registered", zap.String("account_id", account.ID.String()))

	s.sendConfirmationLink(account)
	return nil
}

// ConfirmEmail redeems an emailed confirmation token.
func (s *AuthService) ConfirmEmail(ctx context.Context, accountID, token string) error {
	id := domain.AccountIDFromString(accountID)
	account, err := s.store.Accounts().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}

	if _, err := s.tokens.Redeem(ctx, id, domain.TokenPurposeConfirmEmail, token); err != nil {
		return err
	}

	account.EmailConfirmed = true
	account.UpdatedAt = time.Now()

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		return fmt.Errorf("failed to confirm email: %w", err)
	}

	s.logger.Info("Email confirmed", zap.String("account_id", account.ID.String()))
	return nil
}

// PasswordlessResult carries the account id the rest of the signup flow
// is keyed by.
type PasswordlessResult struct {
	AccountID string
}

// RegisterPasswordless starts the passkey-first signup: a password-less
// account is created and a verification code mailed. The response is the
// same whether or not the address was already registered; for a taken
// address the returned id resolves to nothing, so verification fails it
// exactly like a wrong code.
func (s *AuthService) RegisterPasswordless(ctx context.Context, email string) (*PasswordlessResult, error) {
	normalized := domain.NormalizeEmail(email)

	now := time.Now()
	account := &domain.Account{
		ID:                       domain.NewAccountID(),
		Email:                    normalized,
		PreferredTwoFactorMethod: domain.TwoFactorNone,
		SecurityStamp:            domain.NewSecurityStamp(),
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	if err := s.store.Accounts().Create(ctx, account); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Uniform outcome. The holder of the address gets nothing new;
			// everyone else sees the identical success.
			s.logger.Info("Passwordless signup for existing address")
			return &PasswordlessResult{AccountID: domain.NewAccountID().String()}, nil
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.Info("Passwordless account created", zap.String("account_id", account.ID.String()))

	s.sendVerificationCode(account)
	return &PasswordlessResult{AccountID: account.ID.String()}, nil
}

// VerifyEmailResult carries the enrollment handoff after a verified code.
type VerifyEmailResult struct {
	AccountID  string
	SetupToken string
}

// VerifyEmail checks a signup verification code and, on success, marks the
// address confirmed and issues the single-use enrollment token that gates
// passkey setup. An unknown account id fails like a wrong code.
func (s *AuthService) VerifyEmail(ctx context.Context, accountID, code string) (*VerifyEmailResult, error) {
	account, err := s.store.Accounts().GetByID(ctx, domain.AccountIDFromString(accountID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCodeInvalid
		}
		return nil, err
	}

	if err := s.codes.Verify(ctx, account.ID, domain.CodePurposeEmailVerify, code); err != nil {
		return nil, err
	}

	if !account.EmailConfirmed {
		account.EmailConfirmed = true
		account.UpdatedAt = time.Now()
		if err := s.store.Accounts().Update(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to confirm email: %w", err)
		}
	}

	setupToken, err := s.tokens.Issue(ctx, account.ID, domain.TokenPurposeEnroll, "", s.cfg.Auth.EnrollTTL())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Signup email verified", zap.String("account_id", account.ID.String()))

	return &VerifyEmailResult{
		AccountID:  account.ID.String(),
		SetupToken: setupToken,
	}, nil
}

// ResendVerification mails a fresh signup code, replacing the previous
// one. Uniform outcome regardless of whether the account id is known.
func (s *AuthService) ResendVerification(ctx context.Context, accountID string) error {
	account, err := s.store.Accounts().GetByID(ctx, domain.AccountIDFromString(accountID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	if account.EmailConfirmed {
		return nil
	}

	s.sendVerificationCode(account)
	return nil
}

// BeginPasskeySetup redeems an enrollment token and opens the creation
// ceremony for the account's first passkey. The token is spent here; the
// returned challenge is the remaining capability.
func (s *AuthService) BeginPasskeySetup(ctx context.Context, accountID, setupToken, sessionID string) (*BeginRegistrationResult, error) {
	id := domain.AccountIDFromString(accountID)
	account, err := s.store.Accounts().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	if _, err := s.tokens.Redeem(ctx, id, domain.TokenPurposeEnroll, setupToken); err != nil {
		return nil, err
	}

	return s.passkeys.BeginRegistration(ctx, account, sessionID, domain.CeremonyEnroll)
}

// FinishPasskeySetup completes the enrollment ceremony and signs the new
// account in.
func (s *AuthService) FinishPasskeySetup(ctx context.Context, session *domain.Session, accountID, challengeID string, credential json.RawMessage) (*LoginResult, error) {
	id := domain.AccountIDFromString(accountID)
	account, err := s.store.Accounts().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failedLogin(), nil
		}
		return nil, err
	}

	if _, err := s.passkeys.FinishRegistration(ctx, account, challengeID, session.ID, credential, "", domain.CeremonyEnroll); err != nil {
		switch {
		case errors.Is(err, ErrChallengeNotFound),
			errors.Is(err, ErrChallengeExpired),
			errors.Is(err, ErrChallengeMismatch),
			errors.Is(err, ErrDuplicateCredential),
			errors.Is(err, ErrVerificationFailed):
			return failedLogin(), nil
		}
		return nil, err
	}

	established, err := s.sessions.Establish(ctx, session, account, true)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Passkey enrollment completed", zap.String("account_id", account.ID.String()))

	return &LoginResult{Succeeded: true, Session: established}, nil
}

// ForgotPassword mails a reset link when the address is registered. The
// response never discloses whether it was.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	account, err := s.store.Accounts().GetByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	if !account.EmailConfirmed || !account.HasPassword() {
		return nil
	}

	token, err := s.tokens.Issue(ctx, account.ID, domain.TokenPurposeResetPass, "", s.cfg.Auth.LinkTokenTTL())
	if err != nil {
		return err
	}

	link := fmt.Sprintf("%s/reset-password?email=%s&token=%s",
		s.cfg.Server.BaseURL, url.QueryEscape(account.Email), url.QueryEscape(token))
	s.sendMail(func(ctx context.Context) error {
		return s.mailer.SendPasswordResetLink(ctx, account.Email, link)
	})

	return nil
}

// ResetPassword redeems a reset token and replaces the password. All other
// sessions of the account die with the stamp rotation.
func (s *AuthService) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	if len(newPassword) < s.cfg.Auth.MinPasswordLength {
		return ErrPasswordTooShort
	}

	account, err := s.store.Accounts().GetByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}

	if _, err := s.tokens.Redeem(ctx, account.ID, domain.TokenPurposeResetPass, token); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	hashStr := string(hash)
	account.PasswordHash = &hashStr

	if err := s.rotateStamp(ctx, account, nil); err != nil {
		return err
	}

	if err := s.lockout.RecordSuccess(ctx, account.ID); err != nil {
		return err
	}

	s.logger.Info("Password reset", zap.String("account_id", account.ID.String()))
	return nil
}

// ChangePassword replaces the password of a signed-in account. The current
// password must be presented; the caller's session survives the stamp
// rotation, every other one does not.
func (s *AuthService) ChangePassword(ctx context.Context, account *domain.Account, session *domain.Session, currentPassword, newPassword string) error {
	if !account.HasPassword() {
		return ErrPasswordRequired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(*account.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}

	if len(newPassword) < s.cfg.Auth.MinPasswordLength {
		return ErrPasswordTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	hashStr := string(hash)
	account.PasswordHash = &hashStr

	if err := s.rotateStamp(ctx, account, session); err != nil {
		return err
	}

	s.logger.Info("Password changed", zap.String("account_id", account.ID.String()))
	return nil
}

// ChangeEmail mails a confirmation link to the proposed new address. The
// address only changes when the link is followed.
func (s *AuthService) ChangeEmail(ctx context.Context, account *domain.Account, newEmail string) error {
	normalized := domain.NormalizeEmail(newEmail)
	if normalized == account.Email {
		return nil
	}

	if _, err := s.store.Accounts().GetByEmail(ctx, normalized); err == nil {
		return ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	token, err := s.tokens.Issue(ctx, account.ID, domain.TokenPurposeChangeEmail, normalized, s.cfg.Auth.LinkTokenTTL())
	if err != nil {
		return err
	}

	link := fmt.Sprintf("%s/confirm-email-change?userId=%s&token=%s",
		s.cfg.Server.BaseURL, url.QueryEscape(account.ID.String()), url.QueryEscape(token))
	s.sendMail(func(ctx context.Context) error {
		return s.mailer.SendConfirmationLink(ctx, normalized, link)
	})

	return nil
}

// ConfirmEmailChange redeems an email change token and applies the new
// address. Sessions other than the caller's are cut off by the stamp
// rotation.
func (s *AuthService) ConfirmEmailChange(ctx context.Context, accountID, token string, session *domain.Session) error {
	id := domain.AccountIDFromString(accountID)
	account, err := s.store.Accounts().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}

	record, err := s.tokens.Redeem(ctx, id, domain.TokenPurposeChangeEmail, token)
	if err != nil {
		return err
	}

	newEmail := record.Payload
	if _, err := s.store.Accounts().GetByEmail(ctx, newEmail); err == nil {
		return ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	account.Email = newEmail
	account.EmailConfirmed = true

	if err := s.rotateStamp(ctx, account, session); err != nil {
		return err
	}

	s.logger.Info("Email changed", zap.String("account_id", account.ID.String()))
	return nil
}

// Logout destroys the caller's session. Idempotent.
func (s *AuthService) Logout(ctx context.Context, session *domain.Session) error {
	if session == nil {
		return nil
	}
	return s.sessions.Destroy(ctx, session.ID)
}

// rotateStamp gives the account a fresh security stamp and carries the
// caller's session across the rotation. Every other session of the account
// fails its stamp check on the next request.
func (s *AuthService) rotateStamp(ctx context.Context, account *domain.Account, session *domain.Session) error {
	account.SecurityStamp = domain.NewSecurityStamp()
	account.UpdatedAt = time.Now()

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if session != nil && session.Authenticated() {
		session.SecurityStamp = account.SecurityStamp
		if err := s.store.Sessions().Update(ctx, session); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
	}

	return nil
}

func (s *AuthService) sendConfirmationLink(account *domain.Account) {
	token, err := s.tokens.Issue(context.Background(), account.ID, domain.TokenPurposeConfirmEmail, "", s.cfg.Auth.LinkTokenTTL())
	if err != nil {
		s.logger.Error("Failed to issue confirmation token", zap.Error(err))
		return
	}

	link := fmt.Sprintf("%s/confirm-email?userId=%s&token=%s",
		s.cfg.Server.BaseURL, url.QueryEscape(account.ID.String()), url.QueryEscape(token))
	email := account.Email
	s.sendMail(func(ctx context.Context) error {
		return s.mailer.SendConfirmationLink(ctx, email, link)
	})
}

func (s *AuthService) sendVerificationCode(account *domain.Account) {
	code, err := s.codes.Issue(context.Background(), account.ID, domain.CodePurposeEmailVerify)
	if err != nil {
		s.logger.Error("Failed to issue verification code", zap.Error(err))
		return
	}

	email := account.Email
	s.sendMail(func(ctx context.Context) error {
		return s.mailer.SendVerificationCode(ctx, email, code)
	})
}

func (s *AuthService) sendTwoFactorCode(account *domain.Account) {
	code, err := s.twofactor.IssueEmailCode(context.Background(), account)
	if err != nil {
		s.logger.Error("Failed to issue two-factor code", zap.Error(err))
		return
	}

	email := account.Email
	s.sendMail(func(ctx context.Context) error {
		return s.mailer.SendTwoFactorCode(ctx, email, code)
	})
}

// sendMail delivers in the background. A mail failure is logged and
// otherwise invisible; response timing and shape never depend on the mail
// host.
func (s *AuthService) sendMail(send func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mailTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			s.logger.Error("Mail delivery failed", zap.Error(err))
		}
	}()
}
