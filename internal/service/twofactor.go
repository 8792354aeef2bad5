package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

var (
	ErrTwoFactorCodeInvalid = errors.New("two-factor code invalid")
	ErrTwoFactorNotEnabled  = errors.New("two-factor not enabled")
	ErrNoAuthenticator      = errors.New("no authenticator enrolled")
)

// TwoFactorService manages second factors: TOTP authenticator enrollment
// and the step-up check during login. A submitted step-up code is tried
// against the authenticator first and the emailed code second, so a code
// can never satisfy the wrong factor by accident.
type TwoFactorService struct {
	store  storage.Store
	codes  *CodeService
	cfg    *config.Config
	logger *zap.Logger
}

// NewTwoFactorService creates a new TwoFactorService
func NewTwoFactorService(store storage.Store, codes *CodeService, cfg *config.Config, logger *zap.Logger) *TwoFactorService {
	return &TwoFactorService{
		store:  store,
		codes:  codes,
		cfg:    cfg,
		logger: logger.Named("twofactor-service"),
	}
}

// AuthenticatorEnrollment contains the shared key material for a pending
// authenticator enrollment.
type AuthenticatorEnrollment struct {
	SharedKey        string `json:"sharedKey"`
	AuthenticatorURI string `json:"authenticatorUri"`
}

// StartAuthenticatorEnrollment generates a fresh TOTP secret and stores it
// on the account. The secret stays inert until EnableAuthenticator proves
// the user's app can produce codes from it.
func (s *TwoFactorService) StartAuthenticatorEnrollment(ctx context.Context, account *domain.Account) (*AuthenticatorEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.Auth.TOTPIssuer,
		AccountName: account.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	secret := key.Secret()
	account.TOTPSecret = &secret
	account.UpdatedAt = time.Now()

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to store totp secret: %w", err)
	}

	s.logger.Info("Authenticator enrollment started", zap.String("account_id", account.ID.String()))

	return &AuthenticatorEnrollment{
		SharedKey:        secret,
		AuthenticatorURI: key.URL(),
	}, nil
}

// EnableAuthenticator verifies a code against the pending secret and turns
// the authenticator on as the preferred method.
func (s *TwoFactorService) EnableAuthenticator(ctx context.Context, account *domain.Account, code string) error {
	if account.TOTPSecret == nil {
		return ErrNoAuthenticator
	}

	if !s.validateTOTP(*account.TOTPSecret, code) {
		return ErrTwoFactorCodeInvalid
	}

	account.TwoFactorEnabled = true
	account.PreferredTwoFactorMethod = domain.TwoFactorAuthenticator
	account.UpdatedAt = time.Now()

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		return fmt.Errorf("failed to enable two-factor: %w", err)
	}

	s.logger.Info("Two-factor enabled",
		zap.String("account_id", account.ID.String()),
		zap.String("method", string(domain.TwoFactorAuthenticator)),
	)

	return nil
}

// EnableEmail turns on email codes as the second factor. The address was
// already proven at signup, so no code round-trip is required here.
func (s *TwoFactorService) EnableEmail(ctx context.Context, account *domain.Account) error {
	account.TwoFactorEnabled = true
	account.PreferredTwoFactorMethod = domain.TwoFactorEmail
	account.UpdatedAt = time.Now()

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		return fmt.Errorf("failed to enable two-factor: %w", err)
	}

	s.logger.Info("Two-factor enabled",
		zap.String("account_id", account.ID.String()),
		zap.String("method", string(domain.TwoFactorEmail)),
	)

	return nil
}

// UpdateMethod switches the preferred second factor. Switching to the
// authenticator requires one to be enrolled.
func (s *TwoFactorService) UpdateMethod(ctx context.Context, account *domain.Account, method domain.TwoFactorMethod) error {
	if !account.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	if method == domain.TwoFactorAuthenticator && account.TOTPSecret == nil {
		return ErrNoAuthenticator
	}

	account.PreferredTwoFactorMethod = method
	account.UpdatedAt = time.Now()

	return s.store.Accounts().Update(ctx, account)
}

// Disable turns off the second factor and discards the TOTP secret.
func (s *TwoFactorService) Disable(ctx context.Context, account *domain.Account) error {
	account.TwoFactorEnabled = false
	account.PreferredTwoFactorMethod = domain.TwoFactorNone
	account.TOTPSecret = nil
	account.UpdatedAt = time.Now()

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		return fmt.Errorf("failed to disable two-factor: %w", err)
	}

	s.logger.Info("Two-factor disabled", zap.String("account_id", account.ID.String()))
	return nil
}

// IssueEmailCode generates a step-up code for delivery to the account's
// address. Reissuing replaces the previous code.
func (s *TwoFactorService) IssueEmailCode(ctx context.Context, account *domain.Account) (string, error) {
	if !account.TwoFactorEnabled {
		return "", ErrTwoFactorNotEnabled
	}
	return s.codes.Issue(ctx, account.ID, domain.CodePurposeTwoFactor)
}

// VerifyStepUp checks a submitted code against the account's second
// factor. Authenticator codes are always accepted when a secret is
// enrolled; emailed codes only count for accounts whose preferred method
// is email. Returns ErrTwoFactorCodeInvalid when nothing accepts it.
func (s *TwoFactorService) VerifyStepUp(ctx context.Context, account *domain.Account, code string) error {
	if !account.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	if account.TOTPSecret != nil && s.validateTOTP(*account.TOTPSecret, code) {
		return nil
	}

	if account.PreferredTwoFactorMethod != domain.TwoFactorEmail {
		return ErrTwoFactorCodeInvalid
	}

	err := s.codes.Verify(ctx, account.ID, domain.CodePurposeTwoFactor, code)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCodeInvalid) {
		return ErrTwoFactorCodeInvalid
	}
	return err
}

func (s *TwoFactorService) validateTOTP(secret, code string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}
