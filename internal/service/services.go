package service

import (
	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/internal/mail"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

// Services aggregates all application services
type Services struct {
	Auth             *AuthService
	Session          *SessionService
	Passkey          *PasskeyService
	TwoFactor        *TwoFactorService
	Lockout          *LockoutService
	Codes            *CodeService
	Tokens           *TokenService
	ChallengeCleanup *ChallengeCleanupWorker
}

// NewServices creates a new Services instance
func NewServices(store storage.Store, cfg *config.Config, logger *zap.Logger, mailer mail.Mailer) (*Services, error) {
	passkeySvc, err := NewPasskeyService(store, cfg, logger)
	if err != nil {
		return nil, err
	}

	lockoutSvc := NewLockoutService(store, cfg.Auth.MaxFailedAttempts, cfg.Auth.LockoutDuration(), logger)
	codeSvc := NewCodeService(store, cfg.Auth.CodeTTL(), logger)
	tokenSvc := NewTokenService(store, logger)
	twoFactorSvc := NewTwoFactorService(store, codeSvc, cfg, logger)
	sessionSvc := NewSessionService(store, cfg, logger)

	authSvc := NewAuthService(store, cfg, logger,
		lockoutSvc, codeSvc, tokenSvc, passkeySvc, twoFactorSvc, sessionSvc, mailer)

	return &Services{
		Auth:             authSvc,
		Session:          sessionSvc,
		Passkey:          passkeySvc,
		TwoFactor:        twoFactorSvc,
		Lockout:          lockoutSvc,
		Codes:            codeSvc,
		Tokens:           tokenSvc,
		ChallengeCleanup: NewChallengeCleanupWorker(store, logger),
	}, nil
}

// Start starts background workers
func (s *Services) Start() {
	if s.ChallengeCleanup != nil {
		s.ChallengeCleanup.Start()
	}
}

// Stop gracefully stops background workers
func (s *Services) Stop() {
	if s.ChallengeCleanup != nil {
		s.ChallengeCleanup.Stop()
	}
}
