package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
)

var (
	ErrCodeInvalid = errors.New("code invalid or expired")
)

// CodeService issues and verifies short-lived 6-digit codes for email
// verification and email-based second factors. At most one code is live per
// (account, purpose); issuing again replaces the previous one.
type CodeService struct {
	store  storage.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewCodeService creates a new CodeService
func NewCodeService(store storage.Store, ttl time.Duration, logger *zap.Logger) *CodeService {
	return &CodeService{
		store:  store,
		ttl:    ttl,
		logger: logger.Named("code-service"),
	}
}

// Issue generates a fresh code for the pair and returns its cleartext for
// delivery. The store only keeps the hash.
func (s *CodeService) Issue(ctx context.Context, accountID domain.AccountID, purpose domain.CodePurpose) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	record := &domain.VerificationCode{
		AccountID: accountID.String(),
		Purpose:   purpose,
		CodeHash:  hashSecret(code),
		ExpiresAt: time.Now().Add(s.ttl),
	}

	if err := s.store.Codes().Put(ctx, record); err != nil {
		s.logger.Error("Failed to store verification code", zap.Error(err))
		return "", err
	}

	s.logger.Debug("Issued verification code",
		zap.String("account_id", accountID.String()),
		zap.String("purpose", string(purpose)),
	)

	return code, nil
}

// Verify checks a submitted code against the live one for the pair. The
// store compares and deletes in one atomic step, so a matching code can be
// redeemed at most once even under concurrent submissions. A wrong
// submission leaves the stored code in place for retry.
func (s *CodeService) Verify(ctx context.Context, accountID domain.AccountID, purpose domain.CodePurpose, code string) error {
	_, err := s.store.Codes().ConsumeIfMatch(ctx, accountID.String(), purpose, hashSecret(code))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrCodeInvalid
		}
		return err
	}
	return nil
}
