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
	ErrTokenInvalid = errors.New("token invalid or expired")
)

// TokenService issues and redeems single-use action tokens: enrollment
// handoffs, email confirmation links, password reset links and email change
// confirmations. Redemption is atomic; a token spent by one request reads
// as absent to every other.
type TokenService struct {
	store  storage.Store
	logger *zap.Logger
}

// NewTokenService creates a new TokenService
func NewTokenService(store storage.Store, logger *zap.Logger) *TokenService {
	return &TokenService{
		store:  store,
		logger: logger.Named("token-service"),
	}
}

// Issue generates a token for the pair and returns its cleartext. Any
// previous token for the same pair is replaced.
func (s *TokenService) Issue(ctx context.Context, accountID domain.AccountID, purpose domain.TokenPurpose, payload string, ttl time.Duration) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	record := &domain.ActionToken{
		AccountID: accountID.String(),
		Purpose:   purpose,
		TokenHash: hashSecret(token),
		Payload:   payload,
		ExpiresAt: time.Now().Add(ttl),
	}

	if err := s.store.Tokens().Put(ctx, record); err != nil {
		s.logger.Error("Failed to store action token", zap.Error(err))
		return "", err
	}

	s.logger.Debug("Issued action token",
		zap.String("account_id", accountID.String()),
		zap.String("purpose", string(purpose)),
	)

	return token, nil
}

// Redeem consumes the token for the pair. Returns the stored record on
// success and ErrTokenInvalid for a missing, mismatched or expired token.
func (s *TokenService) Redeem(ctx context.Context, accountID domain.AccountID, purpose domain.TokenPurpose, token string) (*domain.ActionToken, error) {
	record, err := s.store.Tokens().ConsumeIfMatch(ctx, accountID.String(), purpose, hashSecret(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	if record.IsExpired() {
		return nil, ErrTokenInvalid
	}

	return record, nil
}

// Revoke drops any live token for the pair.
func (s *TokenService) Revoke(ctx context.Context, accountID domain.AccountID, purpose domain.TokenPurpose) error {
	err := s.store.Tokens().Delete(ctx, accountID.String(), purpose)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
