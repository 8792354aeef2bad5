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
	ErrAccountLocked = errors.New("account locked")
)

// LockoutService tracks failed authentication attempts. All factors share
// one counter per account: password, TOTP, email code and passkey failures
// all count toward the same threshold.
type LockoutService struct {
	store       storage.Store
	maxFailures int
	duration    time.Duration
	logger      *zap.Logger
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(store storage.Store, maxFailures int, duration time.Duration, logger *zap.Logger) *LockoutService {
	return &LockoutService{
		store:       store,
		maxFailures: maxFailures,
		duration:    duration,
		logger:      logger.Named("lockout-service"),
	}
}

// Check returns ErrAccountLocked when the account is currently locked.
func (s *LockoutService) Check(ctx context.Context, account *domain.Account) error {
	if account.IsLockedOut(time.Now()) {
		return ErrAccountLocked
	}
	return nil
}

// RecordFailure bumps the account's failure counter and locks the account
// when the threshold is reached. Returns ErrAccountLocked when this failure
// triggered a lock.
func (s *LockoutService) RecordFailure(ctx context.Context, id domain.AccountID) error {
	count, err := s.store.Accounts().IncrementFailures(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	if count < s.maxFailures {
		return nil
	}

	until := time.Now().Add(s.duration)
	if err := s.store.Accounts().SetLockout(ctx, id, until); err != nil {
		return err
	}

	s.logger.Warn("Account locked out",
		zap.String("account_id", id.String()),
		zap.Int("failures", count),
		zap.Time("until", until),
	)

	return ErrAccountLocked
}

// RecordSuccess clears the failure counter and any standing lock.
func (s *LockoutService) RecordSuccess(ctx context.Context, id domain.AccountID) error {
	return s.store.Accounts().ResetFailures(ctx, id)
}
