package storage

import (
	"context"
	"errors"
	"time"

	"github.com/veridianlabs/identity-backend/internal/domain"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabase      = errors.New("database error")
)

// AccountStore defines the interface for account storage operations.
// Implementations must provide single-key atomicity; no multi-key
// transactions are assumed anywhere in the core.
type AccountStore interface {
	// Create creates a new account. Fails with ErrAlreadyExists when the
	// normalized email is taken.
	Create(ctx context.Context, account *domain.Account) error

	// GetByID retrieves an account by ID
	GetByID(ctx context.Context, id domain.AccountID) (*domain.Account, error)

	// GetByEmail retrieves an account by normalized email
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)

	// GetByCredentialID resolves the account owning a passkey credential
	GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Account, error)

	// Update updates an account
	Update(ctx context.Context, account *domain.Account) error

	// Delete deletes an account
	Delete(ctx context.Context, id domain.AccountID) error

	// IncrementFailures atomically bumps the failure counter and returns the
	// new count. Concurrent callers must never under-count.
	IncrementFailures(ctx context.Context, id domain.AccountID) (int, error)

	// ResetFailures zeroes the failure counter and clears any lock.
	ResetFailures(ctx context.Context, id domain.AccountID) error

	// SetLockout sets the locked-until timestamp.
	SetLockout(ctx context.Context, id domain.AccountID, until time.Time) error
}

// ChallengeStore holds WebAuthn ceremony state. Expired entries read as
// absent.
type ChallengeStore interface {
	// Create stores a challenge under its ID
	Create(ctx context.Context, challenge *domain.CeremonyChallenge) error

	// Consume retrieves and deletes a challenge in one step. A challenge can
	// be consumed at most once.
	Consume(ctx context.Context, id string) (*domain.CeremonyChallenge, error)

	// DeleteExpired removes all expired challenges
	DeleteExpired(ctx context.Context) error
}

// CodeStore holds verification codes keyed by (account, purpose). Issuing
// overwrites any live code for the pair.
type CodeStore interface {
	// Put stores a code, replacing any existing one for the pair
	Put(ctx context.Context, code *domain.VerificationCode) error

	// Get retrieves the live code for the pair, if any
	Get(ctx context.Context, accountID string, purpose domain.CodePurpose) (*domain.VerificationCode, error)

	// ConsumeIfMatch deletes and returns the code for the pair only when its
	// hash matches; any other outcome leaves the store untouched and returns
	// ErrNotFound. The check-and-delete is atomic per key.
	ConsumeIfMatch(ctx context.Context, accountID string, purpose domain.CodePurpose, codeHash []byte) (*domain.VerificationCode, error)

	// Delete removes the code for the pair
	Delete(ctx context.Context, accountID string, purpose domain.CodePurpose) error
}

// TokenStore holds single-use action tokens keyed by (account, purpose).
type TokenStore interface {
	// Put stores a token, replacing any existing one for the pair
	Put(ctx context.Context, token *domain.ActionToken) error

	// ConsumeIfMatch deletes and returns the token for the pair only when
	// its hash matches; any other outcome leaves the store untouched and
	// returns ErrNotFound. The check-and-delete is atomic per key.
	ConsumeIfMatch(ctx context.Context, accountID string, purpose domain.TokenPurpose, tokenHash []byte) (*domain.ActionToken, error)

	// Delete removes the token for the pair
	Delete(ctx context.Context, accountID string, purpose domain.TokenPurpose) error
}

// SessionStore holds server-side session records.
type SessionStore interface {
	// Create stores a new session
	Create(ctx context.Context, session *domain.Session) error

	// GetByID retrieves a session by ID
	GetByID(ctx context.Context, id string) (*domain.Session, error)

	// Update updates a session
	Update(ctx context.Context, session *domain.Session) error

	// Delete deletes a session
	Delete(ctx context.Context, id string) error
}

// Store aggregates all storage interfaces
type Store interface {
	Accounts() AccountStore
	Challenges() ChallengeStore
	Codes() CodeStore
	Tokens() TokenStore
	Sessions() SessionStore

	// Close closes the storage connection
	Close() error

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
}
