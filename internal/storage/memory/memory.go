package memory

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
)

// Store implements an in-memory storage. Expiry is enforced lazily: an
// expired entry reads as absent.
type Store struct {
	accounts   *AccountStore
	challenges *ChallengeStore
	codes      *CodeStore
	tokens     *TokenStore
	sessions   *SessionStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		accounts:   &AccountStore{data: make(map[string]*domain.Account)},
		challenges: &ChallengeStore{data: make(map[string]*domain.CeremonyChallenge)},
		codes:      &CodeStore{data: make(map[codeKey]*domain.VerificationCode)},
		tokens:     &TokenStore{data: make(map[tokenKey]*domain.ActionToken)},
		sessions:   &SessionStore{data: make(map[string]*domain.Session)},
	}
}

func (s *Store) Accounts() storage.AccountStore     { return s.accounts }
func (s *Store) Challenges() storage.ChallengeStore { return s.challenges }
func (s *Store) Codes() storage.CodeStore           { return s.codes }
func (s *Store) Tokens() storage.TokenStore         { return s.tokens }
func (s *Store) Sessions() storage.SessionStore     { return s.sessions }
func (s *Store) Close() error                       { return nil }
func (s *Store) Ping(ctx context.Context) error     { return nil }

// AccountStore implements in-memory account storage
type AccountStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Account
}

func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[account.ID.String()]; exists {
		return storage.ErrAlreadyExists
	}
	email := domain.NormalizeEmail(account.Email)
	for _, a := range s.data {
		if domain.NormalizeEmail(a.Email) == email {
			return storage.ErrAlreadyExists
		}
	}

	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()
	s.data[account.ID.String()] = cloneAccount(account)
	return nil
}

func (s *AccountStore) GetByID(ctx context.Context, id domain.AccountID) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.data[id.String()]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneAccount(account), nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = domain.NormalizeEmail(email)
	for _, account := range s.data {
		if domain.NormalizeEmail(account.Email) == email {
			return cloneAccount(account), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *AccountStore) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.data {
		for i := range account.Passkeys {
			if subtle.ConstantTimeCompare(account.Passkeys[i].CredentialID, credentialID) == 1 {
				return cloneAccount(account), nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (s *AccountStore) Update(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[account.ID.String()]; !exists {
		return storage.ErrNotFound
	}

	account.UpdatedAt = time.Now()
	s.data[account.ID.String()] = cloneAccount(account)
	return nil
}

func (s *AccountStore) Delete(ctx context.Context, id domain.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[id.String()]; !exists {
		return storage.ErrNotFound
	}

	delete(s.data, id.String())
	return nil
}

func (s *AccountStore) IncrementFailures(ctx context.Context, id domain.AccountID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.data[id.String()]
	if !exists {
		return 0, storage.ErrNotFound
	}

	account.FailureCount++
	account.UpdatedAt = time.Now()
	return account.FailureCount, nil
}

func (s *AccountStore) ResetFailures(ctx context.Context, id domain.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.data[id.String()]
	if !exists {
		return storage.ErrNotFound
	}

	account.FailureCount = 0
	account.LockedUntil = nil
	account.UpdatedAt = time.Now()
	return nil
}

func (s *AccountStore) SetLockout(ctx context.Context, id domain.AccountID, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.data[id.String()]
	if !exists {
		return storage.ErrNotFound
	}

	account.LockedUntil = &until
	account.UpdatedAt = time.Now()
	return nil
}

// cloneAccount copies an account so callers cannot mutate stored state
// through the returned pointer.
func cloneAccount(a *domain.Account) *domain.Account {
	c := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		c.LockedUntil = &t
	}
	if len(a.Passkeys) > 0 {
		c.Passkeys = make([]domain.PasskeyCredential, len(a.Passkeys))
		copy(c.Passkeys, a.Passkeys)
	}
	return &c
}

// ChallengeStore implements in-memory ceremony challenge storage
type ChallengeStore struct {
	mu   sync.Mutex
	data map[string]*domain.CeremonyChallenge
}

func (s *ChallengeStore) Create(ctx context.Context, challenge *domain.CeremonyChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[challenge.ID] = challenge
	return nil
}

func (s *ChallengeStore) Consume(ctx context.Context, id string) (*domain.CeremonyChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	delete(s.data, id)
	if challenge.IsExpired() {
		return nil, storage.ErrNotFound
	}
	return challenge, nil
}

func (s *ChallengeStore) DeleteExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, challenge := range s.data {
		if now.After(challenge.ExpiresAt) {
			delete(s.data, id)
		}
	}
	return nil
}

type codeKey struct {
	accountID string
	purpose   domain.CodePurpose
}

// CodeStore implements in-memory verification code storage
type CodeStore struct {
	mu   sync.Mutex
	data map[codeKey]*domain.VerificationCode
}

func (s *CodeStore) Put(ctx context.Context, code *domain.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[codeKey{code.AccountID, code.Purpose}] = code
	return nil
}

func (s *CodeStore) Get(ctx context.Context, accountID string, purpose domain.CodePurpose) (*domain.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := codeKey{accountID, purpose}
	code, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if code.IsExpired() {
		delete(s.data, key)
		return nil, storage.ErrNotFound
	}
	return code, nil
}

func (s *CodeStore) ConsumeIfMatch(ctx context.Context, accountID string, purpose domain.CodePurpose, codeHash []byte) (*domain.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := codeKey{accountID, purpose}
	code, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if code.IsExpired() {
		delete(s.data, key)
		return nil, storage.ErrNotFound
	}
	if subtle.ConstantTimeCompare(code.CodeHash, codeHash) != 1 {
		return nil, storage.ErrNotFound
	}
	delete(s.data, key)
	return code, nil
}

func (s *CodeStore) Delete(ctx context.Context, accountID string, purpose domain.CodePurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, codeKey{accountID, purpose})
	return nil
}

type tokenKey struct {
	accountID string
	purpose   domain.TokenPurpose
}

// TokenStore implements in-memory action token storage
type TokenStore struct {
	mu   sync.Mutex
	data map[tokenKey]*domain.ActionToken
}

func (s *TokenStore) Put(ctx context.Context, token *domain.ActionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[tokenKey{token.AccountID, token.Purpose}] = token
	return nil
}

func (s *TokenStore) ConsumeIfMatch(ctx context.Context, accountID string, purpose domain.TokenPurpose, tokenHash []byte) (*domain.ActionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{accountID, purpose}
	token, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if token.IsExpired() {
		delete(s.data, key)
		return nil, storage.ErrNotFound
	}
	if subtle.ConstantTimeCompare(token.TokenHash, tokenHash) != 1 {
		return nil, storage.ErrNotFound
	}
	delete(s.data, key)
	return token, nil
}

func (s *TokenStore) Delete(ctx context.Context, accountID string, purpose domain.TokenPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, tokenKey{accountID, purpose})
	return nil
}

// SessionStore implements in-memory session storage
type SessionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Session
}

func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[session.ID]; exists {
		return storage.ErrAlreadyExists
	}
	s.data[session.ID] = session
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	session, exists := s.data[id]
	s.mu.RUnlock()

	if !exists {
		return nil, storage.ErrNotFound
	}
	if session.IsExpired() {
		s.mu.Lock()
		delete(s.data, id)
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	c := *session
	return &c, nil
}

func (s *SessionStore) Update(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[session.ID]; !exists {
		return storage.ErrNotFound
	}
	c := *session
	s.data[session.ID] = &c
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}
