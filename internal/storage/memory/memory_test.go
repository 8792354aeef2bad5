package memory

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
)

func newAccount(email string) *domain.Account {
	hash := "not-a-real-hash"
	now := time.Now()
	return &domain.Account{
		ID:            domain.NewAccountID(),
		Email:         domain.NormalizeEmail(email),
		PasswordHash:  &hash,
		SecurityStamp: domain.NewSecurityStamp(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestAccountStore_CreateAndGet(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	account := newAccount("User@Example.com")
	require.NoError(t, store.Accounts().Create(ctx, account))

	byID, err := store.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.Email, byID.Email)

	byEmail, err := store.Accounts().GetByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, account.ID, byEmail.ID)
}

func TestAccountStore_DuplicateEmail(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Accounts().Create(ctx, newAccount("dup@example.com")))
	err := store.Accounts().Create(ctx, newAccount("dup@example.com"))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestAccountStore_GetByCredentialID(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	account := newAccount("passkey@example.com")
	account.Passkeys = []domain.PasskeyCredential{{
		CredentialID: []byte{1, 2, 3, 4},
		PublicKey:    []byte{5, 6},
		SignCount:    7,
		CreatedAt:    time.Now(),
	}}
	require.NoError(t, store.Accounts().Create(ctx, account))

	got, err := store.Accounts().GetByCredentialID(ctx, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = store.Accounts().GetByCredentialID(ctx, []byte{9, 9})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAccountStore_ReturnsCopies(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	account := newAccount("copy@example.com")
	require.NoError(t, store.Accounts().Create(ctx, account))

	got, err := store.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	got.Email = "mutated@example.com"

	again, err := store.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "copy@example.com", again.Email)
}

func TestAccountStore_FailureCounting(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	account := newAccount("fail@example.com")
	require.NoError(t, store.Accounts().Create(ctx, account))

	n, err := store.Accounts().IncrementFailures(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.Accounts().IncrementFailures(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	until := time.Now().Add(5 * time.Minute)
	require.NoError(t, store.Accounts().SetLockout(ctx, account.ID, until))

	got, err := store.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, got.IsLockedOut(time.Now()))

	require.NoError(t, store.Accounts().ResetFailures(ctx, account.ID))
	got, err = store.Accounts().GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount)
	assert.Nil(t, got.LockedUntil)
}

func TestChallengeStore_SingleUse(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Challenges().Create(ctx, &domain.CeremonyChallenge{
		ID:        "ch-1",
		Challenge: "abc",
		Action:    domain.CeremonyLogin,
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}))

	got, err := store.Challenges().Consume(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Challenge)

	_, err = store.Challenges().Consume(ctx, "ch-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChallengeStore_ExpiredConsumesAsAbsent(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Challenges().Create(ctx, &domain.CeremonyChallenge{
		ID:        "ch-2",
		Challenge: "abc",
		Action:    domain.CeremonyLogin,
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, err := store.Challenges().Consume(ctx, "ch-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChallengeStore_DeleteExpired(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Challenges().Create(ctx, &domain.CeremonyChallenge{
		ID:        "live",
		Challenge: "abc",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.Challenges().Create(ctx, &domain.CeremonyChallenge{
		ID:        "dead",
		Challenge: "abc",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, store.Challenges().DeleteExpired(ctx))

	_, err := store.Challenges().Consume(ctx, "live")
	assert.NoError(t, err)
	_, err = store.Challenges().Consume(ctx, "dead")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCodeStore_PutOverwritesPerPurpose(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first := sha256.Sum256([]byte("111111"))
	second := sha256.Sum256([]byte("222222"))

	require.NoError(t, store.Codes().Put(ctx, &domain.VerificationCode{
		AccountID: "acc-1",
		Purpose:   domain.CodePurposeTwoFactor,
		CodeHash:  first[:],
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))
	require.NoError(t, store.Codes().Put(ctx, &domain.VerificationCode{
		AccountID: "acc-1",
		Purpose:   domain.CodePurposeTwoFactor,
		CodeHash:  second[:],
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	got, err := store.Codes().Get(ctx, "acc-1", domain.CodePurposeTwoFactor)
	require.NoError(t, err)
	assert.Equal(t, second[:], got.CodeHash)

	_, err = store.Codes().Get(ctx, "acc-1", domain.CodePurposeEmailVerify)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCodeStore_ExpiredIsAbsent(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	hash := sha256.Sum256([]byte("123456"))
	require.NoError(t, store.Codes().Put(ctx, &domain.VerificationCode{
		AccountID: "acc-1",
		Purpose:   domain.CodePurposeEmailVerify,
		CodeHash:  hash[:],
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, err := store.Codes().Get(ctx, "acc-1", domain.CodePurposeEmailVerify)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCodeStore_ConsumeIfMatch(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	hash := sha256.Sum256([]byte("123456"))
	require.NoError(t, store.Codes().Put(ctx, &domain.VerificationCode{
		AccountID: "acc-1",
		Purpose:   domain.CodePurposeEmailVerify,
		CodeHash:  hash[:],
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	// a wrong hash leaves the code in place
	wrong := sha256.Sum256([]byte("654321"))
	_, err := store.Codes().ConsumeIfMatch(ctx, "acc-1", domain.CodePurposeEmailVerify, wrong[:])
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.Codes().ConsumeIfMatch(ctx, "acc-1", domain.CodePurposeEmailVerify, hash[:])
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got.AccountID)

	_, err = store.Codes().ConsumeIfMatch(ctx, "acc-1", domain.CodePurposeEmailVerify, hash[:])
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTokenStore_ConsumeIfMatch(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	hash := sha256.Sum256([]byte("token"))
	require.NoError(t, store.Tokens().Put(ctx, &domain.ActionToken{
		AccountID: "acc-1",
		Purpose:   domain.TokenPurposeResetPass,
		TokenHash: hash[:],
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	wrong := sha256.Sum256([]byte("other"))
	_, err := store.Tokens().ConsumeIfMatch(ctx, "acc-1", domain.TokenPurposeResetPass, wrong[:])
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.Tokens().ConsumeIfMatch(ctx, "acc-1", domain.TokenPurposeResetPass, hash[:])
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got.AccountID)

	_, err = store.Tokens().ConsumeIfMatch(ctx, "acc-1", domain.TokenPurposeResetPass, hash[:])
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionStore_Lifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	session := &domain.Session{
		ID:        "sess-1",
		State:     domain.SessionAnonymous,
		CSRFToken: "csrf",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
	require.NoError(t, store.Sessions().Create(ctx, session))

	got, err := store.Sessions().GetByID(ctx, "sess-1")
	require.NoError(t, err)

	got.State = domain.SessionAuthenticated
	require.NoError(t, store.Sessions().Update(ctx, got))

	got, err = store.Sessions().GetByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAuthenticated, got.State)

	require.NoError(t, store.Sessions().Delete(ctx, "sess-1"))
	_, err = store.Sessions().GetByID(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionStore_ExpiredIsAbsent(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Sessions().Create(ctx, &domain.Session{
		ID:        "sess-2",
		State:     domain.SessionAuthenticated,
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, err := store.Sessions().GetByID(ctx, "sess-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
