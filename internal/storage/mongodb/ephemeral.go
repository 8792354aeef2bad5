package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
)

// ChallengeStore implements MongoDB challenge storage
type ChallengeStore struct {
	collection *mongo.Collection
}

func (s *ChallengeStore) Create(ctx context.Context, challenge *domain.CeremonyChallenge) error {
	_, err := s.collection.InsertOne(ctx, challenge)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

func (s *ChallengeStore) Consume(ctx context.Context, id string) (*domain.CeremonyChallenge, error) {
	var challenge domain.CeremonyChallenge
	err := s.collection.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&challenge)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	// TTL sweeps are best-effort; a consumed-but-expired record reads as
	// absent.
	if challenge.IsExpired() {
		return nil, storage.ErrNotFound
	}

	return &challenge, nil
}

func (s *ChallengeStore) DeleteExpired(ctx context.Context) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return nil
}

// CodeStore implements MongoDB verification code storage
type CodeStore struct {
	collection *mongo.Collection
}

func codeFilter(accountID string, purpose domain.CodePurpose) bson.M {
	return bson.M{"account_id": accountID, "purpose": purpose}
}

func (s *CodeStore) Put(ctx context.Context, code *domain.VerificationCode) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, codeFilter(code.AccountID, code.Purpose), code, opts)
	if err != nil {
		return fmt.Errorf("failed to store code: %w", err)
	}
	return nil
}

func (s *CodeStore) Get(ctx context.Context, accountID string, purpose domain.CodePurpose) (*domain.VerificationCode, error) {
	var code domain.VerificationCode
	err := s.collection.FindOne(ctx, codeFilter(accountID, purpose)).Decode(&code)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get code: %w", err)
	}

	if code.IsExpired() {
		_, _ = s.collection.DeleteOne(ctx, codeFilter(accountID, purpose))
		return nil, storage.ErrNotFound
	}

	return &code, nil
}

func (s *CodeStore) ConsumeIfMatch(ctx context.Context, accountID string, purpose domain.CodePurpose, codeHash []byte) (*domain.VerificationCode, error) {
	// The hash is part of the delete filter, so check and delete are one
	// atomic operation; concurrent redeemers race for a single winner.
	filter := bson.M{"account_id": accountID, "purpose": purpose, "code_hash": codeHash}

	var code domain.VerificationCode
	err := s.collection.FindOneAndDelete(ctx, filter).Decode(&code)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}

	if code.IsExpired() {
		return nil, storage.ErrNotFound
	}

	return &code, nil
}

func (s *CodeStore) Delete(ctx context.Context, accountID string, purpose domain.CodePurpose) error {
	result, err := s.collection.DeleteOne(ctx, codeFilter(accountID, purpose))
	if err != nil {
		return fmt.Errorf("failed to delete code: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TokenStore implements MongoDB action token storage
type TokenStore struct {
	collection *mongo.Collection
}

func tokenFilter(accountID string, purpose domain.TokenPurpose) bson.M {
	return bson.M{"account_id": accountID, "purpose": purpose}
}

func (s *TokenStore) Put(ctx context.Context, token *domain.ActionToken) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, tokenFilter(token.AccountID, token.Purpose), token, opts)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *TokenStore) ConsumeIfMatch(ctx context.Context, accountID string, purpose domain.TokenPurpose, tokenHash []byte) (*domain.ActionToken, error) {
	// The hash is part of the delete filter, so check and delete are one
	// atomic operation; concurrent redeemers race for a single winner.
	filter := bson.M{"account_id": accountID, "purpose": purpose, "token_hash": tokenHash}

	var token domain.ActionToken
	err := s.collection.FindOneAndDelete(ctx, filter).Decode(&token)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	return &token, nil
}

func (s *TokenStore) Delete(ctx context.Context, accountID string, purpose domain.TokenPurpose) error {
	result, err := s.collection.DeleteOne(ctx, tokenFilter(accountID, purpose))
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SessionStore implements MongoDB session storage
type SessionStore struct {
	collection *mongo.Collection
}

func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	_, err := s.collection.InsertOne(ctx, session)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var session domain.Session
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if session.IsExpired() {
		_, _ = s.collection.DeleteOne(ctx, bson.M{"_id": id})
		return nil, storage.ErrNotFound
	}

	return &session, nil
}

func (s *SessionStore) Update(ctx context.Context, session *domain.Session) error {
	result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": session.ID}, session)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}
