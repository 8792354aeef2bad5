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
	"github.com/veridianlabs/identity-backend/pkg/config"
)

// Store implements MongoDB storage
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	cfg      *config.MongoDBConfig

	accounts   *AccountStore
	challenges *ChallengeStore
	codes      *CodeStore
	tokens     *TokenStore
	sessions   *SessionStore
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *config.MongoDBConfig) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(time.Duration(cfg.Timeout) * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)

	s := &Store{
		client:   client,
		database: database,
		cfg:      cfg,
	}

	// Initialize sub-stores
	s.accounts = &AccountStore{collection: database.Collection("accounts")}
	s.challenges = &ChallengeStore{collection: database.Collection("challenges")}
	s.codes = &CodeStore{collection: database.Collection("codes")}
	s.tokens = &TokenStore{collection: database.Collection("tokens")}
	s.sessions = &SessionStore{collection: database.Collection("sessions")}

	// Create indexes
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// Accounts: emails are stored normalized, so a plain unique index
	// enforces case-insensitive uniqueness.
	_, err := s.accounts.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "passkeys.credential_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to create account indexes: %w", err)
	}

	// Ephemeral collections expire through TTL indexes. The TTL sweep is
	// best-effort; reads still check expiry themselves.
	ttl := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}

	if _, err := s.challenges.collection.Indexes().CreateOne(ctx, ttl); err != nil {
		return fmt.Errorf("failed to create challenge indexes: %w", err)
	}

	_, err = s.codes.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "purpose", Value: 1}}, Options: options.Index().SetUnique(true)},
		ttl,
	})
	if err != nil {
		return fmt.Errorf("failed to create code indexes: %w", err)
	}

	_, err = s.tokens.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "purpose", Value: 1}}, Options: options.Index().SetUnique(true)},
		ttl,
	})
	if err != nil {
		return fmt.Errorf("failed to create token indexes: %w", err)
	}

	if _, err := s.sessions.collection.Indexes().CreateOne(ctx, ttl); err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}

	return nil
}

func (s *Store) Accounts() storage.AccountStore     { return s.accounts }
func (s *Store) Challenges() storage.ChallengeStore { return s.challenges }
func (s *Store) Codes() storage.CodeStore           { return s.codes }
func (s *Store) Tokens() storage.TokenStore         { return s.tokens }
func (s *Store) Sessions() storage.SessionStore     { return s.sessions }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// AccountStore implements MongoDB account storage
type AccountStore struct {
	collection *mongo.Collection
}

func idFilter(id domain.AccountID) bson.M {
	return bson.M{"_id": bson.M{"id": id.String()}}
}

func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()

	_, err := s.collection.InsertOne(ctx, account)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *AccountStore) GetByID(ctx context.Context, id domain.AccountID) (*domain.Account, error) {
	var account domain.Account
	err := s.collection.FindOne(ctx, idFilter(id)).Decode(&account)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var account domain.Account
	err := s.collection.FindOne(ctx, bson.M{"email": email}).Decode(&account)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (s *AccountStore) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Account, error) {
	var account domain.Account
	err := s.collection.FindOne(ctx, bson.M{"passkeys.credential_id": credentialID}).Decode(&account)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (s *AccountStore) Update(ctx context.Context, account *domain.Account) error {
	account.UpdatedAt = time.Now()
	result, err := s.collection.ReplaceOne(ctx, idFilter(account.ID), account)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *AccountStore) Delete(ctx context.Context, id domain.AccountID) error {
	result, err := s.collection.DeleteOne(ctx, idFilter(id))
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *AccountStore) IncrementFailures(ctx context.Context, id domain.AccountID) (int, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	update := bson.M{
		"$inc": bson.M{"failure_count": 1},
		"$set": bson.M{"updated_at": time.Now()},
	}

	var account domain.Account
	err := s.collection.FindOneAndUpdate(ctx, idFilter(id), update, opts).Decode(&account)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment failures: %w", err)
	}

	return account.FailureCount, nil
}

func (s *AccountStore) ResetFailures(ctx context.Context, id domain.AccountID) error {
	update := bson.M{
		"$set":   bson.M{"failure_count": 0, "updated_at": time.Now()},
		"$unset": bson.M{"locked_until": ""},
	}

	result, err := s.collection.UpdateOne(ctx, idFilter(id), update)
	if err != nil {
		return fmt.Errorf("failed to reset failures: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *AccountStore) SetLockout(ctx context.Context, id domain.AccountID, until time.Time) error {
	update := bson.M{
		"$set": bson.M{"locked_until": until, "updated_at": time.Now()},
	}

	result, err := s.collection.UpdateOne(ctx, idFilter(id), update)
	if err != nil {
		return fmt.Errorf("failed to set lockout: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}
