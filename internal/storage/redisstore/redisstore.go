// Package redisstore implements the ephemeral storage interfaces
// (challenges, codes, tokens, sessions) on Redis. Every record is a JSON
// value with a key TTL matching its expiry, so Redis evicts expired
// entries on its own and DeleteExpired is a no-op.
package redisstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

// consumeIfMatchScript deletes a record only when the hash stored under
// the JSON field named by ARGV[2] matches ARGV[1], returning the deleted
// value. Running it server-side keeps the compare-and-delete atomic
// against concurrent redemptions.
var consumeIfMatchScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return false
end
local t = cjson.decode(v)
if t[ARGV[2]] == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return v
end
return false
`)

// Store holds the Redis client and the key prefix shared by all records.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, cfg *config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "identity"
	}

	return &Store{client: client, prefix: prefix}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests.
func NewStoreWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "identity"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Challenges() storage.ChallengeStore { return &challengeStore{s} }
func (s *Store) Codes() storage.CodeStore           { return &codeStore{s} }
func (s *Store) Tokens() storage.TokenStore         { return &tokenStore{s} }
func (s *Store) Sessions() storage.SessionStore     { return &sessionStore{s} }

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) challengeKey(id string) string {
	return fmt.Sprintf("%s:challenge:%s", s.prefix, id)
}

func (s *Store) codeKey(accountID string, purpose domain.CodePurpose) string {
	return fmt.Sprintf("%s:code:%s:%s", s.prefix, accountID, purpose)
}

func (s *Store) tokenKey(accountID string, purpose domain.TokenPurpose) string {
	return fmt.Sprintf("%s:token:%s:%s", s.prefix, accountID, purpose)
}

func (s *Store) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

// setJSON stores v under key with a TTL derived from expiresAt. Records
// already past their expiry are treated as invalid input.
func (s *Store) setJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: record already expired", storage.ErrInvalidInput)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal record: %v", storage.ErrDatabase, err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return nil
}

// getJSON reads the value at key into v. Missing keys map to ErrNotFound.
func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: failed to unmarshal record: %v", storage.ErrDatabase, err)
	}
	return nil
}

// consumeJSONIfMatch runs the compare-and-delete script and returns the
// raw JSON of the deleted record. The hash is compared against its JSON
// encoding, which is standard base64.
func (s *Store) consumeJSONIfMatch(ctx context.Context, key, hashField string, hash []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(hash)

	res, err := consumeIfMatchScript.Run(ctx, s.client, []string{key}, encoded, hashField).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}

	data, ok := res.(string)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return []byte(data), nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	deleted, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type challengeStore struct{ *Store }

func (s *challengeStore) Create(ctx context.Context, challenge *domain.CeremonyChallenge) error {
	if challenge == nil || challenge.ID == "" {
		return fmt.Errorf("%w: challenge is incomplete", storage.ErrInvalidInput)
	}
	return s.setJSON(ctx, s.challengeKey(challenge.ID), challenge, challenge.ExpiresAt)
}

func (s *challengeStore) Consume(ctx context.Context, id string) (*domain.CeremonyChallenge, error) {
	data, err := s.client.GetDel(ctx, s.challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}

	var challenge domain.CeremonyChallenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal challenge: %v", storage.ErrDatabase, err)
	}
	return &challenge, nil
}

// DeleteExpired is a no-op; Redis evicts expired keys itself.
func (s *challengeStore) DeleteExpired(ctx context.Context) error {
	return nil
}

type codeStore struct{ *Store }

func (s *codeStore) Put(ctx context.Context, code *domain.VerificationCode) error {
	if code == nil || code.AccountID == "" || len(code.CodeHash) == 0 {
		return fmt.Errorf("%w: code is incomplete", storage.ErrInvalidInput)
	}
	return s.setJSON(ctx, s.codeKey(code.AccountID, code.Purpose), code, code.ExpiresAt)
}

func (s *codeStore) Get(ctx context.Context, accountID string, purpose domain.CodePurpose) (*domain.VerificationCode, error) {
	var code domain.VerificationCode
	if err := s.getJSON(ctx, s.codeKey(accountID, purpose), &code); err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *codeStore) ConsumeIfMatch(ctx context.Context, accountID string, purpose domain.CodePurpose, codeHash []byte) (*domain.VerificationCode, error) {
	data, err := s.consumeJSONIfMatch(ctx, s.codeKey(accountID, purpose), "code_hash", codeHash)
	if err != nil {
		return nil, err
	}

	var code domain.VerificationCode
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal code: %v", storage.ErrDatabase, err)
	}
	return &code, nil
}

func (s *codeStore) Delete(ctx context.Context, accountID string, purpose domain.CodePurpose) error {
	return s.delete(ctx, s.codeKey(accountID, purpose))
}

type tokenStore struct{ *Store }

func (s *tokenStore) Put(ctx context.Context, token *domain.ActionToken) error {
	if token == nil || token.AccountID == "" || len(token.TokenHash) == 0 {
		return fmt.Errorf("%w: token is incomplete", storage.ErrInvalidInput)
	}
	return s.setJSON(ctx, s.tokenKey(token.AccountID, token.Purpose), token, token.ExpiresAt)
}

func (s *tokenStore) ConsumeIfMatch(ctx context.Context, accountID string, purpose domain.TokenPurpose, tokenHash []byte) (*domain.ActionToken, error) {
	data, err := s.consumeJSONIfMatch(ctx, s.tokenKey(accountID, purpose), "token_hash", tokenHash)
	if err != nil {
		return nil, err
	}

	var token domain.ActionToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal token: %v", storage.ErrDatabase, err)
	}
	return &token, nil
}

func (s *tokenStore) Delete(ctx context.Context, accountID string, purpose domain.TokenPurpose) error {
	return s.delete(ctx, s.tokenKey(accountID, purpose))
}

type sessionStore struct{ *Store }

func (s *sessionStore) Create(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session is incomplete", storage.ErrInvalidInput)
	}
	return s.setJSON(ctx, s.sessionKey(session.ID), session, session.ExpiresAt)
}

func (s *sessionStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var session domain.Session
	if err := s.getJSON(ctx, s.sessionKey(id), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *sessionStore) Update(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session is incomplete", storage.ErrInvalidInput)
	}

	key := s.sessionKey(session.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	return s.setJSON(ctx, key, session, session.ExpiresAt)
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, s.sessionKey(id))
}
