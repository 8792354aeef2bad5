// Package backend composes the configured storage implementations into one
// storage.Store. Accounts always live in the durable backend; the
// ephemeral stores (challenges, codes, tokens, sessions) can be kept
// alongside them or moved to Redis.
package backend

import (
	"context"
	"fmt"

	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/internal/storage/memory"
	"github.com/veridianlabs/identity-backend/internal/storage/mongodb"
	"github.com/veridianlabs/identity-backend/internal/storage/redisstore"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

// composite joins a durable store with an optional ephemeral overlay.
type composite struct {
	accounts   storage.AccountStore
	challenges storage.ChallengeStore
	codes      storage.CodeStore
	tokens     storage.TokenStore
	sessions   storage.SessionStore

	pings  []func(ctx context.Context) error
	closes []func() error
}

func (c *composite) Accounts() storage.AccountStore     { return c.accounts }
func (c *composite) Challenges() storage.ChallengeStore { return c.challenges }
func (c *composite) Codes() storage.CodeStore           { return c.codes }
func (c *composite) Tokens() storage.TokenStore         { return c.tokens }
func (c *composite) Sessions() storage.SessionStore     { return c.sessions }

func (c *composite) Ping(ctx context.Context) error {
	for _, ping := range c.pings {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *composite) Close() error {
	var errs []error
	for _, close := range c.closes {
		if err := close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// New creates a storage backend based on the configuration
func New(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var durable storage.Store

	switch cfg.Storage.Type {
	case "memory", "":
		durable = memory.NewStore()

	case "mongodb":
		store, err := mongodb.NewStore(ctx, &cfg.Storage.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create mongodb store: %w", err)
		}
		durable = store

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	c := &composite{
		accounts:   durable.Accounts(),
		challenges: durable.Challenges(),
		codes:      durable.Codes(),
		tokens:     durable.Tokens(),
		sessions:   durable.Sessions(),
		pings:      []func(ctx context.Context) error{durable.Ping},
		closes:     []func() error{durable.Close},
	}

	if cfg.Storage.Ephemeral == "redis" {
		redis, err := redisstore.NewStore(ctx, &cfg.Storage.Redis)
		if err != nil {
			_ = durable.Close()
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}

		c.challenges = redis.Challenges()
		c.codes = redis.Codes()
		c.tokens = redis.Tokens()
		c.sessions = redis.Sessions()
		c.pings = append(c.pings, redis.Ping)
		c.closes = append(c.closes, redis.Close)
	}

	return c, nil
}
