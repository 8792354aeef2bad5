package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/internal/storage/memory"
)

func TestChallengeCleanup_RunOnce(t *testing.T) {
	store := memory.NewStore()
	worker := NewChallengeCleanupWorker(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Challenges().Create(ctx, &domain.CeremonyChallenge{
		ID:        "live",
		Challenge: "abc",
		Action:    domain.CeremonyLogin,
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.Challenges().Create(ctx, &domain.CeremonyChallenge{
		ID:        "stale",
		Challenge: "abc",
		Action:    domain.CeremonyLogin,
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, worker.RunOnce(ctx))

	_, err := store.Challenges().Consume(ctx, "live")
	assert.NoError(t, err)
	_, err = store.Challenges().Consume(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChallengeCleanup_StartStop(t *testing.T) {
	worker := NewChallengeCleanupWorker(memory.NewStore(), zap.NewNop())
	worker.Start()
	worker.Stop()
}
