package test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/kenneth/cto-orchestrator/internal/credentials"
	"github.com/kenneth/cto-orchestrator/internal/kvstore"
	"github.com/kenneth/cto-orchestrator/internal/phase"
)

// startRedisContainer brings up a real Redis instance for a test. Unlike
// the Postgres store tests, which rely on an operator-supplied
// TEST_DATABASE_URL, the key-value store and phase coordinator have no
// schema to provision, so a disposable container is cheap enough to start
// per test run; the suite still skips cleanly when no Docker daemon is
// reachable rather than failing the whole run.
func startRedisContainer(t *testing.T) kvstore.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := tcredis.Run(ctx, "docker.io/redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable, skipping: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(ctx).Err())
	return kvstore.NewFromClient(client)
}

func TestRedisBackedCredentialStore_PutClearRoundTrip(t *testing.T) {
	kv := startRedisContainer(t)
	store := credentials.New(kv, credentials.WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "election-1", "guardian-1", "priv-key-material", "polynomial-material"))

	priv, err := store.PrivateKey(ctx, "election-1", "guardian-1")
	require.NoError(t, err)
	assert.Equal(t, "priv-key-material", priv)

	poly, err := store.Polynomial(ctx, "election-1", "guardian-1")
	require.NoError(t, err)
	assert.Equal(t, "polynomial-material", poly)

	require.NoError(t, store.Clear(ctx, "election-1", "guardian-1"))
	_, err = store.PrivateKey(ctx, "election-1", "guardian-1")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestRedisBackedPhaseCoordinator_TriggersExactlyOnce(t *testing.T) {
	kv := startRedisContainer(t)
	logger := newTestLogger()
	coordinator := phase.New(kv, logger)
	ctx := context.Background()

	actions := &countingActions{}
	event := phase.Event{
		TaskType:    "TALLY",
		ElectionID:  "election-2",
		TotalChunks: 3,
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, coordinator.OnChunkCompleted(ctx, event, actions))
	}

	assert.Equal(t, 1, actions.tallyCompletions, "the final chunk's completion must trigger CompleteTallyJob exactly once")
}

type countingActions struct {
	tallyCompletions int
}

func (c *countingActions) CompleteTallyJob(ctx context.Context, electionID string) error {
	c.tallyCompletions++
	return nil
}

func (c *countingActions) TriggerCompensatedDecryption(ctx context.Context, electionID, guardianID string) error {
	return nil
}

func (c *countingActions) ClearGuardianCredentials(ctx context.Context, electionID, guardianID string) error {
	return nil
}

func (c *countingActions) CompleteCombineJob(ctx context.Context, electionID string) error {
	return nil
}
