package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	redisstore "sentiflow/internal/storage/redis"
)

// setupTestRedis creates a Redis container and returns a connected
// store. Returns a cleanup function that must be called when done.
func setupTestRedis(t *testing.T) (*redisstore.BucketStore, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start redis container")

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err, "failed to get redis endpoint")

	store, err := redisstore.NewBucketStore(ctx, addr, "", 0)
	require.NoError(t, err, "failed to connect to redis")

	cleanup := func() {
		_ = store.Close()
		_ = container.Terminate(context.Background())
	}
	return store, cleanup
}
