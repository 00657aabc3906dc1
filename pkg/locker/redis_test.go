package locker

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *RedisLocker {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	t.Cleanup(cancel)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "redis")
	require.NoError(t, err)

	client, err := NewRedisClient(endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewRedisLocker(client, "deskflow:test:", 3*time.Second, logger)
}

func TestRedisLocker_SerializesSameKey(t *testing.T) {
	l := setupRedis(t)
	l.retryPeriod = 5 * time.Millisecond

	assertExclusive(t, l, "log-1", 10)
}

func TestRedisLocker_LeaseOutlivesTTLWhileHeld(t *testing.T) {
	l := setupRedis(t)

	unlock, err := l.Lock(context.Background(), "log-2")
	require.NoError(t, err)

	time.Sleep(4 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "log-2")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	again, err := l.Lock(context.Background(), "log-2")
	require.NoError(t, err)
	again()

	exists, err := l.client.Exists(context.Background(), "deskflow:test:log-2").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}
