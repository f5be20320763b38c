package cache_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freva-org/freva-data-portal/internal/cache"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start Redis container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getRedis returns the shared Redis client and flushes the database for
// test isolation. Skips the test if Docker/Redis is not available.
func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func TestRedisStoreRoundTrip(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := cache.NewRedisStore(rdb)

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetEx(ctx, "k", []byte("v"), time.Minute))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, store.Ping(ctx))
}

func TestRedisStoreTTL(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := cache.NewRedisStore(rdb)

	require.NoError(t, store.SetEx(ctx, "short", []byte("x"), 300*time.Millisecond))
	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(600 * time.Millisecond)
	_, found, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStorePubSub(t *testing.T) {
	rdb := getRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := cache.NewRedisStore(rdb)

	msgs, stop, err := store.Subscribe(ctx, "data-portal")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, store.Publish(ctx, "data-portal", []byte(`{"uri":{"path":"/a.nc","uuid":"tok"}}`)))
	select {
	case msg := <-msgs:
		assert.JSONEq(t, `{"uri":{"path":"/a.nc","uuid":"tok"}}`, string(msg))
	case <-ctx.Done():
		t.Fatal("no message delivered")
	}
}

func TestCacheOverRedis(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	c := cache.New(cache.NewRedisStore(rdb))
	const tok = "integration-token"

	require.NoError(t, c.PutWaiting(ctx, tok, time.Minute))
	require.NoError(t, c.PutProcessing(ctx, tok, time.Minute))
	require.NoError(t, c.PutOK(ctx, tok, json.RawMessage(`{"metadata":{}}`), time.Minute))

	st, err := c.GetStatus(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, cache.StatusOK, st)

	require.NoError(t, c.PutChunk(ctx, tok, "tas", "0.0", []byte{4, 5, 6}, time.Minute))
	data, found, err := c.GetChunk(ctx, tok, "tas", "0.0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{4, 5, 6}, data)
}
