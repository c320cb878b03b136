//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisTest returns a client on an empty Redis database. REDIS_URL selects
// an existing server; otherwise a container is started and terminated on
// test cleanup.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()
	url := os.Getenv("REDIS_URL")
	var container testcontainers.Container

	if url == "" {
		rc, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			t.Fatalf("redistest: start redis container: %v", err)
		}
		container = rc
		url, err = rc.ConnectionString(ctx)
		if err != nil {
			_ = rc.Terminate(ctx)
			t.Fatalf("redistest: connection string: %v", err)
		}
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		terminate(ctx, container)
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		terminate(ctx, container)
		t.Fatalf("redistest: ping: %v", err)
	}
	_ = client.FlushDB(ctx).Err()

	t.Cleanup(func() {
		_ = client.Close()
		terminate(context.Background(), container)
	})
	return client
}
