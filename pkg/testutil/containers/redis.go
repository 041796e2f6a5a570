//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisContainer backs the risk score cache in integration tests.
type RedisContainer struct {
	*tcredis.RedisContainer
	URL    string
	Client *redis.Client
}

func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()

	ctx := context.Background()
	c, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		abort(t, nil, "start redis: %v", err)
	}
	url, err := c.ConnectionString(ctx)
	if err != nil {
		abort(t, c, "redis connection string: %v", err)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		abort(t, c, "parse redis url %q: %v", url, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		abort(t, c, "ping redis: %v", err)
	}
	// Shared through Manager; Ryuk reaps the container when the binary exits.
	return &RedisContainer{RedisContainer: c, URL: url, Client: client}
}

// FlushAll clears cached scores between tests.
func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}
