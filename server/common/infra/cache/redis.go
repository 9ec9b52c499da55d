package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// NewClient builds the client backing the notifier's KV snapshot store.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:       addr,
		ClientName: "netaq-notifier",
	})
}

func Ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}
