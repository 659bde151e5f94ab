package common

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beam-cloud/orchfs/pkg/types"
)

const redisPingTimeout = 5 * time.Second

// RedisClient wraps a universal redis client shared by the lock and the event bus.
type RedisClient struct {
	redis.UniversalClient
}

// NewRedisClient connects to redis and verifies the connection with a ping.
func NewRedisClient(cfg types.RedisConfig) (*RedisClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      cfg.Addrs,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: "orchfs",
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %v: %w", cfg.Addrs, err)
	}

	return &RedisClient{UniversalClient: client}, nil
}
