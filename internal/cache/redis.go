package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/config"
	"github.com/redis/go-redis/v9"
)

// Redis wraps the shared go-redis client
type Redis struct {
	Client *redis.Client
}

// New connects to Redis and verifies the connection with a ping
func New(ctx context.Context, cfg *config.RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return &Redis{Client: client}, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.Client.Close()
}

// Health pings Redis
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
