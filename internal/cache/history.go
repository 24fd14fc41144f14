package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/redis/go-redis/v9"
)

// HistoryCache keeps the recent turns of a conversation so follow-up requests that
// arrive without conversationHistory do not hit Postgres.
type HistoryCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewHistoryCache(r *Redis, ttl time.Duration) *HistoryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &HistoryCache{client: r.Client, ttl: ttl}
}

// Get returns the cached turns and whether the key was present
func (c *HistoryCache) Get(ctx context.Context, key models.ConversationKey) ([]models.Turn, bool, error) {
	raw, err := c.client.Get(ctx, HistoryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}

	var turns []models.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached history failed: %w", err)
	}
	return turns, true, nil
}

func (c *HistoryCache) Set(ctx context.Context, key models.ConversationKey, turns []models.Turn) error {
	payload, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal history cache failed: %w", err)
	}
	if err := c.client.Set(ctx, HistoryKey(key), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set history failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached turns after new messages are appended
func (c *HistoryCache) Invalidate(ctx context.Context, key models.ConversationKey) error {
	if err := c.client.Del(ctx, HistoryKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete history failed: %w", err)
	}
	return nil
}

// HistoryKey is the Redis key for a conversation's cached turns
func HistoryKey(key models.ConversationKey) string {
	return fmt.Sprintf("chat:history:%s:%s:%s", key.AgentID, key.UserID, key.ConversationID)
}
