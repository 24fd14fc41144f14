package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ChatLimiter caps widget chat requests per visitor with a Redis sliding window.
// It protects the provider budget from a single abusive visitor and is separate from
// the process-wide provider RateLimiter.
type ChatLimiter struct {
	redis  *Redis
	limit  int
	window time.Duration
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// NewChatLimiter creates a limiter; a non-positive limit disables it
func NewChatLimiter(r *Redis, limit int, window time.Duration) *ChatLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &ChatLimiter{redis: r, limit: limit, window: window}
}

// Check records one request for visitor and reports whether it is allowed
func (l *ChatLimiter) Check(ctx context.Context, agentID, visitor string) (*RateLimitResult, error) {
	if l == nil || l.limit <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: -1}, nil
	}

	now := time.Now()
	windowStart := now.Add(-l.window)
	key := rateLimitKey(agentID, visitor)

	// Score = timestamp, Member = unique request ID
	pipe := l.redis.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("visitor", visitor).Msg("Failed to check chat rate limit")
		// Fail open
		return &RateLimitResult{Allowed: true, Remaining: int64(l.limit), Limit: l.limit}, nil
	}

	current := countCmd.Val()
	result := &RateLimitResult{
		Limit:   l.limit,
		ResetAt: now.Add(l.window),
	}

	if current >= int64(l.limit) {
		result.Remaining = 0
		result.RetryAfter = l.window
		oldest, err := l.redis.Client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			result.RetryAfter = retryAfter(time.Unix(0, int64(oldest[0].Score)), l.window, now)
		}
		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), visitor)
	if err := l.redis.Client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		log.Warn().Err(err).Str("visitor", visitor).Msg("Failed to add chat rate limit entry")
	}
	l.redis.Client.Expire(ctx, key, l.window*2)

	result.Allowed = true
	result.Remaining = max(int64(l.limit)-current-1, 0)
	return result, nil
}

// Reset clears a visitor's window
func (l *ChatLimiter) Reset(ctx context.Context, agentID, visitor string) error {
	return l.redis.Client.Del(ctx, rateLimitKey(agentID, visitor)).Err()
}

func rateLimitKey(agentID, visitor string) string {
	return fmt.Sprintf("ratelimit:chat:%s:%s", agentID, visitor)
}

// retryAfter is when the oldest entry leaves the window, at least one second
func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
