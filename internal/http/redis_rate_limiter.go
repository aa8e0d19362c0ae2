package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "orbitec:ratelimit:"

// redisRateLimiter counts requests in fixed windows shared by every orbitec
// instance pointed at the same Redis.
type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisRateLimiter connects to addr and verifies it answers.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger.With("component", "rate_limiter"),
		timeout: 250 * time.Millisecond,
	}, nil
}

// Allow fails open when Redis is unavailable.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := redisKeyPrefix + key
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	if _, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pttl = pipe.PTTL(ctx, redisKey)
		return nil
	}); err != nil {
		rl.logger.Error("redis rate limiter error", "op", "incr", "error", err)
		return rateDecision{allowed: true}
	}

	// a negative ttl means the window was opened by this request.
	ttl := pttl.Val()
	if ttl < 0 {
		if err := rl.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			rl.logger.Error("redis rate limiter error", "op", "pexpire", "error", err)
		}
		ttl = window
	}
	count := int(incr.Val())
	return rateDecision{
		allowed:   count <= limit,
		remaining: limit - count,
		reset:     time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}
