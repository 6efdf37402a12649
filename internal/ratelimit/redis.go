package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// ARGV[4] = ttl (seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// RedisLimiter implements Limiter on a shared Redis so every instance
// draws from the same bucket.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rps    float64
	burst  int
	ttl    int
	now    func() time.Time
}

// NewRedisLimiter creates a limiter refilling rps tokens per second up to
// burst. Buckets idle long enough to refill completely expire.
func NewRedisLimiter(client redis.UniversalClient, rps float64, burst int) *RedisLimiter {
	if rps <= 0 {
		rps = 1
	}
	ttl := int(float64(burst)/rps) + 1
	if ttl < 60 {
		ttl = 60
	}
	return &RedisLimiter{
		client: client,
		prefix: "guardvault:ratelimit:",
		rps:    rps,
		burst:  burst,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithPrefix namespaces bucket keys, e.g. per deployment.
func (l *RedisLimiter) WithPrefix(prefix string) *RedisLimiter {
	l.prefix = prefix
	return l
}

// Allow runs the bucket script for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	n, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key},
		l.rps, l.burst, now, l.ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return n == 1, nil
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
