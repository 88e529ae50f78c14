package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket refill/consume atomically in Redis so
// multiple pipeline instances draw from one shared budget per upstream.
// KEYS[1] = bucket key; ARGV = rate (tokens/sec), capacity, cost, now (sec).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return {allowed, tostring(tokens)}
`)

// RedisLimiter implements Limiter against a shared Redis instance.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a limiter backed by Redis.
func NewRedisLimiter(addr, password string, db int) *RedisLimiter {
	return &RedisLimiter{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Consume implements Limiter.
func (l *RedisLimiter) Consume(ctx context.Context, dependency string, policy LimitPolicy) (Decision, error) {
	key := "promoguard:limiter:" + dependency

	perSec := float64(policy.RPM) / 60.0
	if perSec <= 0 {
		perSec = 1.0
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, perSec, burst, 1, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return Decision{}, fmt.Errorf("redis limiter: unexpected script reply %v", res)
	}

	allowed, _ := parts[0].(int64)
	var remaining float64
	if s, ok := parts[1].(string); ok {
		_, _ = fmt.Sscanf(s, "%f", &remaining)
	}
	return Decision{Allowed: allowed == 1, Remaining: remaining}, nil
}
