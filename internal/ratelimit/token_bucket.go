package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket limits how fast each user may enqueue validations. State lives in Redis
// so every API instance shares the same buckets.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "ratelimit:enqueue:",
		now:      time.Now,
	}
}

// Allow consumes a token from userID's bucket if one is available and reports the
// tokens left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, userID string) (bool, float64, error) {
	nowMs := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + userID}, b.capacity, b.refill, nowMs, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", userID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", userID, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Lua numbers are returned to Redis clients truncated to integers, so the remaining
// token count goes back as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
