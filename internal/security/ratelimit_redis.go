package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript checks both windows and records the attempt in one
// atomic step on the redis side.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local minute_ms = tonumber(ARGV[2])
local hour_ms = tonumber(ARGV[3])
local per_minute = tonumber(ARGV[4])
local per_hour = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, now - hour_ms)
if per_hour > 0 and redis.call('ZCARD', key) >= per_hour then
  return 0
end
if per_minute > 0 and redis.call('ZCOUNT', key, now - minute_ms, '+inf') >= per_minute then
  return 0
end
redis.call('ZADD', key, now, ARGV[6])
redis.call('PEXPIRE', key, hour_ms)
return 1
`)

// RedisLimiter is the clustered sliding-window limiter for multi-instance
// deployments. Each identity maps to one sorted set of attempt timestamps.
type RedisLimiter struct {
	client    redis.UniversalClient
	namespace string
	perMinute int
	perHour   int
}

// NewRedisLimiter creates a redis-backed limiter.
func NewRedisLimiter(client redis.UniversalClient, namespace string, perMinute, perHour int) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		namespace: namespace,
		perMinute: perMinute,
		perHour:   perHour,
	}
}

// Allow runs the atomic check-and-record script.
func (l *RedisLimiter) Allow(ctx context.Context, identity string) (bool, error) {
	key := fmt.Sprintf("%s:ratelimit:%s", l.namespace, identity)
	now := time.Now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		now,
		time.Minute.Milliseconds(),
		time.Hour.Milliseconds(),
		l.perMinute,
		l.perHour,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return res == 1, nil
}
