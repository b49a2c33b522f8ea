package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits when fewer than limit members fall inside the
// window; otherwise it returns the milliseconds until the oldest expires.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, window - (now - tonumber(oldest[2]))}
`)

// RedisLimiter is a sliding-window limiter shared by every instance using the same Redis.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	limits map[Class]Limit
	now    func() time.Time
}

// NewRedisLimiter creates a limiter storing windows under prefix.
func NewRedisLimiter(client redis.Scripter, prefix string, limits map[Class]Limit) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limits: limits, now: time.Now}
}

// Take implements RateLimiter.
func (l *RedisLimiter) Take(ctx context.Context, class Class, clientID string) (bool, time.Duration, error) {
	limit, ok := l.limits[class]
	if !ok || limit.Requests <= 0 {
		return true, 0, nil
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, class, clientID)
	nowMs := l.now().UnixMilli()

	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		nowMs,
		limit.Window.Milliseconds(),
		limit.Requests,
		strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}
