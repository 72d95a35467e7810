package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// The script makes increment-and-expire atomic so concurrent callers for
// one identity observe a consistent count.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares window state across gateway replicas; on any Redis
// trouble it degrades to the per-process fallback rather than failing the
// request path.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(identity string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(identity, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + identity}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		return l.fallback(identity, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(identity, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	if int(count) > limit+1 {
		count = int64(limit + 1)
	}
	now := time.Now().UTC()
	return decide(int(count), limit, now.Add(time.Duration(ttlMs)*time.Millisecond), now)
}

func (l *RedisLimiter) fallback(identity string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(identity, limit)
	}
	now := time.Now().UTC()
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(l.Window)}
}
