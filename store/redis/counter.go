/*
Package redis provides a Redis-backed ratelimit.Counter.

PURPOSE:
  Shares sliding-window counts between every instance of the service.
  Each counter key is a sorted set of admitted hits scored by their
  timestamp in microseconds.

ATOMICITY:
  Trim, count and insert run as one Lua script, so concurrent callers on
  any instance can never admit more than the limit in a window.

EXPIRY:
  Every admitted hit refreshes the key's TTL to one window; idle keys
  disappear on their own and need no sweeper.

SEE ALSO:
  - ratelimit/store.go: Counter contract
  - ratelimit/store/memory.go: single-instance counter
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/warp/clickstats/core"
	"github.com/warp/clickstats/ratelimit"
)

// slidingWindow returns {admitted, count, retryAfterMicros}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, count, retry}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(window / 1000))
return {1, count + 1, 0}
`)

// Counter implements ratelimit.Counter on Redis.
type Counter struct {
	client *redis.Client
}

var _ ratelimit.Counter = (*Counter)(nil)

// Config holds the connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects and pings Redis.
func New(cfg Config) (*Counter, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Counter{client: client}, nil
}

// Close closes the client.
func (c *Counter) Close() error {
	return c.client.Close()
}

// Ping checks Redis is reachable. Used by the health endpoint.
func (c *Counter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Counter) Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.CounterResult, error) {
	nowUs := now.UnixMicro()
	member := fmt.Sprintf("%d-%s", nowUs, uuid.NewString())

	vals, err := slidingWindow.Run(ctx, c.client, []string{key},
		nowUs, window.Microseconds(), limit, member).Int64Slice()
	if err != nil {
		return ratelimit.CounterResult{}, core.Transient("redis sliding window", err)
	}
	if len(vals) != 3 {
		return ratelimit.CounterResult{}, fmt.Errorf("redis sliding window: unexpected reply %v", vals)
	}

	return ratelimit.CounterResult{
		Admitted:   vals[0] == 1,
		Count:      int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Microsecond,
	}, nil
}
