package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a Redis-backed token bucket keyed by customer phone number. It
// throttles session creation so one caller cannot flood the booking funnel.
type Limiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func New(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Decision reports whether a request may proceed and, when rejected, how
// long until a token is available again.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

var takeScript = redis.NewScript(`
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last_ms'))
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_ms', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {allowed, tostring(tokens)}
`)

// Take consumes one token for the phone if any is available.
func (l *Limiter) Take(ctx context.Context, phone string) (Decision, error) {
	key := l.prefix + ":" + phone
	res, err := takeScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}

	var tokens float64
	if s, ok := arr[1].(string); ok {
		fmt.Sscanf(s, "%f", &tokens)
	}
	wait := l.ttl
	if l.refill > 0 {
		wait = time.Duration(math.Ceil((1-tokens)/l.refill)) * time.Second
	}
	if wait < time.Second {
		wait = time.Second
	}
	return Decision{RetryAfter: wait}, nil
}
