// Package ratelimit throttles job submissions per user with a token bucket
// kept in Redis, so every API replica draws from the same bucket.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	// Prefix namespaces the bucket keys, normally the queue prefix.
	Prefix string
	// Capacity is the burst a user may submit at once.
	Capacity int
	// RefillPerSecond is how fast spent tokens come back. Zero never refills.
	RefillPerSecond float64
	// IdleTTL drops a bucket nobody has drawn from for this long.
	IdleTTL time.Duration
}

// Decision is the outcome of one draw.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token, set only when the draw
	// was refused and the bucket refills.
	RetryAfter time.Duration
}

type Limiter struct {
	client redis.Scripter
	opts   Options
	now    func() time.Time
}

func New(client redis.Scripter, opts Options) *Limiter {
	return &Limiter{client: client, opts: opts, now: time.Now}
}

func (l *Limiter) key(user string) string {
	return l.opts.Prefix + ":ratelimit:" + user
}

// Allow draws one token from user's bucket.
func (l *Limiter) Allow(ctx context.Context, user string) (Decision, error) {
	args := []any{l.opts.Capacity, l.opts.RefillPerSecond, l.now().UnixMilli(), l.opts.IdleTTL.Milliseconds()}
	res, err := drawScript.Run(ctx, l.client, []string{l.key(user)}, args...).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("draw token for %s: %w", user, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("draw token for %s: reply has %d fields", user, len(res))
	}
	allowed, _ := res[0].(int64)
	wait, _ := res[2].(int64)
	// Lua numbers come back truncated to integers, so the count is a string.
	s, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("draw token for %s: bad token count %q", user, s)
	}
	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed && wait > 0 {
		d.RetryAfter = time.Duration(wait) * time.Millisecond
	}
	return d, nil
}

// KEYS[1] bucket; ARGV capacity, refill per second, now ms, idle ttl ms.
// Returns {allowed, tokens left, ms until the next token or 0}.
var drawScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

if now > last then
  tokens = math.min(capacity, tokens + (now - last) / 1000 * refill)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens), wait}
`)
