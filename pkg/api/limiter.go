package api

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request from key is allowed. When it is
// not, retryAfter says how long to back off.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// visitorTTL is how long an idle per-key limiter is kept.
const visitorTTL = 3 * time.Minute

// MemoryLimiter keeps one token bucket per key in process.
type MemoryLimiter struct {
	rps   rate.Limit
	burst int
	clock func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter allows rps requests per second per key with the given
// burst. A non-positive rps disables limiting.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	return &MemoryLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		clock:    time.Now,
		visitors: make(map[string]*visitor),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if l.rps <= 0 {
		return true, 0, nil
	}
	now := l.clock()
	l.mu.Lock()
	l.sweepLocked(now)
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second, nil
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

// sweepLocked drops idle visitors at most once a minute.
func (l *MemoryLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.visitors, k)
		}
	}
}

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
// Returns {allowed, tokens*1000}.
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
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)

return {allowed, math.floor(tokens * 1000)}
`)

// RedisLimiter shares token buckets across instances through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rps    float64
	burst  int
	clock  func() time.Time
}

// NewRedisLimiter allows rps requests per second per key with the given
// burst, keyed under prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string, rps float64, burst int) *RedisLimiter {
	if burst < 1 {
		burst = 1
	}
	if prefix == "" {
		prefix = "guard:ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, rps: rps, burst: burst, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *RedisLimiter) WithClock(clock func() time.Time) *RedisLimiter {
	l.clock = clock
	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.rps <= 0 {
		return true, 0, nil
	}
	now := float64(l.clock().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("redis limiter: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}
	milli, _ := vals[1].(int64)
	missing := 1 - float64(milli)/1000
	wait := time.Duration(math.Ceil(missing/l.rps*1000)) * time.Millisecond
	return false, wait, nil
}

// clientIP returns the remote address without port or IPv4-mapped prefix.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return strings.TrimPrefix(ip, "::ffff:")
}
