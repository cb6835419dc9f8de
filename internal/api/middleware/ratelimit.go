package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/api/reqid"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/usage"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// tokenBucketScript refills and consumes a per-identifier bucket
// atomically. Bucket state lives in a hash {tokens, last_update}; the
// caller passes the clock so the decision is deterministic.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_update')
local tokens = tonumber(bucket[1])
local last_update = tonumber(bucket[2])
if tokens == nil or last_update == nil then
  tokens = capacity
  last_update = now
end

local elapsed = now - last_update
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
redis.call('EXPIRE', key, ttl)
return allowed
`)

// acquireSlotScript claims one concurrent-stream slot unless the cap is
// already reached.
var acquireSlotScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// releaseSlotScript frees a slot, clamping at zero so a double release
// after an expiry cannot go negative.
var releaseSlotScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], '0')
end
return v
`)

// slotTTLSeconds bounds how long an orphaned slot (crashed worker,
// expired key) can block new streams.
const slotTTLSeconds = 15 * 60

// Limiter enforces the per-identifier request rate and concurrent-stream
// caps. Buckets live in Redis so the decision holds across gateway
// restarts; when Redis is unreachable the limiter degrades to an
// in-process approximation rather than failing requests.
type Limiter struct {
	client     *redis.Client // nil means local-only
	rps        int
	burst      int
	maxStreams int
	now        func() time.Time

	mu    sync.Mutex
	local map[string]*rate.Limiter
	slots map[string]int
}

// NewLimiter builds a limiter. client may be nil for local-only mode.
func NewLimiter(client *redis.Client, rps, burst, maxStreams int) *Limiter {
	if rps <= 0 {
		rps = 20
	}
	if burst < rps {
		burst = rps
	}
	if maxStreams <= 0 {
		maxStreams = 8
	}
	return &Limiter{
		client:     client,
		rps:        rps,
		burst:      burst,
		maxStreams: maxStreams,
		now:        time.Now,
		local:      make(map[string]*rate.Limiter),
		slots:      make(map[string]int),
	}
}

// Allow consumes one request token for the identifier.
func (l *Limiter) Allow(ctx context.Context, id string) error {
	if l.client != nil {
		allowed, err := l.allowRedis(ctx, id)
		if err == nil {
			if !allowed {
				return apierror.New(apierror.RateLimited, "request rate limit exceeded")
			}
			return nil
		}
		log.Warn().Err(err).Msg("Redis rate limit unavailable, using local limiter")
	}
	if !l.localLimiter(id).Allow() {
		return apierror.New(apierror.RateLimited, "request rate limit exceeded")
	}
	return nil
}

func (l *Limiter) allowRedis(ctx context.Context, id string) (bool, error) {
	nowSec := float64(l.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{"cortex:rl:" + id},
		l.burst, l.rps, nowSec, 1, slotTTLSeconds,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (l *Limiter) localLimiter(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.local[id]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.local[id] = lim
	}
	return lim
}

// AcquireStream claims a concurrent-stream slot for the identifier. The
// returned release must be called exactly once when the stream ends.
func (l *Limiter) AcquireStream(ctx context.Context, id string) (func(), error) {
	if l.client != nil {
		ok, err := acquireSlotScript.Run(ctx, l.client,
			[]string{"cortex:streams:" + id},
			l.maxStreams, slotTTLSeconds,
		).Int64()
		if err == nil {
			if ok != 1 {
				return nil, apierror.New(apierror.ConcurrencyExceeded, "too many concurrent streams")
			}
			return func() { l.releaseRedis(id) }, nil
		}
		log.Warn().Err(err).Msg("Redis stream slots unavailable, using local counter")
	}
	return l.acquireLocal(id)
}

func (l *Limiter) releaseRedis(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseSlotScript.Run(ctx, l.client, []string{"cortex:streams:" + id}).Err(); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("Could not release stream slot")
	}
}

func (l *Limiter) acquireLocal(id string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots[id] >= l.maxStreams {
		return nil, apierror.New(apierror.ConcurrencyExceeded, "too many concurrent streams")
	}
	l.slots[id]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.slots[id] > 0 {
				l.slots[id]--
			}
			l.mu.Unlock()
		})
	}, nil
}

// RateLimit enforces the request-rate cap. Must run after RequireAPIKey
// so the identity rate key is available. The request was already
// admitted past auth, so a 429 here still produces a usage record.
func RateLimit(l *Limiter, rec *usage.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok {
				render.Error(w, r, apierror.New(apierror.AuthMissing, "missing bearer token"))
				return
			}
			if err := l.Allow(r.Context(), id.RateKey()); err != nil {
				if rec != nil {
					rec.Record(models.UsageRecord{
						KeyID:     id.KeyID,
						Status:    apierror.From(err).Status(),
						RequestID: reqid.FromContext(r.Context()),
					})
				}
				render.Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
