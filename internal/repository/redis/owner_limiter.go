package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultKeyPrefix = "settlement:owner-slots:"

// acquireScript drops expired leases, then adds one if the owner is under limit
var acquireScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])
local lease = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms)
if redis.call("ZCARD", key) >= limit then
  return 0
end
redis.call("ZADD", key, now_ms + ttl_ms, lease)
redis.call("PEXPIRE", key, ttl_ms)
return 1
`)

// refreshScript extends a lease that still exists
var refreshScript = goredis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])
local lease = ARGV[3]

if not redis.call("ZSCORE", key, lease) then
  return 0
end
redis.call("ZADD", key, now_ms + ttl_ms, lease)
redis.call("PEXPIRE", key, ttl_ms)
return 1
`)

// OwnerLimiterConfig holds configuration for the Redis owner limiter
type OwnerLimiterConfig struct {
	Limit        int
	LeaseTTL     time.Duration // A crashed holder's slot frees after this long
	PollInterval time.Duration // Wait between acquire attempts while the owner is full
	KeyPrefix    string
}

// OwnerLimiter is a lease-based counting semaphore per owner shared by every
// process using the same Redis. Held leases are refreshed in the background.
type OwnerLimiter struct {
	client       goredis.UniversalClient
	limit        int
	ttl          time.Duration
	pollInterval time.Duration
	prefix       string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewOwnerLimiter creates a new OwnerLimiter
func NewOwnerLimiter(client goredis.UniversalClient, config OwnerLimiterConfig, logger zerolog.Logger) *OwnerLimiter {
	if config.Limit <= 0 {
		config.Limit = 5
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	return &OwnerLimiter{
		client:       client,
		limit:        config.Limit,
		ttl:          config.LeaseTTL,
		pollInterval: config.PollInterval,
		prefix:       config.KeyPrefix,
		logger:       logger.With().Str("component", "redis_owner_limiter").Logger(),
		now:          time.Now,
	}
}

func (l *OwnerLimiter) key(ownerID uuid.UUID) string {
	return l.prefix + ownerID.String()
}

// Acquire blocks until the owner has a free slot or ctx is done
func (l *OwnerLimiter) Acquire(ctx context.Context, ownerID uuid.UUID) (func(), error) {
	key := l.key(ownerID)
	lease := uuid.NewString()

	for {
		ok, err := l.tryAcquire(ctx, key, lease)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, lease, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.client.ZRem(releaseCtx, key, lease).Err(); err != nil {
				l.logger.Warn().Err(err).Str("owner_key", key).Msg("Failed to release owner slot, lease will expire")
			}
		})
	}, nil
}

func (l *OwnerLimiter) tryAcquire(ctx context.Context, key, lease string) (bool, error) {
	res, err := acquireScript.Run(ctx, l.client, []string{key}, l.limit, l.now().UnixMilli(), l.ttl.Milliseconds(), lease).Int()
	if err != nil {
		return false, fmt.Errorf("acquire owner slot: %w", err)
	}
	return res == 1, nil
}

// Refresh extends a held lease. Returns false when the lease already expired.
func (l *OwnerLimiter) refresh(ctx context.Context, key, lease string) (bool, error) {
	res, err := refreshScript.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), l.ttl.Milliseconds(), lease).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (l *OwnerLimiter) keepAlive(key, lease string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			ok, err := l.refresh(ctx, key, lease)
			cancel()
			if err != nil {
				l.logger.Warn().Err(err).Str("owner_key", key).Msg("Failed to refresh owner slot lease")
				continue
			}
			if !ok {
				l.logger.Error().Str("owner_key", key).Msg("Owner slot lease lost")
				return
			}
		}
	}
}

// InFlight returns the number of live leases for an owner
func (l *OwnerLimiter) InFlight(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	return l.client.ZCount(ctx, l.key(ownerID), fmt.Sprint(l.now().UnixMilli()), "+inf").Result()
}
