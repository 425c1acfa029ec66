package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "likeli:lock:"

// compareAndDelete drops KEYS[1] only while it still holds ARGV[1], the token
// of the sweep that set it.
var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig holds connection parameters for the Redis locker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, defaultPrefix when empty
}

// Redis shares sweep locks between every process pointed at the same server.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects to Redis, pings it and returns the locker.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("lock.NewRedis: ping %s: %w", cfg.Addr, err), rdb.Close())
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

// Acquire sets prefix+key to a fresh token for ttl if nobody holds it.
// It returns domain.ErrLockHeld otherwise.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	name := r.prefix + key
	token := uuid.NewString()

	set, err := r.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock.Redis.Acquire: %s: %w", key, err)
	}
	if !set {
		return nil, fmt.Errorf("lock.Redis.Acquire: %s: %w", key, domain.ErrLockHeld)
	}

	return releaseOnce(key, func(ctx context.Context) error {
		return compareAndDelete.Run(ctx, r.rdb, []string{name}, token).Err()
	}), nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
