package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
)

// NewRedisClient accepts either a redis:// URL or a bare host:port.
func NewRedisClient(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// RedisProcessedSet keeps transfer references for ttl so re-scans can skip them.
type RedisProcessedSet struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisProcessedSet(client *redis.Client, ttl time.Duration) *RedisProcessedSet {
	return &RedisProcessedSet{client: client, ttl: ttl}
}

func (s *RedisProcessedSet) Seen(ctx context.Context, ref string) (bool, error) {
	n, err := s.client.Exists(ctx, processedKey(ref)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisProcessedSet) Mark(ctx context.Context, ref string) error {
	return s.client.Set(ctx, processedKey(ref), "1", s.ttl).Err()
}

func processedKey(ref string) string {
	return fmt.Sprintf("transfer_processed:%s", ref)
}

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLocker grants SETNX leases. Extend and release only touch a lease
// this owner still holds.
type RedisLocker struct {
	client *redis.Client
	owner  string
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, owner string, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, owner: owner, logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (interfaces.Lease, bool, error) {
	lockKey := fmt.Sprintf("lock:%s", key)
	ok, err := l.client.SetNX(ctx, lockKey, l.owner, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{locker: l, key: lockKey}, true, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	once   sync.Once
}

func (r *redisLease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.locker.client, []string{r.key}, r.locker.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", r.key, err)
	}
	return n == 1, nil
}

func (r *redisLease) Release() {
	r.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.locker.client, []string{r.key}, r.locker.owner).Err(); err != nil {
			r.locker.logger.Warn("Failed to release lock, it will expire on its own",
				zap.String("key", r.key),
				zap.Error(err),
			)
		}
	})
}
