package kv

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/VetIntegrations/devourer/core/devourererrors"
)

var logger = loggo.GetLogger("devourer.core.kv")

// unlockScript deletes key only if its value still matches the token that
// acquired it, so a worker can never release a lock it no longer holds
// (e.g. after its TTL already expired and someone else acquired it).
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// lockPollInterval is how often a blocked Lock call retries SETNX.
const lockPollInterval = 50 * time.Millisecond

// RedisStore is the production Store, grounded in devourer/utils/redis_lock.py
// and devourer/celery.py's redis.ConnectionPool usage, implemented here
// atop go-redis/redis/v8.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Annotatef(devourererrors.ErrKV, "get %q: %v", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) SetString(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Annotatef(devourererrors.ErrKV, "set %q: %v", key, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Annotatef(devourererrors.ErrKV, "hgetall %q: %v", key, err)
	}
	return m, nil
}

func (s *RedisStore) HMSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		return errors.Annotatef(devourererrors.ErrKV, "hmset %q: %v", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Annotatef(devourererrors.ErrKV, "del %v: %v", keys, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.Annotatef(devourererrors.ErrKV, "keys %q: %v", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()

	// Bound the acquire loop by ttl itself, matching Store.Lock's doc:
	// the caller gives up waiting to acquire after ttl, independent of
	// ttl's other role as the acquired lock's own expiry below.
	acquireCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	for {
		ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, errors.Annotatef(devourererrors.ErrKV, "lock %q: %v", key, err)
		}
		if ok {
			unlock := func(ctx context.Context) error {
				err := s.client.Eval(ctx, unlockScript, []string{key}, token).Err()
				if err != nil {
					return errors.Annotatef(devourererrors.ErrKV, "unlock %q: %v", key, err)
				}
				return nil
			}
			return unlock, nil
		}

		select {
		case <-acquireCtx.Done():
			return nil, errors.Annotatef(acquireCtx.Err(), "lock %q: timed out waiting for lock", key)
		case <-time.After(lockPollInterval):
			logger.Tracef("lock %q held by another worker, retrying", key)
		}
	}
}
