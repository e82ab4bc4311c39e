package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis keys used by RedisRegistry.
const (
	RedisKeyStores      = "sw:stores"
	RedisKeyStorePrefix = "sw:store:"
)

// RedisRegistry keeps store names in a Redis set and the entries of each
// store in a hash keyed by Key.String().
type RedisRegistry struct {
	redis *redis.Client
}

// NewRedisRegistry creates a registry backed by Redis.
func NewRedisRegistry(redisClient *redis.Client) *RedisRegistry {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisRegistry{redis: redisClient}
}

// Open returns the named store, registering it if needed.
func (r *RedisRegistry) Open(ctx context.Context, name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("store name cannot be empty")
	}
	if err := r.redis.SAdd(ctx, RedisKeyStores, name).Err(); err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisStore{redis: r.redis, name: name}, nil
}

// Has reports whether the named store is registered.
func (r *RedisRegistry) Has(ctx context.Context, name string) (bool, error) {
	ok, err := r.redis.SIsMember(ctx, RedisKeyStores, name).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// List returns every registered store name.
func (r *RedisRegistry) List(ctx context.Context) ([]string, error) {
	names, err := r.redis.SMembers(ctx, RedisKeyStores).Result()
	if err != nil {
		CacheErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	CacheStores.Set(float64(len(names)))
	return names, nil
}

// Delete unregisters the named store and drops its entries atomically.
func (r *RedisRegistry) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, RedisKeyStores, name)
		pipe.Del(ctx, RedisKeyStorePrefix+name)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("drop").Inc()
		return false, fmt.Errorf("redis drop store: %w", err)
	}
	return removed.Val() > 0, nil
}

// putScript writes an entry only while its store is still registered, so a
// handle outliving Delete cannot recreate the hash.
var putScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

type redisStore struct {
	redis *redis.Client
	name  string
}

func (s *redisStore) Name() string { return s.name }

func (s *redisStore) hashKey() string { return RedisKeyStorePrefix + s.name }

func (s *redisStore) Match(ctx context.Context, key Key, opts MatchOptions) (*Entry, error) {
	data, err := s.redis.HGet(ctx, s.hashKey(), key.String()).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	if data == nil && opts.IgnoreSearch {
		all, err := s.redis.HGetAll(ctx, s.hashKey()).Result()
		if err != nil {
			CacheErrors.WithLabelValues("match").Inc()
			return nil, fmt.Errorf("redis hgetall: %w", err)
		}
		// Map iteration order is random; pick the lexically smallest match
		// so repeated lookups are deterministic.
		var found string
		for field, value := range all {
			candidate, err := ParseKey(field)
			if err != nil || !matchesIgnoringQuery(candidate, key) {
				continue
			}
			if data == nil || field < found {
				found, data = field, []byte(value)
			}
		}
	}

	if data == nil {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, err
	}
	CacheHits.WithLabelValues(s.name).Inc()
	return entry, nil
}

func (s *redisStore) Put(ctx context.Context, key Key, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return err
	}
	written, err := putScript.Run(ctx, s.redis,
		[]string{RedisKeyStores, s.hashKey()}, s.name, key.String(), data).Int()
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}
	if written == 0 {
		return fmt.Errorf("put into %s: %w", s.name, ErrStoreNotFound)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key Key) error {
	if err := s.redis.HDel(ctx, s.hashKey(), key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context) ([]Key, error) {
	fields, err := s.redis.HKeys(ctx, s.hashKey()).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	sort.Strings(fields)
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		k, err := ParseKey(f)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
