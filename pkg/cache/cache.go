// Package cache is the tag-indexed cache over the shared Redis pool.
// Values are stored as typed envelopes so schema objects and repository
// rows keep their identity across a round trip; tags group keys for
// batch invalidation after writes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/json"
	"github.com/taskmesh-io/taskmesh/pkg/metrics"
	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// Cache reads and writes enveloped values. Redis failures degrade to
// misses; only serialization problems surface to callers.
type Cache struct {
	ops *redispkg.Ops
	log *zap.Logger
	sf  singleflight.Group
}

// New creates a Cache over the typed operation layer.
func New(ops *redispkg.Ops, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{ops: ops, log: log.With(zap.String("component", "cache"))}
}

// Get returns the decoded value for key. A Redis failure, a missing
// key, and an undecodable payload all read as a miss; the latter is
// logged so corruption is visible.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	payload, ok := c.ops.GetBytes(ctx, redispkg.CacheValueKey(key))
	if !ok {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	value, err := Decode(payload)
	if err != nil {
		c.log.Error("cache payload undecodable", zap.String("key", key), zap.Error(err))
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return value, true
}

// Set encodes and stores value under key with the TTL (0 falls back to
// the default), registering the key under each tag. Encoding errors
// surface; Redis errors are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error {
	payload, err := Encode(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = redispkg.TTLCacheDefault
	}

	valueKey := redispkg.CacheValueKey(key)
	err = c.ops.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, valueKey, payload, ttl)
		for _, tag := range tags {
			tagKey := redispkg.CacheTagKey(tag)
			pipe.SAdd(ctx, tagKey, valueKey)
			pipe.Expire(ctx, tagKey, redispkg.TTLCacheTag)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Invalidate drops individual keys. Tag sets keep the stale members;
// InvalidateByTag tolerates them.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	valueKeys := make([]string, len(keys))
	for i, key := range keys {
		valueKeys[i] = redispkg.CacheValueKey(key)
	}
	c.ops.Del(ctx, valueKeys...)
}

// InvalidateByTag drops every value registered under tag along with the
// tag set, returning how many values were removed. Members whose
// values already expired count as removed-by-TTL, not here.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) int64 {
	tagKey := redispkg.CacheTagKey(tag)
	members := c.ops.SMembers(ctx, tagKey)
	var removed int64
	if len(members) > 0 {
		removed = c.ops.Del(ctx, members...)
	}
	c.ops.Del(ctx, tagKey)
	if removed > 0 {
		metrics.CacheInvalidations.WithLabelValues(tag).Add(float64(removed))
	}
	return removed
}

// InvalidateTags invalidates several tags, returning the total removed.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) int64 {
	var total int64
	for _, tag := range tags {
		total += c.InvalidateByTag(ctx, tag)
	}
	return total
}

// BuildKey derives a cache key from a function identity and its
// arguments. Stable across processes: arguments are fingerprinted via
// their JSON form.
func BuildKey(fn string, args ...any) string {
	if len(args) == 0 {
		return fn
	}
	data, err := json.Marshal(args)
	if err != nil {
		// Unmarshalable arguments still need a deterministic slot.
		data = []byte(fn)
	}
	sum := sha256.Sum256(data)
	return fn + ":" + hex.EncodeToString(sum[:8])
}

// GetOrCompute returns the cached value for key, computing and storing
// it on a miss. Concurrent misses for the same key are coalesced into
// one compute. A cached value of the wrong shape reads as a miss and
// is overwritten.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, tags []string, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := c.Get(ctx, key); ok {
		if out, ok := coerce[T](v); ok {
			return out, nil
		}
	}

	res, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok := c.Get(ctx, key); ok {
			if out, ok := coerce[T](v); ok {
				return out, nil
			}
		}
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, val, ttl, tags...); err != nil {
			c.log.Warn("cache store skipped", zap.String("key", key), zap.Error(err))
		}
		return val, nil
	})
	if err != nil {
		return zero, err
	}
	out, ok := coerce[T](res)
	if !ok {
		return zero, apperr.Internalf("cache: computed value has unexpected type for key %q", key)
	}
	return out, nil
}

func coerce[T any](v any) (T, bool) {
	var zero T
	if t, ok := v.(T); ok {
		return t, true
	}
	// Decoded schema objects come back as pointers.
	if p, ok := v.(*T); ok && p != nil {
		return *p, true
	}
	return zero, false
}
