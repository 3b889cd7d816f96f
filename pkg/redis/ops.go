package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/json"
)

const scanBatch = 200

// Ops is the typed operation layer over the shared pool. Read and
// write helpers are best-effort: failures are logged and the zero value
// returned, so state readers degrade instead of erroring. Pipelined is
// the exception; lifecycle writers need the failure to compensate.
type Ops struct {
	mgr *Manager
	log *zap.Logger
}

// NewOps creates the operation layer.
func NewOps(mgr *Manager, log *zap.Logger) *Ops {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ops{mgr: mgr, log: log.With(zap.String("component", "redis_ops"))}
}

// Manager exposes the underlying pool manager.
func (o *Ops) Manager() *Manager { return o.mgr }

func (o *Ops) fail(op, key string, err error) {
	o.log.Error("redis operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
}

// GetStr reads a string key. Returns ("", false) on miss or failure.
func (o *Ops) GetStr(ctx context.Context, key string) (string, bool) {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return "", false
	}
	val, err := client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			o.fail("get", key, err)
		}
		return "", false
	}
	return val, true
}

// GetBytes reads a key's raw payload. Returns (nil, false) on miss or
// failure.
func (o *Ops) GetBytes(ctx context.Context, key string) ([]byte, bool) {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return nil, false
	}
	val, err := client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			o.fail("get", key, err)
		}
		return nil, false
	}
	return val, true
}

// SetStr writes a string key with a TTL (0 = no expiry). Reports
// success.
func (o *Ops) SetStr(ctx context.Context, key, value string, ttl time.Duration) bool {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return false
	}
	if err := client.Set(ctx, key, value, ttl).Err(); err != nil {
		o.fail("set", key, err)
		return false
	}
	return true
}

// SetBytes writes a raw payload with a TTL. Reports success.
func (o *Ops) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return false
	}
	if err := client.Set(ctx, key, value, ttl).Err(); err != nil {
		o.fail("set", key, err)
		return false
	}
	return true
}

// GetJSON reads a key and unmarshals it into dest. Returns false on
// miss, failure, or undecodable payload.
func (o *Ops) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	data, ok := o.GetBytes(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		o.fail("get_json", key, err)
		return false
	}
	return true
}

// SetJSON marshals value and writes it with a TTL. Reports success.
func (o *Ops) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		o.fail("set_json", key, err)
		return false
	}
	return o.SetBytes(ctx, key, data, ttl)
}

// MGet reads many string keys in one round trip. Missing keys come
// back as empty strings; the result always has len(keys) entries.
func (o *Ops) MGet(ctx context.Context, keys ...string) []string {
	if len(keys) == 0 {
		return nil
	}
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return make([]string, len(keys))
	}
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		o.fail("mget", keys[0], err)
		return make([]string, len(keys))
	}
	out := make([]string, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out
}

// Del removes keys, returning how many existed.
func (o *Ops) Del(ctx context.Context, keys ...string) int64 {
	if len(keys) == 0 {
		return 0
	}
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return 0
	}
	n, err := client.Del(ctx, keys...).Result()
	if err != nil {
		o.fail("del", keys[0], err)
		return 0
	}
	return n
}

// Expire sets a TTL on an existing key. Reports whether the key exists
// and the TTL was applied.
func (o *Ops) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return false
	}
	ok, err := client.Expire(ctx, key, ttl).Result()
	if err != nil {
		o.fail("expire", key, err)
		return false
	}
	return ok
}

// SAdd adds members to a set, returning how many were new.
func (o *Ops) SAdd(ctx context.Context, key string, members ...interface{}) int64 {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return 0
	}
	n, err := client.SAdd(ctx, key, members...).Result()
	if err != nil {
		o.fail("sadd", key, err)
		return 0
	}
	return n
}

// SRem removes members from a set, returning how many were present.
func (o *Ops) SRem(ctx context.Context, key string, members ...interface{}) int64 {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return 0
	}
	n, err := client.SRem(ctx, key, members...).Result()
	if err != nil {
		o.fail("srem", key, err)
		return 0
	}
	return n
}

// SMembers lists a set. Returns nil on failure.
func (o *Ops) SMembers(ctx context.Context, key string) []string {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return nil
	}
	members, err := client.SMembers(ctx, key).Result()
	if err != nil {
		o.fail("smembers", key, err)
		return nil
	}
	return members
}

// SCard returns a set's cardinality.
func (o *Ops) SCard(ctx context.Context, key string) int64 {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return 0
	}
	n, err := client.SCard(ctx, key).Result()
	if err != nil {
		o.fail("scard", key, err)
		return 0
	}
	return n
}

// LRange reads a slice of a list. Returns nil on failure.
func (o *Ops) LRange(ctx context.Context, key string, start, stop int64) []string {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return nil
	}
	items, err := client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		o.fail("lrange", key, err)
		return nil
	}
	return items
}

// ScanKeys enumerates keys matching a glob with SCAN, never KEYS.
func (o *Ops) ScanKeys(ctx context.Context, pattern string) []string {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return nil
	}
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			o.fail("scan", pattern, err)
			return keys
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys
		}
		cursor = next
	}
}

// ScanDel deletes every key matching a glob, returning the count.
func (o *Ops) ScanDel(ctx context.Context, pattern string) int64 {
	keys := o.ScanKeys(ctx, pattern)
	if len(keys) == 0 {
		return 0
	}
	return o.Del(ctx, keys...)
}

// Pipelined runs fn inside a MULTI/EXEC pipeline. Unlike the typed
// helpers this surfaces the error: multi-artifact writers compensate on
// failure.
func (o *Ops) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	client, err := o.mgr.Get(ctx)
	if err != nil {
		return err
	}
	if _, err := client.TxPipelined(ctx, fn); err != nil {
		o.fail("pipeline", "", err)
		o.mgr.MarkUnhealthy()
		return apperr.Wrap(apperr.KindTransient, "redis pipeline failed", err)
	}
	return nil
}
