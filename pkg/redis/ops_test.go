package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testOps(t *testing.T) (*Ops, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	ops := NewOps(testManager(t, mr), zaptest.NewLogger(t))
	return ops, mr
}

func TestOpsStrings(t *testing.T) {
	ops, mr := testOps(t)
	ctx := context.Background()

	_, ok := ops.GetStr(ctx, "missing")
	assert.False(t, ok)

	require.True(t, ops.SetStr(ctx, "schedule:status:x", "active", time.Hour))
	val, ok := ops.GetStr(ctx, "schedule:status:x")
	require.True(t, ok)
	assert.Equal(t, "active", val)

	mr.FastForward(2 * time.Hour)
	_, ok = ops.GetStr(ctx, "schedule:status:x")
	assert.False(t, ok)
}

func TestOpsJSON(t *testing.T) {
	ops, _ := testOps(t)
	ctx := context.Background()

	type meta struct {
		ConfigID int64  `json:"config_id"`
		TaskType string `json:"task_type"`
	}
	require.True(t, ops.SetJSON(ctx, "schedule:meta:x", meta{ConfigID: 9, TaskType: "cleanup"}, 0))

	var out meta
	require.True(t, ops.GetJSON(ctx, "schedule:meta:x", &out))
	assert.Equal(t, int64(9), out.ConfigID)
	assert.Equal(t, "cleanup", out.TaskType)

	assert.False(t, ops.GetJSON(ctx, "nope", &out))
}

func TestOpsSets(t *testing.T) {
	ops, _ := testOps(t)
	ctx := context.Background()
	key := ConfigIndexKey(5)

	assert.Equal(t, int64(2), ops.SAdd(ctx, key, "a", "b"))
	assert.Equal(t, int64(0), ops.SAdd(ctx, key, "a"))
	assert.Equal(t, int64(2), ops.SCard(ctx, key))
	assert.ElementsMatch(t, []string{"a", "b"}, ops.SMembers(ctx, key))
	assert.Equal(t, int64(1), ops.SRem(ctx, key, "a"))
	assert.Equal(t, int64(1), ops.SCard(ctx, key))
}

func TestOpsDelExpire(t *testing.T) {
	ops, mr := testOps(t)
	ctx := context.Background()

	ops.SetStr(ctx, "k1", "v", 0)
	ops.SetStr(ctx, "k2", "v", 0)
	assert.Equal(t, int64(2), ops.Del(ctx, "k1", "k2", "k3"))
	assert.Equal(t, int64(0), ops.Del(ctx))

	ops.SetStr(ctx, "k4", "v", 0)
	assert.True(t, ops.Expire(ctx, "k4", time.Minute))
	assert.False(t, ops.Expire(ctx, "gone", time.Minute))

	mr.FastForward(2 * time.Minute)
	_, ok := ops.GetStr(ctx, "k4")
	assert.False(t, ok)
}

func TestOpsScan(t *testing.T) {
	ops, _ := testOps(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		ops.SetStr(ctx, "schedule:status:schedule:config:1:"+id, "active", 0)
	}
	ops.SetStr(ctx, "cache:other", "x", 0)

	keys := ops.ScanKeys(ctx, StatusScanPattern())
	assert.Len(t, keys, 3)

	assert.Equal(t, int64(3), ops.ScanDel(ctx, StatusScanPattern()))
	assert.Empty(t, ops.ScanKeys(ctx, StatusScanPattern()))
	_, ok := ops.GetStr(ctx, "cache:other")
	assert.True(t, ok)
}

func TestOpsPipelined(t *testing.T) {
	ops, mr := testOps(t)
	ctx := context.Background()

	err := ops.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, "schedule:status:s1", "active", 0)
		pipe.SAdd(ctx, ConfigIndexKey(1), "s1")
		pipe.LPush(ctx, "schedule:history:s1", `{"event":"task_registered"}`)
		return nil
	})
	require.NoError(t, err)

	status, _ := ops.GetStr(ctx, "schedule:status:s1")
	assert.Equal(t, "active", status)
	assert.Equal(t, int64(1), ops.SCard(ctx, ConfigIndexKey(1)))
	assert.Len(t, ops.LRange(ctx, "schedule:history:s1", 0, -1), 1)

	mr.Close()
	err = ops.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, "x", "y", 0)
		return nil
	})
	assert.Error(t, err)
}

func TestOpsDegradeWhenDown(t *testing.T) {
	ops, mr := testOps(t)
	ctx := context.Background()
	mr.Close()

	_, ok := ops.GetStr(ctx, "k")
	assert.False(t, ok)
	assert.False(t, ops.SetStr(ctx, "k", "v", 0))
	assert.Nil(t, ops.SMembers(ctx, "s"))
	assert.Equal(t, int64(0), ops.SCard(ctx, "s"))
	assert.Equal(t, int64(0), ops.Del(ctx, "k"))
	assert.Nil(t, ops.ScanKeys(ctx, "*"))
}
