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

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

func testManager(t *testing.T, mr *miniredis.Miniredis) *Manager {
	t.Helper()
	m := NewManager(Config{
		Host:                mr.Host(),
		Port:                mr.Port(),
		HealthCheckInterval: 30 * time.Second,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerGet(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testManager(t, mr)
	ctx := context.Background()

	client, err := m.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, client)

	// Inside the probe window the same handle comes back.
	again, err := m.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, client, again)
}

func TestManagerGetUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testManager(t, mr)

	mr.Close()

	_, err := m.Get(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
}

func TestManagerRecoversAfterFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testManager(t, mr)
	ctx := context.Background()

	_, err := m.Get(ctx)
	require.NoError(t, err)

	// Simulate an outage observed by a caller.
	m.MarkUnhealthy()

	// Probe runs again and succeeds while the server is up.
	_, err = m.Get(ctx)
	require.NoError(t, err)
}

func TestManagerWithConn(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testManager(t, mr)
	ctx := context.Background()

	err := m.WithConn(ctx, func(ctx context.Context, c *goredis.Client) error {
		return c.Set(ctx, "probe", "ok", 0).Err()
	})
	require.NoError(t, err)

	val, err := mr.Get("probe")
	require.NoError(t, err)
	assert.Equal(t, "ok", val)

	// A key miss must not poison the pool.
	err = m.WithConn(ctx, func(ctx context.Context, c *goredis.Client) error {
		return c.Get(ctx, "missing").Err()
	})
	assert.ErrorIs(t, err, goredis.Nil)
	_, err = m.Get(ctx)
	assert.NoError(t, err)
}

func TestManagerReset(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testManager(t, mr)
	ctx := context.Background()

	first, err := m.Get(ctx)
	require.NoError(t, err)

	m.Reset()

	second, err := m.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestManagerCloseIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	m := testManager(t, mr)

	_, err := m.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
