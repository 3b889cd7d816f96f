package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

func stopPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestPoolProcessesJobs(t *testing.T) {
	p := NewPool("test", 3, 32, zaptest.NewLogger(t))
	p.Start()

	var done atomic.Int64
	for i := 0; i < 20; i++ {
		ok := p.TrySubmit(func(context.Context) { done.Add(1) })
		require.True(t, ok)
	}
	assert.Eventually(t, func() bool { return done.Load() == 20 },
		5*time.Second, 10*time.Millisecond)

	stopPool(t, p)
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p := NewPool("test", 1, 1, zaptest.NewLogger(t))
	p.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, p.TrySubmit(func(ctx context.Context) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
	}))
	<-started

	require.True(t, p.TrySubmit(func(context.Context) {}))
	assert.False(t, p.TrySubmit(func(context.Context) {}))
	assert.Equal(t, 1, p.QueueLen())

	close(release)
	stopPool(t, p)
}

func TestPoolStopCancelsRunningJobs(t *testing.T) {
	p := NewPool("test", 2, 2, zaptest.NewLogger(t))
	p.Start()

	started := make(chan struct{})
	canceled := make(chan struct{})
	require.True(t, p.TrySubmit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	}))
	<-started

	stopPool(t, p)

	select {
	case <-canceled:
	default:
		t.Fatal("job context was not canceled on stop")
	}
}

func TestPoolStopHonorsDrainDeadline(t *testing.T) {
	p := NewPool("test", 1, 1, zaptest.NewLogger(t))
	p.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, p.TrySubmit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Stop(ctx)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTransient))

	close(release)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool("test", 1, 1, zaptest.NewLogger(t))
	p.Start()
	stopPool(t, p)

	assert.False(t, p.TrySubmit(func(context.Context) {}))
}

func TestPoolDefaults(t *testing.T) {
	p := NewPool("test", 0, 0, nil)
	assert.Equal(t, 1, p.size)
	assert.Equal(t, 2, cap(p.jobs))
}
