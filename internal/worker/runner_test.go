package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskmesh-io/taskmesh/internal/registry"
	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/internal/scheduler"
	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

type fakeSink struct {
	mu   sync.Mutex
	recs []*repository.TaskExecution
	err  error
}

func (f *fakeSink) Create(_ context.Context, rec *repository.TaskExecution) (*repository.TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec.ID = int64(len(f.recs) + 1)
	f.recs = append(f.recs, rec)
	return rec, nil
}

func (f *fakeSink) all() []*repository.TaskExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*repository.TaskExecution, len(f.recs))
	copy(out, f.recs)
	return out
}

type flaggedSchedule struct {
	scheduleID string
	reason     string
}

type fakeStatuses struct {
	mu    sync.Mutex
	calls []flaggedSchedule
	err   error
}

func (f *fakeStatuses) MarkScheduleError(_ context.Context, scheduleID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, flaggedSchedule{scheduleID: scheduleID, reason: reason})
	return nil
}

func (f *fakeStatuses) all() []flaggedSchedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]flaggedSchedule, len(f.calls))
	copy(out, f.calls)
	return out
}

func regWith(t *testing.T, defs ...*registry.Definition) *registry.Registry {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t))
	for _, def := range defs {
		reg.MustRegister(def)
	}
	return reg
}

func newTestRunner(t *testing.T, reg *registry.Registry) (*Runner, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	r := NewRunner(zaptest.NewLogger(t), reg, sink, nil, nil)
	r.retryInitial = time.Millisecond
	return r, sink
}

func manualConfig(taskType string) *repository.TaskConfig {
	return &repository.TaskConfig{
		ID:            42,
		Name:          "manual run",
		TaskType:      taskType,
		SchedulerType: repository.SchedulerManual,
		Parameters:    map[string]any{},
		Priority:      5,
	}
}

func intPtr(v int) *int { return &v }

func TestRunNowRecordsSuccess(t *testing.T) {
	var got registry.Call
	def := registry.NewTask("greet", "default",
		func(_ context.Context, call registry.Call) (map[string]any, error) {
			got = call
			return map[string]any{"greeting": "hello ops"}, nil
		}).
		Param(registry.P("name", registry.Str())).
		Param(registry.P("tone", registry.Str()).Default("friendly")).
		Build()
	r, sink := newTestRunner(t, regWith(t, def))

	cfg := manualConfig("greet")
	cfg.Parameters = map[string]any{"name": "ops"}
	rec, err := r.RunNow(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.True(t, rec.IsSuccess)
	_, parseErr := uuid.Parse(rec.TaskID)
	assert.NoError(t, parseErr)
	require.NotNil(t, rec.ConfigID)
	assert.Equal(t, int64(42), *rec.ConfigID)
	assert.Equal(t, "greet", rec.TaskType)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.DurationSeconds)
	assert.GreaterOrEqual(t, *rec.DurationSeconds, 0.0)
	assert.Equal(t, map[string]any{"greeting": "hello ops"}, rec.Result)
	assert.Empty(t, rec.ErrorMessage)

	assert.Equal(t, map[string]any{"name": "ops", "tone": "friendly"}, got.Params)
	assert.Equal(t, int64(42), got.ConfigID)
	assert.Equal(t, rec.TaskID, got.TaskID)
	assert.Empty(t, got.ScheduleID)

	require.Len(t, sink.all(), 1)
	assert.Equal(t, int64(1), rec.ID)
}

func TestRunNowOverridesConfigParams(t *testing.T) {
	var got registry.Call
	def := registry.NewTask("greet", "default",
		func(_ context.Context, call registry.Call) (map[string]any, error) {
			got = call
			return nil, nil
		}).
		Param(registry.P("name", registry.Str())).
		Build()
	r, _ := newTestRunner(t, regWith(t, def))

	cfg := manualConfig("greet")
	cfg.Parameters = map[string]any{"name": "config"}
	_, err := r.RunNow(context.Background(), cfg, map[string]any{"name": "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", got.Params["name"])
}

func TestRunNowValidatesParams(t *testing.T) {
	def := registry.NewTask("greet", "default", func(context.Context, registry.Call) (map[string]any, error) {
		return nil, nil
	}).Param(registry.P("name", registry.Str())).Build()
	r, sink := newTestRunner(t, regWith(t, def))

	rec, err := r.RunNow(context.Background(), manualConfig("greet"), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Nil(t, rec)
	assert.Empty(t, sink.all())
}

func TestRunNowUnknownTaskType(t *testing.T) {
	r, sink := newTestRunner(t, regWith(t))

	rec, err := r.RunNow(context.Background(), manualConfig("ghost"), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	assert.Nil(t, rec)
	assert.Empty(t, sink.all())
}

func TestRunNowNilConfig(t *testing.T) {
	r, _ := newTestRunner(t, regWith(t))

	_, err := r.RunNow(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestRunNowFailureStillRecorded(t *testing.T) {
	def := registry.NewTask("send", "default", func(context.Context, registry.Call) (map[string]any, error) {
		return nil, errors.New("smtp down")
	}).Build()
	r, sink := newTestRunner(t, regWith(t, def))

	rec, err := r.RunNow(context.Background(), manualConfig("send"), nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.IsSuccess)
	assert.Contains(t, rec.ErrorMessage, "smtp down")
	assert.Empty(t, rec.ErrorTraceback)
	assert.Nil(t, rec.Result)
	require.Len(t, sink.all(), 1)
}

func TestRunNowRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int64
	def := registry.NewTask("flaky", "default", func(context.Context, registry.Call) (map[string]any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("not yet")
		}
		return map[string]any{"ok": true}, nil
	}).Build()
	r, _ := newTestRunner(t, regWith(t, def))

	cfg := manualConfig("flaky")
	cfg.MaxRetries = 5
	rec, err := r.RunNow(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.True(t, rec.IsSuccess)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestRunNowRetriesExhausted(t *testing.T) {
	var attempts atomic.Int64
	def := registry.NewTask("broken", "default", func(context.Context, registry.Call) (map[string]any, error) {
		attempts.Add(1)
		return nil, errors.New("still broken")
	}).Build()
	r, _ := newTestRunner(t, regWith(t, def))

	cfg := manualConfig("broken")
	cfg.MaxRetries = 2
	rec, err := r.RunNow(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.False(t, rec.IsSuccess)
	assert.Contains(t, rec.ErrorMessage, "still broken")
	assert.Equal(t, int64(3), attempts.Load())
}

func TestRunNowValidationFailuresNotRetried(t *testing.T) {
	var attempts atomic.Int64
	def := registry.NewTask("picky", "default", func(context.Context, registry.Call) (map[string]any, error) {
		attempts.Add(1)
		return nil, apperr.Validationf("bad input")
	}).Build()
	r, _ := newTestRunner(t, regWith(t, def))

	cfg := manualConfig("picky")
	cfg.MaxRetries = 5
	rec, err := r.RunNow(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.False(t, rec.IsSuccess)
	assert.Contains(t, rec.ErrorMessage, "bad input")
	assert.Equal(t, int64(1), attempts.Load())
}

func TestRunNowCapturesPanic(t *testing.T) {
	def := registry.NewTask("boom", "default", func(context.Context, registry.Call) (map[string]any, error) {
		panic("kaboom")
	}).Build()
	r, sink := newTestRunner(t, regWith(t, def))

	rec, err := r.RunNow(context.Background(), manualConfig("boom"), nil)
	require.NoError(t, err)
	assert.False(t, rec.IsSuccess)
	assert.Equal(t, "task panicked: kaboom", rec.ErrorMessage)
	assert.Contains(t, rec.ErrorTraceback, "goroutine")
	require.Len(t, sink.all(), 1)
}

func TestRunNowTimesOut(t *testing.T) {
	def := registry.NewTask("stall", "default", func(ctx context.Context, _ registry.Call) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}).Build()
	r, _ := newTestRunner(t, regWith(t, def))

	cfg := manualConfig("stall")
	cfg.TimeoutSeconds = intPtr(1)
	start := time.Now()
	rec, err := r.RunNow(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.False(t, rec.IsSuccess)
	assert.Contains(t, rec.ErrorMessage, "context deadline exceeded")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunNowToleratesSinkFailure(t *testing.T) {
	def := registry.NewTask("greet", "default", func(context.Context, registry.Call) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}).Build()
	reg := regWith(t, def)
	sink := &fakeSink{err: errors.New("db down")}
	r := NewRunner(zaptest.NewLogger(t), reg, sink, nil, nil)
	r.retryInitial = time.Millisecond

	rec, err := r.RunNow(context.Background(), manualConfig("greet"), nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsSuccess)
	assert.Zero(t, rec.ID)
}

func TestRunNowSkipsFlaggingWithoutSchedule(t *testing.T) {
	def := registry.NewTask("send", "default", func(context.Context, registry.Call) (map[string]any, error) {
		return nil, errors.New("boom")
	}).Build()
	r, _ := newTestRunner(t, regWith(t, def))
	statuses := &fakeStatuses{}
	r.BindStatusSink(statuses)

	rec, err := r.RunNow(context.Background(), manualConfig("send"), nil)
	require.NoError(t, err)
	assert.False(t, rec.IsSuccess)
	assert.Empty(t, statuses.all())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var attempts atomic.Int64
	wobbly := registry.NewTask("wobbly", "default", func(context.Context, registry.Call) (map[string]any, error) {
		attempts.Add(1)
		return nil, errors.New("down")
	}).Build()
	steady := registry.NewTask("steady", "default", func(context.Context, registry.Call) (map[string]any, error) {
		return nil, nil
	}).Build()
	r, sink := newTestRunner(t, regWith(t, wobbly, steady))
	r.breakerThreshold = 2

	for i := 0; i < 2; i++ {
		rec, err := r.RunNow(context.Background(), manualConfig("wobbly"), nil)
		require.NoError(t, err)
		assert.False(t, rec.IsSuccess)
	}
	assert.Equal(t, int64(2), attempts.Load())

	rec, err := r.RunNow(context.Background(), manualConfig("wobbly"), nil)
	require.NoError(t, err)
	assert.False(t, rec.IsSuccess)
	assert.Contains(t, rec.ErrorMessage, "circuit open")
	assert.Equal(t, int64(2), attempts.Load(), "open breaker must not invoke the handler")

	// Other task types keep their own breaker.
	rec, err = r.RunNow(context.Background(), manualConfig("steady"), nil)
	require.NoError(t, err)
	assert.True(t, rec.IsSuccess)

	assert.Len(t, sink.all(), 4)
}

func TestDispatchRunsFiresAndFlagsFailures(t *testing.T) {
	failing := registry.NewTask("failing", "default", func(context.Context, registry.Call) (map[string]any, error) {
		return nil, errors.New("boom")
	}).Build()
	succeeding := registry.NewTask("succeeding", "default", func(context.Context, registry.Call) (map[string]any, error) {
		return nil, nil
	}).Build()
	reg := regWith(t, failing, succeeding)

	pool := NewPool("dispatch", 1, 4, zaptest.NewLogger(t))
	pool.Start()
	t.Cleanup(func() { stopPool(t, pool) })

	sink := &fakeSink{}
	statuses := &fakeStatuses{}
	r := NewRunner(zaptest.NewLogger(t), reg, sink, nil, pool)
	r.retryInitial = time.Millisecond
	r.BindStatusSink(statuses)

	r.Dispatch(scheduler.FireRequest{
		Labels: scheduler.Labels{ConfigID: 7, TaskType: "failing", ScheduleID: "schedule:config:7:deadbeef"},
		Queue:  "default",
	})
	r.Dispatch(scheduler.FireRequest{
		Labels: scheduler.Labels{ConfigID: 8, TaskType: "succeeding", ScheduleID: "schedule:config:8:cafe"},
		Queue:  "default",
	})

	require.Eventually(t, func() bool { return len(sink.all()) == 2 },
		5*time.Second, 10*time.Millisecond)

	byType := map[string]*repository.TaskExecution{}
	for _, rec := range sink.all() {
		byType[rec.TaskType] = rec
	}
	require.Contains(t, byType, "failing")
	require.Contains(t, byType, "succeeding")
	assert.False(t, byType["failing"].IsSuccess)
	require.NotNil(t, byType["failing"].ConfigID)
	assert.Equal(t, int64(7), *byType["failing"].ConfigID)
	assert.True(t, byType["succeeding"].IsSuccess)

	flags := statuses.all()
	require.Len(t, flags, 1)
	assert.Equal(t, "schedule:config:7:deadbeef", flags[0].scheduleID)
	assert.Equal(t, "boom", flags[0].reason)
}

func TestDispatchDropsWhenPoolSaturated(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	blocker := registry.NewTask("blocker", "default", func(ctx context.Context, _ registry.Call) (map[string]any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}).Build()
	reg := regWith(t, blocker)

	pool := NewPool("saturated", 1, 1, zaptest.NewLogger(t))
	pool.Start()
	t.Cleanup(func() { stopPool(t, pool) })

	sink := &fakeSink{}
	r := NewRunner(zaptest.NewLogger(t), reg, sink, nil, pool)
	r.retryInitial = time.Millisecond

	req := scheduler.FireRequest{
		Labels: scheduler.Labels{ConfigID: 1, TaskType: "blocker"},
		Queue:  "default",
	}
	r.Dispatch(req)
	<-started
	r.Dispatch(req)
	r.Dispatch(req)

	recs := sink.all()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].IsSuccess)
	assert.Contains(t, recs[0].ErrorMessage, "saturated")
	require.NotNil(t, recs[0].ConfigID)
	assert.Equal(t, int64(1), *recs[0].ConfigID)

	close(release)
	assert.Eventually(t, func() bool { return len(sink.all()) == 3 },
		5*time.Second, 10*time.Millisecond)
}

func TestTimeoutForDefaults(t *testing.T) {
	r := NewRunner(nil, nil, nil, nil, nil)

	assert.Equal(t, 300*time.Second, r.timeoutFor(scheduler.FireRequest{}))
	assert.Equal(t, 60*time.Second, r.timeoutFor(scheduler.FireRequest{TimeoutSeconds: intPtr(60)}))
	assert.Equal(t, 300*time.Second, r.timeoutFor(scheduler.FireRequest{TimeoutSeconds: intPtr(0)}))
	assert.Equal(t, 300*time.Second, r.timeoutFor(scheduler.FireRequest{TimeoutSeconds: intPtr(-3)}))
}

func TestBreakerGaugeValues(t *testing.T) {
	assert.Equal(t, 0.0, breakerGauge(gobreaker.StateClosed))
	assert.Equal(t, 0.5, breakerGauge(gobreaker.StateHalfOpen))
	assert.Equal(t, 1.0, breakerGauge(gobreaker.StateOpen))
}
