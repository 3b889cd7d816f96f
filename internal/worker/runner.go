package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/registry"
	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/internal/scheduler"
	settingspkg "github.com/taskmesh-io/taskmesh/internal/settings"
	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/metrics"
)

const (
	defaultTimeoutSeconds = 300
	recordTimeout         = 10 * time.Second
)

// ExecutionSink persists completed fire telemetry.
type ExecutionSink interface {
	Create(ctx context.Context, rec *repository.TaskExecution) (*repository.TaskExecution, error)
}

// StatusSink flags schedule instances whose fires fail. Wired to the
// task service facade after construction because the engine needs the
// runner first; going through the facade keeps cached schedule views in
// step with the flagged status.
type StatusSink interface {
	MarkScheduleError(ctx context.Context, scheduleID, reason string) error
}

// Runner turns fire requests into recorded executions. Each fire gets a
// fresh task id, a timeout, retries up to the config's max_retries, and
// passes through a per-task-type circuit breaker so a flapping type
// fails fast instead of hogging workers.
type Runner struct {
	log      *zap.Logger
	reg      *registry.Registry
	sink     ExecutionSink
	settings *settingspkg.Service
	pool     *Pool

	mu       sync.Mutex
	statuses StatusSink
	breakers sync.Map // task_type -> *gobreaker.CircuitBreaker

	retryInitial     time.Duration
	breakerThreshold uint32
}

// NewRunner creates a runner over the given pool and sink.
func NewRunner(log *zap.Logger, reg *registry.Registry, sink ExecutionSink, settings *settingspkg.Service, pool *Pool) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		log:              log.With(zap.String("component", "runner")),
		reg:              reg,
		sink:             sink,
		settings:         settings,
		pool:             pool,
		retryInitial:     500 * time.Millisecond,
		breakerThreshold: 5,
	}
}

// BindStatusSink wires the schedule-flagging hook once the task service
// facade exists.
func (r *Runner) BindStatusSink(s StatusSink) {
	r.mu.Lock()
	r.statuses = s
	r.mu.Unlock()
}

func (r *Runner) statusSink() StatusSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses
}

// Dispatch hands a fire to the pool without blocking the engine. A
// saturated pool drops the fire, and the drop itself is recorded as a
// failed execution so it shows up in telemetry.
func (r *Runner) Dispatch(req scheduler.FireRequest) {
	ok := r.pool.TrySubmit(func(ctx context.Context) {
		r.runRequest(ctx, req)
	})
	if !ok {
		r.log.Error("fire dropped, worker pool saturated",
			zap.String("schedule_id", req.Labels.ScheduleID),
			zap.String("task_type", req.Labels.TaskType))
		r.recordDrop(req)
	}
}

// RunNow executes a config synchronously, outside the pool. Extra
// params overlay the config's own before defaults are merged in. The
// returned record reports the outcome; a failed task is a valid record,
// not an error.
func (r *Runner) RunNow(ctx context.Context, cfg *repository.TaskConfig, params map[string]any) (*repository.TaskExecution, error) {
	if cfg == nil {
		return nil, apperr.Validationf("task config is nil")
	}
	def, err := r.reg.Resolve(cfg.TaskType)
	if err != nil {
		return nil, err
	}
	supplied := make(map[string]any, len(cfg.Parameters)+len(params))
	for k, v := range cfg.Parameters {
		supplied[k] = v
	}
	for k, v := range params {
		supplied[k] = v
	}
	effective := def.EffectiveParams(supplied)
	if err := r.reg.ValidateParams(cfg.TaskType, effective); err != nil {
		return nil, err
	}
	req := scheduler.FireRequest{
		Labels:     scheduler.Labels{ConfigID: cfg.ID, TaskType: cfg.TaskType},
		Queue:      def.Queue,
		Params:     effective,
		MaxRetries: cfg.MaxRetries,
		Priority:   cfg.Priority,
	}
	if cfg.TimeoutSeconds != nil {
		v := *cfg.TimeoutSeconds
		req.TimeoutSeconds = &v
	}
	return r.runRequest(ctx, req), nil
}

// runRequest executes one fire end to end and always leaves an
// execution row behind.
func (r *Runner) runRequest(ctx context.Context, req scheduler.FireRequest) *repository.TaskExecution {
	taskID := uuid.NewString()
	taskType := req.Labels.TaskType
	started := time.Now().UTC()
	log := r.log.With(
		zap.String("task_id", taskID),
		zap.String("task_type", taskType),
		zap.Int64("config_id", req.Labels.ConfigID))

	runCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(req))
	result, err := r.execute(runCtx, req, taskID)
	cancel()

	completed := time.Now().UTC()
	duration := completed.Sub(started).Seconds()
	rec := &repository.TaskExecution{
		TaskID:          taskID,
		TaskType:        taskType,
		IsSuccess:       err == nil,
		StartedAt:       started,
		CompletedAt:     &completed,
		DurationSeconds: &duration,
		Result:          result,
	}
	if req.Labels.ConfigID > 0 {
		configID := req.Labels.ConfigID
		rec.ConfigID = &configID
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		rec.ErrorMessage = err.Error()
		rec.ErrorTraceback = tracebackOf(err)
		log.Warn("task execution failed",
			zap.Float64("duration_seconds", duration), zap.Error(err))
	} else {
		log.Info("task execution finished", zap.Float64("duration_seconds", duration))
	}
	metrics.ExecutionsTotal.WithLabelValues(taskType, outcome).Inc()
	metrics.ExecutionDuration.WithLabelValues(taskType).Observe(duration)

	// Telemetry writes get their own deadline so a canceled fire still
	// leaves a row.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), recordTimeout)
	defer recordCancel()
	if saved, serr := r.sink.Create(recordCtx, rec); serr != nil {
		log.Error("execution record not persisted", zap.Error(serr))
	} else {
		rec = saved
	}

	if err != nil && req.Labels.ScheduleID != "" {
		if sink := r.statusSink(); sink != nil {
			merr := sink.MarkScheduleError(recordCtx, req.Labels.ScheduleID, err.Error())
			if merr != nil && !apperr.IsKind(merr, apperr.KindNotFound) {
				log.Warn("schedule not flagged", zap.Error(merr))
			}
		}
	}
	return rec
}

// recordDrop persists a failure row for a fire that never reached a
// worker.
func (r *Runner) recordDrop(req scheduler.FireRequest) {
	now := time.Now().UTC()
	duration := 0.0
	rec := &repository.TaskExecution{
		TaskID:          uuid.NewString(),
		TaskType:        req.Labels.TaskType,
		IsSuccess:       false,
		StartedAt:       now,
		CompletedAt:     &now,
		DurationSeconds: &duration,
		ErrorMessage:    "worker pool saturated, fire dropped",
	}
	if req.Labels.ConfigID > 0 {
		configID := req.Labels.ConfigID
		rec.ConfigID = &configID
	}
	metrics.ExecutionsTotal.WithLabelValues(req.Labels.TaskType, "failure").Inc()
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := r.sink.Create(ctx, rec); err != nil {
		r.log.Error("drop record not persisted", zap.Error(err))
	}
}

func (r *Runner) execute(ctx context.Context, req scheduler.FireRequest, taskID string) (map[string]any, error) {
	def, err := r.reg.Resolve(req.Labels.TaskType)
	if err != nil {
		return nil, err
	}
	out, err := r.breaker(req.Labels.TaskType).Execute(func() (any, error) {
		return r.attempts(ctx, def, req, taskID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.Wrap(apperr.KindTransient,
			fmt.Sprintf("task type %s is failing, circuit open", req.Labels.TaskType), err)
	}
	if err != nil {
		return nil, err
	}
	result, _ := out.(map[string]any)
	return result, nil
}

// attempts runs the handler with exponential backoff up to the config's
// max_retries. Validation and not-found failures never retry.
func (r *Runner) attempts(ctx context.Context, def *registry.Definition, req scheduler.FireRequest, taskID string) (map[string]any, error) {
	call := registry.Call{
		ConfigID:   req.Labels.ConfigID,
		TaskID:     taskID,
		ScheduleID: req.Labels.ScheduleID,
		Params:     req.Params,
	}
	retries := req.MaxRetries
	if retries < 0 {
		retries = 0
	}
	var result map[string]any
	attempt := 0
	operation := func() error {
		attempt++
		res, err := r.invoke(ctx, def, call)
		if err != nil {
			if attempt <= retries {
				r.log.Warn("task attempt failed, retrying",
					zap.String("task_type", def.Name),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
			if apperr.IsKind(err, apperr.KindValidation) || apperr.IsKind(err, apperr.KindNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryInitial
	if err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// invoke calls the handler and converts a panic into an error carrying
// the stack.
func (r *Runner) invoke(ctx context.Context, def *registry.Definition, call registry.Call) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec, stack: string(debug.Stack())}
		}
	}()
	return def.Handler(ctx, call)
}

func (r *Runner) timeoutFor(req scheduler.FireRequest) time.Duration {
	seconds := 0
	if req.TimeoutSeconds != nil {
		seconds = *req.TimeoutSeconds
	}
	if seconds <= 0 && r.settings != nil {
		seconds = r.settings.CachedInt(settingspkg.KeyWorkerDefaultTimeoutSeconds, defaultTimeoutSeconds)
	}
	if seconds <= 0 {
		seconds = defaultTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (r *Runner) breaker(taskType string) *gobreaker.CircuitBreaker {
	if v, ok := r.breakers.Load(taskType); ok {
		return v.(*gobreaker.CircuitBreaker)
	}
	threshold := r.breakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(breakerGauge(to))
			r.log.Warn("breaker state changed",
				zap.String("task_type", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	actual, _ := r.breakers.LoadOrStore(taskType, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// panicError preserves the stack of a recovered handler panic for the
// execution row's traceback column.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("task panicked: %v", p.value)
}

func tracebackOf(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.stack
	}
	return ""
}
