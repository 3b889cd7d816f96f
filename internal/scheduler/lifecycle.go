package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// ConfigSource supplies fresh DB configs. Resume and reconciliation
// read through it; the metadata snapshot is never the source of truth.
type ConfigSource interface {
	GetByID(ctx context.Context, id int64) (*repository.TaskConfig, error)
	ListAutoSchedulable(ctx context.Context) ([]*repository.TaskConfig, error)
}

// Lifecycle drives the per-instance state machine across the engine
// and the Redis state store. Mutations on the same schedule id are
// serialized through a per-id mutex; different ids run concurrently.
type Lifecycle struct {
	engine  Engine
	state   *StateStore
	configs ConfigSource
	log     *zap.Logger
	locks   sync.Map // schedule_id -> *sync.Mutex
}

// NewLifecycle creates the lifecycle facade.
func NewLifecycle(engine Engine, state *StateStore, configs ConfigSource, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{
		engine:  engine,
		state:   state,
		configs: configs,
		log:     log.With(zap.String("component", "schedule_lifecycle")),
	}
}

func (l *Lifecycle) lock(scheduleID string) func() {
	v, _ := l.locks.LoadOrStore(scheduleID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Register materializes one schedule instance for a config: engine
// first, then index, meta, history, and status. A Redis failure rolls
// the engine entry back so no half-registered instance survives.
func (l *Lifecycle) Register(ctx context.Context, cfg *repository.TaskConfig) (string, error) {
	if cfg == nil {
		return "", apperr.Validationf("task config is nil")
	}
	scheduleID, err := l.engine.Register(cfg, "")
	if err != nil {
		return "", err
	}
	unlock := l.lock(scheduleID)
	defer unlock()
	if err := l.writeArtifacts(ctx, cfg, scheduleID); err != nil {
		l.engine.Remove(scheduleID)
		l.log.Warn("registration rolled back",
			zap.String("schedule_id", scheduleID), zap.Error(err))
		return "", err
	}
	l.log.Info("schedule instance registered",
		zap.String("schedule_id", scheduleID),
		zap.Int64("config_id", cfg.ID),
		zap.String("task_type", cfg.TaskType),
	)
	return scheduleID, nil
}

func (l *Lifecycle) writeArtifacts(ctx context.Context, cfg *repository.TaskConfig, scheduleID string) error {
	if err := l.state.AddToIndex(ctx, cfg.ID, scheduleID); err != nil {
		return err
	}
	if err := l.state.SetMeta(ctx, newMeta(cfg, scheduleID)); err != nil {
		return err
	}
	details := map[string]any{"config_id": cfg.ID, "task_type": cfg.TaskType}
	if err := l.state.AddEvent(ctx, scheduleID, EventRegistered, details); err != nil {
		return err
	}
	return l.state.SetStatus(ctx, scheduleID, StatusActive, nil)
}

// Pause removes the engine entry but keeps every Redis artifact, so
// the instance can be resumed later.
func (l *Lifecycle) Pause(ctx context.Context, scheduleID string) error {
	unlock := l.lock(scheduleID)
	defer unlock()
	status, hasStatus := l.state.Status(ctx, scheduleID)
	if !hasStatus && !l.engine.IsPresent(scheduleID) {
		return apperr.NotFoundf("schedule %s not found", scheduleID)
	}
	if status == StatusPaused {
		return apperr.Conflictf("schedule %s is already paused", scheduleID)
	}
	if status == StatusError {
		return apperr.Conflictf("schedule %s is in error state, resume or unregister it", scheduleID)
	}
	l.engine.Remove(scheduleID)
	if err := l.state.SetStatus(ctx, scheduleID, StatusPaused, map[string]any{"action": "pause"}); err != nil {
		return err
	}
	l.log.Info("schedule instance paused", zap.String("schedule_id", scheduleID))
	return nil
}

// Resume reactivates a paused or errored instance. A paused instance is
// re-registered from the latest DB config under its original schedule
// id; an errored one still lives in the engine and only needs its
// status cleared. When the config is gone or no longer valid the
// instance stays paused and the error says why.
func (l *Lifecycle) Resume(ctx context.Context, scheduleID string) error {
	unlock := l.lock(scheduleID)
	defer unlock()
	status, hasStatus := l.state.Status(ctx, scheduleID)
	if !hasStatus {
		return apperr.NotFoundf("schedule %s not found", scheduleID)
	}
	if status == StatusActive {
		return apperr.Conflictf("schedule %s is already active", scheduleID)
	}
	reRegistered := false
	if !l.engine.IsPresent(scheduleID) {
		configID := l.resolveConfigID(ctx, scheduleID)
		if configID <= 0 {
			return apperr.NotFoundf("cannot determine the config of schedule %s", scheduleID)
		}
		cfg, err := l.configs.GetByID(ctx, configID)
		if err != nil {
			return err
		}
		if _, err := l.engine.Register(cfg, scheduleID); err != nil {
			return err
		}
		if err := l.state.SetMeta(ctx, newMeta(cfg, scheduleID)); err != nil {
			l.engine.Remove(scheduleID)
			return err
		}
		reRegistered = true
	}
	if err := l.state.SetStatus(ctx, scheduleID, StatusActive, map[string]any{"action": "resume"}); err != nil {
		if reRegistered {
			l.engine.Remove(scheduleID)
		}
		return err
	}
	l.log.Info("schedule instance resumed", zap.String("schedule_id", scheduleID))
	return nil
}

// Unregister removes the engine entry and purges all Redis artifacts.
// Idempotent: missing pieces are tolerated.
func (l *Lifecycle) Unregister(ctx context.Context, scheduleID string) error {
	unlock := l.lock(scheduleID)
	defer unlock()
	l.engine.Remove(scheduleID)
	if err := l.purge(ctx, scheduleID); err != nil {
		return err
	}
	l.log.Info("schedule instance unregistered", zap.String("schedule_id", scheduleID))
	return nil
}

// CompleteOneShot retires a date instance after its single fire. The
// engine entry is already gone by then; without this the status key
// would read active forever with nothing left to fire it.
func (l *Lifecycle) CompleteOneShot(ctx context.Context, scheduleID string) error {
	unlock := l.lock(scheduleID)
	defer unlock()
	if _, ok := l.state.Status(ctx, scheduleID); !ok {
		return nil
	}
	if err := l.purge(ctx, scheduleID); err != nil {
		return err
	}
	l.log.Info("one-shot schedule completed", zap.String("schedule_id", scheduleID))
	return nil
}

// purge drops the index entry and every per-instance key. Callers hold
// the per-id lock.
func (l *Lifecycle) purge(ctx context.Context, scheduleID string) error {
	if configID := l.resolveConfigID(ctx, scheduleID); configID > 0 {
		if err := l.state.RemoveFromIndex(ctx, configID, scheduleID); err != nil {
			return err
		}
	}
	return l.state.PurgeArtifacts(ctx, scheduleID)
}

// MarkError flags an instance after repeated execution failure. The
// engine entry stays so firing can continue once the cause clears.
func (l *Lifecycle) MarkError(ctx context.Context, scheduleID, reason string) error {
	unlock := l.lock(scheduleID)
	defer unlock()
	if _, hasStatus := l.state.Status(ctx, scheduleID); !hasStatus {
		return apperr.NotFoundf("schedule %s not found", scheduleID)
	}
	return l.state.SetStatus(ctx, scheduleID, StatusError, map[string]any{"reason": reason})
}

// Info returns the composite view of one instance, next run included.
func (l *Lifecycle) Info(ctx context.Context, scheduleID string, historyLimit int) (*Info, error) {
	info, ok := l.state.FullInfo(ctx, scheduleID, historyLimit)
	if !ok {
		return nil, apperr.NotFoundf("schedule %s not found", scheduleID)
	}
	if next, ok := l.engine.NextRun(scheduleID); ok {
		info.NextRun = next
	}
	return info, nil
}

// Entries lists the live engine schedules.
func (l *Lifecycle) Entries() []Entry {
	return l.engine.Entries()
}

// InstanceIDs lists the Redis-indexed instances of a config.
func (l *Lifecycle) InstanceIDs(ctx context.Context, configID int64) []string {
	return l.state.ListIDs(ctx, configID)
}

// Summary tallies instance statuses.
func (l *Lifecycle) Summary(ctx context.Context) (map[Status]int, int) {
	return l.state.Summary(ctx)
}

// resolveConfigID recovers the owning config id, preferring the meta
// snapshot and falling back to parsing the schedule id.
func (l *Lifecycle) resolveConfigID(ctx context.Context, scheduleID string) int64 {
	if meta, ok := l.state.GetMeta(ctx, scheduleID); ok && meta.ConfigID > 0 {
		return meta.ConfigID
	}
	if id, ok := redispkg.ParseScheduleID(scheduleID); ok {
		return id
	}
	return 0
}

func newMeta(cfg *repository.TaskConfig, scheduleID string) *Meta {
	return &Meta{
		ScheduleID:     scheduleID,
		ConfigID:       cfg.ID,
		TaskType:       cfg.TaskType,
		SchedulerType:  string(cfg.SchedulerType),
		Schedule:       describeSchedule(cfg),
		Parameters:     cfg.Parameters,
		ScheduleConfig: cfg.ScheduleConfig,
		RegisteredAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

func describeSchedule(cfg *repository.TaskConfig) string {
	rule, err := ParseRule(cfg.SchedulerType, cfg.ScheduleConfig)
	if err != nil {
		return string(cfg.SchedulerType)
	}
	return rule.Describe()
}
