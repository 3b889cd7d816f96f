package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/registry"
	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// Labels identify a fire for worker propagation and telemetry.
type Labels struct {
	ConfigID   int64  `json:"config_id"`
	TaskType   string `json:"task_type"`
	ScheduleID string `json:"schedule_id"`
}

// FireRequest is everything the dispatcher needs to run one fire. Params
// are the effective inputs: declared defaults merged under the config's
// values, injected names stripped.
type FireRequest struct {
	Labels         Labels
	Queue          string
	Params         map[string]any
	MaxRetries     int
	TimeoutSeconds *int
	Priority       int
}

// FireFunc receives due fires from the engine. It must not block; the
// dispatcher hands work to its own pool.
type FireFunc func(req FireRequest)

// Entry is one live engine schedule.
type Entry struct {
	ScheduleID string     `json:"schedule_id"`
	TaskType   string     `json:"task_type"`
	ConfigID   int64      `json:"config_id"`
	Schedule   string     `json:"schedule"`
	Labels     Labels     `json:"labels"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

// Engine is the scheduling primitive the lifecycle facade drives. Split
// out so tests can substitute a recording fake.
type Engine interface {
	Register(cfg *repository.TaskConfig, forceScheduleID string) (string, error)
	Remove(scheduleID string) bool
	IsPresent(scheduleID string) bool
	Entries() []Entry
	NextRun(scheduleID string) (*time.Time, bool)
}

// CronEngine implements Engine over a cron runtime. Date rules are
// submitted as one-shot schedules that drop out after firing.
type CronEngine struct {
	log  *zap.Logger
	reg  *registry.Registry
	fire FireFunc
	cron *cron.Cron

	mu      sync.RWMutex
	entries map[string]*engineEntry
	done    func(scheduleID string)
	running bool
}

type engineEntry struct {
	id      cron.EntryID
	labels  Labels
	rule    *Rule
	request FireRequest
}

// NewCronEngine creates a stopped engine. Call Start once the
// dispatcher is ready.
func NewCronEngine(log *zap.Logger, reg *registry.Registry, fire FireFunc) *CronEngine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &CronEngine{
		log:     log.With(zap.String("component", "cron_engine")),
		reg:     reg,
		fire:    fire,
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		entries: make(map[string]*engineEntry),
	}
	if e.fire == nil {
		e.fire = func(req FireRequest) {
			e.log.Warn("no dispatcher wired, dropping fire",
				zap.String("schedule_id", req.Labels.ScheduleID),
				zap.String("task_type", req.Labels.TaskType),
			)
		}
	}
	return e
}

// Register resolves the config's task type, validates its parameters,
// compiles the trigger, and submits it. A fresh schedule id is built
// unless forceScheduleID is given (the resume path reuses the original
// id so Redis artifacts stay attached).
func (e *CronEngine) Register(cfg *repository.TaskConfig, forceScheduleID string) (string, error) {
	if cfg == nil {
		return "", apperr.Validationf("task config is nil")
	}
	def, err := e.reg.Resolve(cfg.TaskType)
	if err != nil {
		return "", err
	}
	if err := e.reg.ValidateParams(cfg.TaskType, cfg.Parameters); err != nil {
		return "", err
	}
	rule, err := ParseRule(cfg.SchedulerType, cfg.ScheduleConfig)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if rule.Type == repository.SchedulerDate && !rule.RunAt.After(now) {
		return "", apperr.Validationf("run_at %s is in the past", rule.RunAt.Format(time.RFC3339)).
			WithDetails(map[string]any{"run_at": rule.RunAt.Format(time.RFC3339)})
	}

	scheduleID := forceScheduleID
	if scheduleID == "" {
		scheduleID = redispkg.NewScheduleID(cfg.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.entries[scheduleID]; exists {
		return "", apperr.Conflictf("schedule %s is already registered", scheduleID)
	}
	labels := Labels{ConfigID: cfg.ID, TaskType: cfg.TaskType, ScheduleID: scheduleID}
	req := FireRequest{
		Labels:     labels,
		Queue:      def.Queue,
		Params:     def.EffectiveParams(cfg.Parameters),
		MaxRetries: cfg.MaxRetries,
		Priority:   cfg.Priority,
	}
	if cfg.TimeoutSeconds != nil {
		v := *cfg.TimeoutSeconds
		req.TimeoutSeconds = &v
	}
	entryID := e.cron.Schedule(rule.Schedule(), e.job(scheduleID, rule, req))
	e.entries[scheduleID] = &engineEntry{id: entryID, labels: labels, rule: rule, request: req}
	e.log.Info("schedule registered",
		zap.String("schedule_id", scheduleID),
		zap.Int64("config_id", cfg.ID),
		zap.String("task_type", cfg.TaskType),
		zap.String("schedule", rule.Describe()),
	)
	return scheduleID, nil
}

// BindCompletionHook wires the callback run after a one-shot entry
// leaves the engine, so its Redis artifacts can be retired too. Bound
// after construction because the lifecycle facade needs the engine
// first.
func (e *CronEngine) BindCompletionHook(fn func(scheduleID string)) {
	e.mu.Lock()
	e.done = fn
	e.mu.Unlock()
}

func (e *CronEngine) job(scheduleID string, rule *Rule, req FireRequest) cron.Job {
	return cron.FuncJob(func() {
		e.fire(req)
		if rule.Type == repository.SchedulerDate {
			// one-shot entries leave the engine after their single fire
			e.Remove(scheduleID)
			e.mu.RLock()
			done := e.done
			e.mu.RUnlock()
			if done != nil {
				done(scheduleID)
			}
		}
	})
}

// Remove drops a schedule from the engine. Reports whether it was
// present; removing a missing id is not an error.
func (e *CronEngine) Remove(scheduleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[scheduleID]
	if !ok {
		return false
	}
	e.cron.Remove(entry.id)
	delete(e.entries, scheduleID)
	e.log.Info("schedule removed", zap.String("schedule_id", scheduleID))
	return true
}

// IsPresent reports whether a schedule id is live in the engine.
func (e *CronEngine) IsPresent(scheduleID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.entries[scheduleID]
	return ok
}

// Entries lists every live schedule, sorted by id.
func (e *CronEngine) Entries() []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := time.Now().UTC()
	out := make([]Entry, 0, len(e.entries))
	for id, entry := range e.entries {
		out = append(out, Entry{
			ScheduleID: id,
			TaskType:   entry.labels.TaskType,
			ConfigID:   entry.labels.ConfigID,
			Schedule:   entry.rule.Describe(),
			Labels:     entry.labels,
			NextRun:    nextOrNil(entry.rule, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// NextRun returns the next fire time of a live schedule.
func (e *CronEngine) NextRun(scheduleID string) (*time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[scheduleID]
	if !ok {
		return nil, false
	}
	return nextOrNil(entry.rule, time.Now().UTC()), true
}

// Len reports the number of live schedules.
func (e *CronEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Start begins firing schedules. Idempotent.
func (e *CronEngine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.cron.Start()
	e.running = true
	e.log.Info("cron engine started", zap.Int("schedules", len(e.entries)))
}

// Stop halts firing and waits for in-flight jobs to drain, bounded by
// ctx.
func (e *CronEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()
	drained := e.cron.Stop()
	select {
	case <-drained.Done():
		e.log.Info("cron engine stopped")
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTransient, "cron engine drain interrupted", ctx.Err())
	}
}

// NextRunTime computes the first fire time a rule would have, without
// registering anything. Returns nil for date rules already in the past.
func NextRunTime(schedulerType repository.SchedulerType, scheduleConfig map[string]any) (*time.Time, error) {
	rule, err := ParseRule(schedulerType, scheduleConfig)
	if err != nil {
		return nil, err
	}
	return nextOrNil(rule, time.Now().UTC()), nil
}

func nextOrNil(rule *Rule, now time.Time) *time.Time {
	next := rule.Next(now)
	if next.IsZero() {
		return nil
	}
	return &next
}
