// Package tasks is the public surface of the platform. It composes the
// registry, the config and execution repositories, the schedule
// lifecycle, and the worker runner into one service, with cached read
// models invalidated by tag after every mutation.
package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	cachepkg "github.com/taskmesh-io/taskmesh/pkg/cache"
	"github.com/taskmesh-io/taskmesh/pkg/health"

	"github.com/taskmesh-io/taskmesh/internal/registry"
	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/internal/scheduler"
	settingspkg "github.com/taskmesh-io/taskmesh/internal/settings"
)

const defaultCacheTTLSeconds = 300

// ConfigStore is the slice of the config repository the service uses.
type ConfigStore interface {
	Create(ctx context.Context, c *repository.TaskConfig) (*repository.TaskConfig, error)
	GetByID(ctx context.Context, id int64) (*repository.TaskConfig, error)
	Update(ctx context.Context, id int64, patch repository.ConfigPatch) (*repository.TaskConfig, error)
	Delete(ctx context.Context, id int64) error
	GetByQuery(ctx context.Context, q repository.ConfigQuery) (*repository.ConfigPage, error)
	ListAutoSchedulable(ctx context.Context) ([]*repository.TaskConfig, error)
	CountBySchedulerType(ctx context.Context) (map[repository.SchedulerType]int, error)
}

// ExecutionStore is the slice of the execution repository the service
// uses.
type ExecutionStore interface {
	GetByTaskID(ctx context.Context, taskID string) (*repository.TaskExecution, error)
	ListByConfig(ctx context.Context, configID int64, limit int) ([]*repository.TaskExecution, error)
	ListRecent(ctx context.Context, hours, limit int) ([]*repository.TaskExecution, error)
	ListFailed(ctx context.Context, days, limit int) ([]*repository.TaskExecution, error)
	GlobalStats(ctx context.Context, days int) (*repository.ExecutionStats, error)
	StatsByConfig(ctx context.Context, configID int64, days int) (*repository.ExecutionStats, error)
	CleanupOld(ctx context.Context, daysToKeep int) (int64, error)
}

// ManualRunner executes a config inline and returns the recorded
// execution.
type ManualRunner interface {
	RunNow(ctx context.Context, cfg *repository.TaskConfig, params map[string]any) (*repository.TaskExecution, error)
}

// Deps wires the service. Settings, Cache, Runner, and Health may be
// nil; the matching features degrade rather than fail.
type Deps struct {
	Log        *zap.Logger
	Registry   *registry.Registry
	Configs    ConfigStore
	Executions ExecutionStore
	Lifecycle  *scheduler.Lifecycle
	State      *scheduler.StateStore
	Settings   *settingspkg.Service
	Cache      *cachepkg.Cache
	Runner     ManualRunner
	Health     *health.HealthChecker
	// LegacyPatterns are scan globs for pre-migration Redis keys swept
	// during maintenance.
	LegacyPatterns []string
}

// Service exposes every task platform operation.
type Service struct {
	log        *zap.Logger
	reg        *registry.Registry
	configs    ConfigStore
	executions ExecutionStore
	lifecycle  *scheduler.Lifecycle
	state      *scheduler.StateStore
	settings   *settingspkg.Service
	cache      *cachepkg.Cache
	runner     ManualRunner
	health     *health.HealthChecker
	legacy     []string
}

// New builds the service from its dependencies.
func New(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		log:        log.With(zap.String("component", "tasks_service")),
		reg:        d.Registry,
		configs:    d.Configs,
		executions: d.Executions,
		lifecycle:  d.Lifecycle,
		state:      d.State,
		settings:   d.Settings,
		cache:      d.Cache,
		runner:     d.Runner,
		health:     d.Health,
		legacy:     d.LegacyPatterns,
	}
}

func (s *Service) ttl() time.Duration {
	secs := defaultCacheTTLSeconds
	if s.settings != nil {
		secs = s.settings.CachedInt(settingspkg.KeyCacheDefaultTTLSeconds, defaultCacheTTLSeconds)
	}
	if secs <= 0 {
		secs = defaultCacheTTLSeconds
	}
	return time.Duration(secs) * time.Second
}

func (s *Service) invalidate(ctx context.Context, tags ...string) {
	if s.cache == nil {
		return
	}
	s.cache.InvalidateTags(ctx, tags...)
}

// ListTaskConfigs returns one page of configs, each joined with the
// live status of its schedule instances.
func (s *Service) ListTaskConfigs(ctx context.Context, q repository.ConfigQuery) (*ConfigList, error) {
	compute := func(ctx context.Context) (*ConfigList, error) {
		page, err := s.configs.GetByQuery(ctx, q)
		if err != nil {
			return nil, err
		}
		items := make([]*ConfigWithStatus, 0, len(page.Items))
		for _, cfg := range page.Items {
			item := &ConfigWithStatus{TaskConfig: cfg}
			for _, sid := range s.state.ListIDs(ctx, cfg.ID) {
				st, ok := s.state.Status(ctx, sid)
				if !ok {
					st = scheduler.StatusInactive
				}
				item.Schedules = append(item.Schedules, InstanceStatus{ScheduleID: sid, Status: st})
			}
			items = append(items, item)
		}
		return &ConfigList{Items: items, Total: page.Total, Page: page.Page, PageSize: page.PageSize}, nil
	}
	if s.cache == nil {
		return compute(ctx)
	}
	key := cachepkg.BuildKey("task_configs:list", q)
	return cachepkg.GetOrCompute(ctx, s.cache, key, s.ttl(), []string{TagTaskConfigs}, compute)
}

// GetTaskConfig returns the full view of one config. With withStats the
// view carries execution statistics over the configured stats window.
func (s *Service) GetTaskConfig(ctx context.Context, id int64, withStats bool) (*ConfigDetail, error) {
	compute := func(ctx context.Context) (*ConfigDetail, error) {
		cfg, err := s.configs.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		detail := &ConfigDetail{TaskConfig: cfg, Schedules: []*scheduler.Info{}}
		for _, sid := range s.state.ListIDs(ctx, id) {
			info, err := s.lifecycle.Info(ctx, sid, schedulePreviewHistory)
			if err != nil {
				if apperr.IsKind(err, apperr.KindNotFound) {
					continue
				}
				return nil, err
			}
			detail.Schedules = append(detail.Schedules, info)
		}
		if withStats {
			stats, err := s.executions.StatsByConfig(ctx, id, s.statsDays())
			if err != nil {
				return nil, err
			}
			detail.Stats = stats
		}
		return detail, nil
	}
	if s.cache == nil {
		return compute(ctx)
	}
	key := cachepkg.BuildKey("task_configs:detail", id, withStats)
	return cachepkg.GetOrCompute(ctx, s.cache, key, s.ttl(), []string{TagTaskConfigDetail}, compute)
}

// schedulePreviewHistory bounds the history shown inline on a config
// detail; the schedule info endpoint serves longer windows.
const schedulePreviewHistory = 5

func (s *Service) statsDays() int {
	if s.settings == nil {
		return 7
	}
	return s.settings.CachedInt(settingspkg.KeyExecutionStatsDays, 7)
}

// CreateTaskConfig validates and persists a new config. With
// autoSchedule, non-manual configs are registered immediately; a
// registration failure rolls the insert back so no unscheduled row is
// left behind.
func (s *Service) CreateTaskConfig(ctx context.Context, cfg *repository.TaskConfig, autoSchedule bool) (*CreateResult, error) {
	if cfg == nil {
		return nil, apperr.Validationf("task config is required")
	}
	def, err := s.reg.Resolve(cfg.TaskType)
	if err != nil {
		return nil, apperr.Validationf("unknown task type %q", cfg.TaskType).
			WithDetails(map[string]any{"known_types": s.reg.Types()})
	}
	effective := def.EffectiveParams(cfg.Parameters)
	if err := s.reg.ValidateParams(cfg.TaskType, effective); err != nil {
		return nil, err
	}
	if cfg.SchedulerType != repository.SchedulerManual {
		if _, err := scheduler.ParseRule(cfg.SchedulerType, cfg.ScheduleConfig); err != nil {
			return nil, err
		}
	}

	created, err := s.configs.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	result := &CreateResult{Config: created}

	if autoSchedule && created.SchedulerType != repository.SchedulerManual {
		sid, err := s.lifecycle.Register(ctx, created)
		if err != nil {
			if rbErr := s.configs.Delete(ctx, created.ID); rbErr != nil {
				s.log.Error("config rollback after failed registration",
					zap.Int64("config_id", created.ID),
					zap.Error(rbErr),
				)
			}
			return nil, apperr.Wrap(apperr.KindInternal, "register schedule for new config", err)
		}
		result.ScheduleID = sid
		s.invalidate(ctx, TagScheduleList)
	}

	s.invalidate(ctx, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	s.log.Info("task config created",
		zap.Int64("config_id", created.ID),
		zap.String("task_type", created.TaskType),
		zap.Bool("auto_scheduled", result.ScheduleID != ""),
	)
	return result, nil
}

// UpdateTaskConfig applies a partial patch. New parameters and schedule
// rules are validated against the registry before the write. A changed
// schedule rule reaches the engine when the schedule is next
// registered or resumed; running instances keep firing on the old one.
func (s *Service) UpdateTaskConfig(ctx context.Context, id int64, patch repository.ConfigPatch) (*repository.TaskConfig, error) {
	existing, err := s.configs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Parameters != nil {
		def, err := s.reg.Resolve(existing.TaskType)
		if err != nil {
			return nil, err
		}
		if err := s.reg.ValidateParams(existing.TaskType, def.EffectiveParams(patch.Parameters)); err != nil {
			return nil, err
		}
	}
	if patch.ScheduleConfig != nil {
		if existing.SchedulerType == repository.SchedulerManual {
			return nil, apperr.Validationf("manual config %d takes no schedule_config", id)
		}
		if _, err := scheduler.ParseRule(existing.SchedulerType, patch.ScheduleConfig); err != nil {
			return nil, err
		}
	}

	updated, err := s.configs.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	s.log.Info("task config updated", zap.Int64("config_id", id))
	return updated, nil
}

// DeleteTaskConfig unregisters every schedule instance of the config
// and then removes the row. Executions keep their history; the foreign
// key nulls their config reference.
func (s *Service) DeleteTaskConfig(ctx context.Context, id int64) error {
	for _, sid := range s.lifecycle.InstanceIDs(ctx, id) {
		if err := s.lifecycle.Unregister(ctx, sid); err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.Wrap(apperr.KindInternal, "unregister schedule before config delete", err).
				WithDetails(map[string]any{"schedule_id": sid})
		}
	}
	if err := s.configs.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, TagTaskConfigs, TagTaskConfigDetail, TagScheduleList, TagSystemStatus)
	s.log.Info("task config deleted", zap.Int64("config_id", id))
	return nil
}
