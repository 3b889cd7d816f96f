package tasks

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	cachepkg "github.com/taskmesh-io/taskmesh/pkg/cache"

	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/internal/scheduler"
	settingspkg "github.com/taskmesh-io/taskmesh/internal/settings"
)

// RegisterSchedule creates a live schedule instance for a config and
// returns its schedule id. Manual configs have no trigger and are
// refused.
func (s *Service) RegisterSchedule(ctx context.Context, configID int64) (string, error) {
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		return "", err
	}
	if cfg.SchedulerType == repository.SchedulerManual {
		return "", apperr.Validationf("config %d is manual and cannot be scheduled", configID)
	}
	sid, err := s.lifecycle.Register(ctx, cfg)
	if err != nil {
		return "", err
	}
	s.invalidate(ctx, TagScheduleList, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	return sid, nil
}

// PauseSchedule suspends firing while keeping the instance registered.
func (s *Service) PauseSchedule(ctx context.Context, scheduleID string) error {
	if err := s.lifecycle.Pause(ctx, scheduleID); err != nil {
		return err
	}
	s.invalidate(ctx, TagScheduleList, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	return nil
}

// ResumeSchedule reactivates a paused or errored instance with a fresh
// rule from the database.
func (s *Service) ResumeSchedule(ctx context.Context, scheduleID string) error {
	if err := s.lifecycle.Resume(ctx, scheduleID); err != nil {
		return err
	}
	s.invalidate(ctx, TagScheduleList, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	return nil
}

// UnregisterSchedule removes an instance and purges its state.
func (s *Service) UnregisterSchedule(ctx context.Context, scheduleID string) error {
	if err := s.lifecycle.Unregister(ctx, scheduleID); err != nil {
		return err
	}
	s.invalidate(ctx, TagScheduleList, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	return nil
}

// MarkScheduleError flags an instance after repeated execution failure.
// The runner reports failures through here rather than the lifecycle
// directly, so the cached schedule and status views drop with the flag.
func (s *Service) MarkScheduleError(ctx context.Context, scheduleID, reason string) error {
	if err := s.lifecycle.MarkError(ctx, scheduleID, reason); err != nil {
		return err
	}
	s.invalidate(ctx, TagScheduleList, TagTaskConfigDetail, TagSystemStatus)
	return nil
}

// CompleteOneShotSchedule retires a date instance after its single fire
// and refreshes every view that listed it.
func (s *Service) CompleteOneShotSchedule(ctx context.Context, scheduleID string) error {
	if err := s.lifecycle.CompleteOneShot(ctx, scheduleID); err != nil {
		return err
	}
	s.invalidate(ctx, TagScheduleList, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	return nil
}

// GetScheduleInfo returns the live view of one instance: status, meta,
// recent history, and the next fire time. Served uncached so pauses and
// fires show immediately.
func (s *Service) GetScheduleInfo(ctx context.Context, scheduleID string, historyLimit int) (*scheduler.Info, error) {
	return s.lifecycle.Info(ctx, scheduleID, historyLimit)
}

// ListSchedules enumerates every instance the state store knows,
// including paused and errored ones the engine no longer holds.
func (s *Service) ListSchedules(ctx context.Context) (*ScheduleList, error) {
	compute := func(ctx context.Context) (*ScheduleList, error) {
		ids := s.state.ScanIDs(ctx)
		items := make([]*scheduler.Info, 0, len(ids))
		for _, sid := range ids {
			info, err := s.lifecycle.Info(ctx, sid, schedulePreviewHistory)
			if err != nil {
				// Unregistered between scan and read.
				if apperr.IsKind(err, apperr.KindNotFound) {
					continue
				}
				return nil, err
			}
			items = append(items, info)
		}
		return &ScheduleList{Items: items, Total: len(items)}, nil
	}
	if s.cache == nil {
		return compute(ctx)
	}
	key := cachepkg.BuildKey("schedules:list")
	return cachepkg.GetOrCompute(ctx, s.cache, key, s.ttl(), []string{TagScheduleList}, compute)
}

// TriggerNow runs a config's task inline, bypassing its schedule, and
// returns the recorded execution. Parameters overlay the config's own.
func (s *Service) TriggerNow(ctx context.Context, configID int64, params map[string]any) (*repository.TaskExecution, error) {
	if s.runner == nil {
		return nil, apperr.Internalf("manual runner is not configured")
	}
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		return nil, err
	}
	rec, err := s.runner.RunNow(ctx, cfg, params)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, TagSystemStatus)
	s.log.Info("task triggered",
		zap.Int64("config_id", configID),
		zap.String("task_id", rec.TaskID),
		zap.Bool("success", rec.IsSuccess),
	)
	return rec, nil
}

// ListOrphans returns live engine entries whose config no longer
// exists.
func (s *Service) ListOrphans(ctx context.Context) ([]scheduler.Entry, error) {
	return s.lifecycle.FindOrphans(ctx)
}

// CleanupOrphans unregisters every orphaned entry and reports the
// removed schedule ids.
func (s *Service) CleanupOrphans(ctx context.Context) ([]string, error) {
	removed, err := s.lifecycle.CleanupOrphans(ctx)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.invalidate(ctx, TagScheduleList, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	}
	return removed, nil
}

// EnsureDefaultInstances registers a schedule for every auto-schedulable
// config that has none yet.
func (s *Service) EnsureDefaultInstances(ctx context.Context) ([]string, error) {
	created, err := s.lifecycle.EnsureDefaultInstances(ctx)
	if err != nil {
		return nil, err
	}
	if len(created) > 0 {
		s.invalidate(ctx, TagScheduleList, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	}
	return created, nil
}

// Reconcile runs one full sweep: orphan and stranded instance removal,
// default instance creation, and legacy key cleanup.
func (s *Service) Reconcile(ctx context.Context) (*scheduler.ReconcileReport, error) {
	report, err := s.lifecycle.Reconcile(ctx, s.legacy)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, TagScheduleList, TagTaskConfigs, TagTaskConfigDetail, TagSystemStatus)
	return report, nil
}

// CleanupExecutions deletes execution rows older than days. A
// non-positive days falls back to the configured retention window.
func (s *Service) CleanupExecutions(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = 90
		if s.settings != nil {
			days = s.settings.CachedInt(settingspkg.KeyExecutionRetentionDays, 90)
		}
	}
	removed, err := s.executions.CleanupOld(ctx, days)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.invalidate(ctx, TagSystemStatus)
		s.log.Info("old executions removed", zap.Int64("count", removed), zap.Int("days", days))
	}
	return removed, nil
}
