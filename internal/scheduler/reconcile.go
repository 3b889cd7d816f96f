package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/metrics"
	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// ReconcileReport summarizes one maintenance sweep.
type ReconcileReport struct {
	OrphansRemoved       []string `json:"orphans_removed"`
	StrandedRemoved      []string `json:"stranded_removed"`
	InstancesCreated     []string `json:"instances_created"`
	LegacyKeysDeleted    int64    `json:"legacy_keys_deleted"`
	LegacyEntriesRemoved []string `json:"legacy_entries_removed"`
}

// FindOrphans returns the live engine entries whose owning config no
// longer exists in the database. Entries with unparseable ids are left
// to the legacy cleanup; a database outage aborts the scan rather than
// misclassifying.
func (l *Lifecycle) FindOrphans(ctx context.Context) ([]Entry, error) {
	var orphans []Entry
	for _, entry := range l.engine.Entries() {
		configID := entry.ConfigID
		if configID <= 0 {
			id, ok := redispkg.ParseScheduleID(entry.ScheduleID)
			if !ok {
				continue
			}
			configID = id
		}
		_, err := l.configs.GetByID(ctx, configID)
		switch {
		case err == nil:
		case apperr.IsKind(err, apperr.KindNotFound):
			orphans = append(orphans, entry)
		default:
			return nil, err
		}
	}
	metrics.ReconcileOps.WithLabelValues("orphan_scan").Inc()
	return orphans, nil
}

// CleanupOrphans unregisters every orphan and returns the ids removed.
// Individual failures are logged and skipped so one bad instance does
// not block the sweep.
func (l *Lifecycle) CleanupOrphans(ctx context.Context) ([]string, error) {
	orphans, err := l.FindOrphans(ctx)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(orphans))
	for _, orphan := range orphans {
		if err := l.Unregister(ctx, orphan.ScheduleID); err != nil {
			l.log.Warn("orphan cleanup failed",
				zap.String("schedule_id", orphan.ScheduleID), zap.Error(err))
			continue
		}
		removed = append(removed, orphan.ScheduleID)
		metrics.ReconcileOps.WithLabelValues("orphan_removed").Inc()
	}
	if len(removed) > 0 {
		l.log.Info("orphans removed", zap.Strings("schedule_ids", removed))
	}
	return removed, nil
}

// CleanupStranded purges instances whose status reads active while the
// engine holds no entry for them. Paused and errored instances keep
// their artifacts on purpose; an active instance without an engine
// entry is unreachable and comes from an interrupted one-shot
// retirement or a process restart.
func (l *Lifecycle) CleanupStranded(ctx context.Context) []string {
	var removed []string
	for _, scheduleID := range l.state.ScanIDs(ctx) {
		if status, ok := l.state.Status(ctx, scheduleID); !ok || status != StatusActive {
			continue
		}
		if l.engine.IsPresent(scheduleID) {
			continue
		}
		unlock := l.lock(scheduleID)
		err := l.purge(ctx, scheduleID)
		unlock()
		if err != nil {
			l.log.Warn("stranded instance cleanup failed",
				zap.String("schedule_id", scheduleID), zap.Error(err))
			continue
		}
		removed = append(removed, scheduleID)
		metrics.ReconcileOps.WithLabelValues("stranded_removed").Inc()
	}
	if len(removed) > 0 {
		l.log.Info("stranded instances removed", zap.Strings("schedule_ids", removed))
	}
	return removed
}

// EnsureDefaultInstances registers one instance for every schedulable
// config that has none. Date configs whose run time already passed are
// skipped quietly.
func (l *Lifecycle) EnsureDefaultInstances(ctx context.Context) ([]string, error) {
	configs, err := l.configs.ListAutoSchedulable(ctx)
	if err != nil {
		return nil, err
	}
	created := make([]string, 0)
	for _, cfg := range configs {
		if l.state.InstanceCount(ctx, cfg.ID) > 0 {
			continue
		}
		if cfg.SchedulerType == repository.SchedulerDate {
			next, err := NextRunTime(cfg.SchedulerType, cfg.ScheduleConfig)
			if err != nil || next == nil {
				continue
			}
		}
		scheduleID, err := l.Register(ctx, cfg)
		if err != nil {
			l.log.Warn("default instance registration failed",
				zap.Int64("config_id", cfg.ID), zap.Error(err))
			continue
		}
		created = append(created, scheduleID)
		metrics.ReconcileOps.WithLabelValues("default_created").Inc()
	}
	if len(created) > 0 {
		l.log.Info("default instances created", zap.Strings("schedule_ids", created))
	}
	return created, nil
}

// CleanupLegacyArtifacts deletes Redis keys matching the configured
// pre-migration patterns and drops engine entries whose ids fail the
// canonical parse.
func (l *Lifecycle) CleanupLegacyArtifacts(ctx context.Context, patterns []string) (int64, []string) {
	deleted := l.state.CleanupLegacyKeys(ctx, patterns)
	var removed []string
	for _, entry := range l.engine.Entries() {
		if _, ok := redispkg.ParseScheduleID(entry.ScheduleID); ok {
			continue
		}
		if l.engine.Remove(entry.ScheduleID) {
			removed = append(removed, entry.ScheduleID)
			metrics.ReconcileOps.WithLabelValues("legacy_entry_removed").Inc()
		}
	}
	if deleted > 0 || len(removed) > 0 {
		l.log.Info("legacy artifacts cleaned",
			zap.Int64("keys_deleted", deleted),
			zap.Strings("entries_removed", removed))
	}
	return deleted, removed
}

// Reconcile runs one full maintenance sweep.
func (l *Lifecycle) Reconcile(ctx context.Context, legacyPatterns []string) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	report.LegacyKeysDeleted, report.LegacyEntriesRemoved = l.CleanupLegacyArtifacts(ctx, legacyPatterns)
	removed, err := l.CleanupOrphans(ctx)
	if err != nil {
		return nil, err
	}
	report.OrphansRemoved = removed
	report.StrandedRemoved = l.CleanupStranded(ctx)
	created, err := l.EnsureDefaultInstances(ctx)
	if err != nil {
		return nil, err
	}
	report.InstancesCreated = created
	l.state.Summary(ctx)
	return report, nil
}

// MaintenanceLoop reconciles on an interval until ctx is canceled.
func (l *Lifecycle) MaintenanceLoop(ctx context.Context, interval time.Duration, legacyPatterns []string) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	l.log.Info("maintenance loop started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("maintenance loop stopped")
			return
		case <-ticker.C:
			if _, err := l.Reconcile(ctx, legacyPatterns); err != nil {
				l.log.Warn("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}
