package tasks

import (
	"context"
	"time"

	cachepkg "github.com/taskmesh-io/taskmesh/pkg/cache"
	"github.com/taskmesh-io/taskmesh/pkg/health"

	"github.com/taskmesh-io/taskmesh/internal/registry"
	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/internal/scheduler"
)

// GetTaskInfo describes one registered task type: parameters, types,
// defaults, and UI hints. Served from the in-memory registry.
func (s *Service) GetTaskInfo(ctx context.Context, taskType string) (*registry.TaskInfo, error) {
	return s.reg.Describe(taskType)
}

// ListTaskTypes describes every registered task type, sorted by name.
func (s *Service) ListTaskTypes(ctx context.Context) []*registry.TaskInfo {
	return s.reg.DescribeAll()
}

// GetSystemEnums returns the closed vocabularies of the platform.
func (s *Service) GetSystemEnums(ctx context.Context) *SystemEnums {
	schedTypes := repository.SchedulerTypes()
	types := make([]string, 0, len(schedTypes))
	for _, st := range schedTypes {
		types = append(types, string(st))
	}
	statuses := scheduler.Statuses()
	statusNames := make([]string, 0, len(statuses))
	for _, st := range statuses {
		statusNames = append(statusNames, string(st))
	}
	return &SystemEnums{
		SchedulerTypes:   types,
		ScheduleActions:  []string{"pause", "resume", "unregister"},
		TaskTypes:        s.reg.Types(),
		ScheduleStatuses: statusNames,
	}
}

// GetSystemStatus returns the cached operational summary.
func (s *Service) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	compute := func(ctx context.Context) (*SystemStatus, error) {
		byType, err := s.configs.CountBySchedulerType(ctx)
		if err != nil {
			return nil, err
		}
		summary, total := s.lifecycle.Summary(ctx)
		return &SystemStatus{
			GeneratedAt:    time.Now().UTC(),
			Schedules:      statusCounts(summary),
			TotalSchedules: total,
			EngineEntries:  len(s.lifecycle.Entries()),
			TaskTypes:      s.reg.Len(),
			ConfigsByType:  schedulerCounts(byType),
		}, nil
	}
	if s.cache == nil {
		return compute(ctx)
	}
	key := cachepkg.BuildKey("system:status")
	return cachepkg.GetOrCompute(ctx, s.cache, key, s.ttl(), []string{TagSystemStatus}, compute)
}

// GetSystemHealth probes every registered backing store and folds the
// results into one report. Never cached.
func (s *Service) GetSystemHealth(ctx context.Context) health.Report {
	if s.health == nil {
		return health.NewHealthChecker().Report(ctx)
	}
	return s.health.Report(ctx)
}

// GetSystemDashboard returns the cached admin overview: config and
// schedule tallies, execution statistics, and the latest failures.
func (s *Service) GetSystemDashboard(ctx context.Context) (*Dashboard, error) {
	compute := func(ctx context.Context) (*Dashboard, error) {
		byType, err := s.configs.CountBySchedulerType(ctx)
		if err != nil {
			return nil, err
		}
		days := s.statsDays()
		stats, err := s.executions.GlobalStats(ctx, days)
		if err != nil {
			return nil, err
		}
		failures, err := s.executions.ListFailed(ctx, days, recentFailureLimit)
		if err != nil {
			return nil, err
		}
		summary, total := s.lifecycle.Summary(ctx)
		configs := schedulerCounts(byType)
		totalConfigs := 0
		for _, n := range configs {
			totalConfigs += n
		}
		return &Dashboard{
			GeneratedAt:    time.Now().UTC(),
			ConfigsByType:  configs,
			TotalConfigs:   totalConfigs,
			Schedules:      statusCounts(summary),
			TotalSchedules: total,
			Stats:          stats,
			RecentFailures: failures,
		}, nil
	}
	if s.cache == nil {
		return compute(ctx)
	}
	key := cachepkg.BuildKey("system:dashboard")
	return cachepkg.GetOrCompute(ctx, s.cache, key, s.ttl(), []string{TagSystemStatus}, compute)
}

const recentFailureLimit = 10

// GetExecution returns one execution by its task id.
func (s *Service) GetExecution(ctx context.Context, taskID string) (*repository.TaskExecution, error) {
	return s.executions.GetByTaskID(ctx, taskID)
}

// ListConfigExecutions returns the newest executions of one config.
func (s *Service) ListConfigExecutions(ctx context.Context, configID int64, limit int) ([]*repository.TaskExecution, error) {
	return s.executions.ListByConfig(ctx, configID, limit)
}

// ListRecentExecutions returns executions started within the last
// hours.
func (s *Service) ListRecentExecutions(ctx context.Context, hours, limit int) ([]*repository.TaskExecution, error) {
	return s.executions.ListRecent(ctx, hours, limit)
}

// ListFailedExecutions returns failures from the last days.
func (s *Service) ListFailedExecutions(ctx context.Context, days, limit int) ([]*repository.TaskExecution, error) {
	return s.executions.ListFailed(ctx, days, limit)
}

// GetExecutionStats aggregates outcomes over the last days, falling
// back to the configured stats window when days is non-positive.
func (s *Service) GetExecutionStats(ctx context.Context, days int) (*repository.ExecutionStats, error) {
	if days <= 0 {
		days = s.statsDays()
	}
	return s.executions.GlobalStats(ctx, days)
}

func statusCounts(m map[scheduler.Status]int) map[string]int {
	out := make(map[string]int, len(m))
	for st, n := range m {
		out[string(st)] = n
	}
	return out
}

func schedulerCounts(m map[repository.SchedulerType]int) map[string]int {
	out := make(map[string]int, len(m))
	for st, n := range m {
		out[string(st)] = n
	}
	return out
}
