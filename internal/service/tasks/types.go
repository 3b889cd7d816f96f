package tasks

import (
	"time"

	cachepkg "github.com/taskmesh-io/taskmesh/pkg/cache"

	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/internal/scheduler"
)

// Cache tags grouping the facade's read models. Writes invalidate by
// tag so every list and detail view refreshes after a mutation.
const (
	TagTaskConfigs      = "task_configs"
	TagTaskConfigDetail = "task_config_detail"
	TagScheduleList     = "schedule_list"
	TagSystemStatus     = "system_status"
)

func init() {
	cachepkg.RegisterModel("task_config_list", ConfigList{})
	cachepkg.RegisterModel("task_config_detail", ConfigDetail{})
	cachepkg.RegisterModel("schedule_list", ScheduleList{})
	cachepkg.RegisterModel("system_status", SystemStatus{})
	cachepkg.RegisterModel("system_dashboard", Dashboard{})
}

// InstanceStatus pairs a schedule instance with its current state.
type InstanceStatus struct {
	ScheduleID string           `json:"schedule_id"`
	Status     scheduler.Status `json:"status"`
}

// ConfigWithStatus is a config row joined with its live schedule
// instances for list views.
type ConfigWithStatus struct {
	*repository.TaskConfig
	Schedules []InstanceStatus `json:"schedules,omitempty"`
}

// ConfigList is one page of the config listing.
type ConfigList struct {
	Items    []*ConfigWithStatus `json:"items"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// ConfigDetail is the full view of one config: the row, every live
// schedule instance with a short history, and optional execution stats.
type ConfigDetail struct {
	*repository.TaskConfig
	Schedules []*scheduler.Info          `json:"schedules"`
	Stats     *repository.ExecutionStats `json:"stats,omitempty"`
}

// ScheduleList enumerates every schedule instance known to the state
// store, including paused and errored ones.
type ScheduleList struct {
	Items []*scheduler.Info `json:"items"`
	Total int               `json:"total"`
}

// CreateResult reports a config creation and, when auto-scheduling
// applied, the schedule instance it produced.
type CreateResult struct {
	Config     *repository.TaskConfig `json:"config"`
	ScheduleID string                 `json:"schedule_id,omitempty"`
}

// SystemStatus is the at-a-glance operational summary.
type SystemStatus struct {
	GeneratedAt    time.Time      `json:"generated_at"`
	Schedules      map[string]int `json:"schedules"`
	TotalSchedules int            `json:"total_schedules"`
	EngineEntries  int            `json:"engine_entries"`
	TaskTypes      int            `json:"task_types"`
	ConfigsByType  map[string]int `json:"configs_by_type"`
}

// Dashboard aggregates configs, schedules, and execution outcomes for
// the admin overview.
type Dashboard struct {
	GeneratedAt    time.Time                  `json:"generated_at"`
	ConfigsByType  map[string]int             `json:"configs_by_type"`
	TotalConfigs   int                        `json:"total_configs"`
	Schedules      map[string]int             `json:"schedules"`
	TotalSchedules int                        `json:"total_schedules"`
	Stats          *repository.ExecutionStats `json:"stats"`
	RecentFailures []*repository.TaskExecution `json:"recent_failures"`
}

// SystemEnums lists the closed vocabularies clients build pickers from.
type SystemEnums struct {
	SchedulerTypes   []string `json:"scheduler_types"`
	ScheduleActions  []string `json:"schedule_actions"`
	TaskTypes        []string `json:"task_types"`
	ScheduleStatuses []string `json:"schedule_statuses"`
}
