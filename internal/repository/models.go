package repository

import (
	"strings"
	"time"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

// SchedulerType selects how instances of a config are triggered.
type SchedulerType string

const (
	// SchedulerManual configs are fired on demand only.
	SchedulerManual SchedulerType = "manual"
	// SchedulerCron configs fire on a recurring cron expression.
	SchedulerCron SchedulerType = "cron"
	// SchedulerDate configs fire once at a fixed timestamp.
	SchedulerDate SchedulerType = "date"
)

// SchedulerTypes lists every valid scheduler type.
func SchedulerTypes() []SchedulerType {
	return []SchedulerType{SchedulerManual, SchedulerCron, SchedulerDate}
}

// ParseSchedulerType normalizes and validates a scheduler type string.
func ParseSchedulerType(s string) (SchedulerType, error) {
	switch t := SchedulerType(strings.ToLower(strings.TrimSpace(s))); t {
	case SchedulerManual, SchedulerCron, SchedulerDate:
		return t, nil
	default:
		return "", apperr.Validationf("unknown scheduler type %q", s).
			WithDetails(map[string]any{"scheduler_type": s})
	}
}

// TaskConfig is one persistent parameterization of a registered task type.
// TaskType and SchedulerType are immutable after creation; ConfigPatch
// deliberately has no fields for them.
type TaskConfig struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	TaskType       string         `json:"task_type"`
	SchedulerType  SchedulerType  `json:"scheduler_type"`
	Parameters     map[string]any `json:"parameters"`
	ScheduleConfig map[string]any `json:"schedule_config"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
	Priority       int            `json:"priority"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ConfigPatch is a partial update for a TaskConfig. Nil fields are left
// untouched.
type ConfigPatch struct {
	Name           *string
	Description    *string
	Parameters     map[string]any
	ScheduleConfig map[string]any
	MaxRetries     *int
	TimeoutSeconds *int
	Priority       *int
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Parameters == nil &&
		p.ScheduleConfig == nil && p.MaxRetries == nil && p.TimeoutSeconds == nil &&
		p.Priority == nil
}

// ConfigQuery drives the dynamic config listing.
type ConfigQuery struct {
	NameSearch    string `json:"name_search,omitempty"`
	TaskType      string `json:"task_type,omitempty"`
	SchedulerType string `json:"scheduler_type,omitempty"`
	OrderBy       string `json:"order_by,omitempty"`
	OrderDir      string `json:"order_dir,omitempty"`
	Page          int    `json:"page,omitempty"`
	PageSize      int    `json:"page_size,omitempty"`
}

// ConfigPage is one page of config rows plus the unpaged total.
type ConfigPage struct {
	Items    []*TaskConfig `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// TaskExecution is one fired run of a schedule instance. Rows are append
// only; ConfigID goes NULL when the owning config is deleted.
type TaskExecution struct {
	ID              int64          `json:"id"`
	TaskID          string         `json:"task_id"`
	ConfigID        *int64         `json:"config_id,omitempty"`
	TaskType        string         `json:"task_type"`
	IsSuccess       bool           `json:"is_success"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorTraceback  string         `json:"error_traceback,omitempty"`
}

// TypeCount aggregates execution outcomes for one task type.
type TypeCount struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

// ExecutionStats is the aggregated success/failure view over a window.
type ExecutionStats struct {
	WindowDays         int                   `json:"window_days"`
	Total              int64                 `json:"total"`
	Success            int64                 `json:"success"`
	Failed             int64                 `json:"failed"`
	SuccessRate        float64               `json:"success_rate"`
	FailureRate        float64               `json:"failure_rate"`
	AvgDurationSeconds float64               `json:"avg_duration_seconds"`
	ByType             map[string]*TypeCount `json:"by_type"`
}
