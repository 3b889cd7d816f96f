package scheduler

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"

	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

// cronParser accepts both the standard five-field form and the
// six-field seconds variant, plus @-descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronRule is the schedule_config shape for cron configs.
type CronRule struct {
	CronExpression string `mapstructure:"cron_expression" json:"cron_expression"`
}

// DateRule is the schedule_config shape for one-shot configs. RunAt is
// RFC3339; timestamps without a zone are read as UTC.
type DateRule struct {
	RunAt string `mapstructure:"run_at" json:"run_at"`
}

// Rule is a compiled trigger ready for engine submission.
type Rule struct {
	Type     repository.SchedulerType
	Spec     string    // cron expression, empty for date rules
	RunAt    time.Time // zero for cron rules
	schedule cron.Schedule
}

// Schedule exposes the cron trigger.
func (r *Rule) Schedule() cron.Schedule { return r.schedule }

// Next returns the first fire time strictly after t, or the zero time
// when the rule will never fire again.
func (r *Rule) Next(t time.Time) time.Time { return r.schedule.Next(t) }

// Describe renders the trigger for metadata and logs.
func (r *Rule) Describe() string {
	if r.Type == repository.SchedulerDate {
		return "at " + r.RunAt.Format(time.RFC3339)
	}
	return "cron " + r.Spec
}

// ParseRule validates a scheduler_type and schedule_config pairing and
// compiles the trigger. Manual configs have no trigger and are refused
// here; they are fired on demand through the facade.
func ParseRule(schedulerType repository.SchedulerType, scheduleConfig map[string]any) (*Rule, error) {
	switch schedulerType {
	case repository.SchedulerCron:
		var rule CronRule
		if err := mapstructure.Decode(scheduleConfig, &rule); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "malformed schedule_config", err)
		}
		if rule.CronExpression == "" {
			return nil, apperr.Validationf("cron config requires schedule_config.cron_expression")
		}
		sched, err := cronParser.Parse(rule.CronExpression)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "invalid cron expression "+rule.CronExpression, err)
		}
		return &Rule{Type: schedulerType, Spec: rule.CronExpression, schedule: sched}, nil
	case repository.SchedulerDate:
		var rule DateRule
		if err := mapstructure.Decode(scheduleConfig, &rule); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "malformed schedule_config", err)
		}
		if rule.RunAt == "" {
			return nil, apperr.Validationf("date config requires schedule_config.run_at")
		}
		runAt, err := parseRunAt(rule.RunAt)
		if err != nil {
			return nil, err
		}
		return &Rule{Type: schedulerType, RunAt: runAt, schedule: dateSchedule{at: runAt}}, nil
	case repository.SchedulerManual:
		return nil, apperr.Validationf("manual configs are fired on demand and cannot be scheduled")
	default:
		return nil, apperr.Validationf("unknown scheduler type %q", schedulerType)
	}
}

// runAtLayouts are tried in order. Zone-free layouts cover operator
// input copied from UIs that drop the offset.
var runAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseRunAt(s string) (time.Time, error) {
	for _, layout := range runAtLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperr.Validationf("cannot parse run_at %q, want RFC3339", s)
}

// dateSchedule fires exactly once at a fixed instant.
type dateSchedule struct {
	at time.Time
}

func (d dateSchedule) Next(t time.Time) time.Time {
	if t.Before(d.at) {
		return d.at
	}
	return time.Time{}
}
