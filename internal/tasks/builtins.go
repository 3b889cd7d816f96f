// Package tasks ships the platform's own maintenance tasks. They are
// registered at bootstrap and run through the same registry, scheduler,
// and worker path as operator-defined tasks.
package tasks

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/registry"
	"github.com/taskmesh-io/taskmesh/internal/scheduler"
	settingspkg "github.com/taskmesh-io/taskmesh/internal/settings"
	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

// Task type names of the shipped maintenance tasks.
const (
	TypeExecutionsCleanup  = "executions_cleanup"
	TypeSchedulesReconcile = "schedules_reconcile"
	TypeCacheFlushTags     = "cache_flush_tags"
)

const maintenanceQueue = "maintenance"

const defaultRetentionDays = 90

// ExecutionJanitor deletes execution rows past their retention.
type ExecutionJanitor interface {
	CleanupOld(ctx context.Context, daysToKeep int) (int64, error)
}

// Reconciler sweeps schedule state back into agreement with the
// database.
type Reconciler interface {
	Reconcile(ctx context.Context, legacyPatterns []string) (*scheduler.ReconcileReport, error)
}

// TagFlusher drops cache entries by tag.
type TagFlusher interface {
	InvalidateTags(ctx context.Context, tags ...string) int64
}

// Deps carries the collaborators the builtin handlers close over.
type Deps struct {
	Executions     ExecutionJanitor
	Reconciler     Reconciler
	Cache          TagFlusher
	Settings       *settingspkg.Service
	LegacyPatterns []string
	Log            *zap.Logger
}

type builtins struct {
	deps Deps
	log  *zap.Logger
}

// RegisterBuiltins installs the shipped maintenance tasks into the
// registry. Panics on a duplicate type name, same as any other
// registration clash at bootstrap.
func RegisterBuiltins(reg *registry.Registry, deps Deps) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	b := &builtins{deps: deps, log: log.With(zap.String("component", "builtin_tasks"))}

	reg.MustRegister(registry.NewTask(TypeExecutionsCleanup, maintenanceQueue, b.executionsCleanup).
		Doc("Deletes finished task executions older than the retention window.").
		Param(registry.P("days", registry.Int()).Default(0).Min(0).Max(3650).
			Description("Retention in days. Zero uses the execution_retention_days setting.")).
		Inject("ctx", "task_id").
		Build())

	reg.MustRegister(registry.NewTask(TypeSchedulesReconcile, maintenanceQueue, b.schedulesReconcile).
		Doc("Removes orphaned schedule instances, restores missing default instances, and sweeps legacy scheduler keys.").
		Inject("ctx", "task_id").
		Build())

	reg.MustRegister(registry.NewTask(TypeCacheFlushTags, maintenanceQueue, b.cacheFlushTags).
		Doc("Invalidates cached API responses by tag.").
		Param(registry.P("tags", registry.List(registry.Str())).
			Placeholder("task_configs, schedule_list").
			Description("Cache tags to flush. A comma-separated string works too.")).
		Inject("ctx", "task_id").
		Build())
}

func (b *builtins) executionsCleanup(ctx context.Context, call registry.Call) (map[string]any, error) {
	days := intArg(call.Params, "days", 0)
	if days <= 0 {
		days = b.retentionDays()
	}
	removed, err := b.deps.Executions.CleanupOld(ctx, days)
	if err != nil {
		return nil, err
	}
	b.log.Info("old executions removed",
		zap.Int("days", days), zap.Int64("removed", removed))
	return map[string]any{"removed": removed, "days": days}, nil
}

func (b *builtins) schedulesReconcile(ctx context.Context, _ registry.Call) (map[string]any, error) {
	report, err := b.deps.Reconciler.Reconcile(ctx, b.deps.LegacyPatterns)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"orphans_removed":        report.OrphansRemoved,
		"instances_created":      report.InstancesCreated,
		"legacy_keys_deleted":    report.LegacyKeysDeleted,
		"legacy_entries_removed": report.LegacyEntriesRemoved,
	}, nil
}

func (b *builtins) cacheFlushTags(ctx context.Context, call registry.Call) (map[string]any, error) {
	tags := stringsArg(call.Params["tags"])
	if len(tags) == 0 {
		return nil, apperr.Validationf("tags must name at least one cache tag")
	}
	removed := b.deps.Cache.InvalidateTags(ctx, tags...)
	b.log.Info("cache tags flushed",
		zap.Strings("tags", tags), zap.Int64("invalidated", removed))
	return map[string]any{"invalidated": removed, "tags": tags}, nil
}

func (b *builtins) retentionDays() int {
	if b.deps.Settings != nil {
		return b.deps.Settings.CachedInt(settingspkg.KeyExecutionRetentionDays, defaultRetentionDays)
	}
	return defaultRetentionDays
}

// intArg reads an integer parameter, tolerating the float64 that JSON
// decoding produces.
func intArg(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// stringsArg reads a string-list parameter. A comma-separated string is
// accepted for hand-typed manual triggers.
func stringsArg(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		parts := strings.Split(vv, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
