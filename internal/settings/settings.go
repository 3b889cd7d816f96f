// Package settings holds the dynamic runtime settings: compiled
// defaults overlaid with operator overrides persisted in Redis.
// Reads are served from an in-memory snapshot; mutations write through
// and refresh it.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/json"
	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// Known setting keys. Defaults() is the single source of what exists;
// updates touching anything else are rejected.
const (
	KeyExecutionRetentionDays      = "execution_retention_days"
	KeyExecutionStatsDays          = "execution_stats_days"
	KeyScheduleMaxHistory          = "schedule_max_history"
	KeyScheduleMetaTTLHours        = "schedule_meta_ttl_hours"
	KeyCacheDefaultTTLSeconds      = "cache_default_ttl_seconds"
	KeyWorkerDefaultTimeoutSeconds = "worker_default_timeout_seconds"
	KeyWorkerMaxConcurrent         = "worker_max_concurrent"
	KeyReconcileIntervalMinutes    = "reconcile_interval_minutes"
)

// Defaults returns the compiled defaults for every known key.
func Defaults() map[string]any {
	return map[string]any{
		KeyExecutionRetentionDays:      90,
		KeyExecutionStatsDays:          7,
		KeyScheduleMaxHistory:          100,
		KeyScheduleMetaTTLHours:        168,
		KeyCacheDefaultTTLSeconds:      300,
		KeyWorkerDefaultTimeoutSeconds: 300,
		KeyWorkerMaxConcurrent:         10,
		KeyReconcileIntervalMinutes:    30,
	}
}

// Meta records the last settings mutation.
type Meta struct {
	UpdatedAt   string   `json:"updated_at"`
	UpdatedKeys []string `json:"updated_keys"`
}

// Service merges defaults with Redis-persisted overrides. Safe for
// concurrent use.
type Service struct {
	ops *redispkg.Ops
	log *zap.Logger

	mu       sync.RWMutex
	snapshot map[string]any
}

// New creates the service with the snapshot primed from defaults.
// Callers refresh once Redis is reachable.
func New(ops *redispkg.Ops, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ops:      ops,
		log:      log.With(zap.String("component", "settings")),
		snapshot: Defaults(),
	}
}

// overrides loads the persisted override document. Missing document or
// Redis outage read as no overrides.
func (s *Service) overrides(ctx context.Context) map[string]any {
	var doc map[string]any
	if !s.ops.GetJSON(ctx, redispkg.SettingsKey(), &doc) {
		return nil
	}
	return doc
}

func merge(overrides map[string]any) map[string]any {
	effective := Defaults()
	for key, val := range overrides {
		if _, known := effective[key]; known {
			effective[key] = val
		}
	}
	return effective
}

// Refresh re-reads overrides and replaces the snapshot. On outage the
// previous snapshot stays in place.
func (s *Service) Refresh(ctx context.Context) {
	var doc map[string]any
	if !s.ops.GetJSON(ctx, redispkg.SettingsKey(), &doc) {
		// Distinguish "no overrides" from "redis down" with a probe.
		if _, err := s.ops.Manager().Get(ctx); err != nil {
			return
		}
	}
	effective := merge(doc)
	s.mu.Lock()
	s.snapshot = effective
	s.mu.Unlock()
}

// GetAll returns the effective settings, refreshing the snapshot first.
func (s *Service) GetAll(ctx context.Context) map[string]any {
	s.Refresh(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}

// Cached returns the snapshot value for key without touching Redis,
// falling back to def for unknown keys.
func (s *Service) Cached(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.snapshot[key]; ok {
		return v
	}
	return def
}

// CachedInt reads an integer setting, coercing the JSON number form.
func (s *Service) CachedInt(key string, def int) int {
	switch v := s.Cached(key, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// CachedBool reads a boolean setting.
func (s *Service) CachedBool(key string, def bool) bool {
	if v, ok := s.Cached(key, def).(bool); ok {
		return v
	}
	return def
}

// CachedString reads a string setting.
func (s *Service) CachedString(key, def string) string {
	if v, ok := s.Cached(key, def).(string); ok {
		return v
	}
	return def
}

// Update persists a patch of overrides. Unknown keys and values whose
// JSON type disagrees with the default are rejected; nothing is written
// on a rejected patch.
func (s *Service) Update(ctx context.Context, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	defaults := Defaults()
	for key, val := range patch {
		def, known := defaults[key]
		if !known {
			return apperr.Validationf("unknown setting %q", key).
				WithDetails(map[string]any{"key": key})
		}
		if !sameJSONType(def, val) {
			return apperr.Validationf("setting %q expects a %s", key, jsonTypeName(def)).
				WithDetails(map[string]any{"key": key})
		}
	}

	doc := s.overrides(ctx)
	if doc == nil {
		doc = make(map[string]any, len(patch))
	}
	keys := make([]string, 0, len(patch))
	for key, val := range patch {
		doc[key] = val
		keys = append(keys, key)
	}

	if err := s.writeDoc(ctx, doc, keys); err != nil {
		return err
	}
	s.Refresh(ctx)
	return nil
}

// Reset drops overrides. Without arguments the whole override document
// is removed; with keys only those revert to defaults.
func (s *Service) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		if _, err := s.ops.Manager().Get(ctx); err != nil {
			return err
		}
		s.ops.Del(ctx, redispkg.SettingsKey())
		if err := s.writeMeta(ctx, allKeys()); err != nil {
			return err
		}
		s.Refresh(ctx)
		return nil
	}

	doc := s.overrides(ctx)
	if doc == nil {
		doc = map[string]any{}
	}
	for _, key := range keys {
		delete(doc, key)
	}
	if err := s.writeDoc(ctx, doc, keys); err != nil {
		return err
	}
	s.Refresh(ctx)
	return nil
}

// LastUpdate returns the mutation sidecar, if present.
func (s *Service) LastUpdate(ctx context.Context) (Meta, bool) {
	var meta Meta
	if !s.ops.GetJSON(ctx, redispkg.SettingsMetaKey(), &meta) {
		return Meta{}, false
	}
	return meta, true
}

func (s *Service) writeDoc(ctx context.Context, doc map[string]any, updatedKeys []string) error {
	docPayload, err := json.Marshal(doc)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "settings: encode overrides", err)
	}
	metaPayload, err := json.Marshal(Meta{
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
		UpdatedKeys: updatedKeys,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "settings: encode meta", err)
	}

	err = s.ops.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redispkg.SettingsKey(), docPayload, 0)
		pipe.Set(ctx, redispkg.SettingsMetaKey(), metaPayload, 0)
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "settings: persist failed", err)
	}
	return nil
}

func (s *Service) writeMeta(ctx context.Context, updatedKeys []string) error {
	payload, err := json.Marshal(Meta{
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
		UpdatedKeys: updatedKeys,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "settings: encode meta", err)
	}
	if !s.ops.SetBytes(ctx, redispkg.SettingsMetaKey(), payload, 0) {
		return apperr.Transientf("settings: persist failed")
	}
	return nil
}

func allKeys() []string {
	defaults := Defaults()
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	return keys
}

func sameJSONType(def, val any) bool {
	switch def.(type) {
	case int, int64, float64:
		switch val.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case bool:
		_, ok := val.(bool)
		return ok
	case string:
		_, ok := val.(string)
		return ok
	default:
		return true
	}
}

func jsonTypeName(def any) string {
	switch def.(type) {
	case int, int64, float64:
		return "number"
	case bool:
		return "boolean"
	case string:
		return "string"
	default:
		return "value"
	}
}
