package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
	"github.com/taskmesh-io/taskmesh/pkg/json"
	"github.com/taskmesh-io/taskmesh/pkg/metrics"
	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// Status is the live state of one schedule instance.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// Statuses lists every schedule status.
func Statuses() []Status {
	return []Status{StatusInactive, StatusActive, StatusPaused, StatusError}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusPaused, StatusError:
		return true
	}
	return false
}

// Event names written to schedule history. Pause and resume show up as
// status_changed entries carrying an action detail.
const (
	EventRegistered   = "task_registered"
	EventStatusChange = "status_changed"
)

// Meta is the snapshot captured when an instance is registered. It is
// kept for inspection only; resume always rebuilds from the current DB
// config.
type Meta struct {
	ScheduleID     string         `json:"schedule_id"`
	ConfigID       int64          `json:"config_id"`
	TaskType       string         `json:"task_type"`
	SchedulerType  string         `json:"scheduler_type"`
	Schedule       string         `json:"schedule"`
	Parameters     map[string]any `json:"parameters"`
	ScheduleConfig map[string]any `json:"schedule_config"`
	RegisteredAt   string         `json:"registered_at"`
}

// Event is one history entry, newest first in storage.
type Event struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Info is the composite per-instance view.
type Info struct {
	ScheduleID string     `json:"schedule_id"`
	Status     Status     `json:"status"`
	Meta       *Meta      `json:"meta,omitempty"`
	History    []Event    `json:"history"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

// StateStore keeps the Redis half of every schedule instance: status,
// metadata snapshot, bounded event history, and the config index. Every
// write goes through a MULTI/EXEC pipeline and surfaces failures so the
// lifecycle can compensate. Callers serialize mutations per schedule id.
type StateStore struct {
	ops        *redispkg.Ops
	log        *zap.Logger
	maxHistory int
	metaTTL    time.Duration
}

// NewStateStore creates a state store. Non-positive limits fall back to
// the namespace defaults.
func NewStateStore(ops *redispkg.Ops, log *zap.Logger, maxHistory int, metaTTL time.Duration) *StateStore {
	if log == nil {
		log = zap.NewNop()
	}
	if maxHistory <= 0 {
		maxHistory = redispkg.MaxScheduleHistory
	}
	if metaTTL <= 0 {
		metaTTL = redispkg.TTLScheduleMeta
	}
	return &StateStore{
		ops:        ops,
		log:        log.With(zap.String("component", "schedule_state")),
		maxHistory: maxHistory,
		metaTTL:    metaTTL,
	}
}

// AddToIndex records an instance under its config's index set.
func (s *StateStore) AddToIndex(ctx context.Context, configID int64, scheduleID string) error {
	return s.ops.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, redispkg.ConfigIndexKey(configID), scheduleID)
		return nil
	})
}

// RemoveFromIndex drops an instance from its config's index set.
func (s *StateStore) RemoveFromIndex(ctx context.Context, configID int64, scheduleID string) error {
	return s.ops.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, redispkg.ConfigIndexKey(configID), scheduleID)
		return nil
	})
}

// ListIDs returns the instance ids of a config, sorted.
func (s *StateStore) ListIDs(ctx context.Context, configID int64) []string {
	ids := s.ops.SMembers(ctx, redispkg.ConfigIndexKey(configID))
	sort.Strings(ids)
	return ids
}

// InstanceCount returns how many live instances a config has.
func (s *StateStore) InstanceCount(ctx context.Context, configID int64) int64 {
	return s.ops.SCard(ctx, redispkg.ConfigIndexKey(configID))
}

// Status reads an instance's live status.
func (s *StateStore) Status(ctx context.Context, scheduleID string) (Status, bool) {
	val, ok := s.ops.GetStr(ctx, redispkg.StatusKey(scheduleID))
	if !ok {
		return "", false
	}
	return Status(val), true
}

// SetStatus writes the status and, when it actually changes an existing
// one, appends a status_changed event. The fresh-registration write
// stays silent so the first history entry remains task_registered.
func (s *StateStore) SetStatus(ctx context.Context, scheduleID string, status Status, details map[string]any) error {
	if !status.Valid() {
		return apperr.Validationf("unknown schedule status %q", status)
	}
	prev, hadPrev := s.Status(ctx, scheduleID)
	historyKey := redispkg.HistoryKey(scheduleID)
	return s.ops.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redispkg.StatusKey(scheduleID), string(status), 0)
		if hadPrev && prev != status {
			merged := map[string]any{"from": string(prev), "to": string(status)}
			for k, v := range details {
				merged[k] = v
			}
			pipe.LPush(ctx, historyKey, s.eventPayload(EventStatusChange, merged))
			pipe.LTrim(ctx, historyKey, 0, int64(s.maxHistory-1))
			pipe.Expire(ctx, historyKey, s.metaTTL)
		}
		pipe.Expire(ctx, redispkg.MetaKey(scheduleID), s.metaTTL)
		return nil
	})
}

// SetMeta writes the metadata snapshot with its TTL.
func (s *StateStore) SetMeta(ctx context.Context, meta *Meta) error {
	if meta == nil || meta.ScheduleID == "" {
		return apperr.Validationf("schedule meta requires a schedule id")
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal schedule meta", err)
	}
	return s.ops.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redispkg.MetaKey(meta.ScheduleID), payload, s.metaTTL)
		return nil
	})
}

// GetMeta reads the metadata snapshot.
func (s *StateStore) GetMeta(ctx context.Context, scheduleID string) (*Meta, bool) {
	var meta Meta
	if !s.ops.GetJSON(ctx, redispkg.MetaKey(scheduleID), &meta) {
		return nil, false
	}
	return &meta, true
}

// AddEvent appends a history entry, enforcing the cap, and renews the
// meta TTL.
func (s *StateStore) AddEvent(ctx context.Context, scheduleID, event string, details map[string]any) error {
	historyKey := redispkg.HistoryKey(scheduleID)
	payload := s.eventPayload(event, details)
	return s.ops.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, historyKey, payload)
		pipe.LTrim(ctx, historyKey, 0, int64(s.maxHistory-1))
		pipe.Expire(ctx, historyKey, s.metaTTL)
		pipe.Expire(ctx, redispkg.MetaKey(scheduleID), s.metaTTL)
		return nil
	})
}

// History reads the newest events, capped at limit.
func (s *StateStore) History(ctx context.Context, scheduleID string, limit int) []Event {
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}
	raw := s.ops.LRange(ctx, redispkg.HistoryKey(scheduleID), 0, int64(limit-1))
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.log.Warn("dropping undecodable history event",
				zap.String("schedule_id", scheduleID), zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events
}

// FullInfo reads status, meta, and history in one pass. Returns false
// when the instance has no artifacts at all.
func (s *StateStore) FullInfo(ctx context.Context, scheduleID string, historyLimit int) (*Info, bool) {
	status, hasStatus := s.Status(ctx, scheduleID)
	meta, hasMeta := s.GetMeta(ctx, scheduleID)
	if !hasStatus && !hasMeta {
		return nil, false
	}
	if !hasStatus {
		status = StatusInactive
	}
	return &Info{
		ScheduleID: scheduleID,
		Status:     status,
		Meta:       meta,
		History:    s.History(ctx, scheduleID, historyLimit),
	}, true
}

// Summary tallies live instances by status via SCAN and refreshes the
// schedules gauge.
func (s *StateStore) Summary(ctx context.Context) (map[Status]int, int) {
	counts := make(map[Status]int, 4)
	total := 0
	if keys := s.ops.ScanKeys(ctx, redispkg.StatusScanPattern()); len(keys) > 0 {
		for _, val := range s.ops.MGet(ctx, keys...) {
			st := Status(val)
			if !st.Valid() {
				continue
			}
			counts[st]++
			total++
		}
	}
	for _, st := range Statuses() {
		metrics.SchedulesByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return counts, total
}

// ScanIDs lists every live instance id found under the status
// namespace, sorted. Paused and errored instances are included; only
// unregistered ones are gone.
func (s *StateStore) ScanIDs(ctx context.Context) []string {
	prefix := redispkg.StatusKey("")
	keys := s.ops.ScanKeys(ctx, redispkg.StatusScanPattern())
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, prefix))
	}
	sort.Strings(ids)
	return ids
}

// PurgeArtifacts deletes status, meta, and history in one pipeline. The
// index entry is removed separately because it is keyed by config id.
func (s *StateStore) PurgeArtifacts(ctx context.Context, scheduleID string) error {
	return s.ops.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			redispkg.StatusKey(scheduleID),
			redispkg.MetaKey(scheduleID),
			redispkg.HistoryKey(scheduleID),
		)
		return nil
	})
}

// CleanupLegacyKeys deletes keys matching the configured pre-migration
// patterns.
func (s *StateStore) CleanupLegacyKeys(ctx context.Context, patterns []string) int64 {
	var deleted int64
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		n := s.ops.ScanDel(ctx, pattern)
		if n > 0 {
			s.log.Info("legacy keys removed",
				zap.String("pattern", pattern), zap.Int64("deleted", n))
		}
		deleted += n
	}
	return deleted
}

func (s *StateStore) eventPayload(event string, details map[string]any) string {
	return json.MustMarshalString(Event{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   details,
	})
}
