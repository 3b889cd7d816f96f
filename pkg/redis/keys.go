package redis

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Key namespaces. Every key the platform writes lives under one of
// these scopes; "auth:" is reserved for the embedding application and
// never touched here.
const (
	NamespaceAuth     = "auth"
	NamespaceCache    = "cache"
	NamespaceSchedule = "schedule"
	NamespaceApp      = "app"
)

// TTL and sizing constants for schedule and cache artifacts.
const (
	TTLScheduleMeta = 7 * 24 * time.Hour // metadata snapshot, renewed on write
	TTLCacheTag     = 24 * time.Hour     // tag membership sets, refreshed on write
	TTLCacheDefault = 5 * time.Minute    // fallback for cached values

	MaxScheduleHistory = 100 // bounded event history per schedule
)

const scheduleIDPrefix = NamespaceSchedule + ":config:"

// StatusKey returns the live status key for a schedule instance.
func StatusKey(scheduleID string) string {
	return NamespaceSchedule + ":status:" + scheduleID
}

// MetaKey returns the metadata snapshot key for a schedule instance.
func MetaKey(scheduleID string) string {
	return NamespaceSchedule + ":meta:" + scheduleID
}

// HistoryKey returns the event history list key for a schedule instance.
func HistoryKey(scheduleID string) string {
	return NamespaceSchedule + ":history:" + scheduleID
}

// ConfigIndexKey returns the set key indexing the live instances of a
// task config.
func ConfigIndexKey(configID int64) string {
	return NamespaceSchedule + ":index:config:" + strconv.FormatInt(configID, 10)
}

// StatusScanPattern matches every live status key; the only key family
// enumerated by SCAN.
func StatusScanPattern() string {
	return NamespaceSchedule + ":status:*"
}

// CacheValueKey returns the storage key for a cached value.
func CacheValueKey(key string) string {
	return NamespaceCache + ":" + key
}

// CacheTagKey returns the membership set key for a cache tag.
func CacheTagKey(tag string) string {
	return NamespaceCache + ":tag:" + tag
}

// SettingsKey is the dynamic settings overrides document.
func SettingsKey() string {
	return NamespaceApp + ":dynamic_settings"
}

// SettingsMetaKey is the sidecar recording the last settings mutation.
func SettingsMetaKey() string {
	return NamespaceApp + ":dynamic_settings:meta"
}

// BuildScheduleID assembles the canonical schedule instance identifier.
func BuildScheduleID(configID int64, uid string) string {
	return scheduleIDPrefix + strconv.FormatInt(configID, 10) + ":" + uid
}

// NewScheduleID builds a schedule identifier with a fresh random uid.
func NewScheduleID(configID int64) string {
	uid := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return BuildScheduleID(configID, uid)
}

// ParseScheduleID extracts the owning config id from a canonical
// schedule identifier. Returns false for legacy or foreign identifiers;
// callers fall back to the metadata snapshot.
func ParseScheduleID(scheduleID string) (int64, bool) {
	parts := strings.Split(scheduleID, ":")
	if len(parts) != 4 || parts[0] != NamespaceSchedule || parts[1] != "config" {
		return 0, false
	}
	configID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || configID <= 0 {
		return 0, false
	}
	if !isHexUID(parts[3]) {
		return 0, false
	}
	return configID, true
}

func isHexUID(s string) bool {
	if len(s) < 8 || len(s) > 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
