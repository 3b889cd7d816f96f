// Package health aggregates liveness probes over the platform's
// backing stores.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"

	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// Status of a component, or of the platform as a whole.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

const probeTimeout = 3 * time.Second

// HealthCheck probes one dependency.
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker runs registered checks and aggregates the result.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make([]HealthCheck, 0)}
}

// Register adds a health check.
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check runs every check and returns the raw per-component errors.
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]error, len(hc.checks))
	for _, check := range hc.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// ComponentHealth is one probed dependency in a report.
type ComponentHealth struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the aggregated health view.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Report folds the check results: the platform is UP only when every
// component is.
func (hc *HealthChecker) Report(ctx context.Context) Report {
	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  time.Now().UTC(),
	}
	for name, err := range hc.Check(ctx) {
		component := ComponentHealth{Status: StatusUp}
		if err != nil {
			component.Status = StatusDown
			component.Error = err.Error()
			report.Status = StatusDown
		}
		report.Components[name] = component
	}
	return report
}

// DatabaseHealthCheck pings Postgres.
type DatabaseHealthCheck struct {
	name string
	db   *sql.DB
}

func NewDatabaseHealthCheck(name string, db *sql.DB) *DatabaseHealthCheck {
	return &DatabaseHealthCheck{name: name, db: db}
}

func (d *DatabaseHealthCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

func (d *DatabaseHealthCheck) Name() string {
	return d.name
}

// RedisHealthCheck pings Redis through the connection manager.
type RedisHealthCheck struct {
	name    string
	manager *redispkg.Manager
}

func NewRedisHealthCheck(name string, manager *redispkg.Manager) *RedisHealthCheck {
	return &RedisHealthCheck{name: name, manager: manager}
}

func (r *RedisHealthCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return r.manager.Ping(ctx)
}

func (r *RedisHealthCheck) Name() string {
	return r.name
}

type funcCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// CheckFunc adapts a plain function into a HealthCheck.
func CheckFunc(name string, fn func(ctx context.Context) error) HealthCheck {
	return &funcCheck{name: name, fn: fn}
}

func (f *funcCheck) Check(ctx context.Context) error { return f.fn(ctx) }
func (f *funcCheck) Name() string                    { return f.name }
