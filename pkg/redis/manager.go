package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

const probeTimeout = 5 * time.Second

// Config holds Redis configuration.
type Config struct {
	Host                string
	Port                string
	Password            string
	DB                  int
	PoolSize            int
	MinIdleConns        int
	MaxRetries          int
	HealthCheckInterval time.Duration
}

// Manager owns the process-wide Redis pool. The client is created
// lazily on first acquisition and handed out behind a cached health
// probe: at most one PING per HealthCheckInterval, callers inside the
// window reuse the pool without a network round-trip.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	client    *redis.Client
	healthy   bool
	lastProbe time.Time
}

// NewManager creates a Manager. No connection is opened until Get.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg: cfg,
		log: log.With(zap.String("component", "redis")),
	}
}

// Get returns the shared client after a health probe. Inside the probe
// window the cached handle is returned directly. A failed probe marks
// the manager unhealthy and returns a transient error; the next Get
// probes again immediately.
func (m *Manager) Get(ctx context.Context) (*redis.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		m.client = redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port),
			Password:     m.cfg.Password,
			DB:           m.cfg.DB,
			PoolSize:     m.cfg.PoolSize,
			MinIdleConns: m.cfg.MinIdleConns,
			MaxRetries:   m.cfg.MaxRetries,
		})
		m.healthy = false
	}

	if m.healthy && time.Since(m.lastProbe) < m.cfg.HealthCheckInterval {
		return m.client, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := m.client.Ping(probeCtx).Err(); err != nil {
		m.healthy = false
		m.log.Error("redis probe failed", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindTransient, "redis unavailable", err)
	}

	m.healthy = true
	m.lastProbe = time.Now()
	return m.client, nil
}

// WithConn runs fn with a live client. Any error other than a key miss
// marks the manager unhealthy so the next acquisition re-probes.
func (m *Manager) WithConn(ctx context.Context, fn func(context.Context, *redis.Client) error) error {
	client, err := m.Get(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, client); err != nil {
		if !errors.Is(err, redis.Nil) {
			m.MarkUnhealthy()
		}
		return err
	}
	return nil
}

// MarkUnhealthy forces a fresh probe on the next acquisition.
func (m *Manager) MarkUnhealthy() {
	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
}

// Reset discards the current client so the next acquisition reconnects.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			m.log.Warn("closing redis client on reset", zap.Error(err))
		}
		m.client = nil
	}
	m.healthy = false
	m.lastProbe = time.Time{}
}

// Close releases the pool. The manager is reusable afterwards; the next
// Get reconnects.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	m.healthy = false
	if err != nil {
		m.log.Error("failed to close redis client", zap.Error(err))
		return err
	}
	return nil
}

// Ping reports current availability with a direct probe, bypassing the
// cache window. Used by health checks.
func (m *Manager) Ping(ctx context.Context) error {
	client, err := m.Get(ctx)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := client.Ping(probeCtx).Err(); err != nil {
		m.MarkUnhealthy()
		return apperr.Wrap(apperr.KindTransient, "redis unavailable", err)
	}
	return nil
}
