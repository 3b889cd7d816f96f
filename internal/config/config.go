package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	AppEnv      string
	AppName     string
	LogLevel    string
	MetricsPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxOpen  int
	DBMaxIdle  int

	RedisHost                string
	RedisPort                string
	RedisPassword            string
	RedisDB                  int
	RedisPoolSize            int
	RedisMinIdleConns        int
	RedisMaxRetries          int
	RedisHealthCheckInterval int // seconds between cached PING probes

	// Scheduler behavior. LegacyKeyPatterns holds Redis globs of key
	// families older deployments left behind, comma-separated in the
	// environment; empty disables legacy cleanup.
	WorkerCount             int
	ExecutionRetentionDays  int
	ReconcileIntervalMin    int
	LegacyKeyPatterns       []string
	DisableStartupReconcile bool
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        os.Getenv("APP_ENV"),
		AppName:       os.Getenv("APP_NAME"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		MetricsPort:   os.Getenv("METRICS_PORT"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		DBSSLMode:     os.Getenv("DB_SSL_MODE"),
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     os.Getenv("REDIS_PORT"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}
	if cfg.AppName == "" {
		cfg.AppName = "taskmesh"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.DBPort == "" {
		cfg.DBPort = "5432"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}

	ints := []struct {
		env string
		dst *int
		def int
	}{
		{"DB_MAX_OPEN_CONNS", &cfg.DBMaxOpen, 20},
		{"DB_MAX_IDLE_CONNS", &cfg.DBMaxIdle, 5},
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"REDIS_POOL_SIZE", &cfg.RedisPoolSize, 10},
		{"REDIS_MIN_IDLE_CONNS", &cfg.RedisMinIdleConns, 2},
		{"REDIS_MAX_RETRIES", &cfg.RedisMaxRetries, 3},
		{"REDIS_HEALTH_CHECK_INTERVAL", &cfg.RedisHealthCheckInterval, 30},
		{"SCHEDULER_WORKER_COUNT", &cfg.WorkerCount, 10},
		{"EXECUTION_RETENTION_DAYS", &cfg.ExecutionRetentionDays, 90},
		{"RECONCILE_INTERVAL_MINUTES", &cfg.ReconcileIntervalMin, 30},
	}
	for _, it := range ints {
		*it.dst = it.def
		if v := os.Getenv(it.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", it.env, err)
			}
			*it.dst = n
		}
	}

	if v := os.Getenv("SCHEDULER_LEGACY_KEY_PATTERNS"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.LegacyKeyPatterns = append(cfg.LegacyKeyPatterns, p)
			}
		}
	}
	if v := os.Getenv("SCHEDULER_DISABLE_STARTUP_RECONCILE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_DISABLE_STARTUP_RECONCILE: %w", err)
		}
		cfg.DisableStartupReconcile = b
	}

	if cfg.DBHost == "" || cfg.DBUser == "" || cfg.DBPassword == "" || cfg.DBName == "" || cfg.RedisHost == "" {
		return nil, fmt.Errorf("missing required environment variables")
	}
	return cfg, nil
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}
