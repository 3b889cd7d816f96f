// Package connect opens the platform's backing Postgres database with
// retried connects so the daemon survives a database that comes up
// after it does.
package connect

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/config"
)

const (
	maxAttempts  = 5
	retryDelay   = 3 * time.Second
	pingDeadline = 5 * time.Second
)

// Postgres opens and pings the database described by cfg, retrying
// transient failures before giving up.
func Postgres(ctx context.Context, log *zap.Logger, cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode,
	)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			lastErr = err
			log.Warn("open database failed", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			pingCtx, cancel := context.WithTimeout(ctx, pingDeadline)
			err = db.PingContext(pingCtx)
			cancel()
			if err == nil {
				db.SetMaxOpenConns(cfg.DBMaxOpen)
				db.SetMaxIdleConns(cfg.DBMaxIdle)
				db.SetConnMaxLifetime(30 * time.Minute)
				log.Info("database connection established",
					zap.String("host", cfg.DBHost),
					zap.String("database", cfg.DBName),
				)
				return db, nil
			}
			lastErr = err
			log.Warn("database ping failed", zap.Int("attempt", attempt), zap.Error(err))
			_ = db.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", maxAttempts, lastErr)
}
