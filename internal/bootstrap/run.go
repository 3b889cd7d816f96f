package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	settingspkg "github.com/taskmesh-io/taskmesh/internal/settings"
	"github.com/taskmesh-io/taskmesh/pkg/metrics"
)

const shutdownGrace = 15 * time.Second

// Run starts the pool, the cron engine, the metrics endpoint, and the
// periodic reconciliation sweep, then blocks until ctx is cancelled and
// everything has drained.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start()
	a.engine.Start()

	if !a.cfg.DisableStartupReconcile {
		a.startupReconcile(ctx)
	}

	metricsSrv := metrics.NewServer(":" + a.cfg.MetricsPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.reconcileLoop(gctx)
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if stopErr := a.Shutdown(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// startupReconcile restores missing default instances and sweeps
// orphans once, so a restart converges before the first fire.
func (a *App) startupReconcile(ctx context.Context) {
	report, err := a.lifecycle.Reconcile(ctx, a.cfg.LegacyKeyPatterns)
	if err != nil {
		a.log.Warn("startup reconciliation failed", zap.Error(err))
		return
	}
	a.log.Info("startup reconciliation complete",
		zap.Int("orphans_removed", len(report.OrphansRemoved)),
		zap.Int("instances_created", len(report.InstancesCreated)),
		zap.Int64("legacy_keys_deleted", report.LegacyKeysDeleted),
	)
}

// reconcileLoop re-runs the sweep on the configured interval. The
// interval is a dynamic setting re-read each round so operators can
// retune it without a restart.
func (a *App) reconcileLoop(ctx context.Context) {
	for {
		minutes := a.settings.CachedInt(settingspkg.KeyReconcileIntervalMinutes, a.cfg.ReconcileIntervalMin)
		if minutes <= 0 {
			minutes = a.cfg.ReconcileIntervalMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(minutes) * time.Minute):
		}
		a.settings.Refresh(ctx)
		if _, err := a.service.Reconcile(ctx); err != nil {
			a.log.Warn("periodic reconciliation failed", zap.Error(err))
		}
	}
}

// Shutdown stops intake, drains in-flight fires, and closes the
// stores.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := a.engine.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := a.pool.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("platform stopped")
	return firstErr
}
