// Command server runs the taskmesh daemon: the cron engine, the worker
// pool, the reconciliation sweep, and the metrics endpoint. The task
// service facade is exposed to the embedding API through the bootstrap
// container.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/internal/bootstrap"
	"github.com/taskmesh-io/taskmesh/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Initialize(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		os.Exit(1)
	}

	log := app.Logger()
	log.Info("taskmesh starting",
		zap.String("env", cfg.AppEnv),
		zap.Int("workers", cfg.WorkerCount),
		zap.Int("task_types", app.Registry().Len()),
	)

	if err := app.Run(ctx); err != nil {
		log.Error("daemon exited with error", zap.Error(err))
		os.Exit(1)
	}
}
