// Package bootstrap composes the platform: stores, registry, scheduler
// stack, worker pool, and the task service, wired through the DI
// container in dependency order and torn down in reverse.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/database/connect"
	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/registry"
	"github.com/taskmesh-io/taskmesh/internal/repository"
	"github.com/taskmesh-io/taskmesh/internal/scheduler"
	taskssvc "github.com/taskmesh-io/taskmesh/internal/service/tasks"
	settingspkg "github.com/taskmesh-io/taskmesh/internal/settings"
	builtintasks "github.com/taskmesh-io/taskmesh/internal/tasks"
	"github.com/taskmesh-io/taskmesh/internal/worker"
	cachepkg "github.com/taskmesh-io/taskmesh/pkg/cache"
	"github.com/taskmesh-io/taskmesh/pkg/di"
	"github.com/taskmesh-io/taskmesh/pkg/health"
	"github.com/taskmesh-io/taskmesh/pkg/logger"
	redispkg "github.com/taskmesh-io/taskmesh/pkg/redis"
)

// fireQueueFactor sizes the pool's backlog relative to its workers.
const fireQueueFactor = 4

// App owns every long-lived component and the order they start and
// stop in.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	container *di.Container

	db    *sql.DB
	redis *redispkg.Manager

	registry  *registry.Registry
	pool      *worker.Pool
	runner    *worker.Runner
	engine    *scheduler.CronEngine
	state     *scheduler.StateStore
	lifecycle *scheduler.Lifecycle
	settings  *settingspkg.Service
	cache     *cachepkg.Cache
	health    *health.HealthChecker
	service   *taskssvc.Service
}

// Initialize connects the backing stores and builds the full component
// graph. The returned App is not yet running; call Run.
func Initialize(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})

	db, err := connect.Postgres(ctx, log, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}

	redisMgr := redispkg.NewManager(redispkg.Config{
		Host:                cfg.RedisHost,
		Port:                cfg.RedisPort,
		Password:            cfg.RedisPassword,
		DB:                  cfg.RedisDB,
		PoolSize:            cfg.RedisPoolSize,
		MinIdleConns:        cfg.RedisMinIdleConns,
		MaxRetries:          cfg.RedisMaxRetries,
		HealthCheckInterval: time.Duration(cfg.RedisHealthCheckInterval) * time.Second,
	}, log)
	if err := redisMgr.Ping(ctx); err != nil {
		// Redis ops degrade to safe defaults, so startup proceeds.
		log.Warn("redis unreachable at startup", zap.Error(err))
	}

	app := &App{
		cfg:       cfg,
		log:       log,
		container: di.New(),
		db:        db,
		redis:     redisMgr,
	}
	if err := app.registerFactories(); err != nil {
		app.closeStores()
		return nil, err
	}
	if err := app.resolve(ctx); err != nil {
		app.closeStores()
		return nil, err
	}
	return app, nil
}

// registerFactories wires every component factory into the container.
// Construction happens lazily on resolve, in dependency order.
func (a *App) registerFactories() error {
	type registration struct {
		iface   interface{}
		factory di.Factory
	}
	regs := []registration{
		{(*redispkg.Ops)(nil), func(_ *di.Container) (interface{}, error) {
			return redispkg.NewOps(a.redis, a.log), nil
		}},
		{(*cachepkg.Cache)(nil), func(c *di.Container) (interface{}, error) {
			var ops *redispkg.Ops
			if err := c.Resolve(&ops); err != nil {
				return nil, err
			}
			return cachepkg.New(ops, a.log), nil
		}},
		{(*settingspkg.Service)(nil), func(c *di.Container) (interface{}, error) {
			var ops *redispkg.Ops
			if err := c.Resolve(&ops); err != nil {
				return nil, err
			}
			return settingspkg.New(ops, a.log), nil
		}},
		{(*repository.TaskConfigRepo)(nil), func(_ *di.Container) (interface{}, error) {
			return repository.NewTaskConfigRepo(a.db, a.log), nil
		}},
		{(*repository.ExecutionRepo)(nil), func(_ *di.Container) (interface{}, error) {
			return repository.NewExecutionRepo(a.db, a.log), nil
		}},
		{(*registry.Registry)(nil), func(_ *di.Container) (interface{}, error) {
			return registry.New(a.log), nil
		}},
		{(*worker.Pool)(nil), func(_ *di.Container) (interface{}, error) {
			size := a.cfg.WorkerCount
			return worker.NewPool("task-fires", size, size*fireQueueFactor, a.log), nil
		}},
		{(*worker.Runner)(nil), func(c *di.Container) (interface{}, error) {
			var (
				reg  *registry.Registry
				exec *repository.ExecutionRepo
				st   *settingspkg.Service
				pool *worker.Pool
			)
			for _, target := range []interface{}{&reg, &exec, &st, &pool} {
				if err := c.Resolve(target); err != nil {
					return nil, err
				}
			}
			return worker.NewRunner(a.log, reg, exec, st, pool), nil
		}},
		{(*scheduler.CronEngine)(nil), func(c *di.Container) (interface{}, error) {
			var (
				reg    *registry.Registry
				runner *worker.Runner
			)
			if err := c.Resolve(&reg); err != nil {
				return nil, err
			}
			if err := c.Resolve(&runner); err != nil {
				return nil, err
			}
			return scheduler.NewCronEngine(a.log, reg, runner.Dispatch), nil
		}},
		{(*scheduler.StateStore)(nil), func(c *di.Container) (interface{}, error) {
			var (
				ops *redispkg.Ops
				st  *settingspkg.Service
			)
			if err := c.Resolve(&ops); err != nil {
				return nil, err
			}
			if err := c.Resolve(&st); err != nil {
				return nil, err
			}
			maxHistory := st.CachedInt(settingspkg.KeyScheduleMaxHistory, 100)
			metaTTL := time.Duration(st.CachedInt(settingspkg.KeyScheduleMetaTTLHours, 168)) * time.Hour
			return scheduler.NewStateStore(ops, a.log, maxHistory, metaTTL), nil
		}},
		{(*scheduler.Lifecycle)(nil), func(c *di.Container) (interface{}, error) {
			var (
				engine  *scheduler.CronEngine
				state   *scheduler.StateStore
				configs *repository.TaskConfigRepo
			)
			for _, target := range []interface{}{&engine, &state, &configs} {
				if err := c.Resolve(target); err != nil {
					return nil, err
				}
			}
			return scheduler.NewLifecycle(engine, state, configs, a.log), nil
		}},
		{(*health.HealthChecker)(nil), func(_ *di.Container) (interface{}, error) {
			hc := health.NewHealthChecker()
			hc.Register(health.NewDatabaseHealthCheck("postgres", a.db))
			hc.Register(health.NewRedisHealthCheck("redis", a.redis))
			return hc, nil
		}},
		{(*taskssvc.Service)(nil), func(c *di.Container) (interface{}, error) {
			var (
				reg       *registry.Registry
				configs   *repository.TaskConfigRepo
				exec      *repository.ExecutionRepo
				lifecycle *scheduler.Lifecycle
				state     *scheduler.StateStore
				st        *settingspkg.Service
				cache     *cachepkg.Cache
				runner    *worker.Runner
				hc        *health.HealthChecker
			)
			for _, target := range []interface{}{&reg, &configs, &exec, &lifecycle, &state, &st, &cache, &runner, &hc} {
				if err := c.Resolve(target); err != nil {
					return nil, err
				}
			}
			return taskssvc.New(taskssvc.Deps{
				Log:            a.log,
				Registry:       reg,
				Configs:        configs,
				Executions:     exec,
				Lifecycle:      lifecycle,
				State:          state,
				Settings:       st,
				Cache:          cache,
				Runner:         runner,
				Health:         hc,
				LegacyPatterns: a.cfg.LegacyKeyPatterns,
			}), nil
		}},
	}
	for _, r := range regs {
		if err := a.container.Register(r.iface, r.factory); err != nil {
			return fmt.Errorf("register factory %T: %w", r.iface, err)
		}
	}
	return nil
}

// resolve materializes the graph, registers the builtin maintenance
// tasks, and closes the runner/lifecycle loop.
func (a *App) resolve(ctx context.Context) error {
	for _, target := range []interface{}{
		&a.registry, &a.pool, &a.runner, &a.engine, &a.state,
		&a.lifecycle, &a.settings, &a.cache, &a.health, &a.service,
	} {
		if err := a.container.Resolve(target); err != nil {
			return fmt.Errorf("bootstrap resolve: %w", err)
		}
	}

	var executions *repository.ExecutionRepo
	if err := a.container.Resolve(&executions); err != nil {
		return fmt.Errorf("bootstrap resolve: %w", err)
	}

	a.settings.Refresh(ctx)
	a.runner.BindStatusSink(a.service)
	a.engine.BindCompletionHook(func(scheduleID string) {
		hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.service.CompleteOneShotSchedule(hookCtx, scheduleID); err != nil {
			a.log.Warn("one-shot retirement failed",
				zap.String("schedule_id", scheduleID), zap.Error(err))
		}
	})
	builtintasks.RegisterBuiltins(a.registry, builtintasks.Deps{
		Executions:     executions,
		Reconciler:     a.lifecycle,
		Cache:          a.cache,
		Settings:       a.settings,
		LegacyPatterns: a.cfg.LegacyKeyPatterns,
		Log:            a.log,
	})
	return nil
}

// Service returns the task service facade.
func (a *App) Service() *taskssvc.Service { return a.service }

// Registry returns the task registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Lifecycle returns the schedule lifecycle facade.
func (a *App) Lifecycle() *scheduler.Lifecycle { return a.lifecycle }

// Health returns the aggregated health checker.
func (a *App) Health() *health.HealthChecker { return a.health }

// Container exposes the DI container so the embedding app can resolve
// or mock components.
func (a *App) Container() *di.Container { return a.container }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.log }

func (a *App) closeStores() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
