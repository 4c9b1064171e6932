// Package bootstrap composes the engine stack — config, logger,
// telemetry, state store, event bus, handler registry and scheduler —
// so every binary wires the same way.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/diaflow/common/config"
	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/common/telemetry"
	"github.com/flowmesh/diaflow/engine/archive"
	"github.com/flowmesh/diaflow/engine/condition"
	"github.com/flowmesh/diaflow/engine/eventbus"
	"github.com/flowmesh/diaflow/engine/execctx"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/handler"
	"github.com/flowmesh/diaflow/engine/handlers"
	"github.com/flowmesh/diaflow/engine/scheduler"
	"github.com/flowmesh/diaflow/engine/state"
)

// Setup initializes all components for a service. Callers own the
// returned Components and must Shutdown it.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Components{}

	var err error
	if options.customConfig != nil {
		c.Config = options.customConfig
	} else {
		c.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if options.customLogger != nil {
		c.Logger = options.customLogger
	} else {
		c.Logger = logger.New(c.Config.Service.LogLevel, c.Config.Service.LogFormat)
	}

	c.Logger.Info("initializing service",
		"service", serviceName,
		"environment", c.Config.Service.Environment,
		"state_backend", c.Config.State.Backend)

	c.Telemetry = telemetry.New(c.Config.Telemetry.EnablePprof, c.Config.Telemetry.PprofPort, c.Logger)
	if !options.skipTelemetry {
		if err := c.Telemetry.Start(ctx); err != nil {
			return nil, fmt.Errorf("start telemetry: %w", err)
		}
	}

	backend, err := openBackend(ctx, c.Config, c.Logger)
	if err != nil {
		return nil, err
	}
	c.Store = state.New(backend,
		c.Config.State.CacheSize,
		c.Config.State.CacheTTL,
		c.Logger,
		c.Telemetry.Counters)
	c.addCleanup(c.Store.Close)

	c.Bus = eventbus.New(c.Telemetry.Counters)
	c.addCleanup(func() error {
		c.Bus.Close()
		return nil
	})

	c.Services = execctx.NewServiceRegistry()
	for key, svc := range options.services {
		if err := c.Services.Register(key, svc); err != nil {
			return nil, fmt.Errorf("register service %q: %w", key, err)
		}
	}

	c.Registry = handler.NewRegistry()
	handlers.RegisterBuiltins(c.Registry, condition.NewEvaluator())

	c.Engine = scheduler.New(c.Store, c.Registry, c.Bus, c.Services,
		c.Logger, c.Telemetry.Counters, c.Config.Engine)

	if c.Config.Redis.Enabled {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     c.Config.RedisAddr(),
			Password: c.Config.Redis.Password,
		})
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis at %s: %w", c.Config.RedisAddr(), err)
		}
		c.addCleanup(c.Redis.Close)
		c.Logger.Info("redis relay connected", "addr", c.Config.RedisAddr())
	}

	var prune func(context.Context, *execution.State) error
	if c.Config.Archive.Enabled() {
		archiver, aerr := archive.NewS3Archiver(ctx, c.Config.Archive, c.Logger)
		if aerr != nil {
			return nil, fmt.Errorf("init archive: %w", aerr)
		}
		c.Archiver = archiver
		prune = archiver.Archive
	}

	if !options.skipJanitor {
		c.Janitor = state.NewJanitor(c.Store, c.Config.Cleanup.MaxAge, prune, c.Logger)
		if err := c.Janitor.Start(c.Config.Cleanup.Schedule); err != nil {
			return nil, fmt.Errorf("start janitor: %w", err)
		}
		c.addCleanup(func() error {
			c.Janitor.Stop()
			return nil
		})
	}

	return c, nil
}

// openBackend selects the durable layer per STATE_BACKEND.
func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (state.Backend, error) {
	switch cfg.State.Backend {
	case "memory":
		return state.NewMemoryBackend(), nil
	case "pebble":
		backend, err := state.NewPebbleBackend(cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("open pebble backend: %w", err)
		}
		return backend, nil
	case "postgres":
		backend, err := state.NewPostgresBackend(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}
