package bootstrap

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/diaflow/common/config"
	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/common/telemetry"
	"github.com/flowmesh/diaflow/engine/archive"
	"github.com/flowmesh/diaflow/engine/eventbus"
	"github.com/flowmesh/diaflow/engine/execctx"
	"github.com/flowmesh/diaflow/engine/handler"
	"github.com/flowmesh/diaflow/engine/scheduler"
	"github.com/flowmesh/diaflow/engine/state"
)

// Components holds every initialized dependency.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	Telemetry *telemetry.Telemetry

	Store    *state.Store
	Bus      *eventbus.Bus
	Services *execctx.ServiceRegistry
	Registry *handler.Registry
	Engine   *scheduler.Engine

	// Optional, nil unless configured.
	Redis    *redis.Client
	Janitor  *state.Janitor
	Archiver *archive.S3Archiver

	cleanupFuncs []func() error
}

// Shutdown releases components in reverse initialization order.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

// Health probes the components that can fail at runtime.
func (c *Components) Health(ctx context.Context) error {
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
