package bootstrap

import (
	"github.com/flowmesh/diaflow/common/config"
	"github.com/flowmesh/diaflow/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipTelemetry bool
	skipJanitor   bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	services      map[string]any
}

// WithoutTelemetry skips the pprof endpoint
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithoutJanitor skips the state cleanup schedule, for one-shot runs
func WithoutJanitor() Option {
	return func(o *options) {
		o.skipJanitor = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithService registers a handler collaborator (LLM port, code runner,
// file sink, diagram loader) before the registry is sealed
func WithService(key string, svc any) Option {
	return func(o *options) {
		if o.services == nil {
			o.services = make(map[string]any)
		}
		o.services[key] = svc
	}
}

func defaultOptions() *options {
	return &options{}
}
