package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/flowmesh/diaflow/common/logger"
)

// Counters tracks engine-level occurrence counts. All fields are safe
// for concurrent use.
type Counters struct {
	EventsDropped       atomic.Int64
	PersistenceRetries  atomic.Int64
	PersistenceDegraded atomic.Int64
	NodesDispatched     atomic.Int64
	ExecutionsStarted   atomic.Int64
}

// Snapshot returns the current counter values
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"events_dropped":       c.EventsDropped.Load(),
		"persistence_retries":  c.PersistenceRetries.Load(),
		"persistence_degraded": c.PersistenceDegraded.Load(),
		"nodes_dispatched":     c.NodesDispatched.Load(),
		"executions_started":   c.ExecutionsStarted.Load(),
	}
}

// Telemetry holds observability components
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
	enabled   bool

	Counters *Counters
}

// New creates telemetry components
func New(enablePprof bool, pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", pprofPort),
		enabled:   enablePprof,
		Counters:  &Counters{},
	}
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.enabled {
		return nil
	}

	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

// RuntimeSnapshot captures process memory and goroutine figures
func RuntimeSnapshot() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  m.HeapAlloc / 1024 / 1024,
		"heap_sys_mb":    m.HeapSys / 1024 / 1024,
		"num_gc":         m.NumGC,
		"gc_pause_total": time.Duration(m.PauseTotalNs).String(),
	}
}
