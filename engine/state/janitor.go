package state

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Janitor prunes terminal executions past the retention window on a
// cron schedule. A prune hook (typically the archiver) sees each state
// before deletion and can veto it by failing.
type Janitor struct {
	store  *Store
	maxAge time.Duration
	prune  func(context.Context, *execution.State) error
	log    *logger.Logger
	cron   *cron.Cron
}

// NewJanitor builds a janitor. prune may be nil.
func NewJanitor(store *Store, maxAge time.Duration, prune func(context.Context, *execution.State) error, log *logger.Logger) *Janitor {
	return &Janitor{
		store:  store,
		maxAge: maxAge,
		prune:  prune,
		log:    log,
		cron:   cron.New(),
	}
}

// Start schedules sweeps per the cron spec (e.g. "@hourly").
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		j.Sweep(ctx)
	}); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info("state janitor started", "schedule", schedule, "max_age", j.maxAge)
	return nil
}

// Sweep runs one cleanup pass immediately.
func (j *Janitor) Sweep(ctx context.Context) {
	removed, err := j.store.CleanupOldStates(ctx, j.maxAge, j.prune)
	if err != nil {
		j.log.Warn("state cleanup sweep failed", "error", err)
		return
	}
	if removed > 0 {
		j.log.Info("pruned old executions", "count", removed)
	}
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
