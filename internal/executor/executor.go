// Package executor drives due schedules to their destinations on a fixed
// poll interval.
package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/publisher"
	"postflow/internal/registry"
)

type Executor struct {
	reg      *registry.Registry
	pub      publisher.Publisher
	interval time.Duration
	stop     chan struct{}
	busy     atomic.Bool
}

// New creates an executor polling at the given interval (default 60s).
func New(reg *registry.Registry, pub publisher.Publisher, interval time.Duration) *Executor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Executor{
		reg:      reg,
		pub:      pub,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", e.interval).Msg("schedule executor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.Tick(ctx, now)
		}
	}
}

func (e *Executor) Stop() {
	close(e.stop)
}

// Tick runs one poll cycle. Ticks never overlap: if the previous cycle is
// still running the new one is skipped.
func (e *Executor) Tick(ctx context.Context, now time.Time) {
	if !e.busy.CompareAndSwap(false, true) {
		return
	}
	defer e.busy.Store(false)

	for _, sch := range e.reg.Due(now) {
		e.execute(ctx, sch, now)
	}
}

func (e *Executor) execute(ctx context.Context, sch domain.Schedule, now time.Time) {
	// Cancellation is cooperative: re-check before publishing.
	current, err := e.reg.Get(sch.ID)
	if err != nil || current.Status != domain.ScheduleActive {
		return
	}

	start := time.Now()
	res := e.pub.PublishToDestinations(ctx, sch.Content, sch.Destinations)

	exec := domain.Execution{
		ID:         "exe_" + uuid.NewString(),
		ExecutedAt: now,
		Success:    res.Success,
		Results:    res.Results,
		Error:      res.ErrorSummary(),
		Duration:   time.Since(start),
	}
	if err := e.reg.CompleteExecution(ctx, sch.ID, exec); err != nil {
		log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to record execution")
		return
	}

	evt := log.Info()
	if !res.Success {
		evt = log.Error()
	}
	evt.Str("schedule_id", sch.ID).Str("name", sch.Name).
		Bool("success", res.Success).Int("destinations", len(sch.Destinations)).
		Dur("took", exec.Duration).Msg("schedule executed")
}
