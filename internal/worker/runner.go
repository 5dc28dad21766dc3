package worker

import (
	"context"
	"log"
	"time"

	"locksmith-dispatch/internal/config"
	"locksmith-dispatch/internal/dispatch"
	"locksmith-dispatch/internal/store"
	"locksmith-dispatch/internal/telemetry"
	"locksmith-dispatch/internal/timers"
)

const housekeepingInterval = time.Minute

// Runner drives the durable wave timers: it pops due timers from Redis and
// resolves each job's wave under the orchestrator's lease. It also owns the
// background housekeeping (event table cleanup, queue depth gauges).
type Runner struct {
	cfg    config.Config
	store  *store.Store
	timers *timers.WaveTimers
	orch   *dispatch.Orchestrator
}

func NewRunner(cfg config.Config, st *store.Store, t *timers.WaveTimers, orch *dispatch.Orchestrator) *Runner {
	return &Runner{cfg: cfg, store: st, timers: t, orch: orch}
}

// Run blocks until ctx is canceled. On startup it re-arms timers for any
// job that was mid-dispatch when the previous process died.
func (r *Runner) Run(ctx context.Context) error {
	recovered, err := r.orch.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		log.Printf("recovered %d in-flight dispatches", recovered)
	}

	poll := time.NewTicker(r.cfg.TimerPoll)
	defer poll.Stop()
	housekeeping := time.NewTicker(housekeepingInterval)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			r.sweep(ctx)
		case <-housekeeping.C:
			r.housekeep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	due, err := r.timers.PopDue(ctx, time.Now(), int64(r.cfg.TimerBatchSize))
	if err != nil {
		log.Printf("pop due timers: %v", err)
		return
	}
	for _, jobID := range due {
		if err := r.orch.ResolveWaveTimeout(ctx, jobID); err != nil {
			log.Printf("resolve wave timeout for job %s: %v", jobID, err)
			// Put the timer back so the job isn't stranded.
			if rerr := r.timers.Schedule(ctx, jobID, time.Now().Add(r.cfg.TimerPoll)); rerr != nil {
				log.Printf("reschedule timer for job %s: %v", jobID, rerr)
			}
		}
	}
}

func (r *Runner) housekeep(ctx context.Context) {
	if n, err := r.store.ReapStaleEvents(ctx, r.cfg.EventStaleTTL); err != nil {
		log.Printf("reap stale events: %v", err)
	} else if n > 0 {
		log.Printf("reaped %d stale inbound events", n)
	}
	if _, err := r.store.PruneEvents(ctx, r.cfg.EventRetention); err != nil {
		log.Printf("prune events: %v", err)
	}

	if pending, err := r.store.CountPendingOffers(ctx); err == nil {
		telemetry.PendingOffers.Set(float64(pending))
	}
	if depth, err := r.timers.Depth(ctx); err == nil {
		telemetry.ArmedTimers.Set(float64(depth))
	}
}
