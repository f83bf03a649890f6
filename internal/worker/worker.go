// Package worker implements one coordinator process: liveness heartbeat,
// stale-lease reaper, and the download pipeline that drives pooled cache
// accounts. Any number of workers may run against the same store; every
// hand-off between them goes through atomic conditional updates, so the
// only coordination channel is the database itself.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rssbox/rssbox/internal/scheduler"
)

// loopInterval paces the main claim/check loop between passes.
const loopInterval = 30 * time.Second

// Runner ties the heartbeat, reaper and pipeline into one worker process.
type Runner struct {
	id        string
	heartbeat *Heartbeat
	reaper    *Reaper
	pipeline  *Pipeline
	sched     *scheduler.Scheduler
	log       zerolog.Logger
}

// NewRunner assembles a worker. Background jobs other than the worker's own
// (the feed watcher, for instance) may be registered on sched before Run.
func NewRunner(id string, hb *Heartbeat, reaper *Reaper, pipeline *Pipeline, sched *scheduler.Scheduler, log zerolog.Logger) *Runner {
	return &Runner{
		id:        id,
		heartbeat: hb,
		reaper:    reaper,
		pipeline:  pipeline,
		sched:     sched,
		log:       log,
	}
}

// Run drives the worker until ctx is cancelled. On return the worker record
// is deleted so peers do not wait out the reap threshold for our leases.
func (r *Runner) Run(ctx context.Context) error {
	// Reclaim whatever a previous incarnation of this process left locked
	// before taking on new work.
	if err := r.reaper.Run(ctx); err != nil {
		r.log.Warn().Err(err).Msg("startup reaper pass failed")
	}

	if err := r.heartbeat.Start(ctx, r.sched); err != nil {
		return err
	}
	r.sched.Every(ReapThreshold, "reaper", func(ctx context.Context) {
		if err := r.reaper.Run(ctx); err != nil {
			r.log.Error().Err(err).Msg("reaper pass failed")
		}
	})
	r.sched.Start()

	defer func() {
		r.sched.Stop()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.heartbeat.Stop(stopCtx); err != nil {
			r.log.Error().Err(err).Msg("failed to delete worker record on shutdown")
		}
	}()

	r.log.Info().Str("worker", r.id).Msg("worker running")
	for ctx.Err() == nil {
		r.pipeline.BeginDownload(ctx)
		if err := r.pipeline.CheckDownloads(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("check pass aborted")
		}
		sleepCtx(ctx, loopInterval)
	}

	r.log.Info().Str("worker", r.id).Msg("worker stopping")
	return nil
}
