// Package scheduler runs named periodic jobs on ticker goroutines. It is the
// process-wide scheduler passed explicitly into the heartbeat, the reaper and
// the pipeline; there is no hidden global.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	// running suppresses overlapping executions: when a tick fires while
	// the previous run is still in flight, the tick is skipped.
	running sync.Mutex
}

// Scheduler dispatches periodic jobs until its context is cancelled.
type Scheduler struct {
	log zerolog.Logger

	mu      sync.Mutex
	jobs    []*job
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped scheduler.
func New(log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{log: log, ctx: ctx, cancel: cancel}
}

// Every registers a job. Jobs registered after Start are picked up
// immediately. At most one instance of a job runs at a time.
func (s *Scheduler) Every(interval time.Duration, name string, fn func(ctx context.Context)) {
	j := &job{name: name, interval: interval, fn: fn}

	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	started := s.started
	s.mu.Unlock()

	if started {
		s.launch(j)
	}
}

// Start launches all registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	jobs := make([]*job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		s.launch(j)
	}
}

func (s *Scheduler) launch(j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.run(j)
			}
		}
	}()
}

func (s *Scheduler) run(j *job) {
	if !j.running.TryLock() {
		s.log.Debug().Str("job", j.name).Msg("previous run still in flight, skipping tick")
		return
	}
	defer j.running.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", j.name).Interface("panic", r).Msg("job panicked")
		}
	}()
	j.fn(s.ctx)
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
