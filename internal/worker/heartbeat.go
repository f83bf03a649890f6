package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rssbox/rssbox/internal/scheduler"
)

// HeartbeatInterval is how often a worker refreshes its liveness record.
// The reaper considers a worker dead after missing one beat plus slack
// (see ReapThreshold).
const HeartbeatInterval = 30 * time.Second

// HeartbeatStore persists worker liveness records.
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, workerID string) error
	DeleteWorker(ctx context.Context, workerID string) error
}

// Heartbeat advertises liveness of this worker in the shared store. While it
// runs, the worker's record exists with a recent last_heartbeat; every lease
// this worker holds is valid only as long as that is true.
type Heartbeat struct {
	id    string
	store HeartbeatStore
	log   zerolog.Logger
}

// NewHeartbeat creates a heartbeat for the given worker id.
func NewHeartbeat(id string, store HeartbeatStore, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{id: id, store: store, log: log}
}

// Start writes the first beat immediately and registers the periodic beat.
// The scheduler suppresses overlapping runs, so at most one beat is in
// flight.
func (h *Heartbeat) Start(ctx context.Context, sched *scheduler.Scheduler) error {
	h.log.Debug().Str("worker", h.id).Msg("starting heartbeat")
	if err := h.store.UpsertHeartbeat(ctx, h.id); err != nil {
		return err
	}
	sched.Every(HeartbeatInterval, "heartbeat", h.beat)
	return nil
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.store.UpsertHeartbeat(ctx, h.id); err != nil {
		// A missed beat is survivable: the record stays valid until the
		// reap threshold, and the next tick retries.
		h.log.Error().Err(err).Str("worker", h.id).Msg("heartbeat update failed")
	}
}

// Stop deletes the worker record on clean shutdown so its leases do not wait
// out the reap threshold.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.log.Debug().Str("worker", h.id).Msg("stopping heartbeat")
	return h.store.DeleteWorker(ctx, h.id)
}
