package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rssbox/rssbox/internal/metrics"
	"github.com/rssbox/rssbox/internal/store"
)

// ReapThreshold is how long a worker may stay silent before its record is
// deleted and its leases forfeit.
const ReapThreshold = 40 * time.Second

// ReaperStore is the slice of the store the reaper drives.
type ReaperStore interface {
	StaleWorkerIDs(ctx context.Context, threshold time.Time) ([]string, error)
	DeleteWorkers(ctx context.Context, ids []string) (int64, error)
	OrphanedAccounts(ctx context.Context, threshold time.Time, deadIDs []string) ([]store.OrphanedAccount, error)
	ReclaimAccount(ctx context.Context, id string, from store.AccountStatus) (bool, error)
	OrphanedDownloads(ctx context.Context, threshold time.Time, deadIDs []string) ([]primitive.ObjectID, error)
	ReclaimDownloads(ctx context.Context, ids []primitive.ObjectID) (int64, error)
}

// Reaper detects dead workers and reclaims their leases. It runs on every
// worker; each step uses conditional updates, so concurrent passes on
// different workers converge to the same state.
type Reaper struct {
	store   ReaperStore
	metrics *metrics.Metrics
	now     func() time.Time
	log     zerolog.Logger
}

// NewReaper creates a reaper over the shared store.
func NewReaper(s ReaperStore, m *metrics.Metrics, log zerolog.Logger) *Reaper {
	return &Reaper{store: s, metrics: m, now: time.Now, log: log}
}

// Run executes one reaper pass: delete stale workers, then reset every
// account and download lease whose holder is gone. Worker deletion and lease
// reclaim are not transactional; the orphan queries therefore also match
// leases whose owner record no longer exists at all.
func (r *Reaper) Run(ctx context.Context) error {
	threshold := r.now().UTC().Add(-ReapThreshold)
	r.log.Debug().Time("threshold", threshold).Msg("reaper pass starting")

	dead, err := r.store.StaleWorkerIDs(ctx, threshold)
	if err != nil {
		return err
	}
	if len(dead) > 0 {
		removed, err := r.store.DeleteWorkers(ctx, dead)
		if err != nil {
			return err
		}
		r.metrics.ReapedWorkers.Add(float64(removed))
		r.log.Info().Int64("removed", removed).Strs("workers", dead).Msg("removed stale workers")
	}

	if err := r.reclaimAccounts(ctx, threshold, dead); err != nil {
		return err
	}
	return r.reclaimDownloads(ctx, threshold, dead)
}

func (r *Reaper) reclaimAccounts(ctx context.Context, threshold time.Time, dead []string) error {
	orphans, err := r.store.OrphanedAccounts(ctx, threshold, dead)
	if err != nil {
		return err
	}

	reclaimed := 0
	for _, orphan := range orphans {
		ok, err := r.store.ReclaimAccount(ctx, orphan.ID, orphan.Status)
		if err != nil {
			return err
		}
		if ok {
			reclaimed++
			r.log.Info().
				Str("account", orphan.ID).
				Str("from", string(orphan.Status)).
				Str("to", string(store.ReclaimedAccountStatus(orphan.Status))).
				Msg("reclaimed orphaned account")
		}
	}
	if reclaimed > 0 {
		r.metrics.ReapedAccounts.Add(float64(reclaimed))
	}
	return nil
}

func (r *Reaper) reclaimDownloads(ctx context.Context, threshold time.Time, dead []string) error {
	orphans, err := r.store.OrphanedDownloads(ctx, threshold, dead)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	reclaimed, err := r.store.ReclaimDownloads(ctx, orphans)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		r.metrics.ReapedDownloads.Add(float64(reclaimed))
		r.log.Info().Int64("downloads", reclaimed).Msg("reclaimed orphaned downloads")
	}
	return nil
}
