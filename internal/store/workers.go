package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UpsertHeartbeat writes the liveness record for a worker, stamping now.
func (s *Store) UpsertHeartbeat(ctx context.Context, workerID string) error {
	_, err := s.Workers.UpdateOne(ctx,
		bson.M{"_id": workerID},
		bson.M{"$set": bson.M{"last_heartbeat": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// DeleteWorker removes a worker's liveness record on clean shutdown.
func (s *Store) DeleteWorker(ctx context.Context, workerID string) error {
	_, err := s.Workers.DeleteOne(ctx, bson.M{"_id": workerID})
	if err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", workerID, err)
	}
	return nil
}

// StaleWorkerIDs returns the ids of workers whose heartbeat is older than
// threshold.
func (s *Store) StaleWorkerIDs(ctx context.Context, threshold time.Time) ([]string, error) {
	cursor, err := s.Workers.Find(ctx, bson.M{"last_heartbeat": bson.M{"$lt": threshold}})
	if err != nil {
		return nil, fmt.Errorf("failed to find stale workers: %w", err)
	}
	defer cursor.Close(ctx)

	var workers []Worker
	if err := cursor.All(ctx, &workers); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	return ids, nil
}

// DeleteWorkers removes the given worker records, returning how many existed.
func (s *Store) DeleteWorkers(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.Workers.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale workers: %w", err)
	}
	return res.DeletedCount, nil
}

// LiveWorkers lists all current worker records.
func (s *Store) LiveWorkers(ctx context.Context) ([]Worker, error) {
	cursor, err := s.Workers.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var workers []Worker
	if err := cursor.All(ctx, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// OrphanedAccount is an account whose lease holder is dead, as reported by
// the aggregation join against workers.
type OrphanedAccount struct {
	ID     string        `bson:"_id"`
	Status AccountStatus `bson:"status"`
}

// orphanMatch builds the post-join predicate shared by the account and
// download orphan pipelines: the joined worker is absent, stale, or was in
// the set deleted earlier in this reaper pass. The worker delete and the
// lease reclaim are not transactional, so all three conditions are needed.
func orphanMatch(threshold time.Time, deadIDs []string) bson.D {
	if deadIDs == nil {
		deadIDs = []string{}
	}
	return bson.D{{Key: "$match", Value: bson.M{
		"$or": bson.A{
			bson.M{"worker": bson.M{"$exists": false}},
			bson.M{"worker.last_heartbeat": bson.M{"$lt": threshold}},
			bson.M{"locked_by": bson.M{"$in": deadIDs}},
		},
	}}}
}

func lookupWorkerStages() []bson.D {
	return []bson.D{
		{{Key: "$lookup", Value: bson.M{
			"from":         "workers",
			"localField":   "locked_by",
			"foreignField": "_id",
			"as":           "worker",
		}}},
		{{Key: "$unwind", Value: bson.M{
			"path":                       "$worker",
			"preserveNullAndEmptyArrays": true,
		}}},
	}
}

// OrphanedAccounts finds accounts in a leased status whose lease holder no
// longer has a live heartbeat.
func (s *Store) OrphanedAccounts(ctx context.Context, threshold time.Time, deadIDs []string) ([]OrphanedAccount, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"status": bson.M{"$in": bson.A{AccountProcessing, AccountUploading, AccountLocked}},
		}}},
	}
	pipeline = append(pipeline, lookupWorkerStages()...)
	pipeline = append(pipeline,
		orphanMatch(threshold, deadIDs),
		bson.D{{Key: "$project", Value: bson.M{"_id": 1, "status": 1}}},
	)

	cursor, err := s.Accounts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var orphans []OrphanedAccount
	if err := cursor.All(ctx, &orphans); err != nil {
		return nil, err
	}
	return orphans, nil
}

// ReclaimedAccountStatus maps an orphaned account's status to its reclaimed
// one. LOCKED and UPLOADING both mean a download already sits in the torrent
// cache, so re-polling is safe; PROCESSING means the reservation was never
// confirmed, so the account goes back to the free pool.
func ReclaimedAccountStatus(status AccountStatus) AccountStatus {
	switch status {
	case AccountLocked, AccountUploading:
		return AccountDownloading
	default:
		return AccountIdle
	}
}

// ReclaimAccount resets one orphaned account. The update is conditional on
// the status observed by the aggregation, which keeps concurrent reapers
// idempotent: whichever update lands first wins and the other matches
// nothing. Reports whether this call performed the reset.
func (s *Store) ReclaimAccount(ctx context.Context, id string, from AccountStatus) (bool, error) {
	var update bson.M
	if ReclaimedAccountStatus(from) == AccountIdle {
		update = idleUpdate()
	} else {
		update = bson.M{"$set": bson.M{
			"status":    AccountDownloading,
			"locked_by": nil,
		}}
	}

	res, err := s.Accounts.UpdateOne(ctx, bson.M{"_id": id, "status": from}, update)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim account %s: %w", id, err)
	}
	return res.ModifiedCount > 0, nil
}

// OrphanedDownloads finds downloads holding a transient claim whose owner is
// dead.
func (s *Store) OrphanedDownloads(ctx context.Context, threshold time.Time, deadIDs []string) ([]primitive.ObjectID, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"status":    bson.M{"$in": bson.A{DownloadPending, DownloadProcessing}},
			"locked_by": bson.M{"$ne": nil},
		}}},
	}
	pipeline = append(pipeline, lookupWorkerStages()...)
	pipeline = append(pipeline,
		orphanMatch(threshold, deadIDs),
		bson.D{{Key: "$project", Value: bson.M{"_id": 1}}},
	)

	cursor, err := s.Downloads.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned downloads: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	ids := make([]primitive.ObjectID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// ReclaimDownloads resets orphaned downloads to the PENDING pool. The filter
// repeats the status guard so the update stays idempotent under concurrent
// reapers.
func (s *Store) ReclaimDownloads(ctx context.Context, ids []primitive.ObjectID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.Downloads.UpdateMany(ctx,
		bson.M{
			"_id":    bson.M{"$in": ids},
			"status": bson.M{"$in": bson.A{DownloadPending, DownloadProcessing}},
		},
		bson.M{"$set": bson.M{
			"status":    DownloadPending,
			"locked_by": nil,
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim orphaned downloads: %w", err)
	}
	return res.ModifiedCount, nil
}
