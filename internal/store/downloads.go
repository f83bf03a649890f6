package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// NewDownload describes a queue entry to insert from a feed item.
type NewDownload struct {
	URL  string
	Name string
}

// InsertFromFeed inserts a PENDING download. A unique-constraint violation
// on url is swallowed: the entry is already queued (or was queued before)
// and inserting it again must be a no-op.
func (s *Store) InsertFromFeed(ctx context.Context, nd NewDownload) error {
	doc := Download{
		ID:     primitive.NewObjectID(),
		URL:    nd.URL,
		Name:   nd.Name,
		Status: DownloadPending,
	}
	_, err := s.Downloads.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to insert download %q: %w", nd.Name, err)
	}
	return nil
}

// claimPendingFilter selects one unclaimed PENDING download.
func claimPendingFilter() bson.M {
	return bson.M{
		"status": DownloadPending,
		"$or":    unlockedOr("locked_by"),
	}
}

// ClaimPendingDownload atomically claims one PENDING download for workerID
// by setting its transient lock, and returns the after-image. Returns nil
// when the queue is empty. No ordering is guaranteed.
func (s *Store) ClaimPendingDownload(ctx context.Context, workerID string) (*Download, error) {
	res := s.Downloads.FindOneAndUpdate(ctx,
		claimPendingFilter(),
		bson.M{"$set": bson.M{"locked_by": workerID}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)

	var d Download
	if err := res.Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending download: %w", err)
	}
	return &d, nil
}

// UnlockDownload clears the transient claim, leaving status untouched. Used
// when a claim cannot be followed through (no free account, submit failure).
func (s *Store) UnlockDownload(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.Downloads.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"locked_by": nil}},
	)
	if err != nil {
		return fmt.Errorf("failed to unlock download %s: %w", id.Hex(), err)
	}
	return nil
}

// GetDownload resolves a download by id. Returns nil when the record is gone
// (e.g. deleted after completion on another worker).
func (s *Store) GetDownload(ctx context.Context, id primitive.ObjectID) (*Download, error) {
	var d Download
	err := s.Downloads.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get download %s: %w", id.Hex(), err)
	}
	return &d, nil
}

// pendingUpdate reverts a download to the PENDING pool: the cache-assigned
// name and the claim are cleared, retries is left as-is.
func pendingUpdate() bson.M {
	return bson.M{"$set": bson.M{
		"status":        DownloadPending,
		"download_name": nil,
		"locked_by":     nil,
	}}
}

// markDownloadProcessing records acceptance by the torrent cache: the
// canonical name is kept and the transient claim released.
func (s *Store) markDownloadProcessing(ctx context.Context, id primitive.ObjectID, downloadName string) error {
	_, err := s.Downloads.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":        DownloadProcessing,
			"download_name": downloadName,
			"locked_by":     nil,
		}},
	)
	return err
}

// nextRetryCount applies the failure policy to a retry counter: soft
// failures keep it, hard failures spend one.
func nextRetryCount(retries int, soft bool) int {
	if !soft {
		retries++
	}
	return retries
}

// failDownload applies the retry policy inside an existing transaction: a
// counter reaching MaxRetries deletes the record, otherwise the download
// re-enters the PENDING pool carrying the new counter.
func (s *Store) failDownload(ctx context.Context, d *Download, soft bool) error {
	retries := nextRetryCount(d.Retries, soft)

	if retries >= MaxRetries {
		_, err := s.Downloads.DeleteOne(ctx, bson.M{"_id": d.ID})
		return err
	}

	_, err := s.Downloads.UpdateOne(ctx,
		bson.M{"_id": d.ID},
		bson.M{"$set": bson.M{
			"status":        DownloadPending,
			"download_name": nil,
			"locked_by":     nil,
			"retries":       retries,
		}},
	)
	return err
}

// DownloadStatusCounts returns the number of downloads per status.
func (s *Store) DownloadStatusCounts(ctx context.Context) (map[string]int, error) {
	return s.statusCounts(ctx, s.Downloads)
}

// AccountStatusCounts returns the number of accounts per status.
func (s *Store) AccountStatusCounts(ctx context.Context) (map[string]int, error) {
	return s.statusCounts(ctx, s.Accounts)
}

func (s *Store) statusCounts(ctx context.Context, coll *mongo.Collection) (map[string]int, error) {
	cursor, err := coll.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status *string `bson:"_id"`
		Count  int     `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, row := range rows {
		status := "IDLE"
		if row.Status != nil && *row.Status != "" {
			status = *row.Status
		}
		counts[status] += row.Count
	}
	return counts, nil
}

// PendingDownloadCount returns the size of the unclaimed PENDING queue.
func (s *Store) PendingDownloadCount(ctx context.Context) (int64, error) {
	return s.Downloads.CountDocuments(ctx, claimPendingFilter())
}
