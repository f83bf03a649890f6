package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GetOrCreateWatermark reads the feed watermark, creating it at now on first
// observation of a new feed so only entries published after startup are
// delivered.
func (s *Store) GetOrCreateWatermark(ctx context.Context, feedID string) (time.Time, error) {
	var wm Watermark
	err := s.Watchrss.FindOne(ctx, bson.M{"_id": feedID}).Decode(&wm)
	if err == nil {
		return wm.LastSavedOn, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, fmt.Errorf("failed to read watermark for %s: %w", feedID, err)
	}

	now := time.Now().UTC()
	_, err = s.Watchrss.UpdateOne(ctx,
		bson.M{"_id": feedID},
		bson.M{"$setOnInsert": bson.M{"last_saved_on": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create watermark for %s: %w", feedID, err)
	}
	return now, nil
}

// AdvanceWatermark moves the watermark forward. $max keeps it monotonic
// non-decreasing even if two workers poll the same feed concurrently.
func (s *Store) AdvanceWatermark(ctx context.Context, feedID string, to time.Time) error {
	_, err := s.Watchrss.UpdateOne(ctx,
		bson.M{"_id": feedID},
		bson.M{"$max": bson.M{"last_saved_on": to.UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", feedID, err)
	}
	return nil
}
