package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// freeAccountFilter selects an account nothing is using. Accounts freshly
// seeded by operators may have no status field at all.
func freeAccountFilter() bson.M {
	return bson.M{
		"$or": bson.A{
			bson.M{"status": AccountIdle},
			bson.M{"status": bson.M{"$exists": false}},
			bson.M{"status": ""},
		},
	}
}

// AcquireFreeAccount atomically reserves a free account for workerID,
// highest priority first, moving it to PROCESSING. Returns nil when the
// pool is exhausted.
func (s *Store) AcquireFreeAccount(ctx context.Context, workerID string) (*Account, error) {
	res := s.Accounts.FindOneAndUpdate(ctx,
		freeAccountFilter(),
		bson.M{"$set": bson.M{
			"status":    AccountProcessing,
			"locked_by": workerID,
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "priority", Value: -1}}).
			SetReturnDocument(options.After),
	)

	var a Account
	if err := res.Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to acquire free account: %w", err)
	}
	return &a, nil
}

// leaseForCheckFilter selects a DOWNLOADING account with no live lease.
func leaseForCheckFilter() bson.M {
	return bson.M{
		"status": AccountDownloading,
		"$or":    unlockedOr("locked_by"),
	}
}

// LeaseAccountForCheck atomically leases one DOWNLOADING account for a poll
// of the torrent cache, oldest last_checked_at first (never-checked accounts
// sort before any timestamp). The account moves to LOCKED and its
// last_checked_at is stamped so concurrent workers fan out across the pool.
func (s *Store) LeaseAccountForCheck(ctx context.Context, workerID string) (*Account, error) {
	res := s.Accounts.FindOneAndUpdate(ctx,
		leaseForCheckFilter(),
		bson.M{"$set": bson.M{
			"status":          AccountLocked,
			"locked_by":       workerID,
			"last_checked_at": time.Now().UTC(),
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "last_checked_at", Value: 1}}).
			SetReturnDocument(options.After),
	)

	var a Account
	if err := res.Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lease account for check: %w", err)
	}
	return &a, nil
}

// idleUpdate releases every lease field. status=IDLE implies download_id,
// added_at and locked_by are all null.
func idleUpdate() bson.M {
	return bson.M{"$set": bson.M{
		"status":      AccountIdle,
		"locked_by":   nil,
		"download_id": nil,
		"added_at":    nil,
	}}
}

// MarkAccountIdle returns an account to the free pool, clearing all lease
// fields.
func (s *Store) MarkAccountIdle(ctx context.Context, accountID string) error {
	_, err := s.Accounts.UpdateOne(ctx, bson.M{"_id": accountID}, idleUpdate())
	if err != nil {
		return fmt.Errorf("failed to mark account %s idle: %w", accountID, err)
	}
	return nil
}

// MarkAccountUploading moves a LOCKED account to UPLOADING. The lease is
// retained; the upload belongs to the leasing worker until it finishes or
// the reaper takes it back.
func (s *Store) MarkAccountUploading(ctx context.Context, accountID, workerID string) error {
	_, err := s.Accounts.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{
			"status":    AccountUploading,
			"locked_by": workerID,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark account %s uploading: %w", accountID, err)
	}
	return nil
}

// AccountBackToDownloading returns an account to DOWNLOADING so another poll
// can pick it up later. The lease is always cleared: DOWNLOADING is an
// unleased state.
func (s *Store) AccountBackToDownloading(ctx context.Context, accountID string) error {
	_, err := s.Accounts.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{
			"status":    AccountDownloading,
			"locked_by": nil,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to return account %s to downloading: %w", accountID, err)
	}
	return nil
}

// SaveAccountToken persists a refreshed auth token. Invoked from the seedr
// client's refresh callback before the triggering RPC returns.
func (s *Store) SaveAccountToken(ctx context.Context, accountID, token string) error {
	_, err := s.Accounts.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{"token": token}},
	)
	if err != nil {
		return fmt.Errorf("failed to save token for account %s: %w", accountID, err)
	}
	return nil
}

// BeginDownloading records acceptance of a download by the torrent cache:
// the account moves to DOWNLOADING (unleased, carrying the download id and
// enqueue time) and the download to PROCESSING with its cache-assigned name.
// Both writes commit atomically.
func (s *Store) BeginDownloading(ctx context.Context, accountID string, downloadID primitive.ObjectID, downloadName string) error {
	return s.withTx(ctx, func(sc mongo.SessionContext) error {
		_, err := s.Accounts.UpdateOne(sc,
			bson.M{"_id": accountID},
			bson.M{"$set": bson.M{
				"status":          AccountDownloading,
				"download_id":     downloadID,
				"added_at":        time.Now().UTC(),
				"locked_by":       nil,
				"last_checked_at": nil,
			}},
		)
		if err != nil {
			return err
		}
		return s.markDownloadProcessing(sc, downloadID, downloadName)
	})
}

// CompleteDownload finishes a pair: the account returns to the free pool and
// the download row is deleted. At-least-once is the upload contract, so a
// crash before this commit only means a re-upload.
func (s *Store) CompleteDownload(ctx context.Context, accountID string, downloadID primitive.ObjectID) error {
	return s.withTx(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.Accounts.UpdateOne(sc, bson.M{"_id": accountID}, idleUpdate()); err != nil {
			return err
		}
		_, err := s.Downloads.DeleteOne(sc, bson.M{"_id": downloadID})
		return err
	})
}

// ResetPair reverts an (account, download) pair to (IDLE, PENDING) without
// touching the retry counter. Used on timeout, on a vanished torrent, and
// when the cache never named the download.
func (s *Store) ResetPair(ctx context.Context, accountID string, downloadID primitive.ObjectID) error {
	return s.withTx(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.Accounts.UpdateOne(sc, bson.M{"_id": accountID}, idleUpdate()); err != nil {
			return err
		}
		_, err := s.Downloads.UpdateOne(sc, bson.M{"_id": downloadID}, pendingUpdate())
		return err
	})
}

// FailPair applies the failure policy to a pair: the account goes IDLE and
// the download either re-enters the queue or, once its retry budget is
// spent, is deleted. Soft failures leave the counter untouched.
func (s *Store) FailPair(ctx context.Context, accountID string, d *Download, soft bool) error {
	return s.withTx(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.Accounts.UpdateOne(sc, bson.M{"_id": accountID}, idleUpdate()); err != nil {
			return err
		}
		return s.failDownload(sc, d, soft)
	})
}
