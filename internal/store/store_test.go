package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestUnlockedOrAcceptsAllEncodings(t *testing.T) {
	or := unlockedOr("locked_by")
	require.Equal(t, bson.A{
		bson.M{"locked_by": bson.M{"$exists": false}},
		bson.M{"locked_by": nil},
		bson.M{"locked_by": ""},
	}, or)
}

func TestClaimPendingFilterOnlyMatchesUnclaimedPending(t *testing.T) {
	f := claimPendingFilter()
	require.Equal(t, DownloadPending, f["status"])
	require.Equal(t, unlockedOr("locked_by"), f["$or"])
}

func TestFreeAccountFilterAcceptsMissingStatus(t *testing.T) {
	f := freeAccountFilter()
	or, ok := f["$or"].(bson.A)
	require.True(t, ok)
	require.Contains(t, or, bson.M{"status": AccountIdle})
	require.Contains(t, or, bson.M{"status": bson.M{"$exists": false}})
	require.Contains(t, or, bson.M{"status": ""})
}

func TestLeaseForCheckFilter(t *testing.T) {
	f := leaseForCheckFilter()
	require.Equal(t, AccountDownloading, f["status"])
	require.Equal(t, unlockedOr("locked_by"), f["$or"])
}

func TestIdleUpdateClearsAllLeaseFields(t *testing.T) {
	set := idleUpdate()["$set"].(bson.M)
	require.Equal(t, AccountIdle, set["status"])
	require.Nil(t, set["locked_by"])
	require.Nil(t, set["download_id"])
	require.Nil(t, set["added_at"])
}

func TestPendingUpdateKeepsRetries(t *testing.T) {
	set := pendingUpdate()["$set"].(bson.M)
	require.Equal(t, DownloadPending, set["status"])
	require.Nil(t, set["download_name"])
	require.Nil(t, set["locked_by"])
	_, touchesRetries := set["retries"]
	require.False(t, touchesRetries)
}

func TestNextRetryCount(t *testing.T) {
	require.Equal(t, 4, nextRetryCount(3, false))
	require.Equal(t, 3, nextRetryCount(3, true))

	// The deletion boundary: a fourth hard failure spends the budget.
	require.GreaterOrEqual(t, nextRetryCount(MaxRetries-1, false), MaxRetries)
	require.Less(t, nextRetryCount(MaxRetries-2, false), MaxRetries)
	require.Less(t, nextRetryCount(MaxRetries-1, true), MaxRetries)
}

func TestReclaimedAccountStatus(t *testing.T) {
	require.Equal(t, AccountDownloading, ReclaimedAccountStatus(AccountLocked))
	require.Equal(t, AccountDownloading, ReclaimedAccountStatus(AccountUploading))
	require.Equal(t, AccountIdle, ReclaimedAccountStatus(AccountProcessing))
	require.Equal(t, AccountIdle, ReclaimedAccountStatus(AccountIdle))
	require.Equal(t, AccountIdle, ReclaimedAccountStatus(AccountDownloading))
}

func TestOrphanMatchCoversAllThreeConditions(t *testing.T) {
	threshold := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stage := orphanMatch(threshold, []string{"dead1"})

	require.Equal(t, "$match", stage[0].Key)
	match := stage[0].Value.(bson.M)
	or := match["$or"].(bson.A)
	require.Len(t, or, 3)
	require.Contains(t, or, bson.M{"worker": bson.M{"$exists": false}})
	require.Contains(t, or, bson.M{"worker.last_heartbeat": bson.M{"$lt": threshold}})
	require.Contains(t, or, bson.M{"locked_by": bson.M{"$in": []string{"dead1"}}})
}

func TestOrphanMatchNilDeadIDs(t *testing.T) {
	stage := orphanMatch(time.Now(), nil)
	or := stage[0].Value.(bson.M)["$or"].(bson.A)
	// A nil $in list is invalid in an aggregation; it must be normalized to
	// an empty one.
	require.Contains(t, or, bson.M{"locked_by": bson.M{"$in": []string{}}})
}
