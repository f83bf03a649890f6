package store

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AccountStatus is the lifecycle state of a torrent-cache account.
type AccountStatus string

const (
	AccountIdle        AccountStatus = "IDLE"
	AccountProcessing  AccountStatus = "PROCESSING"
	AccountDownloading AccountStatus = "DOWNLOADING"
	AccountLocked      AccountStatus = "LOCKED"
	AccountUploading   AccountStatus = "UPLOADING"
)

// DownloadStatus is the lifecycle state of a queued download.
type DownloadStatus string

const (
	DownloadPending    DownloadStatus = "PENDING"
	DownloadProcessing DownloadStatus = "PROCESSING"
	DownloadCompleted  DownloadStatus = "COMPLETED"
	DownloadTimeout    DownloadStatus = "TIMEOUT"
	DownloadError      DownloadStatus = "ERROR"
)

// MaxRetries is the retry budget for a download. When retries reaches this
// value the record is deleted instead of being re-queued.
const MaxRetries = 5

// Worker is the liveness record of one running coordinator process. It is
// upserted by the heartbeat and deleted on clean shutdown or by the reaper.
type Worker struct {
	ID            string    `bson:"_id"`
	LastHeartbeat time.Time `bson:"last_heartbeat"`
}

// Account is a pooled credential for the torrent-cache service.
//
// Leases are soft: a non-nil LockedBy is authoritative only while a Worker
// with that id has a recent heartbeat. The status/lease invariants are
// enforced by the update documents in accounts.go, never by readers.
type Account struct {
	ID            string              `bson:"_id"`
	Token         string              `bson:"token,omitempty"`
	Password      string              `bson:"password,omitempty"`
	Status        AccountStatus       `bson:"status,omitempty"`
	LockedBy      *string             `bson:"locked_by,omitempty"`
	DownloadID    *primitive.ObjectID `bson:"download_id,omitempty"`
	AddedAt       *time.Time          `bson:"added_at,omitempty"`
	LastCheckedAt *time.Time          `bson:"last_checked_at,omitempty"`
	Priority      int                 `bson:"priority,omitempty"`
}

// Download is one queue entry, unique by URL.
type Download struct {
	ID           primitive.ObjectID `bson:"_id"`
	URL          string             `bson:"url"`
	Name         string             `bson:"name"`
	Status       DownloadStatus     `bson:"status"`
	DownloadName string             `bson:"download_name,omitempty"`
	LockedBy     *string            `bson:"locked_by,omitempty"`
	Retries      int                `bson:"retries,omitempty"`
}

// Watermark records the publication time of the newest feed entry already
// delivered to the consumer callback, keyed by feed id.
type Watermark struct {
	ID          string    `bson:"_id"`
	LastSavedOn time.Time `bson:"last_saved_on"`
}

// FileRecord is the metadata row written after each object-store upload.
type FileRecord struct {
	Key            string `json:"key"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	Hash           string `json:"hash"`
	CreatedAt      string `json:"created_at"`
	DownloadsCount int    `json:"downloads_count"`
}
