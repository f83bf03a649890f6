package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rssbox/rssbox/internal/files"
	"github.com/rssbox/rssbox/internal/metrics"
	"github.com/rssbox/rssbox/internal/seedr"
	"github.com/rssbox/rssbox/internal/store"
)

const (
	// DownloadTimeout bounds how long a download may sit in the torrent
	// cache before the pair is reset. The boundary is strict: a download
	// exactly at the limit has not yet timed out.
	DownloadTimeout = 150 * time.Minute

	// checkLimit and checkBudget bound one check_downloads pass so the
	// scheduler gets the call site back: whichever is hit first wins.
	checkLimit  = 3
	checkBudget = 8 * time.Minute

	// assembleWait is how long to back off when the cache is still
	// assembling files for a finished transfer.
	assembleWait = 5 * time.Second
)

// PipelineStore is the slice of the store the pipeline drives.
type PipelineStore interface {
	ClaimPendingDownload(ctx context.Context, workerID string) (*store.Download, error)
	UnlockDownload(ctx context.Context, id primitive.ObjectID) error
	GetDownload(ctx context.Context, id primitive.ObjectID) (*store.Download, error)
	AcquireFreeAccount(ctx context.Context, workerID string) (*store.Account, error)
	LeaseAccountForCheck(ctx context.Context, workerID string) (*store.Account, error)
	MarkAccountIdle(ctx context.Context, accountID string) error
	MarkAccountUploading(ctx context.Context, accountID, workerID string) error
	AccountBackToDownloading(ctx context.Context, accountID string) error
	BeginDownloading(ctx context.Context, accountID string, downloadID primitive.ObjectID, downloadName string) error
	CompleteDownload(ctx context.Context, accountID string, downloadID primitive.ObjectID) error
	ResetPair(ctx context.Context, accountID string, downloadID primitive.ObjectID) error
	FailPair(ctx context.Context, accountID string, d *store.Download, soft bool) error
}

// Cache is the per-account torrent-cache surface the pipeline drives.
type Cache interface {
	files.Cache
	Purge(ctx context.Context) error
	AddTorrent(ctx context.Context, torrentURL string) (*seedr.AddResult, error)
}

// CacheFactory builds a cache client for one account. The factory owns
// credential decoding and the token-refresh write-back.
type CacheFactory func(ctx context.Context, account *store.Account) (Cache, error)

// Uploader moves a matched cache object into the object store.
type Uploader interface {
	Upload(ctx context.Context, cache files.Cache, obj seedr.Object) (int, error)
}

// Pipeline drives pooled accounts through the torrent cache: submit pending
// downloads, poll for completion, upload results, release the account.
type Pipeline struct {
	workerID string
	store    PipelineStore
	cacheFor CacheFactory
	uploader Uploader
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewPipeline builds the pipeline for one worker.
func NewPipeline(workerID string, s PipelineStore, cacheFor CacheFactory, uploader Uploader, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		workerID: workerID,
		store:    s,
		cacheFor: cacheFor,
		uploader: uploader,
		metrics:  m,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// BeginDownload drains the pending queue into free accounts: claim a
// download, reserve an account, purge its workspace, submit the torrent.
// The loop ends when either pool is empty. A failed submission releases
// both sides and moves on to the next pending download; nothing is tried
// twice in one pass, so a failing cache is revisited on the next scheduled
// pass rather than hammered here.
func (p *Pipeline) BeginDownload(ctx context.Context) {
	tried := make(map[primitive.ObjectID]bool)
	for ctx.Err() == nil {
		download, err := p.store.ClaimPendingDownload(ctx, p.workerID)
		if err != nil {
			p.log.Error().Err(err).Msg("failed to claim pending download")
			return
		}
		if download == nil {
			return
		}
		if tried[download.ID] {
			// Everything left in the queue already failed this pass.
			if err := p.store.UnlockDownload(ctx, download.ID); err != nil {
				p.log.Error().Err(err).Msg("failed to unlock download")
			}
			return
		}
		tried[download.ID] = true
		p.metrics.DownloadsClaimed.Inc()

		account, err := p.store.AcquireFreeAccount(ctx, p.workerID)
		if err != nil || account == nil {
			if err != nil {
				p.log.Error().Err(err).Msg("failed to acquire free account")
			} else {
				p.log.Info().Msg("no free accounts, leaving download pending")
			}
			if uerr := p.store.UnlockDownload(ctx, download.ID); uerr != nil {
				p.log.Error().Err(uerr).Msg("failed to unlock download")
			}
			return
		}

		p.submit(ctx, account, download)
	}
}

// submit purges the account workspace and hands the torrent to the cache.
// Every failure path releases the pair: the worker stays alive, so a lease
// left behind here would never be reclaimed by the reaper.
func (p *Pipeline) submit(ctx context.Context, account *store.Account, download *store.Download) {
	logger := p.log.With().Str("account", account.ID).Str("download", download.Name).Logger()

	cache, err := p.cacheFor(ctx, account)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build cache client")
		p.releaseFailedSubmit(ctx, account, download)
		return
	}

	// Accounts are pooled; whatever the previous user left behind goes.
	if err := cache.Purge(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to purge account workspace")
		p.releaseFailedSubmit(ctx, account, download)
		return
	}

	result, err := cache.AddTorrent(ctx, download.URL)
	if err != nil {
		logger.Error().Err(err).Msg("torrent submission failed")
		p.releaseFailedSubmit(ctx, account, download)
		return
	}
	if !result.Success() {
		logger.Error().Str("reason", result.Reason()).Msg("torrent rejected by cache")
		p.releaseFailedSubmit(ctx, account, download)
		return
	}

	if err := p.store.BeginDownloading(ctx, account.ID, download.ID, result.Title); err != nil {
		// The torrent is already in the cache; the purge before the next
		// submission on this account clears it.
		logger.Error().Err(err).Msg("failed to record accepted download")
		p.releaseFailedSubmit(ctx, account, download)
		return
	}
	p.metrics.TorrentsSubmitted.Inc()
	logger.Info().Str("download_name", result.Title).Msg("torrent added to cache")
}

// releaseFailedSubmit returns the account to the pool and leaves the
// download PENDING for another worker.
func (p *Pipeline) releaseFailedSubmit(ctx context.Context, account *store.Account, download *store.Download) {
	if err := p.store.MarkAccountIdle(ctx, account.ID); err != nil {
		p.log.Error().Err(err).Str("account", account.ID).Msg("failed to release account")
	}
	if err := p.store.UnlockDownload(ctx, download.ID); err != nil {
		p.log.Error().Err(err).Msg("failed to unlock download")
	}
}

// CheckDownloads polls accounts in DOWNLOADING state, oldest check first,
// until it has finished checkLimit downloads or spent checkBudget of wall
// clock. A cache failure aborts the pass after the leased account is put
// back in the DOWNLOADING pool: the worker keeps heartbeating, so the
// reaper would never treat the lease as orphaned.
func (p *Pipeline) CheckDownloads(ctx context.Context) error {
	deadline := p.now().Add(checkBudget)

	for completed := 0; completed < checkLimit && p.now().Before(deadline) && ctx.Err() == nil; {
		account, err := p.store.LeaseAccountForCheck(ctx, p.workerID)
		if err != nil {
			return err
		}
		if account == nil {
			return nil
		}

		done, err := p.checkAccount(ctx, account)
		if err != nil {
			return err
		}
		if done {
			completed++
		}
	}
	return nil
}

// checkAccount runs one poll for one leased account. Reports whether a
// download was fully completed.
func (p *Pipeline) checkAccount(ctx context.Context, account *store.Account) (bool, error) {
	logger := p.log.With().Str("account", account.ID).Logger()

	if account.DownloadID == nil {
		logger.Warn().Msg("leased account has no download, releasing")
		return false, p.store.MarkAccountIdle(ctx, account.ID)
	}

	download, err := p.store.GetDownload(ctx, *account.DownloadID)
	if err != nil {
		return false, err
	}
	if download == nil {
		logger.Warn().Str("download_id", account.DownloadID.Hex()).Msg("download record gone, releasing account")
		return false, p.store.MarkAccountIdle(ctx, account.ID)
	}
	if download.DownloadName == "" {
		// The cache never named it, so there is nothing to match against.
		logger.Warn().Str("download", download.Name).Msg("download has no cache name, resetting pair")
		return false, p.store.ResetPair(ctx, account.ID, download.ID)
	}

	cache, err := p.cacheFor(ctx, account)
	if err != nil {
		p.releaseCheckLease(ctx, account.ID)
		return false, err
	}

	list, err := cache.ListContents(ctx, 0)
	if err != nil {
		logger.Error().Err(err).Msg("cache list failed")
		p.releaseCheckLease(ctx, account.ID)
		return false, err
	}

	if obj := findInList(list, download.DownloadName); obj != nil {
		return p.uploadFound(ctx, account, download, cache, obj)
	}
	return false, p.handleNotFound(ctx, account, download, list)
}

// releaseCheckLease returns a leased account to DOWNLOADING when a poll
// cannot proceed. Best effort: the caller is already on an error path.
func (p *Pipeline) releaseCheckLease(ctx context.Context, accountID string) {
	if err := p.store.AccountBackToDownloading(ctx, accountID); err != nil {
		p.log.Error().Err(err).Str("account", accountID).Msg("failed to release check lease")
	}
}

// uploadFound streams the matched object to the object store and settles
// the pair.
func (p *Pipeline) uploadFound(ctx context.Context, account *store.Account, download *store.Download, cache Cache, obj seedr.Object) (bool, error) {
	logger := p.log.With().Str("account", account.ID).Str("download", download.Name).Logger()
	logger.Info().Str("download_name", download.DownloadName).Msg("download complete in cache, uploading")

	if err := p.store.MarkAccountUploading(ctx, account.ID, p.workerID); err != nil {
		return false, err
	}

	uploaded, err := p.uploader.Upload(ctx, cache, obj)
	if err != nil {
		soft := isSoftFailure(err)
		if soft {
			p.metrics.SoftFailures.Inc()
			logger.Warn().Err(err).Msg("transient upload failure, retry preserved")
		} else {
			p.metrics.HardFailures.Inc()
			logger.Error().Err(err).Int("retries", download.Retries).Msg("upload failed")
		}
		return false, p.store.FailPair(ctx, account.ID, download, soft)
	}

	if uploaded == 0 {
		// Everything was filtered out; the cache may still be assembling
		// the remaining files.
		logger.Info().Msg("no uploadable files yet, returning account to downloading")
		if err := p.store.AccountBackToDownloading(ctx, account.ID); err != nil {
			return false, err
		}
		p.sleep(ctx, assembleWait)
		return false, nil
	}

	if err := p.store.CompleteDownload(ctx, account.ID, download.ID); err != nil {
		return false, err
	}
	p.metrics.FilesUploaded.Add(float64(uploaded))
	logger.Info().Int("files", uploaded).Msg("download ingested")
	return true, nil
}

// handleNotFound decides what a missing file means: timed out, still
// transferring, or vanished.
func (p *Pipeline) handleNotFound(ctx context.Context, account *store.Account, download *store.Download, list *seedr.List) error {
	logger := p.log.With().Str("account", account.ID).Str("download", download.Name).Logger()

	if p.timedOut(account) {
		p.metrics.DownloadTimeouts.Inc()
		logger.Info().Msg("download timed out in cache, resetting pair")
		return p.store.ResetPair(ctx, account.ID, download.ID)
	}

	for _, torrent := range list.Torrents {
		if torrent.Name == download.DownloadName {
			logger.Debug().Str("progress", torrent.Progress.String()).Msg("transfer still in progress")
			if err := p.store.AccountBackToDownloading(ctx, account.ID); err != nil {
				return err
			}
			p.sleep(ctx, assembleWait)
			return nil
		}
	}

	logger.Warn().Msg("download vanished from cache, resetting pair")
	return p.store.ResetPair(ctx, account.ID, download.ID)
}

// timedOut applies the strict boundary: added_at + timeout must be before
// now, equality is not yet a timeout.
func (p *Pipeline) timedOut(account *store.Account) bool {
	if account.AddedAt == nil {
		return false
	}
	return account.AddedAt.Add(DownloadTimeout).Before(p.now())
}

// findInList searches top-level files, then folders, for an exact name
// match.
func findInList(list *seedr.List, name string) seedr.Object {
	for _, file := range list.Files {
		if file.Name == name {
			return file
		}
	}
	for _, folder := range list.Folders {
		if folder.Name == name {
			return folder
		}
	}
	return nil
}
