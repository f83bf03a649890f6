// Package feed polls an RSS feed and hands new entries, deduplicated by
// publication time, to a consumer callback.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
)

// Entry is one feed item past the watermark.
type Entry struct {
	Link      string
	Title     string
	Published time.Time
}

// WatermarkStore persists the newest publication time already delivered.
type WatermarkStore interface {
	GetOrCreateWatermark(ctx context.Context, feedID string) (time.Time, error)
	AdvanceWatermark(ctx context.Context, feedID string, to time.Time) error
}

// Callback consumes a batch of new entries and reports whether the batch was
// fully accepted.
type Callback func(ctx context.Context, entries []Entry) bool

// FetchFunc retrieves and parses a feed document.
type FetchFunc func(ctx context.Context, url string) (*gofeed.Feed, error)

// Watcher polls one feed. The watermark only advances after the callback
// confirms the batch (when confirmation checking is on), so a failed
// delivery is re-delivered on the next poll.
type Watcher struct {
	url               string
	id                string
	store             WatermarkStore
	fetch             FetchFunc
	callback          Callback
	checkConfirmation bool
	log               zerolog.Logger
}

// NewWatcher builds a watcher keyed by the feed URL. fetch may be nil, in
// which case gofeed fetches over HTTP.
func NewWatcher(url string, store WatermarkStore, callback Callback, checkConfirmation bool, fetch FetchFunc, log zerolog.Logger) *Watcher {
	if fetch == nil {
		parser := gofeed.NewParser()
		fetch = func(ctx context.Context, url string) (*gofeed.Feed, error) {
			return parser.ParseURLWithContext(url, ctx)
		}
	}
	return &Watcher{
		url:               url,
		id:                url,
		store:             store,
		fetch:             fetch,
		callback:          callback,
		checkConfirmation: checkConfirmation,
		log:               log,
	}
}

// Check runs one poll: fetch, filter entries newer than the watermark,
// deliver, and advance the watermark to the newest publication time in the
// delivered batch. Feeds are usually sorted newest-first but that is not
// guaranteed, so the maximum over the batch is used rather than entries[0].
func (w *Watcher) Check(ctx context.Context) error {
	watermark, err := w.store.GetOrCreateWatermark(ctx, w.id)
	if err != nil {
		return err
	}

	parsed, err := w.fetch(ctx, w.url)
	if err != nil {
		return fmt.Errorf("failed to fetch feed %s: %w", w.url, err)
	}

	var entries []Entry
	var newest time.Time
	for _, item := range parsed.Items {
		if item.PublishedParsed == nil {
			continue
		}
		published := item.PublishedParsed.UTC()
		if !published.After(watermark) {
			continue
		}
		entries = append(entries, Entry{
			Link:      item.Link,
			Title:     item.Title,
			Published: published,
		})
		if published.After(newest) {
			newest = published
		}
	}

	w.log.Debug().Int("entries", len(entries)).Msg("feed poll complete")
	if len(entries) == 0 {
		return nil
	}

	confirmed := w.deliver(ctx, entries)
	if w.checkConfirmation && !confirmed {
		w.log.Warn().Msg("callback did not confirm batch, keeping watermark")
		return nil
	}

	return w.store.AdvanceWatermark(ctx, w.id, newest)
}

// deliver invokes the callback, converting a panic into a failed delivery so
// the watermark stays put and the batch is retried next poll.
func (w *Watcher) deliver(ctx context.Context, entries []Entry) (confirmed bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("feed callback panicked")
			confirmed = false
		}
	}()
	return w.callback(ctx, entries)
}
