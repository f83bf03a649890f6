// rssbox watches an RSS feed for torrents, pushes them through a pool of
// remote torrent-cache accounts, and lands the resulting files in the Deta
// object store. Run as many instances as there are spare accounts; they
// coordinate through MongoDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/rssbox/rssbox/internal/api"
	"github.com/rssbox/rssbox/internal/config"
	"github.com/rssbox/rssbox/internal/deta"
	"github.com/rssbox/rssbox/internal/feed"
	"github.com/rssbox/rssbox/internal/files"
	"github.com/rssbox/rssbox/internal/logging"
	"github.com/rssbox/rssbox/internal/metrics"
	"github.com/rssbox/rssbox/internal/scheduler"
	"github.com/rssbox/rssbox/internal/seedr"
	"github.com/rssbox/rssbox/internal/store"
	"github.com/rssbox/rssbox/internal/worker"
)

const feedInterval = time.Minute

func main() {
	app := &cli.App{
		Name:  "rssbox",
		Usage: "feed-driven torrent-to-object-store coordinator",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"verbose"},
				Usage:   "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.Bool("debug"))
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogFile, cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DownloadPath, 0o755); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}

	st, err := store.Connect(ctx, cfg.MongoURL)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			storeLog := logging.Component("store")
			storeLog.Error().Err(err).Msg("failed to close store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	objects, err := deta.New(cfg.DetaKey)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	handler := files.NewHandler(objects, cfg.DownloadPath, cfg.FilterExtensions, m, logging.Component("files"))

	workerID := worker.NewID()
	mainLog := logging.Component("main")
	mainLog.Info().
		Str("worker", workerID).
		Str("feed", cfg.RSSURL).
		Msg("starting rssbox")

	cacheFor := func(ctx context.Context, account *store.Account) (worker.Cache, error) {
		accountID := account.ID
		persist := func(ctx context.Context, token string) error {
			return st.SaveAccountToken(ctx, accountID, token)
		}
		creds, err := seedr.EnsureCredentials(ctx, account.Token, account.ID, account.Password, persist)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account.ID, err)
		}
		return seedr.NewClient(creds, persist, logging.Component("seedr")), nil
	}

	sched := scheduler.New(logging.Component("scheduler"))
	pipeline := worker.NewPipeline(workerID, st, cacheFor, handler, m, logging.Component("pipeline"))
	hb := worker.NewHeartbeat(workerID, st, logging.Component("heartbeat"))
	reaper := worker.NewReaper(st, m, logging.Component("reaper"))

	feedLog := logging.Component("feed")
	watcher := feed.NewWatcher(cfg.RSSURL, st, enqueueEntries(st, m, feedLog), true, nil, feedLog)
	checkFeed := func(ctx context.Context) {
		if err := watcher.Check(ctx); err != nil {
			feedLog.Error().Err(err).Msg("feed poll failed")
		}
	}
	checkFeed(ctx)
	sched.Every(feedInterval, "feed", checkFeed)

	if cfg.APIAddr != "" {
		srv := api.New(cfg.APIAddr, workerID, st, reg, logging.Component("api"))
		go func() {
			if err := srv.Start(); err != nil {
				apiLog := logging.Component("api")
				apiLog.Error().Err(err).Msg("status API failed")
				stop()
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	runner := worker.NewRunner(workerID, hb, reaper, pipeline, sched, logging.Component("worker"))
	return runner.Run(ctx)
}

// enqueueEntries turns a feed batch into PENDING downloads. The batch is
// confirmed only when every usable entry was inserted, so a store outage
// keeps the watermark put and the batch is retried next poll.
func enqueueEntries(st *store.Store, m *metrics.Metrics, log zerolog.Logger) feed.Callback {
	return func(ctx context.Context, entries []feed.Entry) bool {
		for _, entry := range entries {
			name := entry.Title

			if strings.HasPrefix(entry.Link, "magnet:") {
				magnet, err := metainfo.ParseMagnetUri(entry.Link)
				if err != nil {
					// Still queued: the cache decides what it accepts.
					log.Debug().Err(err).Str("title", entry.Title).Msg("magnet link failed to parse")
				} else if name == "" {
					name = magnet.DisplayName
				}
			}
			if name == "" {
				name = entry.Link
			}

			if err := st.InsertFromFeed(ctx, store.NewDownload{URL: entry.Link, Name: name}); err != nil {
				log.Error().Err(err).Str("name", name).Msg("failed to queue download")
				return false
			}
			m.FeedEntries.Inc()
			log.Info().Str("name", name).Time("published", entry.Published).Msg("queued download")
		}
		return true
	}
}
