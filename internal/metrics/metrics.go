package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the coordinator's instrumentation. Counters only; the
// authoritative queue state lives in the store and is exposed by the status
// API instead of gauges that would go stale between polls.
type Metrics struct {
	FeedEntries       prometheus.Counter
	DownloadsClaimed  prometheus.Counter
	TorrentsSubmitted prometheus.Counter
	FilesUploaded     prometheus.Counter
	UploadBytes       prometheus.Counter
	HardFailures      prometheus.Counter
	SoftFailures      prometheus.Counter
	DownloadTimeouts  prometheus.Counter
	ReapedWorkers     prometheus.Counter
	ReapedAccounts    prometheus.Counter
	ReapedDownloads   prometheus.Counter
}

// New creates and registers the coordinator metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "feed",
			Name:      "entries_total",
			Help:      "New feed entries delivered past the watermark.",
		}),
		DownloadsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "queue",
			Name:      "downloads_claimed_total",
			Help:      "Pending downloads claimed by this worker.",
		}),
		TorrentsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "pipeline",
			Name:      "torrents_submitted_total",
			Help:      "Torrents accepted by the cache for this worker.",
		}),
		FilesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "pipeline",
			Name:      "files_uploaded_total",
			Help:      "Files uploaded to the object store.",
		}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "pipeline",
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded to the object store.",
		}),
		HardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "pipeline",
			Name:      "hard_failures_total",
			Help:      "Upload failures that consumed a retry.",
		}),
		SoftFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "pipeline",
			Name:      "soft_failures_total",
			Help:      "Transient upload failures that did not consume a retry.",
		}),
		DownloadTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "pipeline",
			Name:      "download_timeouts_total",
			Help:      "Downloads reset after exceeding the cache timeout.",
		}),
		ReapedWorkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "reaper",
			Name:      "workers_total",
			Help:      "Dead worker records deleted.",
		}),
		ReapedAccounts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "reaper",
			Name:      "accounts_total",
			Help:      "Orphaned account leases reclaimed.",
		}),
		ReapedDownloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rssbox",
			Subsystem: "reaper",
			Name:      "downloads_total",
			Help:      "Orphaned download claims reclaimed.",
		}),
	}

	reg.MustRegister(
		m.FeedEntries,
		m.DownloadsClaimed,
		m.TorrentsSubmitted,
		m.FilesUploaded,
		m.UploadBytes,
		m.HardFailures,
		m.SoftFailures,
		m.DownloadTimeouts,
		m.ReapedWorkers,
		m.ReapedAccounts,
		m.ReapedDownloads,
	)

	return m
}
