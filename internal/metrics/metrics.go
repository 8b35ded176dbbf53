package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncsTotal counts account syncs by outcome (ok, error, skipped).
	SyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_syncs_total",
			Help: "Total number of account inbox syncs",
		},
		[]string{"result"},
	)

	// SyncDuration tracks wall time of a full account sync, retries included.
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Account inbox sync duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	// RetryAttempts counts failed attempts seen by the retry controller.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_retry_failures_total",
			Help: "Failed operation attempts by error class",
		},
		[]string{"operation", "class"},
	)

	// MessagesScanned counts messages fetched and handed to classification.
	MessagesScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_messages_scanned_total",
			Help: "Total number of inbound messages scanned",
		},
	)

	// MessageFailures counts per-message parse or processing failures.
	MessageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_message_failures_total",
			Help: "Per-message failures by stage",
		},
		[]string{"stage"},
	)

	// EventsRecorded counts sync events committed to the store.
	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_events_recorded_total",
			Help: "Reply and bounce events recorded",
		},
		[]string{"type"},
	)

	// SessionCloses counts mailbox session closes by path.
	SessionCloses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_session_closes_total",
			Help: "Mailbox session closes by path (orderly, forced)",
		},
		[]string{"path"},
	)
)
