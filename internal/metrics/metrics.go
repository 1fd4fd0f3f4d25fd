package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics
	SyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_syncs_total",
			Help: "Total reconciliation runs",
		},
		[]string{"account", "result"}, // result: "ok" or "error"
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mercury_sync_duration_seconds",
			Help:    "Reconciliation run duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"account"},
	)

	RemotePagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_remote_pages_fetched_total",
			Help: "Total conversation pages fetched from the gateway",
		},
		[]string{"account"},
	)

	ConversationsTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mercury_conversations_tracked",
			Help: "Conversations in the last persisted snapshot",
		},
		[]string{"account"},
	)

	// Client protocol metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_requests_total",
			Help: "Total client envelope requests",
		},
		[]string{"type", "status"}, // status: "ok" or "error"
	)
)
