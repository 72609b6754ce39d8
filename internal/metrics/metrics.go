// Package metrics holds the Prometheus collectors of the arrival worker
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracking
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arrival_tracking_sessions_active",
		Help: "Number of tracking sessions currently running",
	})

	FixesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arrival_fixes_processed_total",
		Help: "Total number of position fixes evaluated by tracking sessions",
	})

	Arrivals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arrival_arrivals_total",
		Help: "Total number of arrival events fired",
	})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arrival_source_errors_total",
		Help: "Location source failures reported to sessions, by error kind",
	}, []string{"kind"})

	// Alerts
	AlertChannelResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arrival_alert_channel_results_total",
		Help: "Alert channel outcomes by channel and status",
	}, []string{"channel", "status"})

	AlertCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arrival_alert_cycles_total",
		Help: "Total number of sound and vibration cycles played",
	})

	// Ingest
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arrival_ingest_messages_total",
		Help: "Location messages received from the bus, by result",
	}, []string{"result"})

	// Post-trip jobs
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arrival_job_duration_seconds",
		Help:    "Duration of post-trip jobs",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"kind", "result"})
)
