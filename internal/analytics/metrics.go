package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_events_tracked_total",
		Help: "Events accepted into the tracker buffer",
	}, []string{"event_type"})
	flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_flushes_total",
		Help: "Successful tracker flushes",
	})
	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_flush_failures_total",
		Help: "Tracker flushes rejected by the sink; the batch is requeued",
	})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_events_dropped_total",
		Help: "Events discarded because the tracker buffer hit its cap",
	})
	flushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analytics_flush_batch_size",
		Help:    "Events per successful tracker flush",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 500},
	})
	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analytics_flush_duration_seconds",
		Help:    "Duration of successful sink writes",
		Buckets: prometheus.DefBuckets,
	})
)
