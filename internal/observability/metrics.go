package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthos",
		Subsystem: "ingest",
		Name:      "submissions_total",
		Help:      "Number of ingestion requests by route and outcome.",
	}, []string{"route", "outcome"})

	recordDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthos",
		Subsystem: "ingest",
		Name:      "record_duration_seconds",
		Help:      "Time spent in the event store record-if-new round trip.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"route"})

	eventRecordedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthos",
		Subsystem: "persistence",
		Name:      "last_event_recorded_timestamp_seconds",
		Help:      "Unix timestamp of the most recent event newly recorded in the store.",
	})
)

func init() {
	prometheus.MustRegister(ingestCounter, recordDuration, eventRecordedGauge)
}

// RecordIngest counts one ingestion request.
func RecordIngest(route, outcome string) {
	ingestCounter.WithLabelValues(route, outcome).Inc()
}

// ObserveRecordDuration tracks store latency per route.
func ObserveRecordDuration(route string, d time.Duration) {
	recordDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordEventPersisted updates the persistence watermark gauge.
func RecordEventPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	eventRecordedGauge.Set(float64(ts.Unix()))
}
