// internal/metrics/metrics.go
// Prometheus instrumentation for the ingestion pipeline. All collectors are
// registered on the default registry and exposed via promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReadingsTotal counts normalized readings by outcome:
	// accepted | rejected | duplicate | late.
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_readings_total",
			Help: "Readings processed by the pipeline, by outcome",
		},
		[]string{"outcome", "source"},
	)

	// AnomaliesTotal counts flagged readings by detector layer and severity.
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_anomalies_total",
			Help: "Anomaly events emitted, by reason and severity",
		},
		[]string{"reason", "severity"},
	)

	// LevelShiftsTotal counts confirmed baseline level-shifts.
	LevelShiftsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_level_shifts_total",
			Help: "Confirmed device baseline level shifts",
		},
	)

	// ClassifyDuration measures the full normalize+aggregate+classify path.
	ClassifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "energy_classify_duration_seconds",
			Help:    "Per-reading processing latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)

	// CacheHits / CacheMisses instrument the aggregate lookaside cache.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_cache_hits_total",
			Help: "Aggregate cache hits",
		},
	)
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_cache_misses_total",
			Help: "Aggregate cache misses",
		},
	)

	// StoreBufferPending gauges writes parked while the store is unreachable.
	StoreBufferPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "energy_store_buffer_pending",
			Help: "Writes buffered awaiting store recovery",
		},
	)

	// WindowsClosed counts windows sealed by the sweep.
	WindowsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_windows_closed_total",
			Help: "Window aggregates closed and persisted",
		},
	)

	// RecommendationFallbacks counts advisor calls answered by the local
	// rule table instead of the remote collaborator.
	RecommendationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "energy_recommendation_fallbacks_total",
			Help: "Recommendations served by the local rule table",
		},
	)

	// SourceReconnects counts transport adapter reconnection attempts.
	SourceReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_source_reconnects_total",
			Help: "Source feed reconnect attempts, by transport",
		},
		[]string{"transport"},
	)
)

// CacheObserver adapts the cache hit/miss callbacks onto the counters.
type CacheObserver struct{}

func (CacheObserver) CacheHit()  { CacheHits.Inc() }
func (CacheObserver) CacheMiss() { CacheMisses.Inc() }
