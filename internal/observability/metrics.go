// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Admission metrics
	AdmissionsTotal     *prometheus.CounterVec
	ParameterizeErrors  prometheus.Counter
	DuplicateKeyDropped prometheus.Counter

	// Lifecycle metrics
	ActiveRecommendations *prometheus.GaugeVec
	ClosuresTotal         *prometheus.CounterVec
	TrailingMoves         prometheus.Counter
	PartialTakeProfits    *prometheus.CounterVec
	PersistFailures       *prometheus.CounterVec
	AlertsTotal           prometheus.Counter

	// Tick metrics
	TickDuration  prometheus.Histogram
	TicksSkipped  prometheus.Counter
	PriceErrors   *prometheus.CounterVec
	PriceLatency  prometheus.Histogram
	ExposureGauge *prometheus.GaugeVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulTick prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "recommendation_tracker"
	}

	return &Metrics{
		// Admission metrics
		AdmissionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by outcome, code and kind",
		}, []string{"outcome", "code", "kind"}),
		ParameterizeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "parameterize_errors_total",
			Help:      "Total number of proposals the risk parameterizer could not plan",
		}),
		DuplicateKeyDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "duplicate_fingerprint_total",
			Help:      "Total number of inserts dropped on a fingerprint collision",
		}),

		// Lifecycle metrics
		ActiveRecommendations: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "active_recommendations",
			Help:      "Number of ACTIVE recommendations by direction",
		}, []string{"direction"}),
		ClosuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "closures_total",
			Help:      "Total number of terminated recommendations by status, result and exit label",
		}, []string{"status", "result", "label"}),
		TrailingMoves: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "trailing_moves_total",
			Help:      "Total number of accepted trailing stop moves",
		}),
		PartialTakeProfits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "partial_take_profits_total",
			Help:      "Total number of executed partial take-profit tiers",
		}, []string{"tier"}),
		PersistFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "persist_failures_total",
			Help:      "Total number of failed store writes by operation",
		}, []string{"operation"}),
		AlertsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operator_alerts_total",
			Help:      "Total number of alerts raised to the operator channel",
		}),

		// Tick metrics
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tick",
			Name:      "duration_seconds",
			Help:      "Monitoring tick duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		TicksSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tick",
			Name:      "skipped_total",
			Help:      "Total number of ticks skipped because the previous one was still running",
		}),
		PriceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "price_errors_total",
			Help:      "Total number of failed price fetches by symbol",
		}, []string{"symbol"}),
		PriceLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "price_latency_seconds",
			Help:      "Price fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ExposureGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "exposure_notional",
			Help:      "Sum of size*leverage over ACTIVE recommendations by symbol and direction",
		}, []string{"symbol", "direction"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulTick: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_tick_timestamp",
			Help:      "Unix timestamp of last completed monitoring tick",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordAdmission records an admission decision. An empty code means accepted.
func RecordAdmission(code, kind string) {
	outcome := "rejected"
	if code == "" {
		outcome = "accepted"
	}
	DefaultMetrics.AdmissionsTotal.WithLabelValues(outcome, code, kind).Inc()
}

// RecordParameterizeError increments the parameterize errors counter.
func RecordParameterizeError() {
	DefaultMetrics.ParameterizeErrors.Inc()
}

// RecordDuplicateKey increments the dropped fingerprint collisions counter.
func RecordDuplicateKey() {
	DefaultMetrics.DuplicateKeyDropped.Inc()
}

// SetActive updates the ACTIVE recommendations gauges.
func SetActive(long, short int) {
	DefaultMetrics.ActiveRecommendations.WithLabelValues("LONG").Set(float64(long))
	DefaultMetrics.ActiveRecommendations.WithLabelValues("SHORT").Set(float64(short))
}

// RecordClosure records a terminated recommendation.
func RecordClosure(status, result, label string) {
	DefaultMetrics.ClosuresTotal.WithLabelValues(status, result, label).Inc()
}

// RecordTrailingMove increments the trailing moves counter.
func RecordTrailingMove() {
	DefaultMetrics.TrailingMoves.Inc()
}

// RecordPartialTakeProfit records an executed partial take-profit tier.
func RecordPartialTakeProfit(tier int) {
	DefaultMetrics.PartialTakeProfits.WithLabelValues(strconv.Itoa(tier)).Inc()
}

// RecordPersistFailure records a failed store write.
func RecordPersistFailure(operation string) {
	DefaultMetrics.PersistFailures.WithLabelValues(operation).Inc()
}

// RecordAlert increments the operator alerts counter.
func RecordAlert() {
	DefaultMetrics.AlertsTotal.Inc()
}

// RecordTick records a completed monitoring tick.
func RecordTick(durationSeconds float64, unixTime int64) {
	DefaultMetrics.TickDuration.Observe(durationSeconds)
	DefaultMetrics.LastSuccessfulTick.Set(float64(unixTime))
}

// RecordTickSkipped increments the skipped ticks counter.
func RecordTickSkipped() {
	DefaultMetrics.TicksSkipped.Inc()
}

// RecordPrice records a price fetch.
func RecordPrice(symbol string, seconds float64, err error) {
	DefaultMetrics.PriceLatency.Observe(seconds)
	if err != nil {
		DefaultMetrics.PriceErrors.WithLabelValues(symbol).Inc()
	}
}

// SetExposure updates the exposure gauge of a symbol and direction.
func SetExposure(symbol, direction string, notional float64) {
	DefaultMetrics.ExposureGauge.WithLabelValues(symbol, direction).Set(notional)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
