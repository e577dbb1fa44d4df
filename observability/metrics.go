package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// API returns the lazily-initialised registry used to record HTTP API
// activity of the escrow daemon.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// EscrowMetrics captures the health of the escrow coordination engine.
type EscrowMetrics struct {
	submissions   *prometheus.CounterVec
	confirmations *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	staleMarks    prometheus.Counter
	resyncs       *prometheus.CounterVec
	sweepEligible prometheus.Gauge
	sweepReleased *prometheus.CounterVec
	syncCursor    prometheus.Gauge
	ledgerEvents  *prometheus.CounterVec
	escrowValue   *prometheus.GaugeVec
}

// Escrow returns the singleton metrics registry for the escrow engine.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "submissions_total",
				Help:      "Ledger transaction submissions segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			confirmations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "confirmation_seconds",
				Help:      "Time from submission to a determined confirmation outcome.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"method", "outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Committed state machine edges segmented by source and target status.",
			}, []string{"from", "to"}),
			staleMarks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "stale_marks_total",
				Help:      "Escrows flagged for re-sync after a record store write failed.",
			}),
			resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "resyncs_total",
				Help:      "Ledger re-syncs segmented by trigger.",
			}, []string{"trigger"}),
			sweepEligible: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "sweeper",
				Name:      "eligible",
				Help:      "Escrows eligible for auto-release at the last sweep.",
			}),
			sweepReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "sweeper",
				Name:      "releases_total",
				Help:      "Auto-release attempts issued by the sweeper segmented by outcome.",
			}, []string{"outcome"}),
			syncCursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "sync",
				Name:      "cursor",
				Help:      "Sequence of the last ledger event applied to the record store.",
			}),
			ledgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "sync",
				Name:      "ledger_events_total",
				Help:      "Ledger events consumed by the sync loop segmented by type.",
			}, []string{"type"}),
			escrowValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "last_amount",
				Help:      "Amount in base units of the last escrow committed per status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			escrowRegistry.submissions,
			escrowRegistry.confirmations,
			escrowRegistry.transitions,
			escrowRegistry.staleMarks,
			escrowRegistry.resyncs,
			escrowRegistry.sweepEligible,
			escrowRegistry.sweepReleased,
			escrowRegistry.syncCursor,
			escrowRegistry.ledgerEvents,
			escrowRegistry.escrowValue,
		)
	})
	return escrowRegistry
}

// ObserveSubmission records a submission attempt for the ledger method.
func (m *EscrowMetrics) ObserveSubmission(method string, err error) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(labelOrUnknown(method), outcomeLabel(err)).Inc()
}

// ObserveConfirmation records the confirmation latency and its outcome.
func (m *EscrowMetrics) ObserveConfirmation(method string, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(labelOrUnknown(method), labelOrUnknown(outcome)).Observe(d.Seconds())
}

// RecordTransition counts a committed edge and tracks the escrow amount.
func (m *EscrowMetrics) RecordTransition(from, to string, amount *big.Int) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOrUnknown(from), labelOrUnknown(to)).Inc()
	if amount != nil {
		m.escrowValue.WithLabelValues(labelOrUnknown(to)).Set(bigToFloat(amount))
	}
}

// RecordStaleMark counts an escrow flagged for re-sync.
func (m *EscrowMetrics) RecordStaleMark() {
	if m == nil {
		return
	}
	m.staleMarks.Inc()
}

// RecordResync counts a ledger re-sync; trigger is a stable reason such as
// "stale", "miss" or "validation".
func (m *EscrowMetrics) RecordResync(trigger string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(labelOrUnknown(trigger)).Inc()
}

// RecordSweep reports the number of eligible escrows seen by a sweep.
func (m *EscrowMetrics) RecordSweep(eligible int) {
	if m == nil {
		return
	}
	m.sweepEligible.Set(float64(eligible))
}

// RecordSweepRelease counts an auto-release attempt issued by the sweeper.
func (m *EscrowMetrics) RecordSweepRelease(outcome string) {
	if m == nil {
		return
	}
	m.sweepReleased.WithLabelValues(labelOrUnknown(outcome)).Inc()
}

// RecordLedgerEvent counts a ledger event and advances the cursor gauge.
func (m *EscrowMetrics) RecordLedgerEvent(eventType string, sequence uint64) {
	if m == nil {
		return
	}
	m.ledgerEvents.WithLabelValues(labelOrUnknown(eventType)).Inc()
	m.syncCursor.Set(float64(sequence))
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
