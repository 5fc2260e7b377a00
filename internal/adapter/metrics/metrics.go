package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricsOnce ensures the process-wide recorder is registered only once
	metricsOnce sync.Once

	// defaultRecorder backs the package-level Record helpers
	defaultRecorder *Recorder
)

// Recorder implements ports.Metrics on top of Prometheus collectors
type Recorder struct {
	// thresholdChecks counts evaluations by outcome
	thresholdChecks *prometheus.CounterVec

	// eventsFiltered counts notifications dropped before emission, by reason
	eventsFiltered *prometheus.CounterVec

	// eventsForwarded counts emitted triggers by trigger reason
	eventsForwarded *prometheus.CounterVec

	// stateSize is the number of tracked alerts
	stateSize prometheus.Gauge

	// apiErrors counts vendor API failures by type
	apiErrors *prometheus.CounterVec

	// panicsRecovered counts loop iterations that panicked
	panicsRecovered prometheus.Counter
}

// NewRecorder registers the gate collectors with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		thresholdChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threshold_checks_total",
				Help: "Total number of threshold evaluations by outcome",
			},
			[]string{"triggered"},
		),
		eventsFiltered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_filtered_total",
				Help: "Total number of notifications dropped before emission by reason",
			},
			[]string{"reason"},
		),
		eventsForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_forwarded_total",
				Help: "Total number of triggers emitted downstream by trigger reason",
			},
			[]string{"reason"},
		),
		stateSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "state_size",
				Help: "Number of alerts currently tracked in the state store",
			},
		),
		apiErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threshold_gate_api_errors_total",
				Help: "Total number of alert API errors by error type",
			},
			[]string{"error_type"},
		),
		panicsRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "threshold_gate_panics_recovered_total",
				Help: "Total number of processing iterations that panicked and were recovered",
			},
		),
	}
}

// InitMetrics registers the process-wide recorder with reg (the default
// registerer when nil) and returns it. Safe to call more than once.
func InitMetrics(reg prometheus.Registerer) *Recorder {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		defaultRecorder = NewRecorder(reg)
	})
	return defaultRecorder
}

// ThresholdCheck records one evaluation
func (r *Recorder) ThresholdCheck(triggered bool) {
	r.thresholdChecks.WithLabelValues(strconv.FormatBool(triggered)).Inc()
}

// Filtered records a dropped notification
// reason: "malformed", "fetch_error", "auth_error", "protocol_error",
// "storage_error", "stale_version", "emit_error", "rule_filter", "threshold_not_met"
func (r *Recorder) Filtered(reason string) {
	r.eventsFiltered.WithLabelValues(reason).Inc()
}

// Forwarded records an emitted trigger
func (r *Recorder) Forwarded(reason string) {
	r.eventsForwarded.WithLabelValues(reason).Inc()
}

// SetStateSize updates the tracked-alerts gauge
func (r *Recorder) SetStateSize(n int) {
	r.stateSize.Set(float64(n))
}

// APIError records an alert API error
// errorType: "connection", "auth", "rate_limit", "timeout", "server_error", "http_error", "parse", "circuit_open"
func (r *Recorder) APIError(errorType string) {
	r.apiErrors.WithLabelValues(errorType).Inc()
}

// PanicRecovered records a recovered panic
func (r *Recorder) PanicRecovered() {
	r.panicsRecovered.Inc()
}

// RecordAPIError records an alert API error on the process-wide recorder.
// It is a no-op until InitMetrics has been called.
func RecordAPIError(errorType string) {
	if defaultRecorder != nil {
		defaultRecorder.APIError(errorType)
	}
}

// NopMetrics discards every observation
type NopMetrics struct{}

func (NopMetrics) ThresholdCheck(bool) {}
func (NopMetrics) Filtered(string)     {}
func (NopMetrics) Forwarded(string)    {}
func (NopMetrics) SetStateSize(int)    {}
