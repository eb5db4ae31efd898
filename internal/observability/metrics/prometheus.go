// Package metrics provides Prometheus metrics for claim adjudication and duplicate detection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing
type Metrics struct {
	CasesEvaluated        prometheus.Counter
	DrugDecisions         *prometheus.CounterVec
	DuplicateFindings     *prometheus.CounterVec
	HistoryRowsWritten    prometheus.Counter
	HistoryDuplicateRows  prometheus.Counter
	HistoryWriteFailures  prometheus.Counter
	HistoryLoadFailures   prometheus.Counter
	StageDuration         *prometheus.HistogramVec
	BatchesProcessed      *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	RuleStoreRules        prometheus.Gauge
	RuleStoreInfo         *prometheus.GaugeVec
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg (the default registerer when nil)
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		CasesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimcheck_cases_evaluated_total",
			Help: "Total claim cases adjudicated",
		}),
		DrugDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimcheck_drug_decisions_total",
			Help: "Drug decisions by outcome and source",
		}, []string{"decision", "source"}),
		DuplicateFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimcheck_duplicate_findings_total",
			Help: "Duplicate findings by severity tier",
		}, []string{"severity"}),
		HistoryRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimcheck_history_rows_written_total",
			Help: "History rows appended to the row store",
		}),
		HistoryDuplicateRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimcheck_history_rows_skipped_total",
			Help: "History candidates skipped because their content hash already exists",
		}),
		HistoryWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimcheck_history_write_failures_total",
			Help: "History rows that could not be appended",
		}),
		HistoryLoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimcheck_history_load_failures_total",
			Help: "History loads that degraded to an empty history",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimcheck_stage_duration_seconds",
			Help:    "Duration of processing stages",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"stage"}),
		BatchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimcheck_batches_processed_total",
			Help: "Claim batches processed by outcome",
		}, []string{"outcome"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		RuleStoreRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claimcheck_rule_store_rules",
			Help: "Rules in the active rule store (0 when unavailable)",
		}),
		RuleStoreInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claimcheck_rule_store_info",
			Help: "Active rule store version",
		}, []string{"version"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.CasesEvaluated,
		m.DrugDecisions,
		m.DuplicateFindings,
		m.HistoryRowsWritten,
		m.HistoryDuplicateRows,
		m.HistoryWriteFailures,
		m.HistoryLoadFailures,
		m.StageDuration,
		m.BatchesProcessed,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.RuleStoreRules,
		m.RuleStoreInfo,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveDecision counts one drug decision. An empty decision is recorded as "deferred"
func (m *Metrics) ObserveDecision(decision, source string) {
	if m == nil {
		return
	}
	if decision == "" {
		decision = "deferred"
	}
	m.DrugDecisions.WithLabelValues(decision, source).Inc()
}

// ObserveCases counts adjudicated cases
func (m *Metrics) ObserveCases(n int) {
	if m == nil {
		return
	}
	m.CasesEvaluated.Add(float64(n))
}

// ObserveFinding counts one duplicate finding
func (m *Metrics) ObserveFinding(severity string) {
	if m == nil {
		return
	}
	m.DuplicateFindings.WithLabelValues(severity).Inc()
}

// ObserveHistoryWrite records the outcome of one history write
func (m *Metrics) ObserveHistoryWrite(written, duplicates, failed int) {
	if m == nil {
		return
	}
	m.HistoryRowsWritten.Add(float64(written))
	m.HistoryDuplicateRows.Add(float64(duplicates))
	m.HistoryWriteFailures.Add(float64(failed))
}

// ObserveHistoryLoadFailure counts a history load that fell back to empty history
func (m *Metrics) ObserveHistoryLoadFailure() {
	if m == nil {
		return
	}
	m.HistoryLoadFailures.Inc()
}

// ObserveStage records how long a stage took since start
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ObserveBatch counts a processed batch by outcome
func (m *Metrics) ObserveBatch(outcome string) {
	if m == nil {
		return
	}
	m.BatchesProcessed.WithLabelValues(outcome).Inc()
}

// ObserveProduced counts one produced Kafka message
func (m *Metrics) ObserveProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// ObserveConsumed counts one consumed Kafka message
func (m *Metrics) ObserveConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetRuleStore publishes the active rule store version and size
func (m *Metrics) SetRuleStore(version string, rules int) {
	if m == nil {
		return
	}
	m.RuleStoreInfo.Reset()
	if rules > 0 {
		m.RuleStoreInfo.WithLabelValues(version).Set(1)
	}
	m.RuleStoreRules.Set(float64(rules))
}

// SetBreakerState publishes a circuit breaker state
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns the Prometheus HTTP handler for a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
