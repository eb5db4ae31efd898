package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("REJECTED", "RULE")
	m.ObserveCases(3)
	m.ObserveFinding("reject")
	m.ObserveHistoryWrite(1, 2, 3)
	m.ObserveHistoryLoadFailure()
	m.ObserveStage("batch", time.Now())
	m.ObserveBatch("processed")
	m.ObserveProduced()
	m.ObserveConsumed()
	m.SetRuleStore("v1", 4)
	m.SetBreakerState("history", 1)
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDecision("", "AI")
	m.ObserveDecision("REJECTED", "RULE")
	m.ObserveDecision("REJECTED", "RULE")
	m.ObserveHistoryWrite(2, 1, 0)
	m.SetRuleStore("2024.06", 6)
	m.SetRuleStore("2024.07", 7)

	if got := testutil.ToFloat64(m.DrugDecisions.WithLabelValues("deferred", "AI")); got != 1 {
		t.Errorf("Expected 1 deferred decision, got %v", got)
	}
	if got := testutil.ToFloat64(m.DrugDecisions.WithLabelValues("REJECTED", "RULE")); got != 2 {
		t.Errorf("Expected 2 rejections, got %v", got)
	}
	if got := testutil.ToFloat64(m.HistoryRowsWritten); got != 2 {
		t.Errorf("Expected 2 rows written, got %v", got)
	}
	if got := testutil.CollectAndCount(m.RuleStoreInfo); got != 1 {
		t.Errorf("Expected only the current rule version, got %d series", got)
	}
	if got := testutil.ToFloat64(m.RuleStoreRules); got != 7 {
		t.Errorf("Expected 7 rules, got %v", got)
	}

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "claimcheck_drug_decisions_total") {
		t.Error("Expected decisions in the exposition output")
	}
}
