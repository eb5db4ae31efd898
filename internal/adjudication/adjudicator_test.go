package adjudication

import (
	"context"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
	"github.com/drfirst/go-claimcheck/internal/rules"
)

const ruleDoc = `{
	"version": "t1",
	"drugClasses": {"antihypertensive": ["amlodipine", "lisinopril"]},
	"rules": [
		{"id": "CKD", "drugs": ["metformin"], "forbidIcdCodes": ["N18"]},
		{"id": "AH", "drugs": ["amlodipine", "lisinopril"], "rejectIfOtherDrugClass": "antihypertensive"},
		{"id": "STATIN", "drugs": ["atorvastatin"], "requireServices": ["lipid"], "manualReviewIfServicePresent": true},
		{"id": "INS", "drugs": ["insulin"], "requireIcdPrefixes": ["E11"]}
	]
}`

type staticSource struct{ ev *rules.Evaluator }

func (s staticSource) Evaluator() *rules.Evaluator { return s.ev }

func newEvaluator(t *testing.T) *rules.Evaluator {
	t.Helper()
	store, err := rules.NewLoader(rules.DefaultLoaderConfig(), nil).Parse([]byte(ruleDoc), rules.FormatJSON)
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	return rules.NewEvaluator(store)
}

func sampleCase() claim.Case {
	return claim.Case{
		ClaimID:   "C-1",
		PatientID: "P-1",
		Medications: []claim.Medication{
			{Name: "Metformin"},
			{Name: "Insulin"},
			{Name: "Atorvastatin"},
			{Name: "Vitamin D"},
		},
		Services:  []claim.Service{{Name: "Lipid panel"}},
		Diagnoses: []claim.Diagnosis{{Code: "N18.3"}, {Code: "E11.9"}},
	}
}

func TestEvaluateCase_Summary(t *testing.T) {
	c := sampleCase()
	res := EvaluateCase(newEvaluator(t), &c)

	want := Summary{Approved: 1, Rejected: 1, ManualReview: 1, AIPending: 1}
	if res.Summary != want {
		t.Errorf("Expected %+v, got %+v", want, res.Summary)
	}
	if !res.HasRuleDecision || !res.HasManualReview || !res.NeedsAIReview() {
		t.Errorf("Unexpected flags: %+v", res)
	}
	if res.ClaimID != "C-1" || res.PatientID != "P-1" {
		t.Errorf("Expected case identity to be carried, got %s/%s", res.ClaimID, res.PatientID)
	}
	if len(res.Medications) != 4 || res.Medications[3].Drug != "Vitamin D" {
		t.Errorf("Expected results in medication order, got %+v", res.Medications)
	}
}

func TestEvaluateCase_Idempotent(t *testing.T) {
	ev := newEvaluator(t)
	c := sampleCase()

	first := EvaluateCase(ev, &c)
	second := EvaluateCase(ev, &c)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical results, got\n%+v\n%+v", first, second)
	}
}

func TestEvaluateCase_EmptyAndNil(t *testing.T) {
	ev := newEvaluator(t)

	empty := EvaluateCase(ev, &claim.Case{ClaimID: "C-0"})
	if empty.Summary.Total() != 0 || empty.HasRuleDecision || empty.NeedsAIReview() {
		t.Errorf("Expected an empty result, got %+v", empty)
	}
	if empty.Medications == nil {
		t.Error("Expected an empty, non-nil medication list")
	}

	if res := EvaluateCase(ev, nil); res.Summary.Total() != 0 {
		t.Errorf("Expected nil case to produce nothing, got %+v", res)
	}
}

func TestEvaluateCase_AllRuleDecided(t *testing.T) {
	c := claim.Case{
		Medications: []claim.Medication{{Name: "Amlodipine"}, {Name: "Lisinopril"}},
	}
	res := EvaluateCase(newEvaluator(t), &c)
	if res.NeedsAIReview() {
		t.Errorf("Expected rules to be conclusive, got %+v", res.Summary)
	}
	if res.Summary.Rejected != 2 {
		t.Errorf("Expected both antihypertensives rejected, got %+v", res.Summary)
	}
}

func TestAdjudicator_EvaluateBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	a := New(Config{Parallelism: 2}, staticSource{ev: newEvaluator(t)}, m, nil)

	cases := []claim.Case{sampleCase(), {ClaimID: "C-2", Medications: []claim.Medication{{Name: "Insulin"}}}, sampleCase()}
	cases[2].ClaimID = "C-3"

	res, err := a.EvaluateBatch(context.Background(), cases)
	if err != nil {
		t.Fatalf("evaluate batch: %v", err)
	}
	if res.RuleVersion != "t1" {
		t.Errorf("Expected rule version t1, got %q", res.RuleVersion)
	}
	if len(res.Cases) != 3 || res.Cases[1].ClaimID != "C-2" || res.Cases[2].ClaimID != "C-3" {
		t.Fatalf("Expected input order to be kept, got %+v", res.Cases)
	}

	want := Summary{Approved: 2, Rejected: 3, ManualReview: 2, AIPending: 2}
	if res.Totals != want {
		t.Errorf("Expected totals %+v, got %+v", want, res.Totals)
	}

	if got := testutil.ToFloat64(m.CasesEvaluated); got != 3 {
		t.Errorf("Expected 3 cases counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.DrugDecisions.WithLabelValues("deferred", "AI")); got != 2 {
		t.Errorf("Expected 2 deferred decisions, got %v", got)
	}
}

func TestAdjudicator_NoStoreDefersEverything(t *testing.T) {
	a := New(DefaultConfig(), staticSource{ev: rules.NewEvaluator(nil)}, nil, nil)

	res, err := a.EvaluateBatch(context.Background(), []claim.Case{sampleCase()})
	if err != nil {
		t.Fatalf("evaluate batch: %v", err)
	}
	if res.Totals.AIPending != 4 || res.Totals.Approved != 0 {
		t.Errorf("Expected every item deferred, got %+v", res.Totals)
	}
}

func TestAdjudicator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(DefaultConfig(), staticSource{ev: newEvaluator(t)}, nil, nil)
	if _, err := a.EvaluateBatch(ctx, []claim.Case{sampleCase()}); err == nil {
		t.Error("Expected an error for a cancelled context")
	}
}
