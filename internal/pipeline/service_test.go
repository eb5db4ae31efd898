package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/drfirst/go-claimcheck/internal/adjudication"
	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/duplicate"
	"github.com/drfirst/go-claimcheck/internal/history"
	"github.com/drfirst/go-claimcheck/internal/rules"
)

type fixedSource struct{ ev *rules.Evaluator }

func (f fixedSource) Evaluator() *rules.Evaluator { return f.ev }

func newService(t *testing.T, store history.Store) *Service {
	t.Helper()
	rs, err := rules.NewLoader(rules.DefaultLoaderConfig(), nil).Parse([]byte(`{
		"version": "p1",
		"rules": [{"id": "CKD", "drugs": ["metformin"], "forbidIcdCodes": ["N18"]}]
	}`), rules.FormatJSON)
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}

	adj := adjudication.New(adjudication.DefaultConfig(), fixedSource{ev: rules.NewEvaluator(rs)}, nil, nil)
	cfg := duplicate.DefaultConfig()
	cfg.WindowDays = 0
	det := duplicate.New(cfg, history.NewLoader(store, "", nil, nil), history.NewWriter(store, "", "pipeline-test", nil, nil), nil, nil, nil)
	return New(adj, det, nil, nil)
}

func TestService_Process(t *testing.T) {
	store := history.NewMemoryStore()
	svc := newService(t, store)

	batch := Batch{Cases: []claim.Case{{
		ClaimID:     "C1",
		PatientID:   "P1",
		ServiceDate: "2024-02-01",
		Medications: []claim.Medication{{Name: "Metformin"}, {Name: "Omeprazole"}},
		Diagnoses:   []claim.Diagnosis{{Code: "N18.4"}},
	}}}

	report, err := svc.Process(context.Background(), batch)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.BatchID == "" {
		t.Error("Expected a generated batch id")
	}
	if report.Adjudication.Totals.Rejected != 1 || report.Adjudication.Totals.AIPending != 1 {
		t.Errorf("Unexpected adjudication totals: %+v", report.Adjudication.Totals)
	}
	if report.Duplicates == nil || report.Duplicates.History.Written != 2 {
		t.Errorf("Expected both medications recorded in history, got %+v", report.Duplicates)
	}

	later := Batch{ID: "B2", Cases: []claim.Case{{
		ClaimID:     "C2",
		PatientID:   "P1",
		ServiceDate: "2024-02-20",
		Medications: []claim.Medication{{Name: "Omeprazole"}},
	}}}
	report, err = svc.Process(context.Background(), later)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.BatchID != "B2" {
		t.Errorf("Expected the given batch id, got %q", report.BatchID)
	}
	if report.Duplicates.Summary.Reject != 1 {
		t.Errorf("Expected the repeat omeprazole to be flagged, got %+v", report.Duplicates.Summary)
	}
}

func TestService_WithoutDetector(t *testing.T) {
	rs, _ := rules.NewLoader(rules.DefaultLoaderConfig(), nil).Parse([]byte(`{"rules": [{"id": "A", "drugs": ["x"]}]}`), rules.FormatJSON)
	svc := New(adjudication.New(adjudication.DefaultConfig(), fixedSource{ev: rules.NewEvaluator(rs)}, nil, nil), nil, nil, nil)

	report, err := svc.Process(context.Background(), Batch{ID: "B", Cases: []claim.Case{{ClaimID: "C"}}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if report.Duplicates != nil {
		t.Error("Expected no duplicate section")
	}
}

func TestService_CancelledContext(t *testing.T) {
	svc := newService(t, history.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Process(ctx, Batch{Cases: []claim.Case{{ClaimID: "C", PatientID: "P"}}}); err == nil {
		t.Error("Expected an error for a cancelled context")
	}
}

type recordingPublisher struct {
	topic, key string
	value      []byte
	err        error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

func TestService_PublishesReport(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newService(t, history.NewMemoryStore()).WithPublisher(pub, "claims.reports")

	if _, err := svc.Process(context.Background(), Batch{ID: "B9", Cases: []claim.Case{{ClaimID: "C", PatientID: "P"}}}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if pub.topic != "claims.reports" || pub.key != "B9" {
		t.Errorf("Expected report keyed B9 on claims.reports, got %s/%s", pub.topic, pub.key)
	}

	var report Report
	if err := json.Unmarshal(pub.value, &report); err != nil || report.BatchID != "B9" {
		t.Errorf("Expected the encoded report, got %s (%v)", pub.value, err)
	}
}

func TestService_PublishFailureKeepsReport(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newService(t, history.NewMemoryStore()).WithPublisher(pub, "claims.reports")

	report, err := svc.Process(context.Background(), Batch{ID: "B10", Cases: []claim.Case{{ClaimID: "C", PatientID: "P"}}})
	if !errors.Is(err, ErrNotPublished) {
		t.Fatalf("Expected ErrNotPublished, got %v", err)
	}
	if report == nil || report.BatchID != "B10" {
		t.Errorf("Expected the report alongside the error, got %+v", report)
	}
}
