// Package duplicate flags medications and procedures that a patient already received
// within the history window, and records every checked item in the history store.
package duplicate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/history"
	"github.com/drfirst/go-claimcheck/internal/normalize"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
)

// Finding is one qualifying prior occurrence of a claimed item
type Finding struct {
	ClaimID      string            `json:"claimId"`
	PatientID    string            `json:"patientId"`
	ServiceName  string            `json:"serviceName"`
	ServiceCode  string            `json:"serviceCode"`
	ServiceType  claim.ServiceType `json:"serviceType"`
	ServiceDate  string            `json:"serviceDate"`
	PriorDate    string            `json:"priorDate"`
	PriorClaimID string            `json:"priorClaimId"`
	DaysDiff     int               `json:"daysDiff"`
	Severity     Severity          `json:"severity"`
	Reason       string            `json:"reason"`
	Remediation  string            `json:"remediation"`
	Attestation  string            `json:"attestation,omitempty"`
}

// CaseFindings groups the findings of one case
type CaseFindings struct {
	ClaimID   string    `json:"claimId"`
	PatientID string    `json:"patientId"`
	Findings  []Finding `json:"findings"`
}

// Summary counts findings across a batch
type Summary struct {
	Reject          int `json:"reject"`
	Warning         int `json:"warning"`
	Watch           int `json:"watch"`
	Total           int `json:"total"`
	PatientsFlagged int `json:"patientsFlagged"`
}

// Batch is the duplicate check result of one batch of cases
type Batch struct {
	Cases          []CaseFindings      `json:"cases"`
	Summary        Summary             `json:"summary"`
	HistoryEntries int                 `json:"historyEntries"`
	History        history.WriteResult `json:"history"`
}

// Config holds detector configuration
type Config struct {
	// WindowDays is how far back history is loaded
	WindowDays int
	// Parallelism bounds concurrent case checks
	Parallelism int
	// Persist controls whether checked items are written to history
	Persist bool
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		WindowDays:  history.DefaultWindowDays,
		Parallelism: 8,
		Persist:     true,
	}
}

// Detector runs duplicate detection in three ordered phases: load history, compute
// findings against that frozen snapshot, then persist the batch's items
type Detector struct {
	config  Config
	loader  *history.Loader
	writer  *history.Writer
	norm    *normalize.Normalizer
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a detector. writer may be nil when nothing should be persisted
func New(cfg Config, loader *history.Loader, writer *history.Writer, n *normalize.Normalizer, m *metrics.Metrics, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = normalize.Default
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultConfig().Parallelism
	}
	return &Detector{
		config:  cfg,
		loader:  loader,
		writer:  writer,
		norm:    n,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("duplicate"),
		now:     time.Now,
	}
}

// Detect checks every medication and procedure of cases against the patients' history.
// Only context cancellation is returned as an error; store failures degrade to no
// history and zero rows written
func (d *Detector) Detect(ctx context.Context, cases []claim.Case) (*Batch, error) {
	ctx, span := d.tracer.Start(ctx, "duplicate.detect",
		trace.WithAttributes(attribute.Int("cases", len(cases))),
	)
	defer span.End()
	start := time.Now()

	// Phase 1
	index := history.Index{}
	if d.loader != nil {
		index = d.loader.Load(ctx, claim.PatientIDs(cases), d.config.WindowDays)
	}

	// Phase 2: cases only read the index
	now := d.now()
	out := &Batch{
		Cases:          make([]CaseFindings, len(cases)),
		HistoryEntries: index.Len(),
	}
	candidates := make([][]history.Entry, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Parallelism)
	for i := range cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out.Cases[i], candidates[i] = d.checkCase(&cases[i], index, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	flagged := make(map[string]struct{})
	for _, cf := range out.Cases {
		for _, f := range cf.Findings {
			switch f.Severity {
			case SeverityReject:
				out.Summary.Reject++
			case SeverityWarning:
				out.Summary.Warning++
			case SeverityWatch:
				out.Summary.Watch++
			}
			out.Summary.Total++
			flagged[cf.PatientID] = struct{}{}
			d.metrics.ObserveFinding(string(f.Severity))
		}
	}
	out.Summary.PatientsFlagged = len(flagged)

	// Phase 3: one serialized write for the whole batch, after every read is done
	if d.config.Persist && d.writer != nil {
		var all []history.Entry
		for _, c := range candidates {
			all = append(all, c...)
		}
		out.History = d.writer.StoreNewClaims(ctx, all)
	}

	d.metrics.ObserveStage("duplicate_detection", start)
	span.SetAttributes(
		attribute.Int("findings", out.Summary.Total),
		attribute.Int("patients_flagged", out.Summary.PatientsFlagged),
		attribute.Int("history.written", out.History.Written),
	)
	d.logger.Debug("Duplicate check done",
		zap.Int("cases", len(cases)),
		zap.Int("history_entries", out.HistoryEntries),
		zap.Int("findings", out.Summary.Total),
		zap.Int("rows_written", out.History.Written),
	)
	return out, nil
}

type item struct {
	name        string
	code        string
	serviceType claim.ServiceType
	quantity    float64
}

func (d *Detector) items(c *claim.Case) []item {
	items := make([]item, 0, len(c.Medications)+len(c.Services))
	for _, m := range c.Medications {
		name := m.Name
		if name == "" {
			name = m.Code
		}
		items = append(items, item{name: name, code: d.norm.ServiceCode(name), serviceType: claim.ServiceTypeMedication, quantity: m.Quantity})
	}
	for _, s := range c.Services {
		name := s.Name
		if name == "" {
			name = s.Code
		}
		items = append(items, item{name: name, code: d.norm.ServiceCode(name), serviceType: claim.ServiceTypeProcedure, quantity: s.Quantity})
	}
	return items
}

func (d *Detector) checkCase(c *claim.Case, index history.Index, now time.Time) (CaseFindings, []history.Entry) {
	cf := CaseFindings{ClaimID: c.ClaimID, PatientID: c.PatientID, Findings: []Finding{}}
	if c.PatientID == "" {
		return cf, nil
	}

	serviceDay := c.ServiceDay(now)
	serviceDate := serviceDay.Format(normalize.DateLayout)
	var candidates []history.Entry

	for _, it := range d.items(c) {
		if it.code == "" {
			continue
		}

		for _, prior := range index.Lookup(c.PatientID, it.code) {
			if c.ClaimID != "" && prior.ClaimID == c.ClaimID {
				continue
			}
			priorDay, ok := prior.Day()
			if !ok {
				continue
			}
			days := DaysBetween(serviceDay, priorDay)
			severity, ok := Classify(days, it.serviceType)
			if !ok {
				continue
			}

			f := Finding{
				ClaimID:      c.ClaimID,
				PatientID:    c.PatientID,
				ServiceName:  it.name,
				ServiceCode:  it.code,
				ServiceType:  it.serviceType,
				ServiceDate:  serviceDate,
				PriorDate:    prior.ServiceDate,
				PriorClaimID: prior.ClaimID,
				DaysDiff:     days,
				Severity:     severity,
			}
			f.Reason = reasonFor(&f)
			f.Remediation, f.Attestation = remediationFor(&f)
			cf.Findings = append(cf.Findings, f)
		}

		candidates = append(candidates, history.Entry{
			PatientID:     c.PatientID,
			ServiceCode:   it.code,
			ServiceName:   it.name,
			ServiceType:   it.serviceType,
			DiagnosisCode: c.PrimaryDiagnosis(),
			ServiceDate:   serviceDate,
			Quantity:      it.quantity,
			ClaimID:       c.ClaimID,
		})
	}
	return cf, candidates
}
