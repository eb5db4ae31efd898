package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/normalize"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
)

// WriteResult reports what a StoreNewClaims call did with its candidates
type WriteResult struct {
	Candidates int    `json:"candidates"`
	Written    int    `json:"written"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// Writer appends claim lines whose content hash is not yet stored. Calls on one
// Writer are serialized; writers sharing a store rely on its ErrDuplicateRow check
type Writer struct {
	mu      sync.Mutex
	store   Store
	table   string
	source  string
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewWriter creates a history writer. source tags every row it writes. m may be nil
func NewWriter(store Store, table, source string, m *metrics.Metrics, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = DefaultTable
	}
	return &Writer{
		store:   store,
		table:   table,
		source:  source,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("history"),
		now:     time.Now,
	}
}

// StoreNewClaims appends every candidate whose (patient, service, day) hash is not in
// the store, collapsing duplicates inside the batch too. It never returns an error:
// store failures are logged and reported as rows not written
func (w *Writer) StoreNewClaims(ctx context.Context, candidates []Entry) WriteResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, span := w.tracer.Start(ctx, "history.store_new_claims",
		trace.WithAttributes(
			attribute.String("table", w.table),
			attribute.Int("candidates", len(candidates)),
		))
	defer span.End()

	res := WriteResult{Candidates: len(candidates)}
	if len(candidates) == 0 || w.store == nil {
		return res
	}

	fail := func(msg string, err error) WriteResult {
		span.RecordError(err)
		res.Failed = res.Candidates
		res.Error = err.Error()
		w.metrics.ObserveHistoryWrite(0, 0, res.Failed)
		w.logger.Warn(msg, zap.String("table", w.table), zap.Int("candidates", res.Candidates), zap.Error(err))
		return res
	}

	if err := EnsureTable(ctx, w.store, w.table); err != nil {
		return fail("History table unavailable, nothing written", err)
	}
	existing, err := w.existingHashes(ctx)
	if err != nil {
		return fail("Cannot read existing history, nothing written", err)
	}

	createdAt := w.now().UTC().Truncate(time.Second)
	for i := range candidates {
		e := candidates[i]
		e.ServiceDate = normalize.DateBucket(e.ServiceDate)
		if e.PatientID == "" || e.ServiceCode == "" || e.ServiceDate == "" {
			res.Skipped++
			continue
		}

		e.Hash = e.ComputeHash()
		if _, dup := existing[e.Hash]; dup {
			res.Duplicates++
			continue
		}
		if e.Source == "" {
			e.Source = w.source
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = createdAt
		}

		err := w.store.AppendRow(ctx, w.table, e.Row())
		if errors.Is(err, ErrDuplicateRow) {
			// another writer stored it since existingHashes was read
			existing[e.Hash] = struct{}{}
			res.Duplicates++
			continue
		}
		if err != nil {
			res.Failed++
			w.logger.Warn("History row not written",
				zap.String("hash", e.Hash),
				zap.String("claim_id", e.ClaimID),
				zap.Error(err),
			)
			continue
		}
		existing[e.Hash] = struct{}{}
		res.Written++
	}

	span.SetAttributes(
		attribute.Int("written", res.Written),
		attribute.Int("duplicates", res.Duplicates),
		attribute.Int("failed", res.Failed),
	)
	w.metrics.ObserveHistoryWrite(res.Written, res.Duplicates, res.Failed)
	w.logger.Debug("History written",
		zap.Int("candidates", res.Candidates),
		zap.Int("written", res.Written),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res
}

// existingHashes collects the hash of every stored row. Rows written without a hash
// column value are hashed from their triple
func (w *Writer) existingHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := w.store.ReadAllRows(ctx, w.table)
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]struct{}, len(rows))
	if len(rows) < 2 {
		return hashes, nil
	}

	cols := indexHeaders(rows[0])
	for _, row := range rows[1:] {
		if h := cols.str(row, ColHash); h != "" {
			hashes[h] = struct{}{}
			continue
		}
		if e, ok := cols.decodeRow(row); ok && e.ServiceCode != "" {
			hashes[e.ComputeHash()] = struct{}{}
		}
	}
	return hashes, nil
}
