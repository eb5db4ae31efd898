package history

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/normalize"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
)

// DefaultWindowDays is the trailing history window used for duplicate detection
const DefaultWindowDays = 90

// Index holds loaded history by patient id, then normalized service code. Entries of
// one code keep the store's row order
type Index map[string]map[string][]Entry

// Lookup returns the prior entries for a patient and service code
func (ix Index) Lookup(patientID, serviceCode string) []Entry {
	return ix[patientID][serviceCode]
}

// Len returns the number of indexed entries
func (ix Index) Len() int {
	n := 0
	for _, codes := range ix {
		for _, entries := range codes {
			n += len(entries)
		}
	}
	return n
}

func (ix Index) add(e Entry) {
	codes, ok := ix[e.PatientID]
	if !ok {
		codes = make(map[string][]Entry)
		ix[e.PatientID] = codes
	}
	codes[e.ServiceCode] = append(codes[e.ServiceCode], e)
}

// Loader reads the history table into an Index
type Loader struct {
	store   Store
	table   string
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewLoader creates a history loader over table (DefaultTable when empty). m may be nil
func NewLoader(store Store, table string, m *metrics.Metrics, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = DefaultTable
	}
	return &Loader{
		store:   store,
		table:   table,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("history"),
		now:     time.Now,
	}
}

// Load returns the history of patientIDs within the trailing windowDays (no age
// limit when windowDays <= 0). An empty patientIDs loads every patient. Load never
// fails: store errors are logged and yield an empty index
func (l *Loader) Load(ctx context.Context, patientIDs []string, windowDays int) Index {
	ctx, span := l.tracer.Start(ctx, "history.load",
		trace.WithAttributes(
			attribute.String("table", l.table),
			attribute.Int("patients", len(patientIDs)),
			attribute.Int("window_days", windowDays),
		))
	defer span.End()

	index := make(Index)
	if l.store == nil {
		return index
	}

	rows, err := l.store.ReadAllRows(ctx, l.table)
	if err != nil {
		if errors.Is(err, ErrTableNotFound) {
			l.logger.Debug("History table does not exist yet", zap.String("table", l.table))
			return index
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "history unavailable")
		l.metrics.ObserveHistoryLoadFailure()
		l.logger.Warn("History unavailable, continuing without prior claims",
			zap.String("table", l.table),
			zap.Error(err),
		)
		return index
	}
	if len(rows) < 2 {
		return index
	}

	var wanted map[string]struct{}
	if len(patientIDs) > 0 {
		wanted = make(map[string]struct{}, len(patientIDs))
		for _, id := range patientIDs {
			wanted[id] = struct{}{}
		}
	}

	var cutoff time.Time
	if windowDays > 0 {
		cutoff = normalize.Day(l.now()).AddDate(0, 0, -windowDays)
	}

	cols := indexHeaders(rows[0])
	skipped := 0
	for _, row := range rows[1:] {
		e, ok := cols.decodeRow(row)
		if !ok {
			skipped++
			continue
		}
		if wanted != nil {
			if _, ok := wanted[e.PatientID]; !ok {
				continue
			}
		}
		if windowDays > 0 {
			if day, _ := e.Day(); day.Before(cutoff) {
				continue
			}
		}
		index.add(e)
	}

	span.SetAttributes(attribute.Int("entries", index.Len()), attribute.Int("skipped_rows", skipped))
	l.logger.Debug("History loaded",
		zap.Int("rows", len(rows)-1),
		zap.Int("entries", index.Len()),
		zap.Int("skipped", skipped),
	)
	return index
}
