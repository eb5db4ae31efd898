// Package pipeline processes one claim batch end to end: rule adjudication and
// duplicate detection run side by side and are merged into one report.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-claimcheck/internal/adjudication"
	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/duplicate"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
)

// Batch is a submission of cases
type Batch struct {
	ID         string       `json:"batchId"`
	Source     string       `json:"source,omitempty"`
	ReceivedAt time.Time    `json:"receivedAt,omitempty"`
	Cases      []claim.Case `json:"cases"`
}

// Report is the merged outcome of one batch
type Report struct {
	BatchID      string                    `json:"batchId"`
	Source       string                    `json:"source,omitempty"`
	Adjudication *adjudication.BatchResult `json:"adjudication"`
	Duplicates   *duplicate.Batch          `json:"duplicates,omitempty"`
	ProcessedAt  time.Time                 `json:"processedAt"`
	DurationMs   int64                     `json:"durationMs"`
}

// ErrNotPublished is returned together with a complete report when only the
// publication of the report failed
var ErrNotPublished = errors.New("report not published")

// Publisher delivers encoded reports, keyed by batch id
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Service runs the batch pipeline
type Service struct {
	adjudicator *adjudication.Adjudicator
	detector    *duplicate.Detector
	publisher   Publisher
	topic       string
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New creates the pipeline. detector may be nil to skip duplicate detection
func New(adj *adjudication.Adjudicator, det *duplicate.Detector, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		adjudicator: adj,
		detector:    det,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("pipeline"),
	}
}

// WithPublisher publishes every processed report to topic
func (s *Service) WithPublisher(p Publisher, topic string) *Service {
	s.publisher = p
	s.topic = topic
	return s
}

// Process adjudicates and duplicate-checks the batch. A missing batch id is generated
func (s *Service) Process(ctx context.Context, batch Batch) (*Report, error) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	ctx, span := s.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("batch_id", batch.ID),
			attribute.Int("cases", len(batch.Cases)),
		))
	defer span.End()
	start := time.Now()

	report := &Report{BatchID: batch.ID, Source: batch.Source}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.adjudicator.EvaluateBatch(gctx, batch.Cases)
		if err != nil {
			return fmt.Errorf("adjudicate: %w", err)
		}
		report.Adjudication = res
		return nil
	})
	if s.detector != nil {
		g.Go(func() error {
			res, err := s.detector.Detect(gctx, batch.Cases)
			if err != nil {
				return fmt.Errorf("detect duplicates: %w", err)
			}
			report.Duplicates = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveBatch("failed")
		return nil, fmt.Errorf("batch %s: %w", batch.ID, err)
	}

	report.ProcessedAt = time.Now().UTC()
	report.DurationMs = time.Since(start).Milliseconds()
	s.metrics.ObserveBatch("processed")
	s.metrics.ObserveStage("batch", start)

	fields := []zap.Field{
		zap.String("batch_id", batch.ID),
		zap.Int("cases", len(batch.Cases)),
		zap.Int("rejected", report.Adjudication.Totals.Rejected),
		zap.Int("ai_pending", report.Adjudication.Totals.AIPending),
		zap.Int64("duration_ms", report.DurationMs),
	}
	if report.Duplicates != nil {
		fields = append(fields,
			zap.Int("duplicate_findings", report.Duplicates.Summary.Total),
			zap.Int("history_written", report.Duplicates.History.Written),
		)
	}
	s.logger.Info("Batch processed", fields...)

	if err := s.publish(ctx, report); err != nil {
		span.RecordError(err)
		s.logger.Warn("Batch report not published",
			zap.String("batch_id", batch.ID),
			zap.String("topic", s.topic),
			zap.Error(err),
		)
		return report, fmt.Errorf("batch %s: %w: %v", batch.ID, ErrNotPublished, err)
	}
	return report, nil
}

func (s *Service) publish(ctx context.Context, report *Report) error {
	if s.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return s.publisher.Publish(ctx, s.topic, report.BatchID, payload)
}
