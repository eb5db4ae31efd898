package adjudication

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
	"github.com/drfirst/go-claimcheck/internal/rules"
)

// EvaluatorSource yields the evaluator to use for one batch. *rules.Registry satisfies it
type EvaluatorSource interface {
	Evaluator() *rules.Evaluator
}

// Config holds adjudicator configuration
type Config struct {
	// Parallelism bounds how many cases are evaluated concurrently
	Parallelism int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{Parallelism: 8}
}

// BatchResult is the adjudication of a whole batch
type BatchResult struct {
	RuleVersion string       `json:"ruleVersion,omitempty"`
	Cases       []CaseResult `json:"cases"`
	Totals      Summary      `json:"totals"`
}

// NeedsAIReview reports whether any case still needs external review
func (b *BatchResult) NeedsAIReview() bool {
	return b.Totals.AIPending > 0
}

// Adjudicator evaluates batches of cases in parallel
type Adjudicator struct {
	config  Config
	source  EvaluatorSource
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates an adjudicator. m may be nil
func New(cfg Config, source EvaluatorSource, m *metrics.Metrics, logger *zap.Logger) *Adjudicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultConfig().Parallelism
	}
	return &Adjudicator{
		config:  cfg,
		source:  source,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("adjudication"),
	}
}

// EvaluateBatch adjudicates every case, keeping input order. One evaluator, and
// therefore one rule store version, is used for the whole batch
func (a *Adjudicator) EvaluateBatch(ctx context.Context, cases []claim.Case) (*BatchResult, error) {
	ctx, span := a.tracer.Start(ctx, "adjudication.evaluate_batch",
		trace.WithAttributes(attribute.Int("cases", len(cases))),
	)
	defer span.End()
	start := time.Now()

	ev := a.source.Evaluator()
	out := &BatchResult{
		RuleVersion: ev.Store().Version(),
		Cases:       make([]CaseResult, len(cases)),
	}
	if ev.Store() == nil {
		a.logger.Warn("Adjudicating without a rule store, all items deferred", zap.Int("cases", len(cases)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.Parallelism)
	for i := range cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out.Cases[i] = EvaluateCase(ev, &cases[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, cr := range out.Cases {
		out.Totals.Add(cr.Summary)
		for _, r := range cr.Medications {
			a.metrics.ObserveDecision(string(r.Decision), string(r.Source))
		}
	}
	a.metrics.ObserveCases(len(cases))
	a.metrics.ObserveStage("adjudication", start)

	span.SetAttributes(
		attribute.String("rules.version", out.RuleVersion),
		attribute.Int("items.rejected", out.Totals.Rejected),
		attribute.Int("items.ai_pending", out.Totals.AIPending),
	)
	a.logger.Debug("Batch adjudicated",
		zap.Int("cases", len(cases)),
		zap.Int("approved", out.Totals.Approved),
		zap.Int("rejected", out.Totals.Rejected),
		zap.Int("manual_review", out.Totals.ManualReview),
		zap.Int("ai_pending", out.Totals.AIPending),
	)
	return out, nil
}
