// Package app wires the claim check components from configuration. The API server,
// the batch worker and the CLI share it.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/adjudication"
	"github.com/drfirst/go-claimcheck/internal/config"
	"github.com/drfirst/go-claimcheck/internal/duplicate"
	"github.com/drfirst/go-claimcheck/internal/history"
	"github.com/drfirst/go-claimcheck/internal/infrastructure/postgres"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
	"github.com/drfirst/go-claimcheck/internal/pipeline"
	"github.com/drfirst/go-claimcheck/internal/rules"
	"github.com/drfirst/go-claimcheck/pkg/circuitbreaker"
)

// Components holds the wired pipeline of one process
type Components struct {
	Registry    *rules.Registry
	Adjudicator *adjudication.Adjudicator
	Detector    *duplicate.Detector
	Pipeline    *pipeline.Service

	// DB is nil for the memory history backend
	DB *pgxpool.Pool
	// Breaker guards the Postgres history store
	Breaker *circuitbreaker.CircuitBreaker
	// History is the store behind the detector
	History history.Store
}

// Build loads the rules and assembles the pipeline. With the postgres backend it
// connects, migrates and wraps the row store in a circuit breaker
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	norm, err := cfg.Normalizer()
	if err != nil {
		return nil, err
	}

	loaderCfg := rules.DefaultLoaderConfig()
	loaderCfg.Normalizer = norm
	registry := rules.NewRegistry(rules.NewLoader(loaderCfg, logger), cfg.RulesPath, logger)
	if store := registry.Store(); store != nil {
		m.SetRuleStore(store.Version(), store.Len())
	}

	c := &Components{Registry: registry}

	switch cfg.HistoryBackend {
	case config.HistoryBackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}

		bcfg := circuitbreaker.DefaultConfig("history-store")
		bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
			m.SetBreakerState(name, to.Value())
		}
		breaker, err := circuitbreaker.New(bcfg, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("create history breaker: %w", err)
		}
		m.SetBreakerState(breaker.Name(), breaker.GetState().Value())

		c.DB = pool
		c.Breaker = breaker
		c.History = history.NewGuardedStore(postgres.NewRowStore(pool, logger), breaker)
		logger.Info("Using Postgres claim history", zap.String("table", cfg.HistoryTable))
	default:
		c.History = history.NewMemoryStore()
		logger.Info("Using in-memory claim history", zap.String("table", cfg.HistoryTable))
	}

	loader := history.NewLoader(c.History, cfg.HistoryTable, m, logger)
	var writer *history.Writer
	if cfg.HistoryPersist {
		writer = history.NewWriter(c.History, cfg.HistoryTable, cfg.HistorySource, m, logger)
	}

	dcfg := duplicate.DefaultConfig()
	dcfg.WindowDays = cfg.HistoryWindowDays
	dcfg.Parallelism = cfg.Parallelism
	dcfg.Persist = cfg.HistoryPersist
	c.Detector = duplicate.New(dcfg, loader, writer, norm, m, logger)

	acfg := adjudication.DefaultConfig()
	acfg.Parallelism = cfg.Parallelism
	c.Adjudicator = adjudication.New(acfg, registry, m, logger)

	c.Pipeline = pipeline.New(c.Adjudicator, c.Detector, m, logger)
	return c, nil
}

// Ready reports whether the rule store is loaded and the history store reachable
func (c *Components) Ready(ctx context.Context) error {
	if c.Registry.Store() == nil {
		return fmt.Errorf("rule store not loaded")
	}
	if c.DB != nil {
		if err := c.DB.Ping(ctx); err != nil {
			return fmt.Errorf("history database: %w", err)
		}
	}
	return nil
}

// Close releases the database pool
func (c *Components) Close() {
	if c.DB != nil {
		c.DB.Close()
	}
}
