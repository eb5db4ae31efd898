// Package main provides the claimcheck API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/api/handlers"
	"github.com/drfirst/go-claimcheck/internal/api/middleware"
	"github.com/drfirst/go-claimcheck/internal/app"
	"github.com/drfirst/go-claimcheck/internal/config"
	"github.com/drfirst/go-claimcheck/internal/infrastructure/postgres"
	"github.com/drfirst/go-claimcheck/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
	"github.com/drfirst/go-claimcheck/internal/observability/tracing"
)

const maxBodyBytes = 10 << 20

func main() {
	cfg, err := config.LoadFlags("claimcheck-api", os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := cfg.Logger()
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg))
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	components, err := app.Build(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer components.Close()

	// With a database, reports go through the outbox and a relay forwards them to Kafka
	var relay *postgres.Outbox
	var producer *redpanda.Producer
	if components.DB != nil {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		producer, err = redpanda.NewProducer(pcfg, m, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		relay = postgres.NewOutbox(components.DB, producer, postgres.DefaultOutboxConfig(), logger)
		components.Pipeline.WithPublisher(relay, redpanda.TopicClaimReports)
		if cfg.OutboxRelayEmbedded {
			relay.Start()
		} else {
			logger.Info("outbox relay runs out of process")
		}
	}

	claimsHandler := handlers.NewClaimsHandler(
		components.Registry,
		components.Adjudicator,
		components.Detector,
		components.Pipeline,
		m,
		logger,
	)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health", healthHandler(cfg.ServiceName))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := components.Ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	apiKeys := cfg.APIKeyMap()
	if len(apiKeys) == 0 {
		logger.Warn("API_KEYS is empty, every /api/v1 request will be rejected")
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Use(middleware.MaxBodySize(maxBodyBytes))
		r.Mount("/", claimsHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting claimcheck API",
		zap.String("port", cfg.Port),
		zap.String("history_backend", cfg.HistoryBackend),
		zap.Bool("tracing", tp.Enabled()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	if relay != nil && cfg.OutboxRelayEmbedded {
		relay.Stop()
	}
	if producer != nil {
		producer.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func healthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": service,
			"version": tracing.Version,
		})
	}
}
