// Package main provides the claim worker entry point.
// Consumes claim batches, runs the pipeline once per batch and publishes the reports.
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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/app"
	"github.com/drfirst/go-claimcheck/internal/config"
	"github.com/drfirst/go-claimcheck/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
	"github.com/drfirst/go-claimcheck/internal/observability/tracing"
	"github.com/drfirst/go-claimcheck/internal/worker"
	"github.com/drfirst/go-claimcheck/pkg/idempotency"
	"github.com/drfirst/go-claimcheck/pkg/workerpool"
)

func main() {
	cfg, err := config.LoadFlags("claim-worker", os.Args[1:])
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

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	components.Pipeline.WithPublisher(producer, redpanda.TopicClaimReports)

	var inbox idempotency.Processor
	if components.DB != nil {
		pgInbox := idempotency.NewInbox(components.DB, idempotency.DefaultInboxConfig(), logger)
		pgInbox.StartCleanup()
		defer pgInbox.Stop()
		inbox = pgInbox
	} else {
		logger.Warn("no database configured, batch deduplication is process-local")
		inbox = idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig())
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers

	handler, err := worker.NewBatchHandler(inbox, components.Pipeline, producer, poolCfg, logger)
	if err != nil {
		logger.Fatal("batch handler creation failed", zap.Error(err))
	}
	handler.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.KafkaGroupID
	consumerCfg.Topics = []string{redpanda.TopicClaimBatches}

	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	// Probes and metrics
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		cs := consumer.Stats()
		ps := handler.Stats()
		body := map[string]any{
			"version":           tracing.Version,
			"messages_read":     cs.MessagesRead,
			"handler_errors":    cs.ErrorCount,
			"last_commit":       cs.LastCommitTime,
			"batches_completed": ps.TasksCompleted,
			"batches_failed":    ps.TasksFailed,
			"queue_depth":       ps.QueueDepth,
		}
		if is, err := handler.InboxStats(r.Context()); err == nil {
			body["inbox"] = is
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := components.Ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := consumer.Ping(ctx); err != nil {
			http.Error(w, "not ready: kafka: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !handler.Healthy() {
			http.Error(w, "not ready: batch queue full", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("probe server error", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("claim worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroupID),
		zap.Int("workers", poolCfg.Workers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop failed", zap.Error(err))
	}
	if err := handler.Stop(); err != nil {
		logger.Warn("worker pool stop failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}

	stats := handler.Stats()
	fields := []zap.Field{
		zap.Int64("batches_completed", stats.TasksCompleted),
		zap.Int64("batches_failed", stats.TasksFailed),
		zap.Int64("batches_retried", stats.TasksRetried),
	}
	if is, err := handler.InboxStats(shutdownCtx); err == nil {
		fields = append(fields,
			zap.Int64("inbox_finished", is.Finished),
			zap.Int64("inbox_failed", is.Failed),
			zap.Int64("inbox_recoverable", is.Recoverable))
	}
	logger.Info("claim worker stopped", fields...)
}
