// Package worker processes claim batches consumed from Kafka. Every batch runs once
// through the idempotency inbox; batches that cannot succeed go to the dead-letter topic.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claimcheck/internal/pipeline"
	"github.com/drfirst/go-claimcheck/pkg/idempotency"
	"github.com/drfirst/go-claimcheck/pkg/workerpool"
)

// HandlerName identifies batch processing in the inbox
const HandlerName = "claim-batch"

// Runner runs the batch pipeline. *pipeline.Service satisfies it
type Runner interface {
	Process(ctx context.Context, batch pipeline.Batch) (*pipeline.Report, error)
}

// DeadLetterSink receives batches that failed for good. *redpanda.Producer satisfies it
type DeadLetterSink interface {
	ProduceRecord(ctx context.Context, rec *redpanda.Record) error
}

// BatchHandler turns consumed records into pipeline runs on a worker pool
type BatchHandler struct {
	inbox    idempotency.Processor
	runner   Runner
	dlq      DeadLetterSink
	dlqTopic string
	pool     *workerpool.Pool
	logger   *zap.Logger

	// undelivered holds records whose dead letter could not be produced. The
	// inbox already marks them failed, so a retry must dead-letter them again
	mu          sync.Mutex
	undelivered map[string]error
}

// NewBatchHandler creates the handler and its worker pool. Call Start before consuming
func NewBatchHandler(inbox idempotency.Processor, runner Runner, dlq DeadLetterSink, poolCfg workerpool.Config, logger *zap.Logger) (*BatchHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &BatchHandler{
		inbox:       inbox,
		runner:      runner,
		dlq:         dlq,
		dlqTopic:    redpanda.TopicDeadLetter,
		logger:      logger,
		undelivered: make(map[string]error),
	}
	pool, err := workerpool.New(poolCfg, h.runTask, logger)
	if err != nil {
		return nil, err
	}
	h.pool = pool
	return h, nil
}

// Start launches the worker pool
func (h *BatchHandler) Start() {
	h.pool.Start()
}

// Stop drains the worker pool
func (h *BatchHandler) Stop() error {
	return h.pool.Stop()
}

// Stats returns the worker pool statistics
func (h *BatchHandler) Stats() workerpool.Stats {
	return h.pool.Stats()
}

// Healthy reports whether the batch queue still has headroom
func (h *BatchHandler) Healthy() bool {
	return h.pool.IsHealthy()
}

// InboxStats counts the inbox entries by status
func (h *BatchHandler) InboxStats(ctx context.Context) (*idempotency.InboxStats, error) {
	return h.inbox.GetStats(ctx)
}

// Handle is the consumer's message handler. It returns nil once the record is done
// with: processed, replayed, owned by another worker, or dead-lettered. Any other
// error leaves the offset uncommitted
func (h *BatchHandler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	task := &workerpool.Task{
		ID:      recordID(msg),
		Payload: msg,
		Context: ctx,
	}
	res, err := h.pool.SubmitWait(ctx, task)
	if err != nil {
		return fmt.Errorf("submit batch %s: %w", task.ID, err)
	}
	if res.Success {
		return nil
	}

	switch {
	case errors.Is(res.Error, idempotency.ErrBatchInProgress):
		h.logger.Info("batch owned by another worker", zap.String("record", task.ID))
		return nil
	case errors.Is(res.Error, idempotency.ErrPreviouslyFailed):
		if cause := h.takeUndelivered(task.ID); cause != nil {
			return h.deadLetter(ctx, msg, cause)
		}
		h.logger.Info("batch failed before, skipping", zap.String("record", task.ID))
		return nil
	}
	return h.deadLetter(ctx, msg, res.Error)
}

// takeUndelivered returns the failure cause of a record still owed to the dead-letter topic
func (h *BatchHandler) takeUndelivered(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cause := h.undelivered[id]
	delete(h.undelivered, id)
	return cause
}

func (h *BatchHandler) runTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	msg := task.Payload.(*redpanda.ConsumedMessage)
	key := idempotency.BatchKey(msg.Topic, string(msg.Key), msg.Value)

	out, err := h.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		batch, err := decodeBatch(payload, msg)
		if err != nil {
			return nil, idempotency.Terminal(err)
		}

		report, err := h.runner.Process(ctx, batch)
		if err != nil {
			return nil, err
		}
		return json.Marshal(report)
	})
	if err != nil {
		permanent := errors.Is(err, idempotency.ErrTerminal) ||
			errors.Is(err, idempotency.ErrBatchInProgress) ||
			errors.Is(err, idempotency.ErrPreviouslyFailed)
		return &workerpool.Result{Error: err, Permanent: permanent}
	}

	if !out.IsNew {
		h.logger.Info("duplicate batch delivery, stored report kept", zap.String("record", task.ID))
	} else if out.WasRecovered {
		h.logger.Info("batch recovered", zap.String("record", task.ID))
	}
	return &workerpool.Result{Success: true, Data: out.Result}
}

// decodeBatch reads a batch payload. The record key stands in for a missing batch id
func decodeBatch(payload []byte, msg *redpanda.ConsumedMessage) (pipeline.Batch, error) {
	var batch pipeline.Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return batch, fmt.Errorf("decode batch: %w", err)
	}
	if len(batch.Cases) == 0 {
		return batch, errors.New("batch has no cases")
	}
	if batch.ID == "" {
		batch.ID = string(msg.Key)
	}
	if batch.Source == "" {
		batch.Source = msg.Topic
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = msg.Timestamp
	}
	return batch, nil
}

func (h *BatchHandler) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	if h.dlq == nil {
		return cause
	}

	headers := map[string]string{
		"error":              cause.Error(),
		"original_topic":     msg.Topic,
		"original_partition": strconv.FormatInt(int64(msg.Partition), 10),
		"original_offset":    strconv.FormatInt(msg.Offset, 10),
		"failed_at":          time.Now().UTC().Format(time.RFC3339),
	}
	err := h.dlq.ProduceRecord(ctx, &redpanda.Record{
		Topic:   h.dlqTopic,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		h.mu.Lock()
		h.undelivered[recordID(msg)] = cause
		h.mu.Unlock()
		return fmt.Errorf("dead-letter %s: %w (cause: %v)", recordID(msg), err, cause)
	}

	h.logger.Warn("batch dead-lettered",
		zap.String("record", recordID(msg)),
		zap.Error(cause))
	return nil
}

func recordID(msg *redpanda.ConsumedMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}
