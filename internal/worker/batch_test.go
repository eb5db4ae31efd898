package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-claimcheck/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claimcheck/internal/pipeline"
	"github.com/drfirst/go-claimcheck/pkg/idempotency"
	"github.com/drfirst/go-claimcheck/pkg/workerpool"
)

type fakeRunner struct {
	mu      sync.Mutex
	batches []pipeline.Batch
	err     error
}

func (f *fakeRunner) Process(_ context.Context, batch pipeline.Batch) (*pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Report{BatchID: batch.ID, Source: batch.Source}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeSink struct {
	records []*redpanda.Record
	err     error
}

func (f *fakeSink) ProduceRecord(_ context.Context, rec *redpanda.Record) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func newTestHandler(t *testing.T, runner Runner, sink DeadLetterSink) *BatchHandler {
	t.Helper()
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond

	h, err := NewBatchHandler(idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig()), runner, sink, cfg, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	h.Start()
	t.Cleanup(func() { h.Stop() })
	return h
}

func message(offset int64, value string) *redpanda.ConsumedMessage {
	return &redpanda.ConsumedMessage{
		Topic:     redpanda.TopicClaimBatches,
		Partition: 0,
		Offset:    offset,
		Key:       []byte("B1"),
		Value:     []byte(value),
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

const validBatch = `{"cases":[{"claimId":"C1","patientId":"P1","medications":[{"name":"metformin"}]}]}`

func TestBatchHandler_ProcessesOnce(t *testing.T) {
	runner := &fakeRunner{}
	sink := &fakeSink{}
	h := newTestHandler(t, runner, sink)

	for offset := int64(0); offset < 2; offset++ {
		if err := h.Handle(context.Background(), message(offset, validBatch)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	if runner.calls() != 1 {
		t.Errorf("Expected the redelivered batch to run once, ran %d times", runner.calls())
	}
	got := runner.batches[0]
	if got.ID != "B1" || got.Source != redpanda.TopicClaimBatches || got.ReceivedAt.IsZero() {
		t.Errorf("Expected id, source and receivedAt from the record, got %+v", got)
	}
	if len(sink.records) != 0 {
		t.Errorf("Expected no dead letters, got %d", len(sink.records))
	}
}

func TestBatchHandler_MalformedGoesToDeadLetter(t *testing.T) {
	runner := &fakeRunner{}
	sink := &fakeSink{}
	h := newTestHandler(t, runner, sink)

	if err := h.Handle(context.Background(), message(7, `{"cases":`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if runner.calls() != 0 {
		t.Errorf("Expected the pipeline not to run, ran %d times", runner.calls())
	}
	if len(sink.records) != 1 {
		t.Fatalf("Expected 1 dead letter, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Topic != redpanda.TopicDeadLetter || rec.Headers["original_offset"] != "7" {
		t.Errorf("Unexpected dead letter %+v", rec)
	}

	// A redelivery of the failed batch is skipped without another dead letter
	if err := h.Handle(context.Background(), message(8, `{"cases":`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.records) != 1 {
		t.Errorf("Expected still 1 dead letter, got %d", len(sink.records))
	}
}

func TestBatchHandler_EmptyBatchIsTerminal(t *testing.T) {
	runner := &fakeRunner{}
	sink := &fakeSink{}
	h := newTestHandler(t, runner, sink)

	if err := h.Handle(context.Background(), message(1, `{"cases":[]}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.records) != 1 {
		t.Errorf("Expected 1 dead letter, got %d", len(sink.records))
	}
}

func TestBatchHandler_RetriesThenDeadLetters(t *testing.T) {
	runner := &fakeRunner{err: errors.New("history store down")}
	sink := &fakeSink{}
	h := newTestHandler(t, runner, sink)

	if err := h.Handle(context.Background(), message(3, validBatch)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if runner.calls() != 3 {
		t.Errorf("Expected 3 attempts, got %d", runner.calls())
	}
	if len(sink.records) != 1 {
		t.Errorf("Expected 1 dead letter, got %d", len(sink.records))
	}
}

func TestBatchHandler_DeadLetterFailureLeavesOffset(t *testing.T) {
	sink := &fakeSink{err: errors.New("broker down")}
	h := newTestHandler(t, &fakeRunner{}, sink)

	if err := h.Handle(context.Background(), message(1, `not json`)); err == nil {
		t.Fatal("Expected an error when the dead letter cannot be produced")
	}

	// The consumer hands the same record back once the broker recovers
	sink.err = nil
	if err := h.Handle(context.Background(), message(1, `not json`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.records) != 1 {
		t.Errorf("Expected the owed dead letter on retry, got %d", len(sink.records))
	}
}
