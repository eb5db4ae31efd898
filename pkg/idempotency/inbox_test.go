package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestBatchKey(t *testing.T) {
	a := BatchKey("api", "B1", []byte(`{"cases":[]}`))
	if a != BatchKey("api", "B1", []byte(`{"cases":[]}`)) {
		t.Error("Expected a deterministic key")
	}
	if len(a) != 64 {
		t.Errorf("Expected a hex sha256 key, got %d chars", len(a))
	}
	for _, other := range []string{
		BatchKey("kafka", "B1", []byte(`{"cases":[]}`)),
		BatchKey("api", "B2", []byte(`{"cases":[]}`)),
		BatchKey("api", "B1", []byte(`{"cases":[{}]}`)),
	} {
		if other == a {
			t.Error("Expected different inputs to yield different keys")
		}
	}
}

func TestMemoryInbox_ReplaysFinished(t *testing.T) {
	inbox := NewMemoryInbox(DefaultInboxConfig())
	calls := 0
	fn := func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}

	first, err := inbox.Process(context.Background(), "k", "test", nil, fn)
	if err != nil || !first.IsNew {
		t.Fatalf("Expected a new result, got %+v, %v", first, err)
	}
	second, err := inbox.Process(context.Background(), "k", "test", nil, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.IsNew || string(second.Result) != `{"ok":true}` {
		t.Errorf("Expected the stored result replayed, got %+v", second)
	}
	if calls != 1 {
		t.Errorf("Expected the handler to run once, ran %d times", calls)
	}
}

func TestMemoryInbox_RetriesRecoverable(t *testing.T) {
	inbox := NewMemoryInbox(DefaultInboxConfig())
	fail := true
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		if fail {
			return nil, errors.New("broker unavailable")
		}
		return json.RawMessage(`1`), nil
	}

	if _, err := inbox.Process(context.Background(), "k", "test", nil, fn); err == nil {
		t.Fatal("Expected the handler error")
	}
	fail = false
	res, err := inbox.Process(context.Background(), "k", "test", nil, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.WasRecovered {
		t.Error("Expected the retry to be marked recovered")
	}
}

func TestMemoryInbox_TerminalFailureSticks(t *testing.T) {
	inbox := NewMemoryInbox(DefaultInboxConfig())
	fn := func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var v struct{}
		return nil, json.Unmarshal(payload, &v)
	}

	if _, err := inbox.Process(context.Background(), "k", "test", json.RawMessage(`{`), fn); err == nil {
		t.Fatal("Expected a decode error")
	}
	_, err := inbox.Process(context.Background(), "k", "test", json.RawMessage(`{`), fn)
	if !errors.Is(err, ErrPreviouslyFailed) {
		t.Errorf("Expected ErrPreviouslyFailed, got %v", err)
	}

	if !isTerminalError(Terminal(errors.New("no cases"))) {
		t.Error("Expected wrapped errors to be terminal")
	}
	if isTerminalError(errors.New("timeout")) {
		t.Error("Expected plain errors to be retryable")
	}
}

func TestMemoryInbox_InProgress(t *testing.T) {
	cfg := DefaultInboxConfig()
	inbox := NewMemoryInbox(cfg)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	inbox.now = func() time.Time { return now }

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = inbox.Process(context.Background(), "k", "test", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return nil, errors.New("crashed")
		})
	}()
	<-started

	_, err := inbox.Process(context.Background(), "k", "test", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Error("handler must not run while the batch is in progress")
		return nil, nil
	})
	if !errors.Is(err, ErrBatchInProgress) {
		t.Errorf("Expected ErrBatchInProgress, got %v", err)
	}

	close(release)
	<-done
}

func TestMemoryInbox_GetStats(t *testing.T) {
	inbox := NewMemoryInbox(DefaultInboxConfig())
	ok := func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`1`), nil }
	bad := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, Terminal(errors.New("no cases")) }
	flaky := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, errors.New("timeout") }

	_, _ = inbox.Process(context.Background(), "a", "test", nil, ok)
	_, _ = inbox.Process(context.Background(), "b", "test", nil, ok)
	_, _ = inbox.Process(context.Background(), "c", "test", nil, bad)
	_, _ = inbox.Process(context.Background(), "d", "test", nil, flaky)

	stats, err := inbox.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := InboxStats{TotalEntries: 4, Finished: 2, Failed: 1, Recoverable: 1}
	if *stats != want {
		t.Errorf("Expected %+v, got %+v", want, *stats)
	}
}
