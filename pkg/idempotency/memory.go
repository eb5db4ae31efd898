package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox is a process-local Processor for deployments without a database.
// It deduplicates redeliveries within one process lifetime only
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
	config  InboxConfig
	now     func() time.Time
}

var _ Processor = (*MemoryInbox)(nil)

// NewMemoryInbox creates an empty in-memory inbox
func NewMemoryInbox(cfg InboxConfig) *MemoryInbox {
	return &MemoryInbox{
		entries: make(map[string]*InboxEntry),
		config:  cfg,
		now:     time.Now,
	}
}

// Process has the same state machine as Inbox.Process
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	recovered, replay, err := m.claim(key, handlerName, payload)
	if err != nil || replay != nil {
		return replay, err
	}

	result, handlerErr := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.entries[key]
	entry.UpdatedAt = m.now()
	if handlerErr != nil {
		entry.Status = StatusRecoverable
		if isTerminalError(handlerErr) {
			entry.Status = StatusFailed
		}
		return nil, handlerErr
	}
	entry.Status = StatusFinished
	entry.Result = result
	return &ProcessResult{IsNew: true, WasRecovered: recovered, Result: result}, nil
}

func (m *MemoryInbox) claim(key, handlerName string, payload json.RawMessage) (bool, *ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expire(now)

	recovered := false
	if entry, ok := m.entries[key]; ok {
		switch entry.Status {
		case StatusFinished:
			return false, &ProcessResult{Result: entry.Result}, nil
		case StatusFailed:
			return false, nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)
		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= m.config.RecoveryTimeout {
				return false, nil, ErrBatchInProgress
			}
		}
		recovered = true
		entry.Status = StatusStarted
		entry.UpdatedAt = now
		return recovered, nil, nil
	}

	expires := now.Add(m.config.DefaultTTL)
	m.entries[key] = &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expires,
	}
	return false, nil, nil
}

func (m *MemoryInbox) expire(now time.Time) {
	for key, entry := range m.entries {
		if entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
			delete(m.entries, key)
		}
	}
}

// Len returns the number of live entries
func (m *MemoryInbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// GetStats counts the live entries by status
func (m *MemoryInbox) GetStats(_ context.Context) (*InboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &InboxStats{TotalEntries: int64(len(m.entries))}
	for _, entry := range m.entries {
		switch entry.Status {
		case StatusStarted:
			stats.Started++
		case StatusFinished:
			stats.Finished++
		case StatusRecoverable:
			stats.Recoverable++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
