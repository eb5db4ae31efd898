package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store, used by the CLI and in tests.
// The zero value is an empty store
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Row
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]Row)}
}

// ListTables returns the table names in sorted order
func (m *MemoryStore) ListTables(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateTable creates an empty table. Creating an existing table is a no-op
func (m *MemoryStore) CreateTable(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tables == nil {
		m.tables = make(map[string][]Row)
	}
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = nil
	}
	return nil
}

// InitializeHeaders writes the header row of an empty table
func (m *MemoryStore) InitializeHeaders(_ context.Context, name string, headers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.tables[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	if len(rows) > 0 {
		return fmt.Errorf("%s: headers already initialized", name)
	}

	header := make(Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	m.tables[name] = []Row{header}
	return nil
}

// ReadAllRows returns a copy of every row in the table
func (m *MemoryStore) ReadAllRows(_ context.Context, name string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = append(Row(nil), r...)
	}
	return out, nil
}

// AppendRow appends a copy of row to the table, rejecting a repeated hash
func (m *MemoryStore) AppendRow(_ context.Context, name string, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.tables[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	if len(rows) > 0 {
		cols := indexHeaders(rows[0])
		if _, keyed := cols[ColHash]; keyed {
			if h := cols.str(row, ColHash); h != "" {
				for _, r := range rows[1:] {
					if cols.str(r, ColHash) == h {
						return fmt.Errorf("%s %s: %w", name, h, ErrDuplicateRow)
					}
				}
			}
		}
	}
	m.tables[name] = append(rows, append(Row(nil), row...))
	return nil
}

// Len returns the number of data rows (excluding the header row) in a table
func (m *MemoryStore) Len(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n := len(m.tables[name]); n > 0 {
		return n - 1
	}
	return 0
}
