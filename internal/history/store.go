package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrTableNotFound is returned by stores for operations on a missing table
	ErrTableNotFound = errors.New("table not found")
	// ErrDuplicateRow is returned by AppendRow when the row's hash cell is already stored
	ErrDuplicateRow = errors.New("row with this hash already stored")
)

// Row is one row of a tabular store. Cells hold strings, numbers or times
type Row []any

// Store is the tabular row store holding claim history. ReadAllRows returns every
// row of a table; once headers are initialized the first row is the header row.
// In a table whose headers include ColHash, AppendRow rejects a non-empty hash that
// is already stored with ErrDuplicateRow. The check is atomic with the insert, so
// writers in different processes cannot both add the same claim
type Store interface {
	ListTables(ctx context.Context) ([]string, error)
	CreateTable(ctx context.Context, name string) error
	InitializeHeaders(ctx context.Context, name string, headers []string) error
	ReadAllRows(ctx context.Context, name string) ([]Row, error)
	AppendRow(ctx context.Context, name string, row Row) error
}

// EnsureTable creates table with Headers when it does not exist yet, and writes the
// header row into an existing but empty table
func EnsureTable(ctx context.Context, s Store, table string) error {
	tables, err := s.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	if !slices.Contains(tables, table) {
		if err := s.CreateTable(ctx, table); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		if err := s.InitializeHeaders(ctx, table, Headers); err != nil {
			return fmt.Errorf("initialize headers of %s: %w", table, err)
		}
		return nil
	}

	rows, err := s.ReadAllRows(ctx, table)
	if err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	if len(rows) == 0 {
		if err := s.InitializeHeaders(ctx, table, Headers); err != nil {
			return fmt.Errorf("initialize headers of %s: %w", table, err)
		}
	}
	return nil
}
