package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/history"
)

// RowStore keeps history tables in PostgreSQL. A table is a row of claimcheck_tables
// holding the header row; data rows are JSON arrays in claimcheck_rows, read back in
// insertion order. Hash uniqueness is enforced by the claimcheck_rows_key_idx index
type RowStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

var _ history.Store = (*RowStore)(nil)

// NewRowStore creates a row store on pool
func NewRowStore(pool *pgxpool.Pool, logger *zap.Logger) *RowStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RowStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("rowstore"),
	}
}

func (s *RowStore) ListTables(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "rowstore.list_tables")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT name FROM claimcheck_tables ORDER BY name`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan tables: %w", err)
	}
	return names, nil
}

func (s *RowStore) CreateTable(ctx context.Context, name string) error {
	ctx, span := s.tracer.Start(ctx, "rowstore.create_table",
		trace.WithAttributes(attribute.String("table", name)))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO claimcheck_tables (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("create table %s: %w", name, err)
	}
	s.logger.Info("history table created", zap.String("table", name))
	return nil
}

func (s *RowStore) InitializeHeaders(ctx context.Context, name string, headers []string) error {
	ctx, span := s.tracer.Start(ctx, "rowstore.initialize_headers",
		trace.WithAttributes(attribute.String("table", name)))
	defer span.End()

	payload, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE claimcheck_tables SET headers = $2 WHERE name = $1 AND headers IS NULL`, name, payload)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("initialize headers of %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.exists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%s: %w", name, history.ErrTableNotFound)
		}
		return fmt.Errorf("%s: headers already initialized", name)
	}
	return nil
}

// ReadAllRows returns the header row, when set, followed by every data row
func (s *RowStore) ReadAllRows(ctx context.Context, name string) ([]history.Row, error) {
	ctx, span := s.tracer.Start(ctx, "rowstore.read_all_rows",
		trace.WithAttributes(attribute.String("table", name)))
	defer span.End()

	var headers []byte
	err := s.pool.QueryRow(ctx, `SELECT headers FROM claimcheck_tables WHERE name = $1`, name).Scan(&headers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, history.ErrTableNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read headers of %s: %w", name, err)
	}

	var out []history.Row
	if headers != nil {
		header, err := decodeCells(headers)
		if err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", name, err)
		}
		out = append(out, header)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT cells FROM claimcheck_rows WHERE table_name = $1 ORDER BY id`, name)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read rows of %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan row of %s: %w", name, err)
		}
		row, err := decodeCells(raw)
		if err != nil {
			s.logger.Warn("skipping undecodable history row", zap.String("table", name), zap.Error(err))
			continue
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows of %s: %w", name, err)
	}

	span.SetAttributes(attribute.Int("rows", len(out)))
	return out, nil
}

func (s *RowStore) AppendRow(ctx context.Context, name string, row history.Row) error {
	ctx, span := s.tracer.Start(ctx, "rowstore.append_row",
		trace.WithAttributes(attribute.String("table", name)))
	defer span.End()

	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}

	tag, err := s.pool.Exec(ctx, appendRowSQL, name, string(payload), history.ColHash)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("append to %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.exists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%s: %w", name, history.ErrTableNotFound)
		}
		span.SetAttributes(attribute.Bool("duplicate", true))
		return fmt.Errorf("%s: %w", name, history.ErrDuplicateRow)
	}
	return nil
}

// appendRowSQL fills row_key from the cell under the $3 header, so the unique index
// on (table_name, row_key) drops a second row with the same hash
const appendRowSQL = `
	INSERT INTO claimcheck_rows (table_name, cells, row_key)
	SELECT t.name, $2::jsonb, NULLIF($2::jsonb ->> (h.ord - 1)::int, '')
	FROM claimcheck_tables t
	LEFT JOIN LATERAL (
		SELECT e.ord FROM jsonb_array_elements_text(t.headers) WITH ORDINALITY AS e(v, ord)
		WHERE e.v = $3
		LIMIT 1
	) h ON TRUE
	WHERE t.name = $1
	ON CONFLICT (table_name, row_key) DO NOTHING
`

func (s *RowStore) exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claimcheck_tables WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return exists, nil
}

func decodeCells(raw []byte) (history.Row, error) {
	var cells []any
	if err := json.Unmarshal(raw, &cells); err != nil {
		return nil, err
	}
	return history.Row(cells), nil
}
