// Package duckdb adapts a DuckDB database file (or an in-memory
// database) as the local tabular store.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/datachat/datachat/internal/store"
)

type Config struct {
	// Path of the DuckDB database. Empty opens an in-memory database.
	Path       string
	SampleRows int
}

type Store struct {
	db         *sql.DB
	sampleRows int
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	sampleRows := cfg.SampleRows
	if sampleRows <= 0 {
		sampleRows = 3
	}
	return &Store{db: db, sampleRows: sampleRows}, nil
}

// NewWithDB wraps an already-open handle. A sampleRows of zero disables
// sample-value collection.
func NewWithDB(db *sql.DB, sampleRows int) *Store {
	return &Store{db: db, sampleRows: sampleRows}
}

func (s *Store) Kind() store.Kind {
	return store.KindLocal
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DescribeSchema(ctx context.Context) ([]store.TableSchema, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'main' AND table_type IN ('BASE TABLE', 'VIEW')
ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list duckdb tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	tables := make([]store.TableSchema, 0, len(names))
	for _, name := range names {
		table, err := s.describeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func (s *Store) describeTable(ctx context.Context, name string) (store.TableSchema, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'main' AND table_name = ?
ORDER BY ordinal_position`, name)
	if err != nil {
		return store.TableSchema{}, fmt.Errorf("describe table %q: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	table := store.TableSchema{Name: name}
	for rows.Next() {
		var colName, dataType, nullable string
		if err := rows.Scan(&colName, &dataType, &nullable); err != nil {
			return store.TableSchema{}, fmt.Errorf("scan column of %q: %w", name, err)
		}
		table.Columns = append(table.Columns, store.Column{
			Name:         colName,
			DeclaredType: dataType,
			Nullable:     strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return store.TableSchema{}, fmt.Errorf("iterate columns of %q: %w", name, err)
	}

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, quoteIdent(name))).Scan(&table.RowCount); err != nil {
		return store.TableSchema{}, fmt.Errorf("count rows of %q: %w", name, err)
	}
	if err := s.attachSamples(ctx, &table); err != nil {
		return store.TableSchema{}, err
	}
	return table, nil
}

func (s *Store) attachSamples(ctx context.Context, table *store.TableSchema) error {
	if len(table.Columns) == 0 || s.sampleRows <= 0 {
		return nil
	}
	result, err := s.RunQuery(ctx, fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(table.Name)), s.sampleRows)
	if err != nil {
		return fmt.Errorf("sample table %q: %w", table.Name, err)
	}
	byName := map[string]int{}
	for i, col := range result.Columns {
		byName[col] = i
	}
	for i := range table.Columns {
		idx, ok := byName[table.Columns[i].Name]
		if !ok {
			continue
		}
		for _, row := range result.Rows {
			if row[idx] == nil {
				continue
			}
			table.Columns[i].SampleValues = append(table.Columns[i].SampleValues, fmt.Sprintf("%v", row[idx]))
		}
	}
	return nil
}

func (s *Store) RunQuery(ctx context.Context, sqlText string, limit int) (store.Rows, error) {
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return store.Rows{}, &store.ExecutionError{Store: store.KindLocal, Cause: fmt.Errorf("sql is required")}
	}

	start := time.Now()
	wrapped := sqlText
	if limit > 0 {
		// Fetch one extra row so truncation is observable.
		wrapped = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, wrapped)
	if err != nil {
		return store.Rows{}, &store.ExecutionError{Store: store.KindLocal, Cause: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return store.Rows{}, &store.ExecutionError{Store: store.KindLocal, Cause: err}
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return store.Rows{}, &store.ExecutionError{Store: store.KindLocal, Cause: err}
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return store.Rows{}, &store.ExecutionError{Store: store.KindLocal, Cause: err}
	}

	truncated := false
	if limit > 0 && len(resultRows) > limit {
		resultRows = resultRows[:limit]
		truncated = true
	}

	return store.Rows{
		Columns:   columns,
		Rows:      resultRows,
		Truncated: truncated,
		Duration:  time.Since(start),
		Source:    store.KindLocal,
	}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
