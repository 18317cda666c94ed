// Package postgres adapts a Postgres database as the remote relational
// store.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/datachat/datachat/internal/store"
)

type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	SampleRows      int
}

type Store struct {
	db         *sql.DB
	sampleRows int
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("remote store dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping remote store: %w", err)
	}

	sampleRows := cfg.SampleRows
	if sampleRows <= 0 {
		sampleRows = 3
	}
	return NewWithDB(db, sampleRows), nil
}

// NewWithDB wraps an already-open handle. A sampleRows of zero disables
// sample-value collection.
func NewWithDB(db *sql.DB, sampleRows int) *Store {
	return &Store{db: db, sampleRows: sampleRows}
}

func (s *Store) Kind() store.Kind {
	return store.KindRemote
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DescribeSchema(ctx context.Context) ([]store.TableSchema, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, COALESCE(pc.reltuples, 0)::bigint
FROM information_schema.columns c
JOIN pg_class pc ON pc.relname = c.table_name
JOIN pg_namespace pn ON pn.oid = pc.relnamespace AND pn.nspname = c.table_schema
WHERE c.table_schema = 'public'
ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("introspect remote schema: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []store.TableSchema
	index := map[string]int{}
	for rows.Next() {
		var tableName, columnName, dataType, nullable string
		var rowEstimate int64
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable, &rowEstimate); err != nil {
			return nil, fmt.Errorf("scan remote schema row: %w", err)
		}
		i, ok := index[tableName]
		if !ok {
			i = len(tables)
			index[tableName] = i
			tables = append(tables, store.TableSchema{Name: tableName, RowCount: rowEstimate})
		}
		tables[i].Columns = append(tables[i].Columns, store.Column{
			Name:         columnName,
			DeclaredType: dataType,
			Nullable:     strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote schema rows: %w", err)
	}

	for i := range tables {
		if err := s.attachSamples(ctx, &tables[i]); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

func (s *Store) attachSamples(ctx context.Context, table *store.TableSchema) error {
	if len(table.Columns) == 0 || s.sampleRows <= 0 {
		return nil
	}
	result, err := s.RunQuery(ctx, fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(table.Name)), s.sampleRows)
	if err != nil {
		return fmt.Errorf("sample remote table %q: %w", table.Name, err)
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
	sqlText = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sqlText), ";"))
	if sqlText == "" {
		return store.Rows{}, &store.ExecutionError{Store: store.KindRemote, Cause: fmt.Errorf("sql is required")}
	}

	start := time.Now()
	wrapped := sqlText
	if limit > 0 {
		wrapped = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, wrapped)
	if err != nil {
		return store.Rows{}, wrapExecError(err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return store.Rows{}, wrapExecError(err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return store.Rows{}, wrapExecError(err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return store.Rows{}, wrapExecError(err)
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
		Source:    store.KindRemote,
	}, nil
}

func wrapExecError(err error) error {
	return &store.ExecutionError{Store: store.KindRemote, Transient: isTransient(err), Cause: err}
}

// isTransient reports whether err looks like a connectivity failure
// rather than a syntax or semantic error. Class 08 covers connection
// exceptions; 57P01-57P03 cover server shutdown and connection refusal.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
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
