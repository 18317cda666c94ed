package postgres

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/datachat/datachat/internal/store"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestRunQueryWrapsWithLimitAndMarksTruncation(t *testing.T) {
	db, mock := newSQLMock(t)
	s := NewWithDB(db, 3)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM (SELECT supplier, rate FROM rates) AS q LIMIT 3`)).
		WillReturnRows(sqlmock.NewRows([]string{"supplier", "rate"}).
			AddRow("acme", 1.5).
			AddRow("globex", 2.0).
			AddRow("initech", 2.5))

	result, err := s.RunQuery(context.Background(), "SELECT supplier, rate FROM rates;", 2)
	if err != nil {
		t.Fatalf("RunQuery() error = %v", err)
	}
	if !result.Truncated {
		t.Fatal("Truncated = false, want true")
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(result.Rows))
	}
	if result.Source != store.KindRemote {
		t.Fatalf("Source = %q", result.Source)
	}
	assertSQLMock(t, mock)
}

func TestRunQueryNotTruncatedUnderLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	s := NewWithDB(db, 3)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM (SELECT 1 AS n) AS q LIMIT 11`)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)))

	result, err := s.RunQuery(context.Background(), "SELECT 1 AS n", 10)
	if err != nil {
		t.Fatalf("RunQuery() error = %v", err)
	}
	if result.Truncated {
		t.Fatal("Truncated = true, want false")
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(result.Rows))
	}
	assertSQLMock(t, mock)
}

func TestRunQueryNormalizesBytes(t *testing.T) {
	db, mock := newSQLMock(t)
	s := NewWithDB(db, 3)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name FROM suppliers`)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow([]byte("acme")))

	result, err := s.RunQuery(context.Background(), "SELECT name FROM suppliers", 0)
	if err != nil {
		t.Fatalf("RunQuery() error = %v", err)
	}
	if result.Rows[0][0] != "acme" {
		t.Fatalf("value = %#v, want string", result.Rows[0][0])
	}
	assertSQLMock(t, mock)
}

func TestRunQueryWrapsExecutionError(t *testing.T) {
	db, mock := newSQLMock(t)
	s := NewWithDB(db, 3)

	mock.ExpectQuery(".*").WillReturnError(&pgconn.PgError{Code: "42601", Message: "syntax error"})

	_, err := s.RunQuery(context.Background(), "SELECT broken", 0)
	var execErr *store.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %T, want *store.ExecutionError", err)
	}
	if execErr.Transient {
		t.Fatal("syntax error should not be transient")
	}
	if execErr.Store != store.KindRemote {
		t.Fatalf("Store = %q", execErr.Store)
	}
}

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"undefined column", &pgconn.PgError{Code: "42703"}, false},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Fatalf("isTransient() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDescribeSchemaGroupsColumnsByTable(t *testing.T) {
	db, mock := newSQLMock(t)
	s := NewWithDB(db, 0) // no sampling in this test

	mock.ExpectQuery("SELECT c.table_name, c.column_name").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable", "reltuples"}).
			AddRow("agreements", "agreement_id", "bigint", "NO", int64(1200)).
			AddRow("agreements", "carrier_name", "text", "YES", int64(1200)).
			AddRow("rates", "rate", "numeric", "YES", int64(50000)))

	tables, err := s.DescribeSchema(context.Background())
	if err != nil {
		t.Fatalf("DescribeSchema() error = %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(tables))
	}
	if tables[0].Name != "agreements" || len(tables[0].Columns) != 2 {
		t.Fatalf("tables[0] = %+v", tables[0])
	}
	if tables[0].RowCount != 1200 {
		t.Fatalf("RowCount = %d", tables[0].RowCount)
	}
	if tables[1].Name != "rates" || tables[1].Columns[0].Name != "rate" {
		t.Fatalf("tables[1] = %+v", tables[1])
	}
	if tables[0].Columns[0].Nullable {
		t.Fatal("agreement_id should not be nullable")
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
