package catalog

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/datachat/datachat/internal/store"
)

func TestRefreshBuildsSnapshotFromBothStores(t *testing.T) {
	local := &fakeStore{kind: store.KindLocal, tables: []store.TableSchema{
		{Name: "rates", Columns: []store.Column{{Name: "supplier", DeclaredType: "VARCHAR"}}},
	}}
	remote := &fakeStore{kind: store.KindRemote, tables: []store.TableSchema{
		{Name: "agreements", Columns: []store.Column{{Name: "carrier_name", DeclaredType: "text"}}},
	}}
	svc := NewService(discardLogger(), local, remote)

	snap, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(snap.Tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(snap.Tables))
	}
	if table, ok := snap.Table("RATES"); !ok || table.Store != store.KindLocal {
		t.Fatalf("Table(RATES) = %+v, %v", table, ok)
	}
	if _, ok := snap.Column("agreements", "Carrier_Name"); !ok {
		t.Fatal("Column lookup should be case-insensitive")
	}
	if svc.Snapshot() != snap {
		t.Fatal("Snapshot() should return the refreshed snapshot")
	}
}

func TestRefreshCarriesForwardUnavailableStore(t *testing.T) {
	local := &fakeStore{kind: store.KindLocal, tables: []store.TableSchema{{Name: "rates"}}}
	remote := &fakeStore{kind: store.KindRemote, tables: []store.TableSchema{{Name: "agreements"}}}
	svc := NewService(discardLogger(), local, remote)

	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("initial Refresh() error = %v", err)
	}

	remote.err = errors.New("connection refused")
	snap, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}

	table, ok := snap.Table("agreements")
	if !ok {
		t.Fatal("remote table should be carried forward")
	}
	if !table.Unavailable {
		t.Fatal("carried-forward table should be marked unavailable")
	}
	localTable, _ := snap.Table("rates")
	if localTable.Unavailable {
		t.Fatal("local table should stay available")
	}
}

func TestRefreshFailsWhenNothingAvailable(t *testing.T) {
	local := &fakeStore{kind: store.KindLocal, err: errors.New("gone")}
	remote := &fakeStore{kind: store.KindRemote, err: errors.New("gone")}
	svc := NewService(discardLogger(), local, remote)

	_, err := svc.Refresh(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if svc.Snapshot() != nil {
		t.Fatal("no snapshot should be published on total failure")
	}
}

func TestRefreshKeepsPriorSnapshotOnTotalFailure(t *testing.T) {
	local := &fakeStore{kind: store.KindLocal, tables: []store.TableSchema{{Name: "rates"}}}
	svc := NewService(discardLogger(), local)

	first, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	local.err = errors.New("gone")
	prior, err := svc.Refresh(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if prior != first || svc.Snapshot() != first {
		t.Fatal("prior snapshot should keep serving")
	}
}

type fakeStore struct {
	kind   store.Kind
	tables []store.TableSchema
	err    error
}

func (f *fakeStore) Kind() store.Kind { return f.kind }

func (f *fakeStore) DescribeSchema(context.Context) ([]store.TableSchema, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tables, nil
}

func (f *fakeStore) RunQuery(context.Context, string, int) (store.Rows, error) {
	return store.Rows{}, errors.New("not implemented")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
