package dictionary

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

const validDoc = `
version: 1
entries:
  - term: supplier
    description: Carrier supplying traffic
    category: sales
    synonyms: [carrier, vendor]
    store: remote
    targets:
      - table: agreements
        column: carrier_name
    display_columns: [carrier_name, agreement_type]
    join_path:
      - left_table: agreements
        left_column: agreement_id
        right_table: rates
        right_column: agreement_id
  - term: rate
    synonyms: [price, buy rate]
    store: local
    targets:
      - table: rates
        column: rate
`

const collidingDoc = `
version: 1
entries:
  - term: supplier
    synonyms: [carrier]
    targets:
      - table: agreements
        column: carrier_name
  - term: vendor
    synonyms: [carrier]
    targets:
      - table: vendors
        column: vendor_name
`

func TestReloadAndLookup(t *testing.T) {
	svc := NewService(discardLogger(), staticSource(validDoc))
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	entry, ok := svc.Lookup("supplier")
	if !ok {
		t.Fatal("Lookup(supplier) should succeed")
	}
	if entry.Targets[0].Table != "agreements" {
		t.Fatalf("target table = %q", entry.Targets[0].Table)
	}
	if len(entry.JoinPath) != 1 || entry.JoinPath[0].RightTable != "rates" {
		t.Fatalf("join path = %+v", entry.JoinPath)
	}

	// Synonyms resolve to the owning entry, case-insensitively.
	if entry, ok = svc.Lookup("  Buy   Rate "); !ok || entry.Term != "rate" {
		t.Fatalf("Lookup(Buy Rate) = %+v, %v", entry, ok)
	}

	entries := svc.Entries()
	if len(entries) != 2 || entries[0].Term != "supplier" {
		t.Fatalf("Entries() = %+v", entries)
	}
}

func TestLookupBeforeReload(t *testing.T) {
	svc := NewService(discardLogger(), staticSource(validDoc))
	if _, ok := svc.Lookup("supplier"); ok {
		t.Fatal("Lookup should miss before Reload")
	}
	if svc.Entries() != nil {
		t.Fatal("Entries should be nil before Reload")
	}
}

func TestReloadDetectsSynonymCollision(t *testing.T) {
	svc := NewService(discardLogger(), staticSource(collidingDoc))
	err := svc.Reload(context.Background())
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if conflict.Term != "carrier" {
		t.Fatalf("Term = %q", conflict.Term)
	}
	if conflict.First != "supplier" || conflict.Second != "vendor" {
		t.Fatalf("owners = %q, %q", conflict.First, conflict.Second)
	}
}

func TestDuplicateCanonicalTermLoadsButDoesNotResolve(t *testing.T) {
	const polysemyDoc = `
version: 1
entries:
  - term: volume
    synonyms: [shipment volume]
    targets:
      - table: shipments
        column: volume
  - term: volume
    synonyms: [container volume]
    targets:
      - table: containers
        column: volume
`
	svc := NewService(discardLogger(), staticSource(polysemyDoc))
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	// Both meanings survive the load; direct lookup refuses to pick one.
	if entries := svc.Entries(); len(entries) != 2 {
		t.Fatalf("Entries() = %+v, want 2", entries)
	}
	if _, ok := svc.Lookup("volume"); ok {
		t.Fatal("Lookup(volume) should miss for a shared term")
	}

	// Unshared synonyms still resolve to their own entry.
	entry, ok := svc.Lookup("container volume")
	if !ok || entry.Targets[0].Table != "containers" {
		t.Fatalf("Lookup(container volume) = %+v, %v", entry, ok)
	}
}

func TestFailedReloadKeepsPriorSnapshot(t *testing.T) {
	source := &switchableSource{doc: validDoc}
	svc := NewService(discardLogger(), source)
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	source.doc = collidingDoc
	if err := svc.Reload(context.Background()); err == nil {
		t.Fatal("expected reload failure")
	}

	if _, ok := svc.Lookup("rate"); !ok {
		t.Fatal("prior snapshot should keep serving after a failed reload")
	}
}

func TestReloadRejectsEntryWithoutTargets(t *testing.T) {
	svc := NewService(discardLogger(), staticSource("entries:\n  - term: orphan\n"))
	if err := svc.Reload(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
}

type switchableSource struct {
	doc string
}

func (s *switchableSource) Fetch(context.Context) ([]byte, error) {
	return []byte(s.doc), nil
}

func staticSource(doc string) Source {
	return &switchableSource{doc: doc}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
