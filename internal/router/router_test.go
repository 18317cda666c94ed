package router

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/completion"
	"github.com/datachat/datachat/internal/dictionary"
	"github.com/datachat/datachat/internal/guard"
	"github.com/datachat/datachat/internal/intent"
	"github.com/datachat/datachat/internal/resolve"
	"github.com/datachat/datachat/internal/session"
	"github.com/datachat/datachat/internal/store"
	"github.com/datachat/datachat/internal/synth"
)

func newEngine(snap *catalog.Snapshot, dict *fakeDict, completer completion.Completer, stores ...store.Store) (*Engine, *session.Registry) {
	logger := slog.New(slog.DiscardHandler)
	registry := session.NewRegistry()
	storeMap := map[store.Kind]store.Store{}
	for _, st := range stores {
		storeMap[st.Kind()] = st
	}
	engine := NewEngine(Config{}, Dependencies{
		Logger:      logger,
		Catalog:     &fakeCatalog{snap: snap},
		Classifier:  intent.NewClassifier(logger, dict, completer),
		Resolver:    resolve.NewResolver(logger, dict, 0.82),
		Synthesizer: synth.NewSynthesizer(logger, completer),
		Guard:       guard.New(logger, guard.Config{DefaultRowLimit: 500, MaxRowLimit: 10000, ScanRowThreshold: 1_000_000}),
		Sessions:    registry,
		Stores:      storeMap,
	})
	return engine, registry
}

func localSnapshot() *catalog.Snapshot {
	return &catalog.Snapshot{Version: 1, Tables: []catalog.Table{
		{TableSchema: store.TableSchema{Name: "suppliers", RowCount: 40, Columns: []store.Column{
			{Name: "supplier_name"}, {Name: "volume"},
		}}, Store: store.KindLocal},
		{TableSchema: store.TableSchema{Name: "events", RowCount: 5_000_000, Columns: []store.Column{
			{Name: "id"},
		}}, Store: store.KindLocal},
	}}
}

func localDict() *fakeDict {
	return &fakeDict{entries: []dictionary.Entry{
		{
			Term:           "supplier",
			Synonyms:       []string{"carrier"},
			Targets:        []dictionary.ColumnRef{{Table: "suppliers", Column: "supplier_name"}},
			DisplayColumns: []string{"supplier_name", "volume"},
			Store:          store.KindLocal,
		},
	}}
}

func TestHandleLocalAnalyticDeterministic(t *testing.T) {
	local := &fakeStore{kind: store.KindLocal, rows: store.Rows{
		Columns: []string{"supplier_name", "volume"},
		Rows:    [][]any{{"acme", int64(120)}, {"globex", int64(80)}},
	}}
	engine, _ := newEngine(localSnapshot(), localDict(), nil, local)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "Show me the top 10 suppliers by volume"})

	if got.State != StateResponded || got.Kind != KindAnalyticAnswer {
		t.Fatalf("response = %+v", got)
	}
	if got.Mode != intent.ModeLocalAnalytic {
		t.Fatalf("Mode = %s", got.Mode)
	}
	if got.Result == nil || got.Result.Source != store.KindLocal {
		t.Fatalf("Result = %+v", got.Result)
	}
	if len(local.calls) != 1 || local.calls[0].limit != 10 {
		t.Fatalf("store calls = %+v, want one call with limit 10", local.calls)
	}
	if !strings.HasSuffix(local.calls[0].sql, "LIMIT 10") {
		t.Fatalf("sql = %q", local.calls[0].sql)
	}
}

func TestHandleDashboardFilterCommitsAtResponded(t *testing.T) {
	engine, registry := newEngine(localSnapshot(), localDict(), nil)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: `only show carrier "Acme Telecom"`})

	if got.State != StateResponded || got.Kind != KindFilterUpdate {
		t.Fatalf("response = %+v", got)
	}
	want := map[string][]string{"supplier": {"Acme Telecom"}}
	if !reflect.DeepEqual(got.FilterUpdate, want) {
		t.Fatalf("FilterUpdate = %v, want %v", got.FilterUpdate, want)
	}

	// The committed context reads back exactly what synthesis produced.
	committed := registry.Current("s1")
	if !reflect.DeepEqual(committed.Filters, want) || committed.Version != 1 {
		t.Fatalf("committed = %+v", committed)
	}
	if !reflect.DeepEqual(got.FilterContext.Filters, committed.Filters) {
		t.Fatalf("response context = %+v, registry = %+v", got.FilterContext, committed)
	}
}

func TestHandleAmbiguousTermNeedsClarification(t *testing.T) {
	dict := &fakeDict{entries: []dictionary.Entry{
		{Term: "price", Targets: []dictionary.ColumnRef{{Table: "suppliers", Column: "supplier_name"}}},
		{Term: "prize", Targets: []dictionary.ColumnRef{{Table: "suppliers", Column: "volume"}}},
	}}
	engine, _ := newEngine(localSnapshot(), dict, nil)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "lowest prise"})

	if got.State != StateNeedsClarification || got.Kind != KindClarificationNeeded {
		t.Fatalf("response = %+v", got)
	}
	if got.Clarification == nil || len(got.Clarification.Candidates) != 2 {
		t.Fatalf("clarification = %+v", got.Clarification)
	}
}

func TestHandleUncappedQueryKeepsTruncationObservable(t *testing.T) {
	dict := &fakeDict{entries: []dictionary.Entry{
		{Term: "event", Targets: []dictionary.ColumnRef{{Table: "events", Column: "id"}}, Store: store.KindLocal},
	}}
	completer := &fakeCompleter{reply: "SELECT id FROM events WHERE id > 0"}
	local := &fakeStore{kind: store.KindLocal, rows: store.Rows{
		Columns:   []string{"id"},
		Rows:      [][]any{{int64(1)}},
		Truncated: true,
	}}
	engine, _ := newEngine(localSnapshot(), dict, completer, local)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "total events overall"})

	if got.State != StateResponded || got.Result == nil {
		t.Fatalf("response = %+v", got)
	}
	// The cap travels as the RunQuery limit, never as a rewritten LIMIT
	// clause, so the store can report the cut.
	if len(local.calls) != 1 || local.calls[0].limit != 500 {
		t.Fatalf("store calls = %+v, want one call with limit 500", local.calls)
	}
	if strings.Contains(local.calls[0].sql, "LIMIT") {
		t.Fatalf("sql = %q, want no injected limit clause", local.calls[0].sql)
	}
	if !got.Result.Truncated {
		t.Fatal("Truncated should pass through to the caller")
	}
}

func TestHandleRemoteOnlyTermWithoutSnapshotTableNeedsClarification(t *testing.T) {
	// The remote store never introspected, so its tables are absent from
	// the snapshot rather than carried forward as unavailable.
	dict := &fakeDict{entries: []dictionary.Entry{
		{Term: "agreement", Targets: []dictionary.ColumnRef{{Table: "agreements", Column: "agreement_type"}}, Store: store.KindRemote},
	}}
	engine, _ := newEngine(localSnapshot(), dict, nil)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "total agreements"})

	if got.State != StateNeedsClarification || got.Kind != KindClarificationNeeded {
		t.Fatalf("response = %+v", got)
	}
	if got.Clarification == nil || !strings.Contains(got.Clarification.Prompt, "unavailable") {
		t.Fatalf("clarification = %+v", got.Clarification)
	}
}

func TestHandleUnboundedScanRejected(t *testing.T) {
	dict := &fakeDict{entries: []dictionary.Entry{
		{Term: "event", Targets: []dictionary.ColumnRef{{Table: "events", Column: "id"}}, Store: store.KindLocal},
	}}
	completer := &fakeCompleter{reply: "SELECT id FROM events"}
	engine, _ := newEngine(localSnapshot(), dict, completer, &fakeStore{kind: store.KindLocal})

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "total events overall"})

	if got.State != StateAborted || got.Kind != KindError {
		t.Fatalf("response = %+v", got)
	}
	if got.Error == nil || got.Error.Code != CodeInvalidQuery || got.Error.Reason != guard.ReasonUnboundedScan {
		t.Fatalf("error = %+v", got.Error)
	}
}

func remoteFixture() (*catalog.Snapshot, *fakeDict, string) {
	snap := &catalog.Snapshot{Version: 1, Tables: []catalog.Table{
		{TableSchema: store.TableSchema{Name: "agreements", RowCount: 900, Columns: []store.Column{
			{Name: "carrier_name"}, {Name: "agreement_id"},
		}}, Store: store.KindRemote},
		{TableSchema: store.TableSchema{Name: "rates", RowCount: 1200, Columns: []store.Column{
			{Name: "rate"}, {Name: "agreement_id"},
		}}, Store: store.KindRemote},
	}}
	dict := &fakeDict{entries: []dictionary.Entry{
		{
			Term:     "agreement",
			Targets:  []dictionary.ColumnRef{{Table: "agreements", Column: "carrier_name"}},
			JoinPath: []dictionary.JoinEdge{{LeftTable: "agreements", LeftColumn: "agreement_id", RightTable: "rates", RightColumn: "agreement_id"}},
			Store:    store.KindRemote,
		},
	}}
	sql := "SELECT agreements.carrier_name, avg(rates.rate) AS avg_rate " +
		"FROM agreements JOIN rates ON agreements.agreement_id = rates.agreement_id " +
		"GROUP BY agreements.carrier_name ORDER BY avg_rate DESC LIMIT 5"
	return snap, dict, sql
}

func TestHandleDeepQueryRetriesTransientOnce(t *testing.T) {
	snap, dict, sql := remoteFixture()
	remote := &fakeStore{
		kind: store.KindRemote,
		rows: store.Rows{Columns: []string{"carrier_name", "avg_rate"}, Rows: [][]any{{"acme", 0.012}}},
		errs: []error{&store.ExecutionError{Store: store.KindRemote, Transient: true, Cause: errors.New("connection reset")}},
	}
	engine, _ := newEngine(snap, dict, &fakeCompleter{reply: sql}, remote)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "average rate per agreement"})

	if got.State != StateResponded || got.Kind != KindTabularResult {
		t.Fatalf("response = %+v", got)
	}
	if got.Result.Source != store.KindRemote {
		t.Fatalf("Source = %s", got.Result.Source)
	}
	if len(remote.calls) != 2 {
		t.Fatalf("store calls = %d, want retry exactly once", len(remote.calls))
	}
}

func TestHandleDeepQueryDoesNotRetryPermanentErrors(t *testing.T) {
	snap, dict, sql := remoteFixture()
	remote := &fakeStore{
		kind: store.KindRemote,
		errs: []error{&store.ExecutionError{Store: store.KindRemote, Cause: errors.New("syntax error")}},
	}
	engine, _ := newEngine(snap, dict, &fakeCompleter{reply: sql}, remote)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "average rate per agreement"})

	if got.State != StateAborted || got.Error == nil {
		t.Fatalf("response = %+v", got)
	}
	if got.Error.Code != CodeExecutionError || got.Error.Store != store.KindRemote {
		t.Fatalf("error = %+v", got.Error)
	}
	if len(remote.calls) != 1 {
		t.Fatalf("store calls = %d, want no retry", len(remote.calls))
	}
}

func TestHandleCancelledContextAborts(t *testing.T) {
	engine, _ := newEngine(localSnapshot(), localDict(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := engine.Handle(ctx, Request{SessionID: "s1", Utterance: "top 10 suppliers"})

	if got.State != StateAborted || got.Error == nil || got.Error.Code != CodeCancelled {
		t.Fatalf("response = %+v", got)
	}
}

func TestHandleWithoutCatalogSnapshot(t *testing.T) {
	engine, _ := newEngine(nil, localDict(), nil)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "top suppliers"})

	if got.State != StateAborted || got.Error == nil || got.Error.Code != CodeCatalogUnavailable {
		t.Fatalf("response = %+v", got)
	}
}

func TestHandleUnclassifiableNeedsClarification(t *testing.T) {
	engine, _ := newEngine(localSnapshot(), localDict(), nil)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "ehh?"})

	if got.State != StateNeedsClarification || got.Kind != KindClarificationNeeded {
		t.Fatalf("response = %+v", got)
	}
	if got.Intent.Confidence != 0 {
		t.Fatalf("Confidence = %v, want 0", got.Intent.Confidence)
	}
}

func TestHandleEnhancementRequest(t *testing.T) {
	engine, _ := newEngine(localSnapshot(), localDict(), nil)

	got := engine.Handle(context.Background(), Request{SessionID: "s1", Utterance: "suggest more charts for suppliers"})

	if got.State != StateResponded || got.Kind != KindEnhancementRequest {
		t.Fatalf("response = %+v", got)
	}
	if got.Enhancement == nil || len(got.Enhancement.Tables) != 2 {
		t.Fatalf("enhancement = %+v", got.Enhancement)
	}
}

type fakeCatalog struct {
	snap *catalog.Snapshot
}

func (f *fakeCatalog) Snapshot() *catalog.Snapshot {
	return f.snap
}

type storeCall struct {
	sql   string
	limit int
}

type fakeStore struct {
	kind  store.Kind
	rows  store.Rows
	errs  []error
	calls []storeCall
}

func (f *fakeStore) Kind() store.Kind {
	return f.kind
}

func (f *fakeStore) DescribeSchema(context.Context) ([]store.TableSchema, error) {
	return nil, nil
}

func (f *fakeStore) RunQuery(_ context.Context, sql string, limit int) (store.Rows, error) {
	f.calls = append(f.calls, storeCall{sql: sql, limit: limit})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return store.Rows{}, err
		}
	}
	rows := f.rows
	rows.Source = f.kind
	return rows, nil
}

type fakeDict struct {
	entries []dictionary.Entry
}

func (f *fakeDict) Lookup(term string) (dictionary.Entry, bool) {
	needle := strings.ToLower(strings.Join(strings.Fields(term), " "))
	for _, entry := range f.entries {
		if strings.ToLower(entry.Term) == needle {
			return entry, true
		}
		for _, synonym := range entry.Synonyms {
			if strings.ToLower(synonym) == needle {
				return entry, true
			}
		}
	}
	return dictionary.Entry{}, false
}

func (f *fakeDict) Entries() []dictionary.Entry {
	return f.entries
}

type fakeCompleter struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string, _ completion.Constraints) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}
