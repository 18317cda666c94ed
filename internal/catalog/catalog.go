// Package catalog maintains a point-in-time view of the structure of
// both backing stores. Readers always see a complete snapshot; refresh
// swaps the snapshot atomically.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datachat/datachat/internal/store"
)

// ErrUnavailable is returned when no backing store could be
// introspected and no prior snapshot exists to serve from.
var ErrUnavailable = errors.New("catalog: no backing store available")

type Table struct {
	store.TableSchema
	Store store.Kind
	// Unavailable marks tables carried forward from a previous snapshot
	// because their store could not be introspected this round.
	Unavailable bool
}

type Snapshot struct {
	Version int64
	TakenAt time.Time
	Tables  []Table
}

// Table returns the named table, matching case-insensitively.
func (s *Snapshot) Table(name string) (Table, bool) {
	for _, table := range s.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return Table{}, false
}

func (s *Snapshot) Column(tableName, columnName string) (store.Column, bool) {
	table, ok := s.Table(tableName)
	if !ok {
		return store.Column{}, false
	}
	for _, col := range table.Columns {
		if strings.EqualFold(col.Name, columnName) {
			return col, true
		}
	}
	return store.Column{}, false
}

// TablesFor returns the snapshot's tables owned by the given store.
func (s *Snapshot) TablesFor(kind store.Kind) []Table {
	var out []Table
	for _, table := range s.Tables {
		if table.Store == kind {
			out = append(out, table)
		}
	}
	return out
}

type Service struct {
	stores   []store.Store
	logger   *slog.Logger
	current  atomic.Pointer[Snapshot]
	refresh  sync.Mutex
	versions atomic.Int64
}

func NewService(logger *slog.Logger, stores ...store.Store) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{stores: stores, logger: logger}
}

// Snapshot returns the current snapshot, or nil when Refresh has never
// succeeded.
func (s *Service) Snapshot() *Snapshot {
	return s.current.Load()
}

// Refresh re-introspects every backing store and swaps in a new
// snapshot. A store that fails introspection keeps its tables from the
// prior snapshot, marked unavailable. Refresh fails with ErrUnavailable
// only when every store fails and there is nothing to carry forward.
func (s *Service) Refresh(ctx context.Context) (*Snapshot, error) {
	s.refresh.Lock()
	defer s.refresh.Unlock()

	prior := s.current.Load()
	next := &Snapshot{
		Version: s.versions.Add(1),
		TakenAt: time.Now().UTC(),
	}

	anyAvailable := false
	for _, st := range s.stores {
		tables, err := st.DescribeSchema(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "store introspection failed",
				slog.String("store", string(st.Kind())),
				slog.Any("error", err),
			)
			next.Tables = append(next.Tables, carryForward(prior, st.Kind())...)
			continue
		}
		anyAvailable = true
		for _, table := range tables {
			next.Tables = append(next.Tables, Table{TableSchema: table, Store: st.Kind()})
		}
	}

	if !anyAvailable {
		if prior == nil {
			return nil, fmt.Errorf("refresh catalog: %w", ErrUnavailable)
		}
		// Keep serving the prior snapshot rather than swapping in a
		// fully-unavailable one.
		return prior, fmt.Errorf("refresh catalog: %w", ErrUnavailable)
	}

	s.current.Store(next)
	return next, nil
}

func carryForward(prior *Snapshot, kind store.Kind) []Table {
	if prior == nil {
		return nil
	}
	var out []Table
	for _, table := range prior.TablesFor(kind) {
		table.Unavailable = true
		out = append(out, table)
	}
	return out
}
