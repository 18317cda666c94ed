// Package dictionary maps business vocabulary to schema elements. The
// dictionary is loaded from a declarative YAML document at startup and
// on explicit reload; a reload that fails validation leaves the prior
// snapshot serving.
package dictionary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/datachat/datachat/internal/store"
)

type JoinEdge struct {
	LeftTable   string `yaml:"left_table"`
	LeftColumn  string `yaml:"left_column"`
	RightTable  string `yaml:"right_table"`
	RightColumn string `yaml:"right_column"`
}

type ColumnRef struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

type Entry struct {
	Term            string      `yaml:"term"`
	Description     string      `yaml:"description"`
	Category        string      `yaml:"category"`
	Synonyms        []string    `yaml:"synonyms"`
	Targets         []ColumnRef `yaml:"targets"`
	JoinPath        []JoinEdge  `yaml:"join_path"`
	DisplayColumns  []string    `yaml:"display_columns"`
	FilterCondition string      `yaml:"filter_condition"`
	Store           store.Kind  `yaml:"store"`
}

type document struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// ConflictError reports a synonym collision between two entries. It is
// always surfaced, never silently resolved.
type ConflictError struct {
	Term   string
	First  string
	Second string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("dictionary: term %q claimed by both %q and %q", e.Term, e.First, e.Second)
}

// Source supplies the raw dictionary document bytes.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

type snapshot struct {
	entries []Entry
	byTerm  map[string]*Entry
	// shared marks canonical terms claimed by more than one entry.
	// Lookup refuses to pick a winner for those; resolution surfaces
	// them as ambiguous instead.
	shared map[string]bool
}

type Service struct {
	source  Source
	logger  *slog.Logger
	current atomic.Pointer[snapshot]
	reload  sync.Mutex
}

func NewService(logger *slog.Logger, source Source) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, logger: logger}
}

// Reload fetches and validates the document, then swaps the snapshot
// atomically. On any error the prior snapshot keeps serving.
func (s *Service) Reload(ctx context.Context) error {
	s.reload.Lock()
	defer s.reload.Unlock()

	raw, err := s.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch dictionary document: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse dictionary document: %w", err)
	}

	snap, err := buildSnapshot(doc.Entries)
	if err != nil {
		return err
	}

	s.current.Store(snap)
	s.logger.InfoContext(ctx, "dictionary loaded", slog.Int("entries", len(snap.entries)))
	return nil
}

// Lookup resolves a canonical term or synonym, case-insensitively. A
// term claimed verbatim by several entries is not resolvable here;
// callers see a miss and must disambiguate against Entries.
func (s *Service) Lookup(term string) (Entry, bool) {
	snap := s.current.Load()
	if snap == nil {
		return Entry{}, false
	}
	key := normalizeTerm(term)
	if snap.shared[key] {
		return Entry{}, false
	}
	entry, ok := snap.byTerm[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Entries returns the loaded entries in document order.
func (s *Service) Entries() []Entry {
	snap := s.current.Load()
	if snap == nil {
		return nil
	}
	out := make([]Entry, len(snap.entries))
	copy(out, snap.entries)
	return out
}

type claim struct {
	entry     *Entry
	canonical bool
}

// buildSnapshot validates the document. Synonym collisions across
// entries fail the load; the same canonical term in two entries is
// deliberate polysemy and is kept, marked shared.
func buildSnapshot(entries []Entry) (*snapshot, error) {
	snap := &snapshot{
		entries: entries,
		byTerm:  make(map[string]*Entry, len(entries)*2),
		shared:  map[string]bool{},
	}
	owner := map[string]claim{}
	for i := range snap.entries {
		entry := &snap.entries[i]
		if strings.TrimSpace(entry.Term) == "" {
			return nil, fmt.Errorf("dictionary: entry %d has an empty canonical term", i)
		}
		if len(entry.Targets) == 0 {
			return nil, fmt.Errorf("dictionary: entry %q has no schema targets", entry.Term)
		}
		names := append([]string{entry.Term}, entry.Synonyms...)
		for j, name := range names {
			key := normalizeTerm(name)
			if key == "" {
				continue
			}
			canonical := j == 0
			prior, taken := owner[key]
			if !taken {
				owner[key] = claim{entry: entry, canonical: canonical}
				snap.byTerm[key] = entry
				continue
			}
			if prior.entry == entry {
				continue
			}
			if prior.canonical && canonical {
				snap.shared[key] = true
				continue
			}
			return nil, &ConflictError{Term: name, First: prior.entry.Term, Second: entry.Term}
		}
	}
	return snap, nil
}

func normalizeTerm(term string) string {
	return strings.ToLower(strings.Join(strings.Fields(term), " "))
}
