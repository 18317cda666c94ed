// Package synth turns a classified, resolved utterance into something
// executable: a structured filter set for dashboard narrowing, a
// candidate query for analytics, or an enhancement request object.
// Queries are built by templated composition whenever the resolved
// terms fully determine table, columns, and predicate; anything beyond
// that goes through the completion capability, whose output is only
// ever a candidate subject to validation.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/completion"
	"github.com/datachat/datachat/internal/dictionary"
	"github.com/datachat/datachat/internal/resolve"
	"github.com/datachat/datachat/internal/store"
)

// CandidateQuery is query text that has not passed validation yet.
// MinFuzzyScore is the weakest term-resolution score behind it, 1 when
// every term matched exactly. LimitedAggregate records that the
// utterance asked for an aggregate with bounded output cardinality.
type CandidateQuery struct {
	SQL              string
	Store            store.Kind
	Deterministic    bool
	RequestedLimit   int
	LimitedAggregate bool
	MinFuzzyScore    float64
}

// EnhancementRequest describes current schema coverage and observed
// value distributions for an external suggestion collaborator. It is
// never executed.
type EnhancementRequest struct {
	Utterance string          `json:"utterance"`
	Tables    []TableCoverage `json:"tables"`
	Terms     []string        `json:"terms"`
}

type TableCoverage struct {
	Name         string              `json:"name"`
	Store        store.Kind          `json:"store"`
	RowCount     int64               `json:"rowCount"`
	Columns      []string            `json:"columns"`
	SampleValues map[string][]string `json:"sampleValues,omitempty"`
}

type Synthesizer struct {
	completer completion.Completer
	logger    *slog.Logger
}

func NewSynthesizer(logger *slog.Logger, completer completion.Completer) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{completer: completer, logger: logger}
}

// FilterSet pairs each resolved dimension term with the literal values
// that follow it. The result is handed back as-is for the router to
// merge into the session filter context, never turned into a query.
func (s *Synthesizer) FilterSet(terms []resolve.ResolvedTerm) map[string][]string {
	filters := map[string][]string{}
	current := ""
	for _, term := range terms {
		switch {
		case term.Unresolved:
			continue
		case term.Literal != nil:
			if term.Literal.Kind == resolve.LiteralLimit {
				continue
			}
			dimension := current
			if dimension == "" && term.Literal.Column.Column != "" {
				dimension = term.Literal.Column.Column
			}
			if dimension == "" {
				continue
			}
			filters[dimension] = append(filters[dimension], term.Literal.Value)
		default:
			current = term.Entry.Term
		}
	}
	return filters
}

// TargetStore derives the execution target from the resolved bindings:
// remote wins when both stores appear, since the remote schema is the
// superset context; no bindings defaults to local.
func TargetStore(terms []resolve.ResolvedTerm) store.Kind {
	for _, term := range terms {
		if term.Unresolved || term.Literal != nil {
			continue
		}
		if term.Entry.Store == store.KindRemote || len(term.Entry.JoinPath) > 0 {
			return store.KindRemote
		}
	}
	return store.KindLocal
}

// Query builds a candidate for the analytic modes.
func (s *Synthesizer) Query(ctx context.Context, utterance string, terms []resolve.ResolvedTerm, snap *catalog.Snapshot) (CandidateQuery, error) {
	target := TargetStore(terms)
	base := CandidateQuery{
		Store:            target,
		RequestedLimit:   requestedLimit(terms),
		LimitedAggregate: limitedAggregate(utterance, terms),
		MinFuzzyScore:    minFuzzyScore(terms),
	}

	if sql, ok := composeTemplate(utterance, terms, base.RequestedLimit); ok {
		base.SQL = sql
		base.Deterministic = true
		return base, nil
	}

	if s.completer == nil {
		return CandidateQuery{}, fmt.Errorf("utterance needs completion-assisted synthesis but no completer is configured")
	}
	sql, err := s.completer.Complete(ctx, s.assistPrompt(utterance, terms, snap, target), completion.Constraints{
		SystemPrompt: assistSystemPrompt(target),
		MaxTokens:    400,
	})
	if err != nil {
		return CandidateQuery{}, fmt.Errorf("completion-assisted synthesis: %w", err)
	}
	base.SQL = completion.StripMarkdownFence(sql)
	return base, nil
}

// Enhancement summarizes what the report currently covers.
func (s *Synthesizer) Enhancement(utterance string, terms []resolve.ResolvedTerm, snap *catalog.Snapshot) EnhancementRequest {
	req := EnhancementRequest{Utterance: utterance}
	for _, term := range terms {
		if !term.Unresolved && term.Literal == nil {
			req.Terms = append(req.Terms, term.Entry.Term)
		}
	}
	if snap == nil {
		return req
	}
	for _, table := range snap.Tables {
		if table.Unavailable {
			continue
		}
		coverage := TableCoverage{Name: table.Name, Store: table.Store, RowCount: table.RowCount}
		for _, column := range table.Columns {
			coverage.Columns = append(coverage.Columns, column.Name)
			if len(column.SampleValues) > 0 {
				if coverage.SampleValues == nil {
					coverage.SampleValues = map[string][]string{}
				}
				coverage.SampleValues[column.Name] = column.SampleValues
			}
		}
		req.Tables = append(req.Tables, coverage)
	}
	return req
}

// groupingCues imply computation the template cannot express. "top N"
// is deliberately absent: selecting the first N rows is within
// template coverage.
var groupingCues = map[string]bool{
	"average": true, "avg": true, "sum": true, "count": true,
	"total": true, "max": true, "min": true, "highest": true,
	"lowest": true, "per": true, "group": true, "breakdown": true,
	"distribution": true, "compare": true, "trend": true,
	"versus": true, "vs": true,
}

// composeTemplate handles the fully-determined case: every schema term
// maps to one table, every filter literal is bound to a column, and
// nothing implies aggregation, joins, or date arithmetic. Reproducible,
// no completion call.
func composeTemplate(utterance string, terms []resolve.ResolvedTerm, limit int) (string, bool) {
	for _, token := range tokenize(utterance) {
		if groupingCues[token] {
			return "", false
		}
	}

	table := ""
	var columns []string
	var conditions []string
	seenColumn := map[string]bool{}

	for _, term := range terms {
		if term.Unresolved {
			return "", false
		}
		if term.Literal != nil {
			switch term.Literal.Kind {
			case resolve.LiteralLimit:
				continue
			case resolve.LiteralDate:
				// Date arithmetic is beyond template coverage.
				return "", false
			}
			if term.Literal.Column.Column == "" {
				return "", false
			}
			if table != "" && !strings.EqualFold(term.Literal.Column.Table, table) {
				return "", false
			}
			table = term.Literal.Column.Table
			conditions = append(conditions, fmt.Sprintf("%s = %s",
				quoteIdent(term.Literal.Column.Column), quoteLiteral(*term.Literal)))
			continue
		}

		entry := term.Entry
		if len(entry.JoinPath) > 0 {
			return "", false
		}
		for _, target := range entry.Targets {
			if table != "" && !strings.EqualFold(target.Table, table) {
				return "", false
			}
			table = target.Table
		}
		for _, name := range displayColumns(entry) {
			if !seenColumn[name] {
				seenColumn[name] = true
				columns = append(columns, quoteIdent(name))
			}
		}
		if cond := strings.TrimSpace(entry.FilterCondition); cond != "" {
			conditions = append(conditions, cond)
		}
	}

	if table == "" {
		return "", false
	}
	projection := "*"
	if len(columns) > 0 {
		projection = strings.Join(columns, ", ")
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", projection, quoteIdent(table))
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	return sql, true
}

func displayColumns(entry dictionary.Entry) []string {
	if len(entry.DisplayColumns) > 0 {
		return entry.DisplayColumns
	}
	var out []string
	for _, target := range entry.Targets {
		out = append(out, target.Column)
	}
	return out
}

func assistSystemPrompt(target store.Kind) string {
	dialect := "DuckDB"
	if target == store.KindRemote {
		dialect = "PostgreSQL"
	}
	return "You write a single read-only " + dialect + " SELECT statement. " +
		"Use only the tables and columns listed. No DDL, no DML, no comments, no markdown. " +
		"Reply with the SQL statement and nothing else."
}

// assistPrompt carries the utterance, the resolved bindings, and a
// minimal schema excerpt: only tables touched by resolved terms plus
// their direct join neighbors.
func (s *Synthesizer) assistPrompt(utterance string, terms []resolve.ResolvedTerm, snap *catalog.Snapshot, target store.Kind) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(utterance)
	b.WriteString("\n\nBindings:\n")
	for _, term := range terms {
		if term.Unresolved {
			continue
		}
		if term.Literal != nil {
			fmt.Fprintf(&b, "- value %q", term.Literal.Value)
			if term.Literal.Column.Column != "" {
				fmt.Fprintf(&b, " for column %s.%s", term.Literal.Column.Table, term.Literal.Column.Column)
			}
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "- %q means", term.Span)
		for _, ref := range term.Entry.Targets {
			fmt.Fprintf(&b, " %s.%s", ref.Table, ref.Column)
		}
		for _, edge := range term.Entry.JoinPath {
			fmt.Fprintf(&b, "; join %s.%s = %s.%s", edge.LeftTable, edge.LeftColumn, edge.RightTable, edge.RightColumn)
		}
		if cond := strings.TrimSpace(term.Entry.FilterCondition); cond != "" {
			fmt.Fprintf(&b, "; always apply %s", cond)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nSchema:\n")
	for _, table := range schemaExcerpt(terms, snap, target) {
		fmt.Fprintf(&b, "- %s(", table.Name)
		for i, column := range table.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(column.Name)
			if column.DeclaredType != "" {
				b.WriteString(" " + column.DeclaredType)
			}
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// schemaExcerpt picks the touched tables and their direct join
// neighbors from the snapshot; with no resolved bindings it falls back
// to every available table of the target store.
func schemaExcerpt(terms []resolve.ResolvedTerm, snap *catalog.Snapshot, target store.Kind) []catalog.Table {
	if snap == nil {
		return nil
	}
	wanted := map[string]bool{}
	for _, term := range terms {
		if term.Unresolved || term.Literal != nil {
			continue
		}
		for _, ref := range term.Entry.Targets {
			wanted[strings.ToLower(ref.Table)] = true
		}
		for _, edge := range term.Entry.JoinPath {
			wanted[strings.ToLower(edge.LeftTable)] = true
			wanted[strings.ToLower(edge.RightTable)] = true
		}
	}

	var out []catalog.Table
	for _, table := range snap.Tables {
		if table.Unavailable {
			continue
		}
		if len(wanted) == 0 {
			if table.Store == target {
				out = append(out, table)
			}
			continue
		}
		if wanted[strings.ToLower(table.Name)] {
			out = append(out, table)
		}
	}
	return out
}

func requestedLimit(terms []resolve.ResolvedTerm) int {
	for _, term := range terms {
		if term.Literal != nil && term.Literal.Kind == resolve.LiteralLimit {
			limit := 0
			if _, err := fmt.Sscanf(term.Literal.Value, "%d", &limit); err == nil && limit > 0 {
				return limit
			}
		}
	}
	return 0
}

var aggregateCues = map[string]bool{
	"top": true, "bottom": true, "average": true, "avg": true,
	"sum": true, "count": true, "total": true, "max": true,
	"min": true, "highest": true, "lowest": true,
}

// limitedAggregate is true when the utterance asks for an aggregate
// whose output cardinality is explicitly bounded, which exempts it
// from the unbounded-scan heuristic.
func limitedAggregate(utterance string, terms []resolve.ResolvedTerm) bool {
	if requestedLimit(terms) == 0 {
		return false
	}
	for _, token := range tokenize(utterance) {
		if aggregateCues[token] {
			return true
		}
	}
	return false
}

func tokenize(utterance string) []string {
	return strings.FieldsFunc(strings.ToLower(utterance), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

func minFuzzyScore(terms []resolve.ResolvedTerm) float64 {
	min := 1.0
	for _, term := range terms {
		if term.Method == resolve.MethodFuzzy && !term.Unresolved && term.Score < min {
			min = term.Score
		}
	}
	return min
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(literal resolve.Literal) string {
	if literal.Kind == resolve.LiteralNumber {
		return literal.Value
	}
	return "'" + strings.ReplaceAll(literal.Value, "'", "''") + "'"
}
