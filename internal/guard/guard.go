// Package guard validates candidate queries before anything reaches a
// store. Checks run in a fixed order: syntactic shape, catalog
// references, read-only whitelist, row-cap assignment, cost heuristic.
// Generated SQL gets no special trust; every candidate passes the same
// gauntlet.
package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/observability"
	"github.com/datachat/datachat/internal/synth"
)

const (
	ReasonSyntax           = "syntax"
	ReasonUnknownReference = "unknown-reference"
	ReasonWriteOperation   = "write-operation"
	ReasonUnboundedScan    = "unbounded-scan"
)

// InvalidQueryError carries a machine-readable reason plus enough
// detail for the caller to render an actionable message.
type InvalidQueryError struct {
	Reason string
	Detail string
}

func (e *InvalidQueryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid query: %s", e.Reason)
	}
	return fmt.Sprintf("invalid query: %s: %s", e.Reason, e.Detail)
}

// Validated is a candidate that passed every check. Limit is the
// effective row cap execution must enforce.
type Validated struct {
	synth.CandidateQuery
	Limit int
}

type Config struct {
	DefaultRowLimit  int
	MaxRowLimit      int
	ScanRowThreshold int64
}

type Guard struct {
	cfg    Config
	logger *slog.Logger
}

func New(logger *slog.Logger, cfg Config) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: cfg, logger: logger}
}

// Validate checks a candidate against the snapshot it was built from
// and returns it with the effective row cap attached.
func (g *Guard) Validate(candidate synth.CandidateQuery, snap *catalog.Snapshot) (Validated, error) {
	validated, err := g.validate(candidate, snap)
	if err != nil {
		var invalid *InvalidQueryError
		if errors.As(err, &invalid) {
			observability.ObserveGuardRejection(invalid.Reason)
		}
		return Validated{}, err
	}
	return validated, nil
}

func (g *Guard) validate(candidate synth.CandidateQuery, snap *catalog.Snapshot) (Validated, error) {
	sql := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(candidate.SQL), ";"))
	if sql == "" {
		return Validated{}, &InvalidQueryError{Reason: ReasonSyntax, Detail: "empty statement"}
	}

	stripped, err := stripLiterals(sql)
	if err != nil {
		return Validated{}, &InvalidQueryError{Reason: ReasonSyntax, Detail: err.Error()}
	}
	stripped = strings.Join(strings.Fields(stripped), " ")
	if strings.Contains(stripped, ";") {
		return Validated{}, &InvalidQueryError{Reason: ReasonSyntax, Detail: "multiple statements"}
	}
	head := strings.ToUpper(firstToken(stripped))
	if head != "SELECT" && head != "WITH" {
		return Validated{}, &InvalidQueryError{Reason: ReasonSyntax, Detail: "statement must start with SELECT or WITH"}
	}
	if !balancedParens(stripped) {
		return Validated{}, &InvalidQueryError{Reason: ReasonSyntax, Detail: "unbalanced parentheses"}
	}

	tables, aliases := referencedTables(stripped)
	if err := g.checkReferences(candidate, snap, stripped, tables, aliases); err != nil {
		return Validated{}, err
	}

	if keyword, ok := writeKeyword(stripped); ok {
		return Validated{}, &InvalidQueryError{Reason: ReasonWriteOperation, Detail: keyword}
	}

	sql, limit := g.applyRowCap(sql, stripped)

	if err := g.costHeuristic(candidate, snap, stripped, tables); err != nil {
		return Validated{}, err
	}

	out := candidate
	out.SQL = sql
	return Validated{CandidateQuery: out, Limit: limit}, nil
}

// checkReferences verifies every referenced table exists in the
// snapshot for the candidate's store, and every table-qualified column
// exists on its table. Unqualified columns cannot be attributed without
// a full parser and are left to the store to reject.
func (g *Guard) checkReferences(candidate synth.CandidateQuery, snap *catalog.Snapshot, stripped string, tables []string, aliases map[string]string) error {
	if snap == nil {
		return &InvalidQueryError{Reason: ReasonUnknownReference, Detail: "no catalog snapshot"}
	}
	for _, name := range tables {
		table, ok := snap.Table(name)
		if !ok {
			return &InvalidQueryError{Reason: ReasonUnknownReference, Detail: "table " + name}
		}
		if table.Store != candidate.Store {
			return &InvalidQueryError{Reason: ReasonUnknownReference,
				Detail: fmt.Sprintf("table %s lives in the %s store", name, table.Store)}
		}
		if table.Unavailable {
			return &InvalidQueryError{Reason: ReasonUnknownReference,
				Detail: "table " + name + " is currently unavailable"}
		}
	}
	for _, ref := range qualifiedColumns(stripped) {
		owner := ref[0]
		if real, ok := aliases[strings.ToLower(owner)]; ok {
			owner = real
		}
		if _, ok := snap.Table(owner); !ok {
			// Subquery alias, not a catalog table.
			continue
		}
		if _, ok := snap.Column(owner, ref[1]); !ok {
			return &InvalidQueryError{Reason: ReasonUnknownReference,
				Detail: fmt.Sprintf("column %s.%s", owner, ref[1])}
		}
	}
	return nil
}

var trailingLimitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)(?:\s+OFFSET\s+\d+)?\s*$`)

// applyRowCap determines the effective row cap without writing it into
// the statement text. Execution enforces the cap and fetches one row
// past it, so a result cut at the cap stays observable as truncated; a
// textual LIMIT here would mask that. An explicit in-bounds clause is
// kept as the caller's own bound, an oversized one is removed and
// replaced by the maximum cap.
func (g *Guard) applyRowCap(sql, stripped string) (string, int) {
	if match := trailingLimitPattern.FindStringSubmatch(stripped); match != nil {
		limit, err := strconv.Atoi(match[1])
		if err == nil && limit > 0 && limit <= g.cfg.MaxRowLimit {
			return sql, limit
		}
		sql = strings.TrimSpace(trailingLimitPattern.ReplaceAllString(sql, ""))
		return sql, g.cfg.MaxRowLimit
	}
	return sql, g.cfg.DefaultRowLimit
}

// costHeuristic rejects cross joins and unfiltered scans of large
// tables. An utterance that explicitly asked for an aggregate with
// bounded output is exempt, but only when every term behind the query
// resolved exactly: fuzzy-matched terms get the stricter treatment.
func (g *Guard) costHeuristic(candidate synth.CandidateQuery, snap *catalog.Snapshot, stripped string, tables []string) error {
	upper := strings.ToUpper(stripped)
	if strings.Contains(upper, "CROSS JOIN") {
		return &InvalidQueryError{Reason: ReasonUnboundedScan, Detail: "cross join"}
	}
	if commaJoinPattern.MatchString(stripped) && !strings.Contains(upper, " WHERE ") {
		return &InvalidQueryError{Reason: ReasonUnboundedScan, Detail: "comma join without predicate"}
	}

	exempt := candidate.LimitedAggregate && candidate.MinFuzzyScore >= 1
	if exempt || strings.Contains(upper, " WHERE ") {
		return nil
	}
	for _, name := range tables {
		table, ok := snap.Table(name)
		if !ok {
			continue
		}
		if table.RowCount > g.cfg.ScanRowThreshold {
			return &InvalidQueryError{Reason: ReasonUnboundedScan,
				Detail: fmt.Sprintf("unfiltered scan of %s (%d rows)", table.Name, table.RowCount)}
		}
	}
	return nil
}

var fromJoinPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][\w.]*)(?:\s+(?:AS\s+)?([A-Za-z_]\w*))?`)

var commaJoinPattern = regexp.MustCompile(`(?i)\bFROM\s+[A-Za-z_][\w.]*\s*,`)

var qualifiedColumnPattern = regexp.MustCompile(`\b([A-Za-z_]\w*)\.([A-Za-z_]\w*)\b`)

var sqlKeywords = map[string]bool{
	"select": true, "where": true, "group": true, "order": true,
	"limit": true, "on": true, "inner": true, "left": true,
	"right": true, "full": true, "cross": true, "join": true,
	"union": true, "having": true, "offset": true, "as": true,
}

// referencedTables extracts identifiers following FROM and JOIN, plus
// the alias each introduces. Subqueries contribute nothing here; their
// inner FROM clauses are matched independently.
func referencedTables(stripped string) ([]string, map[string]string) {
	var tables []string
	aliases := map[string]string{}
	seen := map[string]bool{}
	for _, match := range fromJoinPattern.FindAllStringSubmatch(stripped, -1) {
		name := match[1]
		// schema-qualified names resolve by their final element
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			tables = append(tables, name)
		}
		if alias := strings.ToLower(match[2]); alias != "" && !sqlKeywords[alias] {
			aliases[alias] = name
		}
	}
	return tables, aliases
}

func qualifiedColumns(stripped string) [][2]string {
	var out [][2]string
	for _, match := range qualifiedColumnPattern.FindAllStringSubmatch(stripped, -1) {
		out = append(out, [2]string{match[1], match[2]})
	}
	return out
}

var writeKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true,
	"alter": true, "create": true, "truncate": true, "grant": true,
	"revoke": true, "copy": true, "attach": true, "detach": true,
	"pragma": true, "call": true, "merge": true, "vacuum": true,
	"install": true, "load": true, "set": true, "execute": true,
}

func writeKeyword(stripped string) (string, bool) {
	for _, token := range strings.FieldsFunc(strings.ToLower(stripped), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_'
	}) {
		if writeKeywords[token] {
			return token, true
		}
	}
	return "", false
}

// stripLiterals blanks out single-quoted string literals and removes
// double-quote characters around identifiers, failing on unbalanced
// quoting.
func stripLiterals(sql string) (string, error) {
	var b strings.Builder
	inString := false
	inIdent := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case inString:
			if c == '\'' {
				// '' escapes a quote inside the literal
				if i+1 < len(sql) && sql[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
		case inIdent:
			if c == '"' {
				inIdent = false
			} else {
				b.WriteByte(c)
			}
		case c == '\'':
			inString = true
		case c == '"':
			inIdent = true
		default:
			b.WriteByte(c)
		}
	}
	if inString {
		return "", fmt.Errorf("unterminated string literal")
	}
	if inIdent {
		return "", fmt.Errorf("unterminated quoted identifier")
	}
	return b.String(), nil
}

func balancedParens(stripped string) bool {
	depth := 0
	for _, r := range stripped {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func firstToken(stripped string) string {
	fields := strings.Fields(stripped)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimLeft(fields[0], "(")
}

