// Package resolve binds utterance spans to schema elements through the
// business dictionary. Resolution per span runs exact canonical match,
// exact synonym match, fuzzy match above a configured threshold, then
// literal-value extraction. A span matching several entries equally
// well is marked unresolved with the competing candidates attached;
// downstream stages must handle that explicitly instead of picking one.
package resolve

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/dictionary"
	"github.com/datachat/datachat/internal/session"
)

type Method string

const (
	MethodExact   Method = "exact"
	MethodSynonym Method = "synonym"
	MethodFuzzy   Method = "fuzzy"
	MethodLiteral Method = "literal"
)

type LiteralKind string

const (
	LiteralNumber LiteralKind = "number"
	LiteralString LiteralKind = "string"
	LiteralDate   LiteralKind = "date"
	// LiteralLimit is a number that bounds output cardinality ("top
	// 10"), not a filter value.
	LiteralLimit LiteralKind = "limit"
)

type Literal struct {
	Kind   LiteralKind
	Value  string
	Column dictionary.ColumnRef
}

// ResolvedTerm is one bound span. Fuzzy matches carry their score
// forward so later stages can apply stricter scrutiny. Unresolved
// spans keep the competing candidates and a machine-readable reason.
type ResolvedTerm struct {
	Span       string
	Method     Method
	Score      float64
	Entry      dictionary.Entry
	Literal    *Literal
	Unresolved bool
	Reason     string
	Candidates []string
}

const (
	ReasonAmbiguous        = "ambiguous"
	ReasonStoreUnavailable = "store-unavailable"
)

// Dictionary is the vocabulary surface the resolver needs.
type Dictionary interface {
	Lookup(term string) (dictionary.Entry, bool)
	Entries() []dictionary.Entry
}

type Resolver struct {
	dict      Dictionary
	threshold float64
	logger    *slog.Logger
}

func NewResolver(logger *slog.Logger, dict Dictionary, fuzzyThreshold float64) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dict: dict, threshold: fuzzyThreshold, logger: logger}
}

// A single quote only opens a literal at a word boundary; apostrophes
// inside contractions ("what's") are not delimiters.
var quotedPattern = regexp.MustCompile(`"[^"]*"|(?:^|\s)'[^']*'`)

var quotedToken = regexp.MustCompile(`^quotedliteral(\d+)$`)

var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var datePhrases = map[string]bool{
	"today": true, "yesterday": true,
	"last week": true, "last month": true, "last year": true,
	"this week": true, "this month": true, "this year": true,
}

var limitCues = map[string]bool{
	"top": true, "bottom": true, "first": true, "last": true, "limit": true,
}

// Resolve scans an utterance and returns the bound spans in utterance
// order.
func (r *Resolver) Resolve(utterance string, snap *catalog.Snapshot, filters session.FilterContext) []ResolvedTerm {
	var quotes []string
	prepared := quotedPattern.ReplaceAllStringFunc(utterance, func(match string) string {
		quotes = append(quotes, strings.Trim(strings.TrimSpace(match), `"'`))
		return fmt.Sprintf(" quotedliteral%d ", len(quotes)-1)
	})

	tokens := strings.Fields(normalize(prepared))
	var terms []ResolvedTerm
	for i := 0; i < len(tokens); {
		term, consumed := r.resolveAt(tokens, i, quotes)
		if consumed == 0 {
			i++
			continue
		}
		if term != nil {
			terms = append(terms, *term)
		}
		i += consumed
	}

	bindLiterals(terms, r.dict, filters)
	markUnavailable(terms, snap)
	return terms
}

// resolveAt tries the longest span first so multi-word synonyms win
// over their fragments.
func (r *Resolver) resolveAt(tokens []string, i int, quotes []string) (*ResolvedTerm, int) {
	for size := 3; size >= 1; size-- {
		if i+size > len(tokens) {
			continue
		}
		span := strings.Join(tokens[i:i+size], " ")

		if entry, method, ok := r.exactMatch(span); ok {
			return &ResolvedTerm{Span: span, Method: method, Score: 1, Entry: entry}, size
		}
		if size <= 2 && datePhrases[span] {
			return &ResolvedTerm{Span: span, Method: MethodLiteral, Score: 1,
				Literal: &Literal{Kind: LiteralDate, Value: span}}, size
		}
		if size > 1 || stopwords[span] {
			continue
		}

		// Single-token paths below.
		if m := quotedToken.FindStringSubmatch(span); m != nil {
			index, _ := strconv.Atoi(m[1])
			return &ResolvedTerm{Span: quotes[index], Method: MethodLiteral, Score: 1,
				Literal: &Literal{Kind: LiteralString, Value: quotes[index]}}, 1
		}
		if isoDatePattern.MatchString(span) {
			return &ResolvedTerm{Span: span, Method: MethodLiteral, Score: 1,
				Literal: &Literal{Kind: LiteralDate, Value: span}}, 1
		}
		if _, err := strconv.ParseFloat(span, 64); err == nil {
			kind := LiteralNumber
			if i > 0 && limitCues[tokens[i-1]] {
				kind = LiteralLimit
			}
			return &ResolvedTerm{Span: span, Method: MethodLiteral, Score: 1,
				Literal: &Literal{Kind: kind, Value: span}}, 1
		}
		if term := r.fuzzyMatch(span); term != nil {
			return term, 1
		}
	}
	return nil, 0
}

// exactMatch also tries a naive singular form so "suppliers" finds
// "supplier".
func (r *Resolver) exactMatch(span string) (dictionary.Entry, Method, bool) {
	candidates := []string{span}
	for _, suffix := range []string{"s", "es"} {
		if singular := strings.TrimSuffix(span, suffix); singular != span && len(singular) >= 3 {
			candidates = append(candidates, singular)
		}
	}
	for _, candidate := range candidates {
		entry, ok := r.dict.Lookup(candidate)
		if !ok {
			continue
		}
		if normalize(entry.Term) == normalize(candidate) {
			return entry, MethodExact, true
		}
		return entry, MethodSynonym, true
	}
	return dictionary.Entry{}, "", false
}

const scoreEpsilon = 1e-9

// fuzzyMatch scores the span against every canonical term and synonym.
// Two entries tying for the best score make the span ambiguous rather
// than letting order decide.
func (r *Resolver) fuzzyMatch(span string) *ResolvedTerm {
	if len(span) < 3 {
		return nil
	}
	best := 0.0
	var owners []dictionary.Entry
	for _, entry := range r.dict.Entries() {
		score := 0.0
		for _, name := range append([]string{entry.Term}, entry.Synonyms...) {
			if s := similarity(span, normalize(name)); s > score {
				score = s
			}
		}
		switch {
		case score > best+scoreEpsilon:
			best = score
			owners = append(owners[:0], entry)
		case score > best-scoreEpsilon && len(owners) > 0:
			owners = append(owners, entry)
		}
	}
	if best < r.threshold || len(owners) == 0 {
		return nil
	}
	if len(owners) > 1 {
		return &ResolvedTerm{Span: span, Method: MethodFuzzy, Score: best,
			Unresolved: true, Reason: ReasonAmbiguous, Candidates: candidateLabels(owners)}
	}
	return &ResolvedTerm{Span: span, Method: MethodFuzzy, Score: best, Entry: owners[0]}
}

// candidateLabels keeps labels distinguishable when two entries carry
// the same canonical term by appending the target column.
func candidateLabels(owners []dictionary.Entry) []string {
	counts := map[string]int{}
	for _, entry := range owners {
		counts[entry.Term]++
	}
	labels := make([]string, 0, len(owners))
	for _, entry := range owners {
		label := entry.Term
		if counts[entry.Term] > 1 && len(entry.Targets) > 0 {
			label = fmt.Sprintf("%s (%s.%s)", entry.Term, entry.Targets[0].Table, entry.Targets[0].Column)
		}
		labels = append(labels, label)
	}
	return labels
}

// similarity is Jaro-Winkler or token overlap, whichever is stronger,
// so single-token typos and partial multi-word names both score.
func similarity(a, b string) float64 {
	jw := smetrics.JaroWinkler(a, b, 0.7, 4)
	if overlap := tokenOverlap(a, b); overlap > jw {
		return overlap
	}
	return jw
}

func tokenOverlap(a, b string) float64 {
	left := strings.Fields(a)
	right := strings.Fields(b)
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	rightSet := make(map[string]bool, len(right))
	for _, token := range right {
		rightSet[token] = true
	}
	shared := 0
	for _, token := range left {
		if rightSet[token] {
			shared++
		}
	}
	larger := len(left)
	if len(right) > larger {
		larger = len(right)
	}
	return float64(shared) / float64(larger)
}

// bindLiterals attaches each filter-style literal to a column: the
// nearest resolved term before it, then after it, then the single
// active filter dimension if there is exactly one.
func bindLiterals(terms []ResolvedTerm, dict Dictionary, filters session.FilterContext) {
	for i := range terms {
		literal := terms[i].Literal
		if literal == nil || literal.Kind == LiteralLimit {
			continue
		}
		if ref, ok := nearestTarget(terms, i); ok {
			literal.Column = ref
			continue
		}
		if len(filters.Filters) == 1 && dict != nil {
			for dimension := range filters.Filters {
				if entry, ok := dict.Lookup(dimension); ok && len(entry.Targets) > 0 {
					literal.Column = entry.Targets[0]
				}
			}
		}
	}
}

func nearestTarget(terms []ResolvedTerm, i int) (dictionary.ColumnRef, bool) {
	for back := i - 1; back >= 0; back-- {
		if ref, ok := firstTarget(terms[back]); ok {
			return ref, true
		}
	}
	for ahead := i + 1; ahead < len(terms); ahead++ {
		if ref, ok := firstTarget(terms[ahead]); ok {
			return ref, true
		}
	}
	return dictionary.ColumnRef{}, false
}

func firstTarget(term ResolvedTerm) (dictionary.ColumnRef, bool) {
	if term.Unresolved || term.Literal != nil || len(term.Entry.Targets) == 0 {
		return dictionary.ColumnRef{}, false
	}
	return term.Entry.Targets[0], true
}

// markUnavailable downgrades terms whose every target table is flagged
// unavailable in the catalog snapshot, so the caller re-prompts
// instead of executing against a store that cannot answer. A table the
// snapshot never saw counts the same: introspection of its store can
// fail before any snapshot existed to carry forward.
func markUnavailable(terms []ResolvedTerm, snap *catalog.Snapshot) {
	if snap == nil {
		return
	}
	for i := range terms {
		term := &terms[i]
		if term.Unresolved || term.Literal != nil || len(term.Entry.Targets) == 0 {
			continue
		}
		unavailable := 0
		for _, target := range term.Entry.Targets {
			if table, ok := snap.Table(target.Table); !ok || table.Unavailable {
				unavailable++
			}
		}
		if unavailable == len(term.Entry.Targets) && unavailable > 0 {
			term.Unresolved = true
			term.Reason = ReasonStoreUnavailable
			term.Candidates = []string{term.Entry.Term}
		}
	}
}

// Unresolved filters the resolution output down to spans that need
// caller clarification.
func Unresolved(terms []ResolvedTerm) []ResolvedTerm {
	var out []ResolvedTerm
	for _, term := range terms {
		if term.Unresolved {
			out = append(out, term)
		}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true,
	"to": true, "in": true, "on": true, "by": true, "and": true,
	"or": true, "me": true, "my": true, "show": true, "what": true,
	"whats": true, "which": true, "is": true, "are": true, "was": true,
	"were": true, "with": true, "top": true, "bottom": true,
	"first": true, "last": true, "all": true, "per": true, "from": true,
	"that": true, "this": true, "it": true, "how": true, "many": true,
	"much": true, "give": true, "list": true, "get": true,
	"please": true, "vs": true, "versus": true, "over": true,
	"time": true, "do": true, "does": true, "did": true, "can": true,
	"i": true, "we": true, "you": true, "only": true, "just": true,
	"filter": true, "where": true, "limit": true, "as": true,
	"at": true, "be": true, "not": true, "no": true,
}

func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
