// Package intent decides which operation mode a user utterance maps
// to. Classification is rule-first: a small ordered set of lexical
// rules assigns the mode deterministically whenever one fires with
// enough confidence, and only then is the completion capability
// consulted, with its answer constrained to the known labels and
// treated as advisory.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/completion"
	"github.com/datachat/datachat/internal/dictionary"
	"github.com/datachat/datachat/internal/session"
	"github.com/datachat/datachat/internal/store"
)

type Mode string

const (
	ModeDashboardFilter   Mode = "DASHBOARD_FILTER"
	ModeLocalAnalytic     Mode = "LOCAL_ANALYTIC"
	ModeDeepQuery         Mode = "DEEP_QUERY"
	ModeReportEnhancement Mode = "REPORT_ENHANCEMENT"
)

// confidenceFloor is the score below which rule hits are discarded and
// the completion fallback takes over.
const confidenceFloor = 0.6

// Intent is the classification outcome. Evidence lists the utterance
// fragments that produced the mode. NeedsClarification is set when
// neither the rules nor the fallback could classify the utterance; the
// caller should re-prompt the user instead of treating this as an
// error.
type Intent struct {
	Mode               Mode
	Confidence         float64
	Evidence           []string
	NeedsClarification bool
}

// Dictionary is the vocabulary surface the classifier needs.
type Dictionary interface {
	Lookup(term string) (dictionary.Entry, bool)
	Entries() []dictionary.Entry
}

type Classifier struct {
	dict      Dictionary
	completer completion.Completer
	logger    *slog.Logger
}

// NewClassifier builds a classifier. The completer may be nil, in which
// case utterances no rule covers are returned as clarification
// requests.
func NewClassifier(logger *slog.Logger, dict Dictionary, completer completion.Completer) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{dict: dict, completer: completer, logger: logger}
}

var filterPhrases = []string{
	"filter", "only show", "show only", "restrict to", "narrow to",
	"limit to", "switch to", "just the",
}

var aggregateKeywords = []string{
	"top", "bottom", "average", "avg", "sum", "count", "total",
	"max", "min", "highest", "lowest", "cheapest", "most expensive",
	"compare", "versus", " vs ", "trend", "over time", "per ",
	"group by", "breakdown", "distribution",
}

var enhancementPhrases = []string{
	"suggest", "recommend", "improve the report", "enhance the report",
	"what else", "what other", "add to the report", "missing from the report",
}

// Classify maps an utterance to an Intent. It never returns an error:
// unclassifiable input yields ModeLocalAnalytic with confidence zero
// and the clarification flag set.
func (c *Classifier) Classify(ctx context.Context, utterance string, filters session.FilterContext, snap *catalog.Snapshot) Intent {
	normalized := normalize(utterance)
	matched := MatchTerms(c.dict, utterance)

	if result, ok := c.applyRules(normalized, matched, filters); ok {
		return result
	}
	return c.fallback(ctx, utterance, matched, snap)
}

// applyRules evaluates the lexical rules and keeps the best hit. Rules
// are visited in priority order, so equal scores resolve to
// DASHBOARD_FILTER, then LOCAL_ANALYTIC, then DEEP_QUERY, then
// REPORT_ENHANCEMENT.
func (c *Classifier) applyRules(normalized string, matched []Match, filters session.FilterContext) (Intent, bool) {
	best := Intent{Confidence: 0}

	if phrase, ok := containsAny(normalized, filterPhrases); ok {
		if dim, found := referencedDimension(normalized, matched, filters); found {
			best = pick(best, Intent{Mode: ModeDashboardFilter, Confidence: 0.9, Evidence: []string{phrase, dim}})
		}
	}

	if keyword, ok := containsAny(normalized, aggregateKeywords); ok {
		mode := ModeLocalAnalytic
		confidence := 0.8
		evidence := []string{keyword}
		if entry, reach := crossTableReach(matched); reach {
			mode = ModeDeepQuery
			confidence = 0.85
			evidence = append(evidence, entry)
		}
		best = pick(best, Intent{Mode: mode, Confidence: confidence, Evidence: evidence})
	} else if entry, reach := crossTableReach(matched); reach {
		// A term whose mapping requires crossing tables is itself a
		// signal, even without an aggregate keyword.
		best = pick(best, Intent{Mode: ModeDeepQuery, Confidence: 0.75, Evidence: []string{entry}})
	}

	if phrase, ok := containsAny(normalized, enhancementPhrases); ok {
		best = pick(best, Intent{Mode: ModeReportEnhancement, Confidence: 0.8, Evidence: []string{phrase}})
	}

	if best.Confidence >= confidenceFloor {
		return best, true
	}
	return Intent{}, false
}

var fallbackLabels = []string{
	string(ModeDashboardFilter), string(ModeLocalAnalytic),
	string(ModeDeepQuery), string(ModeReportEnhancement),
}

func (c *Classifier) fallback(ctx context.Context, utterance string, matched []Match, snap *catalog.Snapshot) Intent {
	unclear := Intent{Mode: ModeLocalAnalytic, Confidence: 0, NeedsClarification: true}
	if c.completer == nil {
		return unclear
	}

	reply, err := c.completer.Complete(ctx, c.fallbackPrompt(utterance, snap), completion.Constraints{
		SystemPrompt: "You classify analytics chat utterances into operation modes.",
		Labels:       fallbackLabels,
		MaxTokens:    8,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "intent fallback failed", slog.String("error", err.Error()))
		return unclear
	}

	mode, ok := parseLabel(reply)
	if !ok {
		c.logger.WarnContext(ctx, "intent fallback returned invalid label", slog.String("label", reply))
		return unclear
	}

	// The advisory answer still passes a plausibility check: a deep
	// query needs at least one term that reaches beyond the local
	// store.
	if mode == ModeDeepQuery {
		if _, reach := crossTableReach(matched); !reach {
			mode = ModeLocalAnalytic
		}
	}
	return Intent{Mode: mode, Confidence: 0.5, Evidence: []string{"completion"}}
}

func (c *Classifier) fallbackPrompt(utterance string, snap *catalog.Snapshot) string {
	var b strings.Builder
	b.WriteString("Utterance: ")
	b.WriteString(utterance)
	b.WriteString("\n\nKnown business terms: ")
	terms := make([]string, 0, 16)
	if c.dict != nil {
		for _, entry := range c.dict.Entries() {
			terms = append(terms, entry.Term)
			if len(terms) == 16 {
				break
			}
		}
	}
	b.WriteString(strings.Join(terms, ", "))
	if snap != nil {
		b.WriteString("\nTables: ")
		names := make([]string, 0, len(snap.Tables))
		for _, table := range snap.Tables {
			names = append(names, fmt.Sprintf("%s (%s)", table.Name, table.Store))
		}
		b.WriteString(strings.Join(names, ", "))
	}
	b.WriteString("\n\nDASHBOARD_FILTER narrows what an existing dashboard shows. LOCAL_ANALYTIC answers from the locally cached tables. DEEP_QUERY needs the remote database. REPORT_ENHANCEMENT asks for suggestions to extend the report.")
	return b.String()
}

func parseLabel(reply string) (Mode, bool) {
	label := strings.ToUpper(strings.TrimSpace(reply))
	label = strings.Trim(label, ".\"'`")
	switch Mode(label) {
	case ModeDashboardFilter, ModeLocalAnalytic, ModeDeepQuery, ModeReportEnhancement:
		return Mode(label), true
	}
	return "", false
}

func pick(best, candidate Intent) Intent {
	if candidate.Confidence > best.Confidence {
		return candidate
	}
	return best
}

func containsAny(normalized string, phrases []string) (string, bool) {
	for _, phrase := range phrases {
		if strings.Contains(normalized, phrase) {
			return strings.TrimSpace(phrase), true
		}
	}
	return "", false
}

// referencedDimension checks that a filter-style phrase actually names
// something filterable: a dictionary term or an already-active filter
// dimension.
func referencedDimension(normalized string, matched []Match, filters session.FilterContext) (string, bool) {
	if len(matched) > 0 {
		return matched[0].Surface, true
	}
	for dimension := range filters.Filters {
		if strings.Contains(normalized, strings.ToLower(dimension)) {
			return dimension, true
		}
	}
	return "", false
}

// crossTableReach reports whether any matched term maps beyond the
// local store, either through a join path or an explicit remote
// binding.
func crossTableReach(matched []Match) (string, bool) {
	for _, m := range matched {
		if len(m.Entry.JoinPath) > 0 || m.Entry.Store == store.KindRemote {
			return m.Entry.Term, true
		}
	}
	return "", false
}

// Match is a dictionary hit found in an utterance.
type Match struct {
	Surface string
	Entry   dictionary.Entry
}

// MatchTerms scans an utterance for dictionary terms and synonyms,
// trying token n-grams up to three words, longest first. Each entry is
// reported once.
func MatchTerms(dict Dictionary, utterance string) []Match {
	if dict == nil {
		return nil
	}
	tokens := strings.Fields(normalize(utterance))
	seen := map[string]bool{}
	var matches []Match
	for size := 3; size >= 1; size-- {
		for i := 0; i+size <= len(tokens); i++ {
			surface := strings.Join(tokens[i:i+size], " ")
			entry, ok := dict.Lookup(surface)
			if !ok || seen[entry.Term] {
				continue
			}
			seen[entry.Term] = true
			matches = append(matches, Match{Surface: surface, Entry: entry})
		}
	}
	return matches
}

func normalize(utterance string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(utterance) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return " " + strings.Join(strings.Fields(b.String()), " ") + " "
}
