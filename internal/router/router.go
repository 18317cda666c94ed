// Package router orchestrates one user turn through the engine:
// classify, resolve, synthesize, validate, execute, respond. Every
// terminal outcome is observable by the caller; nothing is dropped.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/guard"
	"github.com/datachat/datachat/internal/intent"
	"github.com/datachat/datachat/internal/observability"
	"github.com/datachat/datachat/internal/resolve"
	"github.com/datachat/datachat/internal/session"
	"github.com/datachat/datachat/internal/store"
	"github.com/datachat/datachat/internal/synth"
)

type State string

const (
	StateReceived           State = "RECEIVED"
	StateClassified         State = "CLASSIFIED"
	StateResolved           State = "RESOLVED"
	StateSynthesized        State = "SYNTHESIZED"
	StateValidated          State = "VALIDATED"
	StateExecuted           State = "EXECUTED"
	StateResponded          State = "RESPONDED"
	StateAborted            State = "ABORTED"
	StateNeedsClarification State = "NEEDS_CLARIFICATION"
)

type ResponseKind string

const (
	KindFilterUpdate        ResponseKind = "filter_update"
	KindAnalyticAnswer      ResponseKind = "analytic_answer"
	KindTabularResult       ResponseKind = "tabular_result"
	KindEnhancementRequest  ResponseKind = "enhancement_request"
	KindClarificationNeeded ResponseKind = "clarification_needed"
	KindError               ResponseKind = "error"
)

// Error codes surfaced to the caller.
const (
	CodeCatalogUnavailable = "catalog-unavailable"
	CodeInvalidQuery       = "invalid-query"
	CodeExecutionError     = "execution-error"
	CodeSynthesisFailed    = "synthesis-failed"
	CodeCancelled          = "cancelled"
)

type Request struct {
	SessionID string `json:"sessionId"`
	Utterance string `json:"utterance"`
}

// Clarification carries the ambiguity back to the caller so it can
// re-prompt the user instead of rendering a bare error.
type Clarification struct {
	Prompt     string   `json:"prompt"`
	Span       string   `json:"span,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

type ErrorDetail struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Reason  string     `json:"reason,omitempty"`
	Store   store.Kind `json:"store,omitempty"`
}

// Response is the tagged union handed back for a turn. Kind selects
// which payload fields are set; State is the terminal state reached.
type Response struct {
	Kind          ResponseKind             `json:"kind"`
	State         State                    `json:"state"`
	Intent        intent.Intent            `json:"-"`
	Mode          intent.Mode              `json:"mode,omitempty"`
	FilterUpdate  map[string][]string      `json:"filterUpdate,omitempty"`
	FilterContext *session.FilterContext   `json:"filterContext,omitempty"`
	SQL           string                   `json:"sql,omitempty"`
	Result        *store.Rows              `json:"result,omitempty"`
	Enhancement   *synth.EnhancementRequest `json:"enhancement,omitempty"`
	Clarification *Clarification           `json:"clarification,omitempty"`
	Error         *ErrorDetail             `json:"error,omitempty"`
}

// Cataloger is the snapshot surface the router needs.
type Cataloger interface {
	Snapshot() *catalog.Snapshot
}

type Config struct {
	ExecutionTimeout  time.Duration
	CompletionTimeout time.Duration
}

type Dependencies struct {
	Logger      *slog.Logger
	Catalog     Cataloger
	Classifier  *intent.Classifier
	Resolver    *resolve.Resolver
	Synthesizer *synth.Synthesizer
	Guard       *guard.Guard
	Sessions    *session.Registry
	Stores      map[store.Kind]store.Store
}

type Engine struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger
}

func NewEngine(cfg Config, deps Dependencies) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{cfg: cfg, deps: deps, log: deps.Logger}
}

// Handle processes one turn. It never returns an error: every failure
// mode is a terminal Response the caller can render.
func (e *Engine) Handle(ctx context.Context, req Request) Response {
	response := e.handle(ctx, req)
	observability.ObserveTerminalState(string(response.State))
	if response.Mode != "" {
		observability.ObserveRoutedIntent(string(response.Mode))
	}
	e.log.InfoContext(ctx, "turn handled",
		slog.String("session", req.SessionID),
		slog.String("state", string(response.State)),
		slog.String("kind", string(response.Kind)),
	)
	return response
}

func (e *Engine) handle(ctx context.Context, req Request) Response {
	e.transition(ctx, StateReceived)
	filters := e.deps.Sessions.Current(req.SessionID)

	snap := e.deps.Catalog.Snapshot()
	if snap == nil {
		return errorResponse("", StateAborted, &ErrorDetail{
			Code:    CodeCatalogUnavailable,
			Message: "no catalog snapshot is available; refresh the catalog and retry",
		})
	}

	classified := e.classify(ctx, req.Utterance, filters, snap)
	if aborted, ok := e.cancelled(ctx, classified.Mode); ok {
		return aborted
	}
	e.transition(ctx, StateClassified)
	if classified.NeedsClarification {
		return Response{
			Kind:   KindClarificationNeeded,
			State:  StateNeedsClarification,
			Intent: classified,
			Mode:   classified.Mode,
			Clarification: &Clarification{
				Prompt: "I could not tell what you want to do with the data. Try naming a business term, a filter, or a question about the report.",
			},
		}
	}

	terms := e.deps.Resolver.Resolve(req.Utterance, snap, filters)
	e.transition(ctx, StateResolved)
	if unresolved := resolve.Unresolved(terms); len(unresolved) > 0 {
		return clarifyUnresolved(classified, unresolved)
	}

	switch classified.Mode {
	case intent.ModeDashboardFilter:
		return e.respondFilter(ctx, req, classified, terms)
	case intent.ModeReportEnhancement:
		return e.respondEnhancement(ctx, req, classified, terms, snap)
	default:
		return e.respondQuery(ctx, req, classified, terms, snap)
	}
}

func (e *Engine) classify(ctx context.Context, utterance string, filters session.FilterContext, snap *catalog.Snapshot) intent.Intent {
	classifyCtx, cancel := e.completionContext(ctx)
	defer cancel()
	return e.deps.Classifier.Classify(classifyCtx, utterance, filters, snap)
}

// respondFilter hands the structured filter set back and commits it to
// the session context only at the RESPONDED transition.
func (e *Engine) respondFilter(ctx context.Context, req Request, classified intent.Intent, terms []resolve.ResolvedTerm) Response {
	filterSet := e.deps.Synthesizer.FilterSet(terms)
	e.transition(ctx, StateSynthesized)
	if len(filterSet) == 0 {
		return Response{
			Kind:   KindClarificationNeeded,
			State:  StateNeedsClarification,
			Intent: classified,
			Mode:   classified.Mode,
			Clarification: &Clarification{
				Prompt: "Which dimension should the filter apply to, and which value?",
			},
		}
	}

	committed := e.deps.Sessions.Commit(req.SessionID, filterSet)
	e.transition(ctx, StateResponded)
	return Response{
		Kind:          KindFilterUpdate,
		State:         StateResponded,
		Intent:        classified,
		Mode:          classified.Mode,
		FilterUpdate:  filterSet,
		FilterContext: &committed,
	}
}

func (e *Engine) respondEnhancement(ctx context.Context, req Request, classified intent.Intent, terms []resolve.ResolvedTerm, snap *catalog.Snapshot) Response {
	enhancement := e.deps.Synthesizer.Enhancement(req.Utterance, terms, snap)
	e.transition(ctx, StateSynthesized)
	e.transition(ctx, StateResponded)
	return Response{
		Kind:        KindEnhancementRequest,
		State:       StateResponded,
		Intent:      classified,
		Mode:        classified.Mode,
		Enhancement: &enhancement,
	}
}

func (e *Engine) respondQuery(ctx context.Context, req Request, classified intent.Intent, terms []resolve.ResolvedTerm, snap *catalog.Snapshot) Response {
	synthCtx, cancel := e.completionContext(ctx)
	candidate, err := e.deps.Synthesizer.Query(synthCtx, req.Utterance, terms, snap)
	cancel()
	if aborted, ok := e.cancelled(ctx, classified.Mode); ok {
		return aborted
	}
	if err != nil {
		return errorResponse(classified.Mode, StateAborted, &ErrorDetail{
			Code:    CodeSynthesisFailed,
			Message: err.Error(),
		})
	}
	e.transition(ctx, StateSynthesized)

	validated, err := e.deps.Guard.Validate(candidate, snap)
	if err != nil {
		detail := &ErrorDetail{Code: CodeInvalidQuery, Message: err.Error()}
		var invalid *guard.InvalidQueryError
		if errors.As(err, &invalid) {
			detail.Reason = invalid.Reason
		}
		return errorResponse(classified.Mode, StateAborted, detail)
	}
	e.transition(ctx, StateValidated)

	rows, err := e.execute(ctx, validated)
	if aborted, ok := e.cancelled(ctx, classified.Mode); ok {
		return aborted
	}
	if err != nil {
		detail := &ErrorDetail{Code: CodeExecutionError, Message: err.Error(), Store: validated.Store}
		var execErr *store.ExecutionError
		if errors.As(err, &execErr) {
			detail.Store = execErr.Store
		}
		return errorResponse(classified.Mode, StateAborted, detail)
	}
	e.transition(ctx, StateExecuted)

	kind := KindAnalyticAnswer
	if classified.Mode == intent.ModeDeepQuery {
		kind = KindTabularResult
	}
	e.transition(ctx, StateResponded)
	return Response{
		Kind:   kind,
		State:  StateResponded,
		Intent: classified,
		Mode:   classified.Mode,
		SQL:    validated.SQL,
		Result: &rows,
	}
}

// execute runs the validated query with one bounded retry on transient
// connectivity failures. Syntax and semantic errors are never retried.
func (e *Engine) execute(ctx context.Context, validated guard.Validated) (store.Rows, error) {
	target, ok := e.deps.Stores[validated.Store]
	if !ok {
		return store.Rows{}, fmt.Errorf("no %s store configured", validated.Store)
	}

	rows, err := e.runOnce(ctx, target, validated)
	if err == nil {
		return rows, nil
	}
	var execErr *store.ExecutionError
	if errors.As(err, &execErr) && execErr.Transient && ctx.Err() == nil {
		observability.IncrementStoreRetry(string(validated.Store))
		e.log.WarnContext(ctx, "retrying after transient store failure",
			slog.String("store", string(validated.Store)),
			slog.Any("error", err),
		)
		return e.runOnce(ctx, target, validated)
	}
	return store.Rows{}, err
}

func (e *Engine) runOnce(ctx context.Context, target store.Store, validated guard.Validated) (store.Rows, error) {
	execCtx := ctx
	if e.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()
	}
	rows, err := target.RunQuery(execCtx, validated.SQL, validated.Limit)
	if err != nil {
		return store.Rows{}, err
	}
	observability.ObserveStoreExecution(string(validated.Store), rows.Duration)
	return rows, nil
}

func (e *Engine) completionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CompletionTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CompletionTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) cancelled(ctx context.Context, mode intent.Mode) (Response, bool) {
	if ctx.Err() == nil {
		return Response{}, false
	}
	return errorResponse(mode, StateAborted, &ErrorDetail{
		Code:    CodeCancelled,
		Message: "request cancelled",
	}), true
}

func clarifyUnresolved(classified intent.Intent, unresolved []resolve.ResolvedTerm) Response {
	first := unresolved[0]
	prompt := fmt.Sprintf("I could not pin down %q.", first.Span)
	if first.Reason == resolve.ReasonStoreUnavailable {
		prompt = fmt.Sprintf("%q maps to data that is currently unavailable.", first.Span)
	} else if len(first.Candidates) > 0 {
		prompt = fmt.Sprintf("Did you mean one of these for %q?", first.Span)
	}
	return Response{
		Kind:   KindClarificationNeeded,
		State:  StateNeedsClarification,
		Intent: classified,
		Mode:   classified.Mode,
		Clarification: &Clarification{
			Prompt:     prompt,
			Span:       first.Span,
			Candidates: first.Candidates,
		},
	}
}

func errorResponse(mode intent.Mode, state State, detail *ErrorDetail) Response {
	return Response{Kind: KindError, State: state, Mode: mode, Error: detail}
}

func (e *Engine) transition(ctx context.Context, state State) {
	e.log.DebugContext(ctx, "state transition", slog.String("state", string(state)))
}
