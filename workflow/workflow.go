// Package workflow runs one conversation turn through a guarded state
// machine: classify, route, then either a canned response, a clarification,
// a command handler, or the full retrieve-generate-extract-save pipeline.
//
// Every node runs inside a wrapper that validates states on the way in and
// out and converts node failures into per-node fallbacks. A turn always
// produces an answer; the failure modes degrade, they do not abort.
package workflow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/becomeliminal/cofounder-go/classify"
	"github.com/becomeliminal/cofounder-go/core"
	"github.com/becomeliminal/cofounder-go/llm"
	"github.com/becomeliminal/cofounder-go/memory"
	"github.com/becomeliminal/cofounder-go/prompts"
	"github.com/becomeliminal/cofounder-go/retrieval"
)

// historyCap bounds the execution history ring.
const historyCap = 100

// Record is one node execution in the history ring.
type Record struct {
	NodeName      string    `json:"node_name"`
	Status        string    `json:"status"`
	ExecutionTime float64   `json:"execution_time"`
	Timestamp     time.Time `json:"timestamp"`
	Error         string    `json:"error,omitempty"`
}

// Workflow executes turns. Construct with New; the zero value is not usable.
type Workflow struct {
	store        memory.Store
	registry     *prompts.Registry
	completer    llm.Completer
	classifier   *classify.Classifier
	builder      *retrieval.Builder
	consolidator *memory.Consolidator
	analytics    *Analytics

	mu      sync.Mutex
	history []Record
}

type options struct {
	completer       llm.Completer
	searcher        retrieval.Searcher
	retrievalCfg    retrieval.Config
	consolidatorCfg memory.ConsolidatorConfig
	analytics       *Analytics
}

// Option configures optional workflow dependencies.
type Option func(*options)

// WithCompleter wires the model used for classification, generation,
// extraction and conflict resolution. Without it, every model-dependent step
// uses its deterministic fallback.
func WithCompleter(c llm.Completer) Option {
	return func(o *options) { o.completer = c }
}

// WithSearcher wires the document searcher. Without it, answers carry the
// no-documents marker.
func WithSearcher(s retrieval.Searcher) Option {
	return func(o *options) { o.searcher = s }
}

// WithRetrievalConfig overrides retrieval tuning.
func WithRetrievalConfig(cfg retrieval.Config) Option {
	return func(o *options) { o.retrievalCfg = cfg }
}

// WithConsolidatorConfig overrides memory consolidation tuning.
func WithConsolidatorConfig(cfg memory.ConsolidatorConfig) Option {
	return func(o *options) { o.consolidatorCfg = cfg }
}

// WithAnalytics shares an analytics tracker across workflows.
func WithAnalytics(a *Analytics) Option {
	return func(o *options) { o.analytics = a }
}

// New creates a workflow over the given fact store and prompt registry.
func New(store memory.Store, registry *prompts.Registry, opts ...Option) (*Workflow, error) {
	if store == nil {
		return nil, fmt.Errorf("fact store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("prompt registry is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.analytics == nil {
		o.analytics = NewAnalytics()
	}

	return &Workflow{
		store:        store,
		registry:     registry,
		completer:    o.completer,
		classifier:   classify.New(o.completer, registry),
		builder:      retrieval.NewBuilder(o.searcher, o.retrievalCfg),
		consolidator: memory.NewConsolidator(o.completer, registry, o.consolidatorCfg),
		analytics:    o.analytics,
	}, nil
}

// Analytics exposes the workflow's efficiency tracker.
func (w *Workflow) Analytics() *Analytics { return w.analytics }

// node transforms a turn state. Nodes receive a clone and may mutate it.
type node func(ctx context.Context, state *core.TurnState) (*core.TurnState, error)

// Execute runs one turn. Total: the returned state is always valid and
// always carries an answer, even when everything inside failed.
func (w *Workflow) Execute(ctx context.Context, state *core.TurnState) (result *core.TurnState) {
	start := time.Now()
	success := true

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WORKFLOW] panic during execution: %v", r)
			result = w.fallbackTurn(state, fmt.Errorf("%v", r))
			w.analytics.TrackExecution(RouteFull, time.Since(start), false)
		}
	}()

	if err := state.Validate(); err != nil {
		return w.fallbackTurn(state, err)
	}

	// Load persisted facts up front so classification and routing see them.
	// Each access decays stored confidence by the time elapsed since the
	// fact's stamp and prunes what has gone stale.
	if facts, err := w.store.Get(ctx, state.UserID); err != nil {
		log.Printf("[WORKFLOW] loading facts for %s failed, continuing without: %v", state.UserID, err)
	} else {
		state = state.Clone()
		state.UserFacts = w.consolidator.Refresh(facts, time.Now())
	}

	run := func(name string, fn node) {
		var ok bool
		state, ok = w.runNode(ctx, name, state, fn)
		if !ok {
			success = false
		}
	}

	run("classify_input", w.classifyNode)
	route := Decide(state)
	log.Printf("[WORKFLOW] user=%s route=%s intent=%s type=%s", state.UserID, route, state.Intent, state.QuestionType)

	switch route {
	case RouteCommand:
		run("handle_command", w.commandNode)
	case RouteClarify:
		run("clarify_question", w.clarifyNode)
	case RouteLightweight:
		run("lightweight_response", w.lightweightNode)
	default:
		run("retrieve_context", w.retrieveNode)
		run("generate_answer", w.generateNode)
		// The extraction decision judges the whole exchange, not the bare
		// question: a short factual statement still earns extraction once the
		// answer is part of the text.
		if classify.ShouldExtractFacts(conversationText(state), state.UserFacts) {
			w.analytics.TrackFactExtraction(true)
			run("extract_facts", w.extractNode)
		} else {
			w.analytics.TrackFactExtraction(false)
		}
		if len(state.NewFacts) > 0 {
			run("save_facts", w.saveNode)
		}
	}

	w.analytics.TrackExecution(route, time.Since(start), success)
	return state
}

// runNode executes one node with input validation, output validation with
// recovery, per-node failure fallbacks, and history recording. The boolean
// reports whether the node ran cleanly.
func (w *Workflow) runNode(ctx context.Context, name string, state *core.TurnState, fn node) (*core.TurnState, bool) {
	start := time.Now()

	if err := state.Validate(); err != nil {
		w.record(name, "error", start, err)
		return state, false
	}

	out, err := fn(ctx, state.Clone())
	if err != nil {
		log.Printf("[WORKFLOW] node %s failed: %v", name, err)
		w.record(name, "error", start, err)
		return w.nodeFallback(name, state, err), false
	}
	if verr := out.Validate(); verr != nil {
		log.Printf("[WORKFLOW] node %s returned invalid state, recovering: %v", name, verr)
		w.record(name, "error", start, verr)
		return core.Recover(state, out), false
	}

	w.record(name, "success", start, nil)
	return out, true
}

// nodeFallback maps a failed node to its degraded-but-valid result.
func (w *Workflow) nodeFallback(name string, prev *core.TurnState, err error) *core.TurnState {
	out := prev.Clone()
	switch name {
	case "retrieve_context":
		out.UserFacts = map[string]any{}
		out.RetrievedDocs = []string{}
		out.RetrievedContext = ""
	case "generate_answer":
		out.Answer = fmt.Sprintf("I apologize, but I encountered an error while processing your question: %v", err)
	case "extract_facts":
		out.NewFacts = map[string]any{}
	}
	return out
}

// fallbackTurn is the whole-workflow failure answer. Used only when even the
// node-level guards could not produce a state.
func (w *Workflow) fallbackTurn(state *core.TurnState, err error) *core.TurnState {
	userID, question := "unknown", ""
	if state != nil {
		if state.UserID != "" {
			userID = state.UserID
		}
		question = state.Question
	}
	out := core.NewTurnState(userID, question)
	if out.Question == "" {
		out.Question = "(empty)"
	}
	out.Answer = fmt.Sprintf("I apologize, but I encountered a technical issue while processing your request. Error: %v. Please try again or rephrase your question.", err)
	return out
}

func (w *Workflow) record(name, status string, start time.Time, err error) {
	rec := Record{
		NodeName:      name,
		Status:        status,
		ExecutionTime: time.Since(start).Seconds(),
		Timestamp:     start,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, rec)
	if len(w.history) > historyCap {
		w.history = w.history[len(w.history)-historyCap:]
	}
}

// ExecutionHistory returns a copy of the recent node executions.
func (w *Workflow) ExecutionHistory() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Record{}, w.history...)
}

// Info summarizes the workflow for status commands and health checks.
func (w *Workflow) Info() map[string]any {
	w.mu.Lock()
	historyLen := len(w.history)
	w.mu.Unlock()

	return map[string]any{
		"nodes": []string{
			"classify_input", "handle_command", "clarify_question",
			"lightweight_response", "retrieve_context", "generate_answer",
			"extract_facts", "save_facts",
		},
		"routes":           []string{string(RouteCommand), string(RouteClarify), string(RouteLightweight), string(RouteFull)},
		"history_length":   historyLen,
		"analytics":        w.analytics.Snapshot(),
		"efficiency_score": w.analytics.EfficiencyScore(),
	}
}
