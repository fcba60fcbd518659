package workflow_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/becomeliminal/cofounder-go/classify"
	"github.com/becomeliminal/cofounder-go/core"
	"github.com/becomeliminal/cofounder-go/llm"
	"github.com/becomeliminal/cofounder-go/memory"
	"github.com/becomeliminal/cofounder-go/memory/store/memstore"
	"github.com/becomeliminal/cofounder-go/prompts"
	"github.com/becomeliminal/cofounder-go/retrieval"
	"github.com/becomeliminal/cofounder-go/workflow"
)

func newWorkflow(t *testing.T, store *memstore.Store, opts ...workflow.Option) *workflow.Workflow {
	t.Helper()
	registry, err := prompts.NewRegistry()
	if err != nil {
		t.Fatalf("failed to load prompts: %v", err)
	}
	w, err := workflow.New(store, registry, opts...)
	if err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	return w
}

// scriptedCompleter answers based on what kind of prompt it receives.
func scriptedCompleter(t *testing.T, answer string, facts string) llm.Completer {
	t.Helper()
	return llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Respond with exactly one word"):
			return "COMPLEX", nil
		case strings.Contains(prompt, "intent detector"):
			return `{"intent": "ask_business_question", "entities": {}, "needs_clarification": false}`, nil
		case strings.Contains(prompt, "Extract durable facts"):
			return facts, nil
		case strings.Contains(prompt, "Resolve the conflicts"):
			return "", fmt.Errorf("merge model unavailable")
		default:
			return answer, nil
		}
	})
}

func TestDecideDeterministic(t *testing.T) {
	state := core.NewTurnState("u1", "should i form an llc for my consulting business in texas?")
	state.QuestionType = core.QuestionComplex

	first := workflow.Decide(state)
	for i := 0; i < 10; i++ {
		if got := workflow.Decide(state); got != first {
			t.Fatalf("Decide is not deterministic: %q then %q", first, got)
		}
	}
	if first != workflow.RouteFull {
		t.Errorf("complex question routed to %q, want full", first)
	}
}

func TestDecidePriorities(t *testing.T) {
	cases := []struct {
		name  string
		state *core.TurnState
		want  workflow.Route
	}{
		{
			name: "command beats everything",
			state: func() *core.TurnState {
				s := core.NewTurnState("u1", "!memory")
				s.CommandType = core.CommandMemory
				s.QuestionType = core.QuestionGreeting
				return s
			}(),
			want: workflow.RouteCommand,
		},
		{
			name: "identity intent beats greeting type",
			state: func() *core.TurnState {
				s := core.NewTurnState("u1", "what's my name?")
				s.Intent = classify.IntentAskIdentity
				s.QuestionType = core.QuestionSimple
				return s
			}(),
			want: workflow.RouteFull,
		},
		{
			name: "capability question runs full",
			state: func() *core.TurnState {
				s := core.NewTurnState("u1", "what can you do?")
				s.QuestionType = core.QuestionSimple
				return s
			}(),
			want: workflow.RouteFull,
		},
		{
			name: "domain keyword runs full",
			state: func() *core.TurnState {
				s := core.NewTurnState("u1", "when is the fase 2 gate?")
				s.QuestionType = core.QuestionSimple
				return s
			}(),
			want: workflow.RouteFull,
		},
		{
			name: "clarification wins over simple",
			state: func() *core.TurnState {
				s := core.NewTurnState("u1", "can you help me register?")
				s.QuestionType = core.QuestionSimple
				s.NeedsClarification = true
				return s
			}(),
			want: workflow.RouteClarify,
		},
		{
			name: "greeting goes lightweight",
			state: func() *core.TurnState {
				s := core.NewTurnState("u1", "hi")
				s.QuestionType = core.QuestionGreeting
				return s
			}(),
			want: workflow.RouteLightweight,
		},
	}
	for _, tc := range cases {
		if got := workflow.Decide(tc.state); got != tc.want {
			t.Errorf("%s: Decide = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestGreetingFastPathUsesNoModel(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	w := newWorkflow(t, store, workflow.WithCompleter(llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		t.Errorf("greeting turn made a model call: %s", prompt)
		return "", nil
	})))

	state := w.Execute(ctx, core.NewTurnState("u1", "hi"))
	if err := state.Validate(); err != nil {
		t.Fatalf("invalid result state: %v", err)
	}
	if !strings.Contains(state.Answer, "Hello") {
		t.Errorf("greeting answer = %q", state.Answer)
	}
	if len(state.NewFacts) != 0 {
		t.Errorf("greeting extracted facts: %v", state.NewFacts)
	}
	if len(state.RetrievedDocs) != 0 {
		t.Errorf("greeting retrieved docs: %v", state.RetrievedDocs)
	}
}

func TestFullPathAnswersAndSavesFacts(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	extracted := `{"facts": {"business_type": {"value": "LLC", "confidence": 0.9}, "state": {"value": "Texas", "confidence": 0.9}, "hunch": {"value": "maybe", "confidence": 0.4}}}`
	w := newWorkflow(t, store,
		workflow.WithCompleter(scriptedCompleter(t, "You should start by registering your LLC with the Texas Secretary of State.", extracted)),
	)

	question := "I run a consulting business in Texas and want to register an LLC, what are the steps?"
	state := w.Execute(ctx, core.NewTurnState("u1", question))

	if !strings.Contains(state.Answer, "Texas Secretary of State") {
		t.Errorf("answer = %q", state.Answer)
	}
	if _, ok := state.NewFacts["business_type"]; !ok {
		t.Errorf("high-confidence fact not extracted: %v", state.NewFacts)
	}
	if _, ok := state.NewFacts["hunch"]; ok {
		t.Errorf("low-confidence fact accepted: %v", state.NewFacts)
	}

	saved, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(saved) == 0 {
		t.Error("facts were not persisted")
	}
}

func TestShortFactualTurnStillExtracts(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	if err := store.Set(ctx, "u1", map[string]any{
		"name": map[string]any{"value": "Ana", "confidence": 0.9},
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	extracted := `{"facts": {"business_type": {"value": "LLC", "confidence": 0.9}, "state": {"value": "Texas", "confidence": 0.9}}}`
	w := newWorkflow(t, store,
		workflow.WithCompleter(scriptedCompleter(t, "An LLC in Texas owes annual franchise tax reports to the Comptroller.", extracted)),
	)

	// The question alone is under the extraction length gate; the full
	// exchange is not.
	state := w.Execute(ctx, core.NewTurnState("u1", "I run an LLC in Texas"))
	if _, ok := state.NewFacts["business_type"]; !ok {
		t.Errorf("short factual statement skipped extraction: NewFacts = %v", state.NewFacts)
	}

	saved, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, ok := saved["business_type"]; !ok {
		t.Errorf("extracted fact not persisted: %v", saved)
	}
}

func TestStaleFactsPrunedOnLoad(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	stamp := time.Now().Add(-2 * 7 * 24 * time.Hour).UTC().Format(time.RFC3339)
	if err := store.Set(ctx, "u1", map[string]any{
		"hunch": map[string]any{"value": "maybe retail", "confidence": 0.4, "updated_at": stamp},
		"name":  map[string]any{"value": "Ana", "confidence": 0.95, "updated_at": stamp},
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	w := newWorkflow(t, store, workflow.WithConsolidatorConfig(memory.ConsolidatorConfig{DecayRate: 0.2}))

	state := w.Execute(ctx, core.NewTurnState("u1", "!memory"))
	if strings.Contains(state.Answer, "maybe retail") {
		t.Errorf("stale fact survived load: %q", state.Answer)
	}
	if !strings.Contains(state.Answer, "Ana") {
		t.Errorf("high-confidence fact lost on load: %q", state.Answer)
	}
}

func TestProfileTurnSavesNameWithoutExtraction(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	w := newWorkflow(t, store, workflow.WithCompleter(llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		t.Errorf("profile turn made a model call: %s", prompt)
		return "", nil
	})))

	state := w.Execute(ctx, core.NewTurnState("u1", "my name is ana"))
	if !strings.Contains(state.Answer, "Ana") {
		t.Errorf("answer = %q", state.Answer)
	}

	saved, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	name, ok := saved["name"].(map[string]any)
	if !ok || name["value"] != "Ana" {
		t.Errorf("saved name = %v", saved["name"])
	}

	// Next turn: identity question answered from memory.
	state = w.Execute(ctx, core.NewTurnState("u1", "what's my name?"))
	if !strings.Contains(state.Answer, "Ana") {
		t.Errorf("identity answer = %q", state.Answer)
	}
}

func TestGenerateFailureYieldsApologeticAnswer(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	w := newWorkflow(t, store, workflow.WithCompleter(llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Respond with exactly one word") {
			return "COMPLEX", nil
		}
		if strings.Contains(prompt, "intent detector") {
			return `{"intent": "ask_business_question", "entities": {}, "needs_clarification": false}`, nil
		}
		return "", fmt.Errorf("model offline")
	})))

	state := w.Execute(ctx, core.NewTurnState("u1", "what are the tax implications of converting my llc to a corporation?"))
	if err := state.Validate(); err != nil {
		t.Fatalf("invalid result state: %v", err)
	}
	if !strings.Contains(state.Answer, "I apologize") {
		t.Errorf("answer = %q, want apologetic fallback", state.Answer)
	}
}

func TestEmptyRetrievalProducesMarkerInPrompt(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	var sawMarker bool
	completer := llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Respond with exactly one word"):
			return "COMPLEX", nil
		case strings.Contains(prompt, "intent detector"):
			return `{"intent": "product_recommendation", "entities": {}, "needs_clarification": false}`, nil
		default:
			if strings.Contains(prompt, retrieval.NoDocsMarker) {
				sawMarker = true
			}
			return "The catalog excerpts don't cover that, so I can't recommend a specific product.", nil
		}
	})
	w := newWorkflow(t, store,
		workflow.WithCompleter(completer),
		workflow.WithSearcher(retrieval.SearcherFunc(func(ctx context.Context, query string, k int) ([]retrieval.Document, error) {
			return nil, nil
		})),
	)

	state := w.Execute(ctx, core.NewTurnState("u1", "which supplement from the catalog helps with sleep quality?"))
	if !sawMarker {
		t.Error("generation prompt did not carry the no-documents marker")
	}
	if len(state.RetrievedDocs) != 0 {
		t.Errorf("retrieved docs = %v, want empty", state.RetrievedDocs)
	}
}

func TestMemoryCommands(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	w := newWorkflow(t, store)

	state := w.Execute(ctx, core.NewTurnState("u1", "!memory"))
	if !strings.Contains(state.Answer, "don't have any stored facts") {
		t.Errorf("!memory on empty store: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!update business_type=LLC"))
	if !strings.Contains(state.Answer, "Updated business_type") {
		t.Errorf("!update answer: %q", state.Answer)
	}

	// The documented form uses a space; key=value stays accepted.
	state = w.Execute(ctx, core.NewTurnState("u1", "!update stage early"))
	if !strings.Contains(state.Answer, "Updated stage") {
		t.Errorf("!update space form answer: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!memory"))
	if !strings.Contains(state.Answer, "business_type: LLC") {
		t.Errorf("!memory after update: %q", state.Answer)
	}
	if !strings.Contains(state.Answer, "stage: early") {
		t.Errorf("!memory missing space-form update: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!search llc"))
	if !strings.Contains(state.Answer, "business_type") {
		t.Errorf("!search answer: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!forget business_type"))
	if !strings.Contains(state.Answer, "forgotten") {
		t.Errorf("!forget answer: %q", state.Answer)
	}
	saved, _ := store.Get(ctx, "u1")
	if _, ok := saved["business_type"]; ok {
		t.Error("!forget did not persist the deletion")
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!forget business_type"))
	if !strings.Contains(state.Answer, "don't have a stored fact") {
		t.Errorf("!forget missing key: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", `!import {"industry": "consulting"}`))
	if !strings.Contains(state.Answer, "Imported 1 fact") {
		t.Errorf("!import answer: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!export"))
	if !strings.Contains(state.Answer, "consulting") {
		t.Errorf("!export answer: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!help"))
	if !strings.Contains(state.Answer, "!forget <key>") {
		t.Errorf("!help answer: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!status"))
	if !strings.Contains(state.Answer, "total_executions") {
		t.Errorf("!status answer: %q", state.Answer)
	}

	state = w.Execute(ctx, core.NewTurnState("u1", "!debug"))
	if !strings.Contains(state.Answer, "handle_command") {
		t.Errorf("!debug answer: %q", state.Answer)
	}
}

func TestClarifyRoute(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	w := newWorkflow(t, store, workflow.WithCompleter(llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Respond with exactly one word") {
			return "COMPLEX", nil
		}
		return `{"intent": "ask_business_question", "entities": {}, "needs_clarification": true}`, nil
	})))

	state := w.Execute(ctx, core.NewTurnState("u1", "can you help me get my paperwork sorted for the registration I mentioned?"))
	if !strings.Contains(state.Answer, "make sure I help precisely") {
		t.Errorf("clarify answer = %q", state.Answer)
	}
	if !strings.Contains(state.Answer, "state or country") {
		t.Errorf("clarify answer missing jurisdiction slot: %q", state.Answer)
	}
}

func TestExecutionHistoryRecorded(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	w := newWorkflow(t, store)

	w.Execute(ctx, core.NewTurnState("u1", "hi"))
	records := w.ExecutionHistory()
	if len(records) < 2 {
		t.Fatalf("history = %v, want classify and lightweight records", records)
	}
	if records[0].NodeName != "classify_input" || records[0].Status != "success" {
		t.Errorf("first record = %+v", records[0])
	}
}

func TestAnalyticsCountsPaths(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	w := newWorkflow(t, store)

	w.Execute(ctx, core.NewTurnState("u1", "hi"))
	w.Execute(ctx, core.NewTurnState("u1", "!memory"))

	snapshot := w.Analytics().Snapshot()
	if snapshot["total_executions"] != 2 {
		t.Errorf("total_executions = %v, want 2", snapshot["total_executions"])
	}
	if snapshot["lightweight_path_count"] != 2 {
		t.Errorf("lightweight_path_count = %v, want 2", snapshot["lightweight_path_count"])
	}
	score := w.Analytics().EfficiencyScore()
	if score <= 0 || score > 1 {
		t.Errorf("efficiency score = %v, want (0,1]", score)
	}
}

func TestInvalidInitialState(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	w := newWorkflow(t, store)

	state := w.Execute(ctx, &core.TurnState{UserID: "u1"})
	if err := state.Validate(); err != nil {
		t.Fatalf("fallback state invalid: %v", err)
	}
	if !strings.Contains(state.Answer, "technical issue") {
		t.Errorf("fallback answer = %q", state.Answer)
	}
}
