package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/becomeliminal/cofounder-go/classify"
	"github.com/becomeliminal/cofounder-go/core"
	"github.com/becomeliminal/cofounder-go/llm/jsonx"
	"github.com/becomeliminal/cofounder-go/memory"
	"github.com/becomeliminal/cofounder-go/retrieval"
)

// classifyNode fills command type, question type, intent and entities.
func (w *Workflow) classifyNode(ctx context.Context, state *core.TurnState) (*core.TurnState, error) {
	verdict := w.classifier.Classify(ctx, state.Question, state.UserFacts, historyText(state.History, 3))
	state.CommandType = verdict.CommandType
	state.QuestionType = verdict.QuestionType
	state.Intent = verdict.Intent
	state.Entities = verdict.Entities
	state.NeedsClarification = verdict.NeedsClarification
	return state, nil
}

// commandNode executes memory and system commands directly against the fact
// store. Commands never touch the model.
func (w *Workflow) commandNode(ctx context.Context, state *core.TurnState) (*core.TurnState, error) {
	input := strings.TrimSpace(state.Question)
	cmd, arg := splitCommand(input)

	switch cmd {
	case "!memory":
		if len(state.UserFacts) == 0 {
			state.Answer = "You don't have any stored facts yet. Tell me about yourself or your business and I'll remember."
		} else {
			state.Answer = "Here's what I remember about you:\n" + retrieval.FormatFacts(state.UserFacts)
		}

	case "!forget":
		key := strings.TrimSpace(arg)
		if _, present := state.UserFacts[key]; !present {
			state.Answer = fmt.Sprintf("I don't have a stored fact named %q.", key)
			break
		}
		delete(state.UserFacts, key)
		if err := w.store.Set(ctx, state.UserID, state.UserFacts); err != nil {
			return nil, fmt.Errorf("forgetting %q: %w", key, err)
		}
		state.Answer = fmt.Sprintf("Done, I've forgotten %q.", key)

	case "!update":
		// Both "!update key value" and "!update key=value" are accepted.
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			key, value, ok = strings.Cut(arg, " ")
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			state.Answer = "Usage: !update <key> <value>"
			break
		}
		// Explicit user statements are fully trusted.
		state.UserFacts[key] = map[string]any{"value": value, "confidence": 1.0}
		if err := w.store.Set(ctx, state.UserID, state.UserFacts); err != nil {
			return nil, fmt.Errorf("updating %q: %w", key, err)
		}
		state.Answer = fmt.Sprintf("Updated %s to %q.", key, value)

	case "!export":
		raw, err := json.MarshalIndent(state.UserFacts, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("exporting facts: %w", err)
		}
		state.Answer = "Your stored facts:\n" + string(raw)

	case "!import":
		imported, err := jsonx.ExtractObject(arg)
		if err != nil {
			state.Answer = "I couldn't parse that as JSON. Usage: !import {\"key\": \"value\"}"
			break
		}
		state.UserFacts = memory.FallbackMerge(state.UserFacts, imported)
		if err := w.store.Set(ctx, state.UserID, state.UserFacts); err != nil {
			return nil, fmt.Errorf("importing facts: %w", err)
		}
		state.Answer = fmt.Sprintf("Imported %d fact(s).", len(imported))

	case "!search":
		term := strings.ToLower(strings.TrimSpace(arg))
		var hits []string
		for _, key := range memory.SortedKeys(state.UserFacts) {
			value := fmt.Sprintf("%v", memory.ValueOf(state.UserFacts[key]))
			if strings.Contains(strings.ToLower(key), term) || strings.Contains(strings.ToLower(value), term) {
				hits = append(hits, fmt.Sprintf("- %s: %s", key, value))
			}
		}
		if len(hits) == 0 {
			state.Answer = fmt.Sprintf("No stored facts match %q.", term)
		} else {
			state.Answer = fmt.Sprintf("Facts matching %q:\n%s", term, strings.Join(hits, "\n"))
		}

	case "!help":
		state.Answer = commandHelp

	case "!status":
		raw, err := json.MarshalIndent(w.analytics.Snapshot(), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("rendering status: %w", err)
		}
		state.Answer = "Workflow status:\n" + string(raw)

	case "!debug":
		recent := w.ExecutionHistory()
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		var lines []string
		for _, rec := range recent {
			line := fmt.Sprintf("- %s: %s (%.3fs)", rec.NodeName, rec.Status, rec.ExecutionTime)
			if rec.Error != "" {
				line += " " + rec.Error
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			state.Answer = "No node executions recorded yet."
		} else {
			state.Answer = "Recent node executions:\n" + strings.Join(lines, "\n")
		}

	case "!config":
		state.Answer = "Runtime configuration changes aren't supported. Settings come from the environment at startup."

	default:
		state.Answer = "Unknown command. " + commandHelp
	}

	// Command turns never extract facts.
	state.NewFacts = map[string]any{}
	state.RetrievedDocs = []string{}
	state.RetrievedContext = ""
	return state, nil
}

const commandHelp = `Available commands:
!memory - show everything I remember about you
!forget <key> - delete a stored fact
!update <key> <value> - set a fact directly
!search <term> - search your stored facts
!export - dump your facts as JSON
!import <json> - merge facts from JSON
!status - workflow counters
!debug - recent node executions
!help - this message`

func splitCommand(input string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(input, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// clarifyNode asks for the details the question is missing instead of
// answering vaguely.
func (w *Workflow) clarifyNode(ctx context.Context, state *core.TurnState) (*core.TurnState, error) {
	q := strings.ToLower(state.Question)
	var missing []string

	// "registr" covers register, registration and registered alike.
	if containsAny(q, "llc", "registr", "incorporat", "license") {
		missing = append(missing, "state or country")
	}
	if _, ok := state.UserFacts["business_type"]; !ok {
		missing = append(missing, "business type")
	}
	if containsAny(q, "deadline", "when", "timeline") {
		missing = append(missing, "timeline")
	}

	if len(missing) > 0 {
		state.Answer = fmt.Sprintf("I want to make sure I help precisely. Could you specify your %s?", strings.Join(missing, ", "))
	} else {
		state.Answer = "Could you share a bit more detail about what you're trying to do? That will help me give you a precise answer."
	}
	state.NewFacts = map[string]any{}
	state.RetrievedDocs = []string{}
	state.RetrievedContext = ""
	return state, nil
}

// greetingResponses map greeting substrings to canned answers. Longest keys
// first: "thank you" must win over "hi" hiding inside other words.
var greetingResponses = []struct{ key, response string }{
	{"good morning", "Good morning! What can I help you with today?"},
	{"good afternoon", "Good afternoon! What can I help you with today?"},
	{"good evening", "Good evening! What can I help you with today?"},
	{"thank you", "You're welcome! Let me know if there's anything else you need."},
	{"thanks", "You're welcome! Let me know if there's anything else you need."},
	{"goodbye", "Goodbye! Come back any time you have business questions."},
	{"bye", "Goodbye! Come back any time you have business questions."},
	{"hello", "Hello! I'm here to help you with your business questions. What would you like to know?"},
	{"hey", "Hey! What can I help you with?"},
	{"hi", "Hello! I'm here to help you with your business questions. What would you like to know?"},
}

// lightweightNode answers greetings and trivial questions from canned text.
// No retrieval, no generation, no extraction.
func (w *Workflow) lightweightNode(ctx context.Context, state *core.TurnState) (*core.TurnState, error) {
	q := strings.ToLower(strings.TrimSpace(state.Question))

	switch state.QuestionType {
	case core.QuestionGreeting:
		state.Answer = "Hello! How can I help you today?"
		for _, entry := range greetingResponses {
			if strings.Contains(q, entry.key) {
				state.Answer = entry.response
				break
			}
		}
	case core.QuestionSimple:
		state.Answer = "Happy to help with that! For a more tailored answer, tell me a bit about your business: what you do, where you operate, and what stage you're at."
	default:
		state.Answer = "I'm here to help with your business questions. What would you like to know?"
	}

	// The cheap path carries no context and extracts nothing.
	state.UserFacts = map[string]any{}
	state.RetrievedDocs = []string{}
	state.RetrievedContext = ""
	state.NewFacts = map[string]any{}
	return state, nil
}

// retrieveNode builds the retrieval context for the question.
func (w *Workflow) retrieveNode(ctx context.Context, state *core.TurnState) (*core.TurnState, error) {
	rc := w.builder.Build(ctx, state.Question, state.UserFacts, state.History)
	state.RetrievedDocs = rc.Docs
	state.RetrievedContext = rc.DocsText
	return state, nil
}

// generateNode produces the answer. Identity intents are answered
// deterministically from the fact store; everything else goes through the
// model with the retrieval context.
func (w *Workflow) generateNode(ctx context.Context, state *core.TurnState) (*core.TurnState, error) {
	switch state.Intent {
	case classify.IntentProvideProfileInfo:
		if name, ok := state.Entities["name"].(string); ok && name != "" {
			state.Answer = fmt.Sprintf("Nice to meet you, %s! I'll remember your name.", name)
			state.NewFacts["name"] = map[string]any{"value": name, "confidence": 0.95}
			state.Confidence["name"] = 0.95
			return state, nil
		}
	case classify.IntentAskIdentity:
		if raw, ok := state.UserFacts["name"]; ok {
			state.Answer = fmt.Sprintf("Your name is %v.", memory.ValueOf(raw))
		} else {
			state.Answer = "I don't know your name yet. You can tell me by saying \"my name is ...\"."
		}
		return state, nil
	}

	if w.completer == nil {
		return nil, fmt.Errorf("no completer configured")
	}

	template := "qa_with_memory"
	if state.Intent == classify.IntentProductRec || retrieval.KindOf(state.Question) == retrieval.QueryProduct {
		template = "product_recommendation"
	}

	docsText := state.RetrievedContext
	if docsText == "" {
		docsText = retrieval.NoDocsMarker
	}
	prompt, err := w.registry.Render(template, map[string]string{
		"user_context": retrieval.FormatFacts(state.UserFacts),
		"documents":    docsText,
		"conversation": historyText(state.History, 5),
		"question":     state.Question,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering %s prompt: %w", template, err)
	}

	answer, err := w.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}
	state.Answer = strings.TrimSpace(answer)
	return state, nil
}

// extractNode pulls durable facts out of the finished exchange and filters
// them by confidence. Extraction failures cost memory, never the answer.
func (w *Workflow) extractNode(ctx context.Context, state *core.TurnState) (*core.TurnState, error) {
	if w.completer == nil {
		return state, nil
	}

	existing := "None"
	if len(state.UserFacts) > 0 {
		if raw, err := json.Marshal(state.UserFacts); err == nil {
			existing = string(raw)
		}
	}
	prompt, err := w.registry.Render("fact_extraction", map[string]string{
		"existing_facts": existing,
		"conversation":   conversationText(state),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering extraction prompt: %w", err)
	}

	raw, err := w.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}
	obj, err := jsonx.ExtractObject(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing extracted facts: %w", err)
	}

	facts, confidence := memory.ParseExtractedFacts(obj)
	accepted := memory.FilterByConfidence(facts, memory.AcceptThreshold)
	for key, value := range accepted {
		state.NewFacts[key] = value
		state.Confidence[key] = confidence[key]
	}
	return state, nil
}

// saveNode consolidates the new facts into the store.
func (w *Workflow) saveNode(ctx context.Context, state *core.TurnState) (*core.TurnState, error) {
	merged, err := w.consolidator.Merge(ctx, state.UserFacts, state.NewFacts)
	if err != nil {
		// Fallback merges are still worth persisting.
		log.Printf("[WORKFLOW] consolidation degraded for %s: %v", state.UserID, err)
	}
	bounded := w.consolidator.Bound(ctx, merged)
	// Restamping here gives every persisted fact the access time its next
	// load decays against.
	stamped := w.consolidator.Refresh(bounded, time.Now())
	if err := w.store.Set(ctx, state.UserID, stamped); err != nil {
		return nil, fmt.Errorf("saving facts: %w", err)
	}
	state.UserFacts = stamped
	return state, nil
}

// conversationText renders the finished exchange for extraction decisions and
// prompts.
func conversationText(state *core.TurnState) string {
	return fmt.Sprintf("User Question: %s\n\nAssistant Answer: %s", state.Question, state.Answer)
}

// historyText renders the last turns for prompt context.
func historyText(history []core.Message, turns int) string {
	start := len(history) - turns*2
	if start < 0 {
		start = 0
	}
	var lines []string
	for _, msg := range history[start:] {
		role := "User"
		if msg.Role == "assistant" {
			role = "Assistant"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, msg.Content))
	}
	if len(lines) == 0 {
		return "(no prior conversation)"
	}
	return strings.Join(lines, "\n")
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
