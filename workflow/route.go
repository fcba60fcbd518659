package workflow

import (
	"regexp"
	"strings"

	"github.com/becomeliminal/cofounder-go/classify"
	"github.com/becomeliminal/cofounder-go/core"
)

// Route names the branch a classified turn takes after classification.
type Route string

const (
	// RouteCommand handles memory and system commands without a model call.
	RouteCommand Route = "command"

	// RouteClarify asks the user for missing details instead of guessing.
	RouteClarify Route = "clarify"

	// RouteLightweight answers greetings and trivial questions from canned
	// responses, skipping retrieval and extraction entirely.
	RouteLightweight Route = "lightweight"

	// RouteFull runs retrieval, generation and fact extraction.
	RouteFull Route = "full"
)

var capabilityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhat can you do\b`),
	regexp.MustCompile(`(?i)\bwhat do you know\b`),
	regexp.MustCompile(`(?i)\bhow can you help\b`),
	regexp.MustCompile(`(?i)\bwhat are you capable of\b`),
}

var documentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(docs?|documents?|files?)\b.*\b(loaded|ingested|indexed|available|uploaded)\b`),
	regexp.MustCompile(`(?i)\b(loaded|ingested|indexed|uploaded)\b.*\b(docs?|documents?|files?)\b`),
	regexp.MustCompile(`(?i)\bvector (store|database|index)\b`),
}

var domainKeywords = []string{
	"workstream", "fase", "phase", "milestone", "cronograma",
	"timeline", "roadmap", "gate", "deliverable",
	"alpha balance", "beauty-in", "biopro", "chocolate fit",
	"thermo", "prunex", "supplement", "catalog",
}

// Decide picks the branch for a classified state. Pure: same state, same
// route, no side effects, no errors. Anything the rules below do not claim
// runs the full path; over-answering is the safe failure mode.
func Decide(state *core.TurnState) Route {
	if state.CommandType != core.CommandQuestion {
		return RouteCommand
	}

	// Identity turns always touch memory, regardless of how short they are.
	switch state.Intent {
	case classify.IntentProvideProfileInfo, classify.IntentAskIdentity:
		return RouteFull
	case classify.IntentProductRec:
		return RouteFull
	}

	question := strings.ToLower(state.Question)
	if matchesAny(capabilityPatterns, question) {
		return RouteFull
	}
	if matchesAny(documentPatterns, question) {
		return RouteFull
	}
	for _, kw := range domainKeywords {
		if strings.Contains(question, kw) {
			return RouteFull
		}
	}

	if state.NeedsClarification {
		return RouteClarify
	}
	if state.QuestionType == core.QuestionSimple || state.QuestionType == core.QuestionGreeting {
		return RouteLightweight
	}
	return RouteFull
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
