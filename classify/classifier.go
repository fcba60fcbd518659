// Package classify decides what kind of input a message is before the
// workflow spends any model calls on it.
//
// Classification runs in layers: cheap regex fast paths first (commands,
// greetings, trivially simple questions, profile statements), then a model
// call only for inputs the fast paths cannot place. The fast paths always win
// over the model; they encode behavior that must be deterministic.
package classify

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/becomeliminal/cofounder-go/core"
	"github.com/becomeliminal/cofounder-go/llm"
	"github.com/becomeliminal/cofounder-go/llm/jsonx"
	"github.com/becomeliminal/cofounder-go/prompts"
)

// Intent values the workflow routes on.
const (
	IntentGreeting           = "greeting"
	IntentProvideProfileInfo = "provide_profile_info"
	IntentAskIdentity        = "ask_identity"
	IntentBusinessQuestion   = "ask_business_question"
	IntentProductRec         = "product_recommendation"
	IntentMemoryCommand      = "memory_command"
	IntentUnknown            = "unknown"
)

// Classification is the full verdict for one input.
type Classification struct {
	CommandType        core.CommandType
	QuestionType       core.QuestionType
	Intent             string
	Entities           map[string]any
	NeedsClarification bool
}

// Metrics counts how classification decisions were reached.
type Metrics struct {
	mu           sync.Mutex
	FastPathHits int
	ModelCalls   int
}

func (m *Metrics) fastPath() {
	m.mu.Lock()
	m.FastPathHits++
	m.mu.Unlock()
}

func (m *Metrics) modelCall() {
	m.mu.Lock()
	m.ModelCalls++
	m.mu.Unlock()
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() (fastPathHits, modelCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FastPathHits, m.ModelCalls
}

var memoryCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^!memory\s*$`),
	regexp.MustCompile(`^!forget\s+.+`),
	regexp.MustCompile(`^!update\s+.+`),
	regexp.MustCompile(`^!help\s*$`),
	regexp.MustCompile(`^!export\s*$`),
	regexp.MustCompile(`^!import\s+.+`),
	regexp.MustCompile(`^!search\s+.+`),
}

var systemCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^!status\s*$`),
	regexp.MustCompile(`^!debug\s*$`),
	regexp.MustCompile(`^!config\s+.+`),
}

var greetingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(hi|hello|hey|good morning|good afternoon|good evening)[!.]*$`),
	regexp.MustCompile(`^(thanks|thank you|thx)[!.]*$`),
	regexp.MustCompile(`^(bye|goodbye|see you|farewell)[!.]*$`),
	regexp.MustCompile(`^(how are you|what's up|how's it going)[?!.]*$`),
}

var simpleQuestionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^what is .{1,20}\?*$`),
	regexp.MustCompile(`^who is .{1,20}\?*$`),
	regexp.MustCompile(`^when is .{1,20}\?*$`),
	regexp.MustCompile(`^where is .{1,20}\?*$`),
	regexp.MustCompile(`^how do i .{1,30}\?*$`),
}

var provideNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is\s+([A-Za-zÀ-ÿ'.-]{2,40})\b`),
	regexp.MustCompile(`(?i)\bcall me\s+([A-Za-zÀ-ÿ'.-]{2,40})\b`),
	regexp.MustCompile(`(?i)\bi am\s+([A-Za-zÀ-ÿ'.-]{2,40})\b`),
	regexp.MustCompile(`(?i)\bme llamo\s+([A-Za-zÀ-ÿ'.-]{2,40})\b`),
}

var askIdentityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhat(?:'s| is) my name\b`),
	regexp.MustCompile(`(?i)\bdo you remember my name\b`),
	regexp.MustCompile(`(?i)\bcual es mi nombre\b`),
}

var socialKeywords = []string{
	"hello", "hi", "hey", "thanks", "thank you", "goodbye", "bye",
	"how are you", "nice to meet", "pleasure", "welcome",
}

var businessKeywords = []string{
	"business", "company", "llc", "corporation", "tax", "legal",
	"formation", "register", "license", "permit", "compliance",
}

var factualIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(llc|corporation|partnership|sole proprietorship)\b`),
	regexp.MustCompile(`(?i)\b(california|texas|florida|delaware|new york|nevada|wyoming)\b`),
	regexp.MustCompile(`(?i)\b(restaurant|retail|consulting|software|construction|healthcare)\b`),
	regexp.MustCompile(`(?i)\b(my business|my company|we are|i am)\b`),
	regexp.MustCompile(`(?i)\b(planning to|want to|need to|looking to)\b`),
	regexp.MustCompile(`(?i)\b(revenue|employees|customers|clients)\b`),
	regexp.MustCompile(`\$\d+`),
	regexp.MustCompile(`(?i)\d+\s+(employees|years|months)`),
	regexp.MustCompile(`(?i)\b(founded|established|started)\b`),
}

// Classifier decides command type, question complexity and intent for an
// input, using a model only when the deterministic layers cannot decide.
type Classifier struct {
	completer llm.Completer
	prompts   *prompts.Registry
	metrics   *Metrics
}

// New creates a classifier. The completer may be nil, in which case all
// inputs that would need a model call are classified as complex with an
// unknown intent.
func New(completer llm.Completer, registry *prompts.Registry) *Classifier {
	return &Classifier{
		completer: completer,
		prompts:   registry,
		metrics:   &Metrics{},
	}
}

// Metrics exposes the decision counters.
func (c *Classifier) Metrics() *Metrics { return c.metrics }

// ClassifyCommand decides whether the raw input is a memory command, a
// system command, or an ordinary question. Pure regex, no model involved.
func ClassifyCommand(question string) core.CommandType {
	trimmed := strings.ToLower(strings.TrimSpace(question))
	for _, p := range memoryCommandPatterns {
		if p.MatchString(trimmed) {
			return core.CommandMemory
		}
	}
	for _, p := range systemCommandPatterns {
		if p.MatchString(trimmed) {
			return core.CommandSystem
		}
	}
	return core.CommandQuestion
}

// Classify produces the full verdict for one input. The conversation argument
// is a short textual summary of recent turns, used only by the model layer.
func (c *Classifier) Classify(ctx context.Context, question string, facts map[string]any, conversation string) Classification {
	out := Classification{
		CommandType:  ClassifyCommand(question),
		QuestionType: core.QuestionComplex,
		Intent:       IntentUnknown,
		Entities:     map[string]any{},
	}
	if out.CommandType != core.CommandQuestion {
		out.Intent = IntentMemoryCommand
		out.QuestionType = core.QuestionSimple
		c.metrics.fastPath()
		return out
	}

	// Profile statements beat everything else, including the model: a user
	// telling us their name must be captured deterministically.
	if name, ok := matchProvidedName(question); ok {
		out.Intent = IntentProvideProfileInfo
		out.Entities["name"] = name
		out.QuestionType = core.QuestionSimple
		c.metrics.fastPath()
		log.Printf("[CLASSIFY] profile fast path: name=%q", name)
		return out
	}
	if matchesAny(askIdentityPatterns, question) {
		out.Intent = IntentAskIdentity
		out.QuestionType = core.QuestionSimple
		c.metrics.fastPath()
		return out
	}

	if qt, ok := quickQuestionType(question); ok {
		out.QuestionType = qt
		if qt == core.QuestionGreeting {
			out.Intent = IntentGreeting
		}
		c.metrics.fastPath()
		return out
	}

	out.QuestionType = c.modelQuestionType(ctx, question, facts)
	intent, entities, needsClarification := c.DetectIntent(ctx, question, facts, conversation)
	out.Intent = intent
	out.Entities = entities
	out.NeedsClarification = needsClarification
	return out
}

// quickQuestionType matches greetings and short factual questions without a
// model call. The second return reports whether the fast path decided.
func quickQuestionType(question string) (core.QuestionType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(question))
	for _, p := range greetingPatterns {
		if p.MatchString(normalized) {
			return core.QuestionGreeting, true
		}
	}
	if len(normalized) < 20 && containsQuestionWord(normalized) {
		for _, p := range simpleQuestionPatterns {
			if p.MatchString(normalized) {
				return core.QuestionSimple, true
			}
		}
	}
	return "", false
}

func containsQuestionWord(s string) bool {
	for _, w := range []string{"what", "who", "when", "where", "how"} {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// modelQuestionType asks the model for a one-word category. Any failure or
// unrecognized answer falls back to complex, the safe direction: a complex
// misroute costs latency, a simple misroute costs answer quality.
func (c *Classifier) modelQuestionType(ctx context.Context, question string, facts map[string]any) core.QuestionType {
	if c.completer == nil {
		return core.QuestionComplex
	}
	prompt, err := c.prompts.Render("question_classification", map[string]string{
		"user_context": FormatUserContext(facts, 5),
		"question":     question,
	})
	if err != nil {
		log.Printf("[CLASSIFY] rendering classification prompt: %v", err)
		return core.QuestionComplex
	}
	c.metrics.modelCall()
	raw, err := c.completer.Complete(ctx, prompt)
	if err != nil {
		log.Printf("[CLASSIFY] classification call failed, defaulting to complex: %v", err)
		return core.QuestionComplex
	}
	answer := strings.ToLower(raw)
	switch {
	case strings.Contains(answer, "greeting"):
		return core.QuestionGreeting
	case strings.Contains(answer, "simple"):
		return core.QuestionSimple
	case strings.Contains(answer, "complex"):
		return core.QuestionComplex
	default:
		return core.QuestionComplex
	}
}

// DetectIntent resolves the user's intent. Quick heuristics first, then a
// strict-JSON model call parsed tolerantly; any failure yields unknown.
func (c *Classifier) DetectIntent(ctx context.Context, question string, facts map[string]any, conversation string) (string, map[string]any, bool) {
	normalized := strings.ToLower(strings.TrimSpace(question))
	if len(normalized) < 6 || normalized == "hi" || normalized == "hello" || normalized == "hey" {
		return IntentGreeting, map[string]any{}, false
	}
	if name, ok := matchProvidedName(question); ok {
		return IntentProvideProfileInfo, map[string]any{"name": name}, false
	}
	if matchesAny(askIdentityPatterns, question) {
		return IntentAskIdentity, map[string]any{}, false
	}
	if c.completer == nil {
		return IntentUnknown, map[string]any{}, false
	}

	conversation = truncateRunes(conversation, 400)
	prompt, err := c.prompts.Render("intent_detection", map[string]string{
		"user_context": FormatUserContext(facts, 5),
		"conversation": conversation,
		"question":     question,
	})
	if err != nil {
		log.Printf("[CLASSIFY] rendering intent prompt: %v", err)
		return IntentUnknown, map[string]any{}, false
	}
	c.metrics.modelCall()
	raw, err := c.completer.Complete(ctx, prompt)
	if err != nil {
		log.Printf("[CLASSIFY] intent call failed: %v", err)
		return IntentUnknown, map[string]any{}, false
	}
	obj, err := jsonx.ExtractObject(raw)
	if err != nil {
		log.Printf("[CLASSIFY] intent output not parseable: %v", err)
		return IntentUnknown, map[string]any{}, false
	}

	intent := IntentUnknown
	if v, ok := obj["intent"].(string); ok && v != "" {
		intent = v
	}
	entities := map[string]any{}
	if v, ok := obj["entities"].(map[string]any); ok {
		entities = v
	}
	needsClarification := false
	if v, ok := obj["needs_clarification"].(bool); ok {
		needsClarification = v
	}
	return intent, entities, needsClarification
}

// ShouldExtractFacts decides whether a finished turn is worth a
// fact-extraction call. The conversation argument is the whole exchange,
// question and answer together, so a short factual statement is not mistaken
// for small talk. Heuristic only: short exchanges and purely social ones are
// skipped, a user with no facts yet is always extracted, otherwise factual
// indicators decide. Doubt resolves toward extracting.
func ShouldExtractFacts(conversation string, existingFacts map[string]any) bool {
	normalized := strings.ToLower(strings.TrimSpace(conversation))
	if len(normalized) < 50 {
		return false
	}
	if isPurelySocial(normalized) {
		return false
	}
	if len(existingFacts) == 0 {
		return true
	}
	for _, p := range factualIndicators {
		if p.MatchString(conversation) {
			return true
		}
	}
	return false
}

func isPurelySocial(normalized string) bool {
	if len(normalized) >= 200 {
		return false
	}
	social := false
	for _, kw := range socialKeywords {
		if strings.Contains(normalized, kw) {
			social = true
			break
		}
	}
	if !social {
		return false
	}
	for _, kw := range businessKeywords {
		if strings.Contains(normalized, kw) {
			return false
		}
	}
	return true
}

func matchProvidedName(question string) (string, bool) {
	for _, p := range provideNamePatterns {
		if m := p.FindStringSubmatch(question); m != nil {
			return titleCase(m[1]), true
		}
	}
	return "", false
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FormatUserContext renders up to limit stored facts as "key: value" pairs
// for prompt injection. Nested maps render one level deep as "key.subkey".
func FormatUserContext(facts map[string]any, limit int) string {
	if len(facts) == 0 {
		return "No user context available"
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if len(parts) >= limit {
			break
		}
		switch v := facts[k].(type) {
		case map[string]any:
			if inner, ok := v["value"]; ok {
				parts = append(parts, fmt.Sprintf("%s: %v", k, inner))
				continue
			}
			subkeys := make([]string, 0, len(v))
			for sk := range v {
				subkeys = append(subkeys, sk)
			}
			sort.Strings(subkeys)
			for _, sk := range subkeys {
				if len(parts) >= limit {
					break
				}
				parts = append(parts, fmt.Sprintf("%s.%s: %v", k, sk, factValue(v[sk])))
			}
		default:
			parts = append(parts, fmt.Sprintf("%s: %v", k, factValue(v)))
		}
	}
	return strings.Join(parts, "; ")
}

// factValue unwraps the {value, confidence} fact shape for display.
func factValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok {
			return inner
		}
	}
	return v
}
