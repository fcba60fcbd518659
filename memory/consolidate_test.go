package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/becomeliminal/cofounder-go/core"
	"github.com/becomeliminal/cofounder-go/llm"
	"github.com/becomeliminal/cofounder-go/memory"
	"github.com/becomeliminal/cofounder-go/prompts"
)

func newConsolidator(t *testing.T, completer llm.Completer, cfg memory.ConsolidatorConfig) *memory.Consolidator {
	t.Helper()
	registry, err := prompts.NewRegistry()
	if err != nil {
		t.Fatalf("failed to load prompts: %v", err)
	}
	return memory.NewConsolidator(completer, registry, cfg)
}

func fact(value any, confidence float64) map[string]any {
	return map[string]any{"value": value, "confidence": confidence}
}

func TestMergeWithEmptyIncomingIsIdentity(t *testing.T) {
	ctx := context.Background()
	c := newConsolidator(t, nil, memory.ConsolidatorConfig{})

	existing := map[string]any{
		"name":          fact("Ana", 0.9),
		"business_type": fact("LLC", 0.85),
	}
	merged, err := c.Merge(ctx, existing, map[string]any{})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(merged) != len(existing) {
		t.Fatalf("merged has %d keys, want %d", len(merged), len(existing))
	}
	for key := range existing {
		if memory.ValueOf(merged[key]) != memory.ValueOf(existing[key]) {
			t.Errorf("key %q changed: %v -> %v", key, existing[key], merged[key])
		}
	}
}

func TestIdentityProtection(t *testing.T) {
	ctx := context.Background()
	c := newConsolidator(t, nil, memory.ConsolidatorConfig{})

	existing := map[string]any{"name": fact("Ana", 0.9)}

	merged, _ := c.Merge(ctx, existing, map[string]any{"name": fact("Bob", 0.5)})
	if got := memory.ValueOf(merged["name"]); got != "Ana" {
		t.Errorf("low-confidence update overwrote protected key: name = %v", got)
	}

	merged, _ = c.Merge(ctx, existing, map[string]any{"name": fact("Bob", 0.95)})
	if got := memory.ValueOf(merged["name"]); got != "Bob" {
		t.Errorf("high-confidence update rejected: name = %v", got)
	}

	// Protection only applies when the key already exists.
	merged, _ = c.Merge(ctx, map[string]any{}, map[string]any{"name": fact("Ana", 0.5)})
	if got := memory.ValueOf(merged["name"]); got != "Ana" {
		t.Errorf("first-time identity fact rejected: name = %v", got)
	}
}

func TestMergeConflictResolvedByModel(t *testing.T) {
	ctx := context.Background()
	c := newConsolidator(t, llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		return `{"name": {"value": "Ana", "confidence": 0.9}, "business_type": {"value": "Corporation", "confidence": 0.9}}`, nil
	}), memory.ConsolidatorConfig{})

	existing := map[string]any{
		"name":          fact("Ana", 0.9),
		"business_type": fact("LLC", 0.85),
	}
	incoming := map[string]any{"business_type": fact("Corporation", 0.9)}

	merged, err := c.Merge(ctx, existing, incoming)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got := memory.ValueOf(merged["business_type"]); got != "Corporation" {
		t.Errorf("business_type = %v, want Corporation", got)
	}
}

func TestMergeConflictFallsBackOnModelFailure(t *testing.T) {
	ctx := context.Background()
	c := newConsolidator(t, llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	}), memory.ConsolidatorConfig{})

	existing := map[string]any{"business_type": fact("LLC", 0.85)}
	incoming := map[string]any{"business_type": fact("Corporation", 0.9)}

	merged, err := c.Merge(ctx, existing, incoming)
	if !errors.Is(err, memory.ErrResolutionFailed) {
		t.Errorf("expected ErrResolutionFailed, got %v", err)
	}
	// Fallback still produces a usable result with the incoming value winning.
	if got := memory.ValueOf(merged["business_type"]); got != "Corporation" {
		t.Errorf("business_type = %v, want Corporation", got)
	}
}

func TestMergeConflictFallsBackOnMalformedOutput(t *testing.T) {
	ctx := context.Background()
	c := newConsolidator(t, llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		return "I cannot merge these facts, sorry.", nil
	}), memory.ConsolidatorConfig{})

	existing := map[string]any{"state": fact("Texas", 0.9)}
	incoming := map[string]any{"state": fact("California", 0.9)}

	merged, err := c.Merge(ctx, existing, incoming)
	if !errors.Is(err, memory.ErrResolutionFailed) {
		t.Errorf("expected ErrResolutionFailed, got %v", err)
	}
	if got := memory.ValueOf(merged["state"]); got != "California" {
		t.Errorf("state = %v, want California", got)
	}
}

func TestDetectConflicts(t *testing.T) {
	existing := map[string]any{
		"business_type": fact("LLC", 0.85),
		"employees":     fact(float64(5), 0.8),
		"contact_info":  map[string]any{"email": "ana@example.com"},
		"state":         fact("Texas", 0.9),
	}
	incoming := map[string]any{
		"business_type": fact("Corporation", 0.9),
		"employees":     fact("twelve", 0.7),
		"contact_info":  map[string]any{"phone": "555-0100"},
		"state":         fact("Texas", 0.95),
		"industry":      fact("consulting", 0.8),
	}

	conflicts := memory.DetectConflicts(existing, incoming)
	byKey := map[string]core.ConflictType{}
	for _, c := range conflicts {
		byKey[c.Key] = c.Type
	}
	if byKey["business_type"] != core.ConflictValueMismatch {
		t.Errorf("business_type conflict = %v, want value_mismatch", byKey["business_type"])
	}
	if byKey["employees"] != core.ConflictTypeMismatch {
		t.Errorf("employees conflict = %v, want type_mismatch", byKey["employees"])
	}
	if _, ok := byKey["contact_info"]; ok {
		t.Error("nested maps must merge, not conflict")
	}
	if _, ok := byKey["state"]; ok {
		t.Error("equal values must not conflict")
	}
	if _, ok := byKey["industry"]; ok {
		t.Error("new keys must not conflict")
	}
}

func TestFallbackMergeNestedMaps(t *testing.T) {
	existing := map[string]any{
		"contact_info": map[string]any{"email": "ana@example.com"},
	}
	incoming := map[string]any{
		"contact_info": map[string]any{"phone": "555-0100"},
	}
	merged := memory.FallbackMerge(existing, incoming)
	contact, ok := merged["contact_info"].(map[string]any)
	if !ok {
		t.Fatalf("contact_info is %T, want map", merged["contact_info"])
	}
	if contact["email"] != "ana@example.com" || contact["phone"] != "555-0100" {
		t.Errorf("nested merge lost keys: %v", contact)
	}
}

func TestFilterByConfidence(t *testing.T) {
	facts := map[string]any{
		"name":     fact("Ana", 0.95),
		"industry": fact("consulting", 0.8),
		"guess":    fact("maybe retail", 0.5),
		"flat":     "plain value",
		"empty":    fact("", 0.99),
	}
	filtered := memory.FilterByConfidence(facts, memory.AcceptThreshold)

	if _, ok := filtered["name"]; !ok {
		t.Error("high-confidence fact dropped")
	}
	if _, ok := filtered["industry"]; !ok {
		t.Error("threshold-confidence fact dropped")
	}
	if _, ok := filtered["guess"]; ok {
		t.Error("low-confidence fact kept")
	}
	if _, ok := filtered["flat"]; !ok {
		t.Error("flat-format fact should default to acceptable confidence")
	}
	if _, ok := filtered["empty"]; ok {
		t.Error("empty value kept")
	}
}

func TestDecayMonotonicAndFloored(t *testing.T) {
	c := newConsolidator(t, nil, memory.ConsolidatorConfig{})
	facts := map[string]any{
		"fresh": fact("x", 0.9),
		"old":   fact("y", 0.11),
	}

	week := 7 * 24 * time.Hour
	decayed := c.Decay(facts, week)
	for key := range facts {
		before := memory.ConfidenceOf(facts[key])
		after := memory.ConfidenceOf(decayed[key])
		if after > before {
			t.Errorf("%s: confidence grew under decay: %.3f -> %.3f", key, before, after)
		}
	}

	// Decades of decay must bottom out at the floor, never below.
	ancient := c.Decay(facts, 1000*week)
	for key := range facts {
		if got := memory.ConfidenceOf(ancient[key]); got != 0.1 {
			t.Errorf("%s: confidence = %.3f, want floor 0.1", key, got)
		}
	}

	unaged := c.Decay(facts, 0)
	if got := memory.ConfidenceOf(unaged["fresh"]); got != 0.9 {
		t.Errorf("zero age changed confidence: %.3f", got)
	}
}

func TestPrune(t *testing.T) {
	facts := map[string]any{
		"keep":     fact("x", 0.5),
		"stale":    fact("y", 0.2),
		"unscored": "plain value",
	}
	pruned := memory.Prune(facts)
	if _, ok := pruned["keep"]; !ok {
		t.Error("healthy fact pruned")
	}
	if _, ok := pruned["stale"]; ok {
		t.Error("stale fact kept")
	}
	if _, ok := pruned["unscored"]; !ok {
		t.Error("unscored fact must be kept")
	}
}

func stampedFact(value any, confidence float64, at time.Time) map[string]any {
	return map[string]any{
		"value":      value,
		"confidence": confidence,
		"updated_at": at.UTC().Format(time.RFC3339),
	}
}

func TestRefreshDecaysByStampAge(t *testing.T) {
	c := newConsolidator(t, nil, memory.ConsolidatorConfig{DecayRate: 0.2})
	now := time.Now()
	facts := map[string]any{
		"recent": stampedFact("x", 0.9, now.Add(-time.Minute)),
		"aged":   stampedFact("y", 0.9, now.Add(-3*7*24*time.Hour)),
	}

	refreshed := c.Refresh(facts, now)
	if got := memory.ConfidenceOf(refreshed["recent"]); got < 0.89 {
		t.Errorf("recent fact decayed too far: %.3f", got)
	}
	aged := memory.ConfidenceOf(refreshed["aged"])
	if aged >= 0.9 {
		t.Errorf("aged fact did not decay: %.3f", aged)
	}
	if aged < 0.3 {
		t.Errorf("three weeks at rate 0.2 should not prune: %.3f", aged)
	}
}

func TestRefreshPrunesStaleFacts(t *testing.T) {
	c := newConsolidator(t, nil, memory.ConsolidatorConfig{DecayRate: 0.2})
	now := time.Now()
	facts := map[string]any{
		"hunch": stampedFact("maybe retail", 0.35, now.Add(-6*7*24*time.Hour)),
		"name":  stampedFact("Ana", 0.95, now.Add(-time.Hour)),
	}

	refreshed := c.Refresh(facts, now)
	if _, ok := refreshed["hunch"]; ok {
		t.Errorf("stale low-confidence fact survived refresh: %v", refreshed["hunch"])
	}
	if _, ok := refreshed["name"]; !ok {
		t.Error("fresh fact pruned")
	}
}

func TestRefreshStampsUnstampedFacts(t *testing.T) {
	c := newConsolidator(t, nil, memory.ConsolidatorConfig{})
	now := time.Now()
	facts := map[string]any{
		"scored": fact("x", 0.9),
		"flat":   "plain value",
	}

	refreshed := c.Refresh(facts, now)
	for key := range facts {
		entry, ok := refreshed[key].(map[string]any)
		if !ok {
			t.Fatalf("%s: refreshed entry is %T, want fact shape", key, refreshed[key])
		}
		stamp, ok := entry["updated_at"].(string)
		if !ok {
			t.Fatalf("%s: missing updated_at stamp", key)
		}
		if _, err := time.Parse(time.RFC3339, stamp); err != nil {
			t.Errorf("%s: unparseable stamp %q: %v", key, stamp, err)
		}
	}
	// First sighting starts the clock, it does not decay.
	if got := memory.ConfidenceOf(refreshed["scored"]); got != 0.9 {
		t.Errorf("unstamped fact decayed on first refresh: %.3f", got)
	}
}

func TestBoundWithinBudgetIsUntouched(t *testing.T) {
	ctx := context.Background()
	c := newConsolidator(t, nil, memory.ConsolidatorConfig{MaxMemorySize: 4096})

	facts := map[string]any{"name": fact("Ana", 0.9)}
	bounded := c.Bound(ctx, facts)
	if memory.ValueOf(bounded["name"]) != "Ana" {
		t.Errorf("in-budget facts changed: %v", bounded)
	}
}

func TestFallbackCompressPrefersPriorityKeys(t *testing.T) {
	facts := map[string]any{
		"name":          fact("Ana", 0.9),
		"business_type": fact("LLC", 0.85),
		"anecdote":      fact("once told a very long story about a trade show booth mishap", 0.8),
	}
	budget := 120
	compressed := memory.FallbackCompress(facts, budget)

	if _, ok := compressed["name"]; !ok {
		t.Error("priority key name dropped before filler")
	}
	b, err := json.Marshal(compressed)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if len(b) > budget {
		t.Errorf("compressed facts serialize to %d bytes, budget %d", len(b), budget)
	}
}

func TestParseExtractedFacts(t *testing.T) {
	obj := map[string]any{
		"facts": map[string]any{
			"name":      map[string]any{"value": "Ana", "confidence": 0.95},
			"industry":  "consulting",
			"bad_score": map[string]any{"value": "x", "confidence": 2.5},
			"empty":     map[string]any{"value": "", "confidence": 0.9},
		},
	}
	facts, confidence := memory.ParseExtractedFacts(obj)

	if memory.ValueOf(facts["name"]) != "Ana" || confidence["name"] != 0.95 {
		t.Errorf("canonical fact parsed wrong: %v / %v", facts["name"], confidence["name"])
	}
	if memory.ValueOf(facts["industry"]) != "consulting" || confidence["industry"] != memory.DefaultConfidence {
		t.Errorf("flat fact parsed wrong: %v / %v", facts["industry"], confidence["industry"])
	}
	if confidence["bad_score"] != memory.DefaultConfidence {
		t.Errorf("out-of-range confidence not defaulted: %v", confidence["bad_score"])
	}
	if _, ok := facts["empty"]; ok {
		t.Error("empty value accepted")
	}

	// Flat object without the facts wrapper.
	facts, _ = memory.ParseExtractedFacts(map[string]any{"state": "Texas"})
	if memory.ValueOf(facts["state"]) != "Texas" {
		t.Errorf("unwrapped flat format parsed wrong: %v", facts)
	}
}
