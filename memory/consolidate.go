package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/becomeliminal/cofounder-go/core"
	"github.com/becomeliminal/cofounder-go/llm"
	"github.com/becomeliminal/cofounder-go/llm/jsonx"
	"github.com/becomeliminal/cofounder-go/prompts"
)

// ErrResolutionFailed marks a merge where the model-assisted conflict
// resolution could not be used and the deterministic fallback took over. The
// merged result is still valid; the error exists so callers can log the
// degradation.
var ErrResolutionFailed = errors.New("fact conflict resolution failed, fallback merge applied")

// IdentityConfidenceThreshold is the minimum confidence an incoming fact
// needs to overwrite a protected identity key that already has a value.
const IdentityConfidenceThreshold = 0.85

// AcceptThreshold is the minimum confidence for a newly extracted fact to be
// stored at all.
const AcceptThreshold = 0.8

// PruneThreshold is the confidence below which a decayed fact is dropped.
const PruneThreshold = 0.3

// protectedKeys are identity facts that must not be overwritten casually.
var protectedKeys = map[string]bool{
	"name":      true,
	"full_name": true,
	"user_name": true,
}

// ConsolidatorConfig tunes the consolidation rules. Zero values pick the
// defaults used in production.
type ConsolidatorConfig struct {
	// DecayRate is the weekly confidence decay factor. Defaults to 0.02.
	DecayRate float64

	// DecayFloor is the minimum confidence decay can reach. Defaults to 0.1.
	DecayFloor float64

	// MaxMemorySize is the serialized fact budget in bytes. Defaults to 10240.
	MaxMemorySize int
}

// Consolidator merges newly extracted facts into a user's stored facts,
// resolving conflicts with a model call when available and deterministically
// otherwise, and keeps the fact set within its size budget.
type Consolidator struct {
	completer llm.Completer
	prompts   *prompts.Registry
	cfg       ConsolidatorConfig
}

// NewConsolidator creates a consolidator. The completer may be nil; all
// model-assisted steps then use their deterministic fallbacks.
func NewConsolidator(completer llm.Completer, registry *prompts.Registry, cfg ConsolidatorConfig) *Consolidator {
	if cfg.DecayRate == 0 {
		cfg.DecayRate = 0.02
	}
	if cfg.DecayFloor == 0 {
		cfg.DecayFloor = 0.1
	}
	if cfg.MaxMemorySize == 0 {
		cfg.MaxMemorySize = 10240
	}
	return &Consolidator{completer: completer, prompts: registry, cfg: cfg}
}

// DetectConflicts compares incoming facts against existing ones per top-level
// key. Nested maps never conflict; they merge recursively instead.
func DetectConflicts(existing, incoming map[string]any) []core.Conflict {
	var conflicts []core.Conflict
	for _, key := range SortedKeys(incoming) {
		newVal := incoming[key]
		oldVal, present := existing[key]
		if !present {
			continue
		}
		oldValue, newValue := ValueOf(oldVal), ValueOf(newVal)
		_, oldIsMap := oldValue.(map[string]any)
		_, newIsMap := newValue.(map[string]any)
		if oldIsMap && newIsMap {
			continue
		}
		switch {
		case reflect.TypeOf(oldValue) != reflect.TypeOf(newValue):
			conflicts = append(conflicts, core.Conflict{
				Key: key, Existing: oldValue, Incoming: newValue, Type: core.ConflictTypeMismatch,
			})
		case !reflect.DeepEqual(oldValue, newValue):
			conflicts = append(conflicts, core.Conflict{
				Key: key, Existing: oldValue, Incoming: newValue, Type: core.ConflictValueMismatch,
			})
		}
	}
	return conflicts
}

// Merge consolidates incoming facts into existing ones. Identity keys are
// protected, conflicts go through model-assisted resolution when a completer
// is configured, and any resolution failure degrades to FallbackMerge with
// ErrResolutionFailed. The returned map is always usable.
func (c *Consolidator) Merge(ctx context.Context, existing, incoming map[string]any) (map[string]any, error) {
	if len(incoming) == 0 {
		return cloneFacts(existing), nil
	}
	incoming = c.enforceIdentityProtection(existing, incoming)
	if len(incoming) == 0 {
		return cloneFacts(existing), nil
	}

	conflicts := DetectConflicts(existing, incoming)
	if len(conflicts) == 0 {
		return FallbackMerge(existing, incoming), nil
	}
	log.Printf("[MEMORY] %d fact conflict(s) detected: %s", len(conflicts), conflictKeys(conflicts))

	if c.completer == nil {
		return FallbackMerge(existing, incoming), fmt.Errorf("no completer configured: %w", ErrResolutionFailed)
	}
	merged, err := c.resolveWithModel(ctx, existing, incoming, conflicts)
	if err != nil {
		log.Printf("[MEMORY] model resolution failed: %v", err)
		return FallbackMerge(existing, incoming), fmt.Errorf("%v: %w", err, ErrResolutionFailed)
	}
	return merged, nil
}

func conflictKeys(conflicts []core.Conflict) string {
	keys := make([]string, len(conflicts))
	for i, c := range conflicts {
		keys[i] = c.Key
	}
	return strings.Join(keys, ", ")
}

// enforceIdentityProtection drops incoming protected keys whose confidence is
// too low to overwrite an already stored identity value.
func (c *Consolidator) enforceIdentityProtection(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(incoming))
	for key, val := range incoming {
		if protectedKeys[key] {
			if _, present := existing[key]; present && ConfidenceOf(val) < IdentityConfidenceThreshold {
				log.Printf("[MEMORY] rejecting low-confidence update to protected key %q (confidence %.2f)", key, ConfidenceOf(val))
				continue
			}
		}
		out[key] = val
	}
	return out
}

func (c *Consolidator) resolveWithModel(ctx context.Context, existing, incoming map[string]any, conflicts []core.Conflict) (map[string]any, error) {
	existingJSON, _ := json.Marshal(existing)
	incomingJSON, _ := json.Marshal(incoming)
	conflictsJSON, _ := json.Marshal(conflicts)

	prompt, err := c.prompts.Render("fact_merging", map[string]string{
		"existing_facts": string(existingJSON),
		"new_facts":      string(incomingJSON),
		"conflicts":      string(conflictsJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering merge prompt: %w", err)
	}
	raw, err := c.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("merge completion: %w", err)
	}
	merged, err := jsonx.ExtractObject(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing merge result: %w", err)
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("merge result empty")
	}
	return merged, nil
}

// FallbackMerge deterministically merges incoming facts over existing ones:
// nested maps merge recursively, scalar collisions take the incoming value,
// new keys are added. Pure and total; FallbackMerge(x, empty) == x.
func FallbackMerge(existing, incoming map[string]any) map[string]any {
	out := cloneFacts(existing)
	for key, newVal := range incoming {
		oldVal, present := out[key]
		if !present {
			out[key] = cloneValue(newVal)
			continue
		}
		oldMap, oldOk := oldVal.(map[string]any)
		newMap, newOk := newVal.(map[string]any)
		if oldOk && newOk && !isFactShape(newMap) {
			out[key] = FallbackMerge(oldMap, newMap)
			continue
		}
		if !reflect.DeepEqual(ValueOf(oldVal), ValueOf(newVal)) {
			log.Printf("[MEMORY] fallback merge overwriting %q: %v -> %v", key, ValueOf(oldVal), ValueOf(newVal))
		}
		out[key] = cloneValue(newVal)
	}
	return out
}

func isFactShape(m map[string]any) bool {
	_, ok := m["value"]
	return ok
}

func cloneValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		return core.CloneFacts(m)
	}
	return v
}

// FilterByConfidence keeps facts at or above the threshold. Flat-format
// entries count as DefaultConfidence. Empty values are dropped regardless.
func FilterByConfidence(facts map[string]any, threshold float64) map[string]any {
	out := map[string]any{}
	for key, raw := range facts {
		if !validValue(ValueOf(raw)) {
			continue
		}
		if ConfidenceOf(raw) >= threshold {
			out[key] = cloneValue(raw)
		}
	}
	return out
}

// Decay reduces every fact's confidence by age, compounding weekly:
// confidence * (1-rate)^(age/week), floored at the configured minimum.
// Flat-format facts are promoted to the {value, confidence} shape so the
// decayed score has somewhere to live.
func (c *Consolidator) Decay(facts map[string]any, age time.Duration) map[string]any {
	weeks := age.Hours() / (24 * 7)
	if weeks <= 0 {
		return cloneFacts(facts)
	}
	factor := math.Pow(1-c.cfg.DecayRate, weeks)
	out := make(map[string]any, len(facts))
	for key, raw := range facts {
		decayed := ConfidenceOf(raw) * factor
		if decayed < c.cfg.DecayFloor {
			decayed = c.cfg.DecayFloor
		}
		out[key] = map[string]any{"value": cloneValue(ValueOf(raw)), "confidence": decayed}
	}
	return out
}

// Refresh applies access-time decay: each stamped fact's confidence decays by
// the time elapsed since its updated_at stamp, facts that fall below the
// prune threshold are dropped, and every surviving fact is restamped so the
// decayed score becomes the new baseline. Facts without a stamp start their
// clock now, undecayed. Persisting the result keeps decay from compounding.
func (c *Consolidator) Refresh(facts map[string]any, now time.Time) map[string]any {
	stamp := now.UTC().Format(time.RFC3339)
	out := make(map[string]any, len(facts))
	for key, raw := range facts {
		conf := ConfidenceOf(raw)
		if prev, ok := factTimestamp(raw); ok {
			weeks := now.Sub(prev).Hours() / (24 * 7)
			if weeks > 0 {
				conf *= math.Pow(1-c.cfg.DecayRate, weeks)
				if conf < c.cfg.DecayFloor {
					conf = c.cfg.DecayFloor
				}
			}
			if conf < PruneThreshold {
				log.Printf("[MEMORY] pruning stale fact %q (confidence %.2f)", key, conf)
				continue
			}
		}
		out[key] = map[string]any{"value": cloneValue(ValueOf(raw)), "confidence": conf, "updated_at": stamp}
	}
	return out
}

// factTimestamp reads a fact's updated_at stamp. Unparseable or missing
// stamps count as absent.
func factTimestamp(raw any) (time.Time, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	s, ok := m["updated_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Prune drops facts whose confidence has decayed below the prune threshold.
// Entries without a score are kept; absence of evidence is not low confidence.
func Prune(facts map[string]any) map[string]any {
	out := map[string]any{}
	for key, raw := range facts {
		m, ok := raw.(map[string]any)
		if ok && isFactShape(m) {
			if score, ok := toFloat(m["confidence"]); ok && score < PruneThreshold {
				log.Printf("[MEMORY] pruning stale fact %q (confidence %.2f)", key, score)
				continue
			}
		}
		out[key] = cloneValue(raw)
	}
	return out
}

// Bound enforces the serialized size budget. Oversized fact sets are
// compressed by the model when available, with FallbackCompress as the
// deterministic safety net. The result always fits the budget.
func (c *Consolidator) Bound(ctx context.Context, facts map[string]any) map[string]any {
	if serializedSize(facts) <= c.cfg.MaxMemorySize {
		return cloneFacts(facts)
	}
	log.Printf("[MEMORY] fact set over budget (%d > %d bytes), compressing", serializedSize(facts), c.cfg.MaxMemorySize)

	if c.completer != nil {
		if compressed, err := c.compressWithModel(ctx, facts); err == nil {
			if serializedSize(compressed) <= c.cfg.MaxMemorySize {
				return compressed
			}
			log.Printf("[MEMORY] model compression still over budget, using fallback")
		} else {
			log.Printf("[MEMORY] model compression failed: %v", err)
		}
	}
	return FallbackCompress(facts, c.cfg.MaxMemorySize)
}

func (c *Consolidator) compressWithModel(ctx context.Context, facts map[string]any) (map[string]any, error) {
	factsJSON, _ := json.Marshal(facts)
	prompt, err := c.prompts.Render("memory_summarization", map[string]string{
		"facts":    string(factsJSON),
		"max_size": fmt.Sprintf("%d", c.cfg.MaxMemorySize),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering summarization prompt: %w", err)
	}
	raw, err := c.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarization completion: %w", err)
	}
	return jsonx.ExtractObject(raw)
}

// compressPriority orders the keys worth keeping when memory must shrink.
var compressPriority = []string{
	"name", "business_type", "industry", "state",
	"stage", "preferences", "goals", "contact_info",
}

// FallbackCompress keeps facts in priority order until the budget is spent:
// identity and business profile first, everything else in stable key order.
// Pure and total; the result always serializes within maxSize.
func FallbackCompress(facts map[string]any, maxSize int) map[string]any {
	out := map[string]any{}
	budget := maxSize

	take := func(key string) {
		raw, present := facts[key]
		if !present {
			return
		}
		cost := serializedSize(map[string]any{key: raw})
		if cost > budget {
			return
		}
		out[key] = cloneValue(raw)
		budget -= cost
	}

	taken := map[string]bool{}
	for _, key := range compressPriority {
		take(key)
		taken[key] = true
	}
	for _, key := range SortedKeys(facts) {
		if !taken[key] {
			take(key)
		}
	}
	return out
}

func serializedSize(facts map[string]any) int {
	b, err := json.Marshal(facts)
	if err != nil {
		return 0
	}
	return len(b)
}
