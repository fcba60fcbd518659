// Package memory implements the fact layer: persistent user facts, extraction
// parsing, and the consolidation rules that keep the fact set small, fresh and
// conflict-free.
package memory

import (
	"context"
	"sort"

	"github.com/becomeliminal/cofounder-go/core"
)

// Store persists one fact map per user. Implementations must be safe for
// concurrent readers; the workflow serializes writers per user.
type Store interface {
	// Get returns the user's facts, or an empty map for unknown users.
	Get(ctx context.Context, userID string) (map[string]any, error)

	// Set replaces the user's facts.
	Set(ctx context.Context, userID string, facts map[string]any) error

	// Delete removes the user's facts entirely.
	Delete(ctx context.Context, userID string) error
}

// Fact is the canonical stored shape of a single fact value.
type Fact struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// DefaultConfidence is assumed for facts stored without an explicit score,
// which keeps old flat-format facts above the acceptance threshold.
const DefaultConfidence = 0.8

// ParseExtractedFacts converts a parsed extraction completion into a fact map
// and its confidence scores. The canonical shape is
// {"facts": {key: {"value": v, "confidence": c}}}; a flat {key: value} object,
// with or without the "facts" wrapper, is accepted as a fallback.
func ParseExtractedFacts(obj map[string]any) (map[string]any, map[string]float64) {
	facts := map[string]any{}
	confidence := map[string]float64{}
	if obj == nil {
		return facts, confidence
	}

	inner := obj
	if wrapped, ok := obj["facts"].(map[string]any); ok {
		inner = wrapped
	}
	for key, raw := range inner {
		value, score := unwrapFact(raw)
		if !validValue(value) {
			continue
		}
		if score < 0 || score > 1 {
			score = DefaultConfidence
		}
		facts[key] = map[string]any{"value": value, "confidence": score}
		confidence[key] = score
	}
	return facts, confidence
}

// unwrapFact splits a raw fact entry into value and confidence, accepting
// both the {value, confidence} shape and bare values.
func unwrapFact(raw any) (any, float64) {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw, DefaultConfidence
	}
	value, hasValue := m["value"]
	if !hasValue {
		return m, DefaultConfidence
	}
	if c, ok := toFloat(m["confidence"]); ok {
		return value, c
	}
	return value, DefaultConfidence
}

func validValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// ConfidenceOf returns the stored confidence of a fact entry, applying
// DefaultConfidence to flat-format entries and out-of-range scores.
func ConfidenceOf(raw any) float64 {
	_, c := unwrapFact(raw)
	if c < 0 || c > 1 {
		return DefaultConfidence
	}
	return c
}

// ValueOf returns the stored value of a fact entry, unwrapping the
// {value, confidence} shape.
func ValueOf(raw any) any {
	v, _ := unwrapFact(raw)
	return v
}

// SortedKeys returns a fact map's keys in stable order.
func SortedKeys(facts map[string]any) []string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cloneFacts is a local alias so consolidation code reads naturally.
func cloneFacts(facts map[string]any) map[string]any {
	return core.CloneFacts(facts)
}
