// Package jsonx parses JSON out of model completions that do not always
// honor "return ONLY JSON" instructions.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractObject parses a JSON object from raw model output. It first tries
// the whole string, then falls back to the first balanced {...} span, which
// tolerates prose or code fences around the object.
func ExtractObject(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		return out, nil
	}

	span, ok := firstObjectSpan(trimmed)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in completion")
	}
	if err := json.Unmarshal([]byte(span), &out); err != nil {
		return nil, fmt.Errorf("parsing extracted JSON object: %w", err)
	}
	return out, nil
}

// firstObjectSpan returns the first balanced top-level {...} substring.
// Braces inside string literals are skipped.
func firstObjectSpan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
