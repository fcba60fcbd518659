package core

// ConflictType distinguishes how an incoming fact disagrees with the stored one.
type ConflictType string

const (
	ConflictValueMismatch ConflictType = "value_mismatch"
	ConflictTypeMismatch  ConflictType = "type_mismatch"
)

// Conflict records a disagreement between an existing and an incoming fact
// value for the same top-level key. Nested maps are merged recursively and
// never produce conflicts.
type Conflict struct {
	Key      string       `json:"key"`
	Existing any          `json:"existing_value"`
	Incoming any          `json:"new_value"`
	Type     ConflictType `json:"conflict_type"`
}
