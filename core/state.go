package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType classifies the raw input as a command or an ordinary question.
type CommandType string

const (
	CommandQuestion CommandType = "question"
	CommandMemory   CommandType = "memory_command"
	CommandSystem   CommandType = "system"
)

// QuestionType classifies question complexity for routing.
type QuestionType string

const (
	QuestionSimple   QuestionType = "simple"
	QuestionComplex  QuestionType = "complex"
	QuestionGreeting QuestionType = "greeting"
)

// Message is a single entry in a user's conversation history.
type Message struct {
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	FactsExtracted map[string]any `json:"facts_extracted,omitempty"`
}

// TurnState is the mutable record threaded through the workflow for one
// message. It is created per turn and discarded afterwards; only UserFacts
// survive across turns, via the fact store.
//
// Fields are copied, never shared: nodes receive a clone and return a new
// state, so a failed node can never corrupt the last valid state.
type TurnState struct {
	UserID   string
	Question string
	Answer   string

	// UserFacts is the user's persisted memory, loaded at turn start.
	UserFacts map[string]any

	// RetrievedDocs holds budgeted document text, in rank order.
	RetrievedDocs []string

	// RetrievedContext is the prompt-ready document block assembled from
	// RetrievedDocs, grouped by category. Empty when nothing was retrieved.
	RetrievedContext string

	// NewFacts holds facts extracted from this turn, post confidence filter.
	NewFacts map[string]any

	History []Message

	CommandType  CommandType
	QuestionType QuestionType

	// Confidence maps fact keys to extraction confidence in [0,1].
	Confidence map[string]float64

	Intent             string
	Entities           map[string]any
	NeedsClarification bool
}

// NewTurnState creates a turn state with safe defaults. All map and slice
// fields are non-nil so nodes never need nil checks.
func NewTurnState(userID, question string) *TurnState {
	return &TurnState{
		UserID:        userID,
		Question:      question,
		UserFacts:     map[string]any{},
		RetrievedDocs: []string{},
		NewFacts:      map[string]any{},
		History:       []Message{},
		CommandType:   CommandQuestion,
		QuestionType:  QuestionComplex,
		Confidence:    map[string]float64{},
		Entities:      map[string]any{},
	}
}

// Validate checks the structural invariants every node relies on: identity
// fields set, collections non-nil, enums in range. A violation is recoverable
// (see Recover), never silently ignored.
func (s *TurnState) Validate() error {
	if s == nil {
		return fmt.Errorf("nil turn state")
	}
	if s.UserID == "" {
		return fmt.Errorf("turn state missing user_id")
	}
	if s.Question == "" {
		return fmt.Errorf("turn state missing question")
	}
	if s.UserFacts == nil {
		return fmt.Errorf("turn state missing user_facts")
	}
	if s.RetrievedDocs == nil {
		return fmt.Errorf("turn state missing retrieved_docs")
	}
	if s.NewFacts == nil {
		return fmt.Errorf("turn state missing newly extracted facts")
	}
	if s.History == nil {
		return fmt.Errorf("turn state missing conversation history")
	}
	if s.Confidence == nil {
		return fmt.Errorf("turn state missing confidence scores")
	}
	if s.Entities == nil {
		return fmt.Errorf("turn state missing entities")
	}
	switch s.CommandType {
	case CommandQuestion, CommandMemory, CommandSystem:
	default:
		return fmt.Errorf("invalid command type %q", s.CommandType)
	}
	switch s.QuestionType {
	case QuestionSimple, QuestionComplex, QuestionGreeting:
	default:
		return fmt.Errorf("invalid question type %q", s.QuestionType)
	}
	return nil
}

// Clone returns a deep copy. Nodes mutate clones only, which gives the
// workflow copy-on-write semantics for error recovery.
func (s *TurnState) Clone() *TurnState {
	out := *s
	out.UserFacts = CloneFacts(s.UserFacts)
	out.NewFacts = CloneFacts(s.NewFacts)
	out.Entities = CloneFacts(s.Entities)
	out.RetrievedDocs = append([]string{}, s.RetrievedDocs...)
	out.History = append([]Message{}, s.History...)
	out.Confidence = make(map[string]float64, len(s.Confidence))
	for k, v := range s.Confidence {
		out.Confidence[k] = v
	}
	return &out
}

// Recover merges the recognized, individually valid fields of an invalid
// node output into the last valid state. Used when a node returns a state
// that fails Validate: the turn continues from the best-effort merge instead
// of aborting.
func Recover(prev, invalid *TurnState) *TurnState {
	out := prev.Clone()
	if invalid == nil {
		return out
	}
	if invalid.Answer != "" {
		out.Answer = invalid.Answer
	}
	if invalid.UserFacts != nil {
		out.UserFacts = CloneFacts(invalid.UserFacts)
	}
	if invalid.RetrievedDocs != nil {
		out.RetrievedDocs = append([]string{}, invalid.RetrievedDocs...)
	}
	if invalid.RetrievedContext != "" {
		out.RetrievedContext = invalid.RetrievedContext
	}
	if invalid.NewFacts != nil {
		out.NewFacts = CloneFacts(invalid.NewFacts)
	}
	if invalid.Confidence != nil {
		out.Confidence = make(map[string]float64, len(invalid.Confidence))
		for k, v := range invalid.Confidence {
			out.Confidence[k] = v
		}
	}
	switch invalid.CommandType {
	case CommandQuestion, CommandMemory, CommandSystem:
		out.CommandType = invalid.CommandType
	}
	switch invalid.QuestionType {
	case QuestionSimple, QuestionComplex, QuestionGreeting:
		out.QuestionType = invalid.QuestionType
	}
	if invalid.Intent != "" {
		out.Intent = invalid.Intent
	}
	if invalid.Entities != nil {
		out.Entities = CloneFacts(invalid.Entities)
	}
	out.NeedsClarification = invalid.NeedsClarification
	return out
}

// CloneFacts deep-copies a fact map. Nested maps are copied recursively;
// scalar values are shared (they are immutable from the workflow's view).
func CloneFacts(facts map[string]any) map[string]any {
	if facts == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(facts))
	for k, v := range facts {
		if nested, ok := v.(map[string]any); ok {
			out[k] = CloneFacts(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// DebugJSON serializes the state for debug logging. Errors are folded into
// the returned string so logging never fails.
func (s *TurnState) DebugJSON() string {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("error serializing state: %v", err)
	}
	return string(b)
}
