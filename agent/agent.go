// Package agent is the conversational façade over the workflow: it owns
// per-user sessions, serializes turns per user, and shapes workflow output
// into turn results.
package agent

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/cofounder-go/core"
	"github.com/becomeliminal/cofounder-go/workflow"
)

const (
	// maxHistoryMessages caps stored conversation history per user.
	maxHistoryMessages = 50

	// turnHistoryMessages is how much history a single turn sees.
	turnHistoryMessages = 10
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// TurnResult is the answer to one user message plus its turn metadata.
type TurnResult struct {
	Answer           string         `json:"answer"`
	UserID           string         `json:"user_id"`
	Question         string         `json:"question"`
	ExtractedFacts   map[string]any `json:"extracted_facts"`
	ExecutionTime    float64        `json:"execution_time"`
	SessionID        string         `json:"session_id"`
	ConversationTurn int            `json:"conversation_turn"`
	Timestamp        time.Time      `json:"timestamp"`
}

// SessionInfo describes one user's session for diagnostics.
type SessionInfo struct {
	SessionID         string    `json:"session_id"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	ConversationCount int       `json:"conversation_count"`
	MessageCount      int       `json:"message_count"`
}

type session struct {
	// mu serializes turns for one user. Concurrent users run in parallel;
	// concurrent messages from the same user run in arrival order.
	mu sync.Mutex

	id                string
	createdAt         time.Time
	lastActivity      time.Time
	conversationCount int
	messages          []core.Message
}

// Agent answers user messages through the workflow.
type Agent struct {
	workflow *workflow.Workflow

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an agent over a workflow.
func New(w *workflow.Workflow) (*Agent, error) {
	if w == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	return &Agent{
		workflow: w,
		sessions: map[string]*session{},
	}, nil
}

// Ask processes one user message and returns the turn result. Invalid
// requests return an error; everything past validation produces a result,
// with workflow failures surfacing as apologetic answers.
func (a *Agent) Ask(ctx context.Context, userID, question string) (TurnResult, error) {
	if !userIDPattern.MatchString(userID) {
		return TurnResult{}, fmt.Errorf("invalid user id %q: must match %s", userID, userIDPattern)
	}
	if question == "" {
		return TurnResult{}, fmt.Errorf("question must not be empty")
	}

	sess := a.session(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	start := time.Now()
	state := core.NewTurnState(userID, question)
	state.History = sess.recentMessages(turnHistoryMessages)

	state = a.workflow.Execute(ctx, state)

	now := time.Now()
	sess.append(core.Message{Role: "user", Content: question, Timestamp: start})
	sess.append(core.Message{
		Role:           "assistant",
		Content:        state.Answer,
		Timestamp:      now,
		FactsExtracted: state.NewFacts,
	})
	sess.conversationCount++
	sess.lastActivity = now

	result := TurnResult{
		Answer:           state.Answer,
		UserID:           userID,
		Question:         question,
		ExtractedFacts:   core.CloneFacts(state.NewFacts),
		ExecutionTime:    time.Since(start).Seconds(),
		SessionID:        sess.id,
		ConversationTurn: len(sess.messages) / 2,
		Timestamp:        now,
	}
	log.Printf("[AGENT] user=%s turn=%d time=%.3fs facts=%d",
		userID, result.ConversationTurn, result.ExecutionTime, len(result.ExtractedFacts))
	return result, nil
}

// session returns the user's session, creating it on first contact.
func (a *Agent) session(userID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sess, ok := a.sessions[userID]; ok {
		return sess
	}
	sess := &session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
	}
	a.sessions[userID] = sess
	return sess
}

func (s *session) append(msg core.Message) {
	s.messages = append(s.messages, msg)
	if len(s.messages) > maxHistoryMessages {
		s.messages = s.messages[len(s.messages)-maxHistoryMessages:]
	}
}

func (s *session) recentMessages(n int) []core.Message {
	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	return append([]core.Message{}, s.messages[start:]...)
}

// History returns a copy of the user's stored conversation.
func (a *Agent) History(userID string) []core.Message {
	sess := a.lookup(userID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]core.Message{}, sess.messages...)
}

// ClearHistory drops the user's conversation, keeping the session itself.
func (a *Agent) ClearHistory(userID string) {
	sess := a.lookup(userID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.messages = nil
}

// Session returns the user's session info, or false for unknown users.
func (a *Agent) Session(userID string) (SessionInfo, bool) {
	sess := a.lookup(userID)
	if sess == nil {
		return SessionInfo{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return SessionInfo{
		SessionID:         sess.id,
		CreatedAt:         sess.createdAt,
		LastActivity:      sess.lastActivity,
		ConversationCount: sess.conversationCount,
		MessageCount:      len(sess.messages),
	}, true
}

func (a *Agent) lookup(userID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[userID]
}

// WorkflowInfo exposes the underlying workflow's summary.
func (a *Agent) WorkflowInfo() map[string]any {
	return a.workflow.Info()
}

// HealthCheck runs a throwaway greeting through the whole stack and reports
// whether it produced an answer.
func (a *Agent) HealthCheck(ctx context.Context) map[string]any {
	start := time.Now()
	state := a.workflow.Execute(ctx, core.NewTurnState("health_check", "hi"))

	status := "healthy"
	if state == nil || state.Answer == "" {
		status = "unhealthy"
	}
	return map[string]any{
		"status":        status,
		"response_time": time.Since(start).Seconds(),
		"active_users":  a.activeUsers(),
	}
}

func (a *Agent) activeUsers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
