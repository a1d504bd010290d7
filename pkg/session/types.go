package session

import (
	"encoding/json"
	"time"

	"github.com/harun/relay/pkg/id"
	"github.com/harun/relay/pkg/models"
)

// FinishReason is the canonical reason a step ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishEndTurn       FinishReason = "end-turn"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
	FinishUnknown       FinishReason = "unknown"
)

// Terminal reports whether the reason ends the session normally.
func (r FinishReason) Terminal() bool {
	switch r {
	case FinishStop, FinishEndTurn, FinishContentFilter:
		return true
	}
	return false
}

// TokenUsage is the normalized token accounting of one step.
type TokenUsage struct {
	// Input excludes CacheRead.
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Reasoning  int64 `json:"reasoning"`
	CacheRead  int64 `json:"cacheRead"`
	CacheWrite int64 `json:"cacheWrite"`
}

// IsZero reports whether every counter is zero.
func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

// Add returns the field-wise sum.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:      u.Input + o.Input,
		Output:     u.Output + o.Output,
		Reasoning:  u.Reasoning + o.Reasoning,
		CacheRead:  u.CacheRead + o.CacheRead,
		CacheWrite: u.CacheWrite + o.CacheWrite,
	}
}

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the output of an executed tool call.
type ToolResult struct {
	CallID  string `json:"callID"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// Step is one finished provider turn.
type Step struct {
	ID               string         `json:"id"`
	FinishReason     FinishReason   `json:"finishReason"`
	Usage            TokenUsage     `json:"usage"`
	ProviderID       string         `json:"providerID"`
	RequestedModelID string         `json:"requestedModelID"`
	RespondedModelID string         `json:"respondedModelID,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	StartedAt        time.Time      `json:"startedAt"`
	FinishedAt       time.Time      `json:"finishedAt"`
}

// Message is one conversation entry. Assistant messages carry the steps
// that produced them.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Steps       []Step       `json:"steps,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        id.Ascending(id.Message),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// State is the lifecycle state of a session.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further steps will run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session is the state of one conversation.
type Session struct {
	ID        string            `json:"id"`
	Model     models.Descriptor `json:"model"`
	Messages  []Message         `json:"messages"`
	State     State             `json:"state"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	// Error is the terminal error payload, set when State is failed.
	Error map[string]any `json:"error,omitempty"`
}

// New creates a running session. An empty sessionID gets a fresh id.
func New(sessionID string, model models.Descriptor) *Session {
	if sessionID == "" {
		sessionID = id.Ascending(id.Session)
	}
	now := time.Now()
	return &Session{
		ID:        sessionID,
		Model:     model,
		State:     StateRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to the end of the conversation.
func (s *Session) Append(msg Message) {
	if msg.ID == "" {
		msg.ID = id.Ascending(id.Message)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// Steps returns every recorded step in order.
func (s *Session) Steps() []Step {
	var out []Step
	for _, m := range s.Messages {
		out = append(out, m.Steps...)
	}
	return out
}

// Usage sums usage across all steps.
func (s *Session) Usage() TokenUsage {
	var total TokenUsage
	for _, step := range s.Steps() {
		total = total.Add(step.Usage)
	}
	return total
}

// Finish moves the session to a terminal state.
func (s *Session) Finish(state State, errPayload map[string]any) {
	s.State = state
	s.Error = errPayload
	s.UpdatedAt = time.Now()
}
