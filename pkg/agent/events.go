package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harun/relay/pkg/session"
)

// EventType tags an Event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventStepStart  EventType = "step_start"
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventStepFinish EventType = "step_finish"
	EventError      EventType = "error"
)

// Event is one record of a run's output stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	SessionID string    `json:"sessionID,omitempty"`

	// status
	Mode    string `json:"mode,omitempty"`
	Message string `json:"message,omitempty"`
	Hint    string `json:"hint,omitempty"`

	// step_start, step_finish
	StepID           string `json:"stepID,omitempty"`
	Attempt          int    `json:"attempt,omitempty"`
	ProviderID       string `json:"providerID,omitempty"`
	RequestedModelID string `json:"requestedModelID,omitempty"`
	RespondedModelID string `json:"respondedModelID,omitempty"`

	Text string `json:"text,omitempty"`

	ToolCall   *session.ToolCall   `json:"toolCall,omitempty"`
	ToolResult *session.ToolResult `json:"toolResult,omitempty"`

	Reason session.FinishReason `json:"reason,omitempty"`
	Usage  *session.TokenUsage  `json:"usage,omitempty"`

	Error map[string]any `json:"error,omitempty"`
}

// EventSink receives the events of a run in order.
type EventSink interface {
	Emit(ev Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Emit(ev Event) error { return f(ev) }

// Discard drops every event.
var Discard EventSink = SinkFunc(func(Event) error { return nil })

// JSONSink writes one JSON document per event.
type JSONSink struct {
	mu      sync.Mutex
	w       io.Writer
	compact bool
}

// NewJSONSink creates a sink writing to w, pretty-printed unless compact.
func NewJSONSink(w io.Writer, compact bool) *JSONSink {
	return &JSONSink{w: w, compact: compact}
}

func (s *JSONSink) Emit(ev Event) error {
	var (
		data []byte
		err  error
	)
	if s.compact {
		data, err = json.Marshal(ev)
	} else {
		data, err = json.MarshalIndent(ev, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Clock hands out strictly increasing millisecond timestamps.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock creates a clock. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns the current time in ms, bumped past the previous value.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
