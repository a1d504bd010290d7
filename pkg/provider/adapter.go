package provider

import (
	"context"

	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/session"
)

// EventType tags a stream Event.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventStepFinish EventType = "step-finish"
	EventError      EventType = "error"
	// EventChunk marks a raw chunk received from upstream. It carries no
	// payload and only feeds the stall watchdog.
	EventChunk EventType = "chunk"
)

// Event is one item of a provider stream.
type Event struct {
	Type       EventType
	Text       string
	ToolCall   *session.ToolCall
	ToolResult *session.ToolResult

	// FinishReason and Usage are set on step-finish in whatever shape the
	// provider sent them.
	FinishReason any
	Usage        any

	ResponseModel string
	Metadata      map[string]any
	Err           error
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one step's worth of input.
type Request struct {
	// Model is the upstream model id.
	Model       string
	System      string
	Messages    []session.Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
}

// Adapter streams one step from a provider.
type Adapter interface {
	ID() string
	// Stream starts the call. Errors returned here happened before any
	// event; later errors arrive as EventError.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
	// Classify maps an error produced by this adapter to a failure kind.
	Classify(err error) *failure.Error
}

const defaultMaxTokens = 8192

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// received reports one raw upstream chunk.
func received(ctx context.Context, ch chan<- Event) bool {
	return send(ctx, ch, Event{Type: EventChunk})
}

// send delivers ev unless ctx is done.
func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
