package provider

import (
	"context"
	"strings"

	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/session"
)

// EchoProviderID is the provider id of the dry-run adapter.
const EchoProviderID = "echo"

// EchoAdapter answers every request with the last user message without
// making a network call. It backs --dry-run.
type EchoAdapter struct{}

// NewEchoAdapter creates a dry-run adapter.
func NewEchoAdapter() *EchoAdapter {
	return &EchoAdapter{}
}

func (e *EchoAdapter) ID() string { return EchoProviderID }

// Stream implements Adapter.
func (e *EchoAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == session.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	text := "[DRY RUN] Received message: " + last

	events := make(chan Event, 2)
	go func() {
		defer close(events)
		if !send(ctx, events, Event{Type: EventTextDelta, Text: text}) {
			return
		}
		send(ctx, events, Event{
			Type:         EventStepFinish,
			FinishReason: "stop",
			Usage: map[string]any{
				"input_tokens":  wordCount(req.System) + wordCount(last),
				"output_tokens": wordCount(text),
			},
			ResponseModel: req.Model,
		})
	}()
	return events, nil
}

// Classify implements Adapter.
func (e *EchoAdapter) Classify(err error) *failure.Error {
	return classifyTransport(EchoProviderID, err)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

var _ Adapter = (*EchoAdapter)(nil)
