package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/session"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/tidwall/gjson"
)

// AnthropicAdapter streams from the Anthropic Messages API.
type AnthropicAdapter struct {
	id     string
	client anthropic.Client
	tokens *TokenSource
	logger zerolog.Logger
}

// NewAnthropicAdapter creates an adapter. SDK-level retries are disabled;
// the retry policy owns retries.
func NewAnthropicAdapter(providerID string, creds Credentials, logger zerolog.Logger) (*AnthropicAdapter, error) {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	switch {
	case creds.APIKey != "":
		opts = append(opts, option.WithAPIKey(creds.APIKey))
	case creds.Tokens != nil:
		opts = append(opts, option.WithHeader("anthropic-beta", "oauth-2025-04-20"))
	default:
		return nil, failure.New(failure.KindAuth, "no API key or token configured for %s", providerID).
			WithModels(providerID, "", "")
	}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	if creds.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(creds.HTTPClient))
	}

	return &AnthropicAdapter{
		id:     providerID,
		client: anthropic.NewClient(opts...),
		tokens: creds.Tokens,
		logger: logger.With().Str("provider", providerID).Logger(),
	}, nil
}

func (a *AnthropicAdapter) ID() string { return a.id }

func convertAnthropicRequest(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens(req)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, rawInput(tc.Input), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		case session.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, tr := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.CallID, tr.Output, tr.IsError))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
			}
		}
	}

	for _, tool := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Properties: tool.InputSchema["properties"]}
		schema.Required = requiredFields(tool.InputSchema)
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: schema,
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	return params
}

// toolBlock accumulates a streamed tool_use content block.
type toolBlock struct {
	id    string
	name  string
	input strings.Builder
}

// Stream implements Adapter.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	var reqOpts []option.RequestOption
	if a.tokens != nil {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return nil, failure.Wrap(failure.KindAuth, err, "token refresh failed").WithModels(a.id, req.Model, "")
		}
		reqOpts = append(reqOpts, option.WithAuthToken(token))
	}

	stream := a.client.Messages.NewStreaming(ctx, convertAnthropicRequest(req), reqOpts...)
	events := make(chan Event, 64)

	go func() {
		defer close(events)
		defer stream.Close()

		var pc panics.Catcher
		pc.Try(func() { a.consume(ctx, stream, events) })
		if r := pc.Recovered(); r != nil {
			a.logger.Error().Str("panic", r.String()).Msg("Panic in anthropic stream")
			send(ctx, events, Event{Type: EventError, Err: r.AsError()})
		}
	}()

	return events, nil
}

type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

func (a *AnthropicAdapter) consume(ctx context.Context, stream anthropicStream, events chan<- Event) {
	usage := map[string]any{}
	blocks := map[int64]*toolBlock{}
	var finish any
	var model string

	for stream.Next() {
		if !received(ctx, events) {
			return
		}
		ev := stream.Current()
		raw := ev.RawJSON()

		switch ev.Type {
		case "message_start":
			model = gjson.Get(raw, "message.model").String()
			mergeUsage(usage, gjson.Get(raw, "message.usage"))

		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if !send(ctx, events, Event{Type: EventTextDelta, Text: ev.Delta.Text}) {
					return
				}
			case "input_json_delta":
				if b := blocks[ev.Index]; b != nil {
					b.input.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			b := blocks[ev.Index]
			if b == nil {
				continue
			}
			delete(blocks, ev.Index)
			call := &session.ToolCall{ID: b.id, Name: b.name, Input: jsonOrEmpty(b.input.String())}
			if !send(ctx, events, Event{Type: EventToolCall, ToolCall: call}) {
				return
			}

		case "message_delta":
			if v := gjson.Get(raw, "delta.stop_reason"); v.Exists() {
				finish = v.Value()
			}
			mergeUsage(usage, gjson.Get(raw, "usage"))

		case "message_stop":
			send(ctx, events, Event{
				Type:          EventStepFinish,
				FinishReason:  finish,
				Usage:         usage,
				ResponseModel: model,
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, events, Event{Type: EventError, Err: err})
	}
}

// Classify implements Adapter.
func (a *AnthropicAdapter) Classify(err error) *failure.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fromAPIError(a.id, apiErr.StatusCode, apiErr.Response, err)
	}

	// Errors delivered as SSE error events carry no status code.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate_limit_error"):
		return &failure.Error{Kind: failure.KindRateLimited, Message: msg, Provider: a.id, HasHeaders: true, Cause: err}
	case strings.Contains(msg, "overloaded_error"), strings.Contains(msg, "api_error"):
		return &failure.Error{Kind: failure.KindServer, Message: msg, Provider: a.id, HasHeaders: true, Cause: err}
	}

	return classifyTransport(a.id, err)
}

// mergeUsage copies the fields of a usage object into dst, keeping
// earlier values for keys the newer object lacks.
func mergeUsage(dst map[string]any, usage gjson.Result) {
	if !usage.IsObject() {
		return
	}
	usage.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Null {
			dst[key.String()] = value.Value()
		}
		return true
	})
}

func jsonOrEmpty(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" || !gjson.Valid(s) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func rawInput(input json.RawMessage) any {
	if len(input) == 0 {
		return map[string]any{}
	}
	return input
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

var _ Adapter = (*AnthropicAdapter)(nil)
