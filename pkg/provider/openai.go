package provider

import (
	"context"
	"errors"

	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/tidwall/gjson"
)

// OpenAIAdapter streams from any OpenAI-compatible chat completions API.
type OpenAIAdapter struct {
	id     string
	client openai.Client
	logger zerolog.Logger
}

// NewOpenAIAdapter creates an adapter for the endpoint in creds.BaseURL,
// or the OpenAI API when empty.
func NewOpenAIAdapter(providerID string, creds Credentials, logger zerolog.Logger) (*OpenAIAdapter, error) {
	if creds.APIKey == "" {
		return nil, failure.New(failure.KindAuth, "no API key configured for %s", providerID).
			WithModels(providerID, "", "")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(creds.APIKey),
		option.WithMaxRetries(0),
	}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	if creds.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(creds.HTTPClient))
	}
	for k, v := range creds.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &OpenAIAdapter{
		id:     providerID,
		client: openai.NewClient(opts...),
		logger: logger.With().Str("provider", providerID).Logger(),
	}, nil
}

func (o *OpenAIAdapter) ID() string { return o.id }

func convertOpenAIRequest(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:     req.Model,
		MaxTokens: openai.Int(int64(maxTokens(req))),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case session.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case session.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(jsonOrEmpty(string(tc.Input))),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls,
			}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case session.RoleTool:
			for _, tr := range msg.ToolResults {
				messages = append(messages, openai.ToolMessage(tr.Output, tr.CallID))
			}
		}
	}
	params.Messages = messages

	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.InputSchema),
			},
		})
	}

	return params
}

// Stream implements Adapter.
func (o *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, convertOpenAIRequest(req))
	events := make(chan Event, 64)

	go func() {
		defer close(events)
		defer stream.Close()

		var pc panics.Catcher
		pc.Try(func() { o.consume(ctx, stream, events) })
		if r := pc.Recovered(); r != nil {
			o.logger.Error().Str("panic", r.String()).Msg("Panic in openai stream")
			send(ctx, events, Event{Type: EventError, Err: r.AsError()})
		}
	}()

	return events, nil
}

type openAIStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
}

func (o *OpenAIAdapter) consume(ctx context.Context, stream openAIStream, events chan<- Event) {
	var acc openai.ChatCompletionAccumulator
	emitted := map[string]bool{}
	var finish, usage any
	var model string
	chunks := 0

	for stream.Next() {
		if !received(ctx, events) {
			return
		}
		chunk := stream.Current()
		acc.AddChunk(chunk)
		chunks++

		raw := chunk.RawJSON()
		if m := gjson.Get(raw, "model"); m.Exists() && m.String() != "" {
			model = m.String()
		}
		if fr := gjson.Get(raw, "choices.0.finish_reason"); fr.Exists() && fr.Type != gjson.Null {
			finish = fr.Value()
		}
		if u := gjson.Get(raw, "usage"); u.Exists() && u.Type != gjson.Null {
			usage = u.Value()
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !send(ctx, events, Event{Type: EventTextDelta, Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}

		if tc, ok := acc.JustFinishedToolCall(); ok {
			emitted[tc.ID] = true
			call := &session.ToolCall{ID: tc.ID, Name: tc.Name, Input: jsonOrEmpty(tc.Arguments)}
			if !send(ctx, events, Event{Type: EventToolCall, ToolCall: call}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, events, Event{Type: EventError, Err: err})
		return
	}

	// The accumulator only reports a tool call as finished once another
	// chunk follows it; flush any that ended the stream.
	if len(acc.Choices) > 0 {
		for _, tc := range acc.Choices[0].Message.ToolCalls {
			if emitted[tc.ID] {
				continue
			}
			call := &session.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: jsonOrEmpty(tc.Function.Arguments)}
			if !send(ctx, events, Event{Type: EventToolCall, ToolCall: call}) {
				return
			}
		}
	}

	send(ctx, events, Event{
		Type:          EventStepFinish,
		FinishReason:  finish,
		Usage:         usage,
		ResponseModel: model,
		Metadata:      map[string]any{"chunks": chunks},
	})
}

// Classify implements Adapter.
func (o *OpenAIAdapter) Classify(err error) *failure.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fromAPIError(o.id, apiErr.StatusCode, apiErr.Response, err)
	}
	return classifyTransport(o.id, err)
}

var _ Adapter = (*OpenAIAdapter)(nil)
