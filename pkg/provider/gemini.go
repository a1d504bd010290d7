package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/id"
	"github.com/harun/relay/pkg/session"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"
)

// GeminiAdapter streams from the Gemini API.
type GeminiAdapter struct {
	id     string
	client *genai.Client
	logger zerolog.Logger
}

// NewGeminiAdapter creates an adapter for the Gemini API.
func NewGeminiAdapter(ctx context.Context, providerID string, creds Credentials, logger zerolog.Logger) (*GeminiAdapter, error) {
	if creds.APIKey == "" {
		return nil, failure.New(failure.KindAuth, "no API key configured for %s", providerID).
			WithModels(providerID, "", "")
	}

	config := &genai.ClientConfig{
		APIKey:     creds.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: creds.HTTPClient,
	}
	if creds.BaseURL != "" {
		config.HTTPOptions.BaseURL = creds.BaseURL
	}
	if len(creds.Headers) > 0 {
		config.HTTPOptions.Headers = http.Header{}
		for k, v := range creds.Headers {
			config.HTTPOptions.Headers.Set(k, v)
		}
	}

	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, failure.Wrap(failure.KindProviderInit, err, "failed to create gemini client").
			WithModels(providerID, "", "")
	}

	return &GeminiAdapter{
		id:     providerID,
		client: client,
		logger: logger.With().Str("provider", providerID).Logger(),
	}, nil
}

func (g *GeminiAdapter) ID() string { return g.id }

func convertGeminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}

	if n := maxTokens(req); n <= math.MaxInt32 {
		config.MaxOutputTokens = int32(n)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
			if tool.InputSchema != nil {
				decl.ParametersJsonSchema = tool.InputSchema
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if c := geminiContent(msg); c != nil {
			contents = append(contents, c)
		}
	}
	return contents, config
}

func geminiContent(msg session.Message) *genai.Content {
	role := genai.RoleUser
	if msg.Role == session.RoleAssistant {
		role = genai.RoleModel
	}

	var parts []*genai.Part
	if msg.Content != "" && msg.Role != session.RoleTool {
		parts = append(parts, &genai.Part{Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal(tc.Input, &args)
		parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
	}
	for _, tr := range msg.ToolResults {
		response := map[string]any{"output": tr.Output}
		if tr.IsError {
			response = map[string]any{"error": tr.Output}
		}
		parts = append(parts, genai.NewPartFromFunctionResponse(tr.Name, response))
	}

	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: role, Parts: parts}
}

// Stream implements Adapter.
func (g *GeminiAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	contents, config := convertGeminiRequest(req)
	events := make(chan Event, 64)

	go func() {
		defer close(events)

		var pc panics.Catcher
		pc.Try(func() { g.consume(ctx, req.Model, contents, config, events) })
		if r := pc.Recovered(); r != nil {
			g.logger.Error().Str("panic", r.String()).Msg("Panic in gemini stream")
			send(ctx, events, Event{Type: EventError, Err: r.AsError()})
		}
	}()

	return events, nil
}

func (g *GeminiAdapter) consume(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, events chan<- Event) {
	var finish, usage any
	var responseModel string
	calls := 0

	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			send(ctx, events, Event{Type: EventError, Err: err})
			return
		}
		if !received(ctx, events) {
			return
		}

		if resp.ModelVersion != "" {
			responseModel = resp.ModelVersion
		}
		if resp.UsageMetadata != nil {
			if raw, err := json.Marshal(resp.UsageMetadata); err == nil {
				usage = gjson.ParseBytes(raw).Value()
			}
		}
		if len(resp.Candidates) == 0 {
			continue
		}

		candidate := resp.Candidates[0]
		if candidate.FinishReason != "" {
			finish = string(candidate.FinishReason)
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !part.Thought {
				if !send(ctx, events, Event{Type: EventTextDelta, Text: part.Text}) {
					return
				}
			}
			if part.FunctionCall != nil {
				calls++
				callID := part.FunctionCall.ID
				if callID == "" {
					callID = id.Ascending(id.Part)
				}
				input, _ := json.Marshal(part.FunctionCall.Args)
				call := &session.ToolCall{ID: callID, Name: part.FunctionCall.Name, Input: jsonOrEmpty(string(input))}
				if !send(ctx, events, Event{Type: EventToolCall, ToolCall: call}) {
					return
				}
			}
		}
	}

	// Gemini reports STOP even when the turn ends in function calls.
	if calls > 0 && finish == string(genai.FinishReasonStop) {
		finish = "tool_calls"
	}

	send(ctx, events, Event{
		Type:          EventStepFinish,
		FinishReason:  finish,
		Usage:         usage,
		ResponseModel: responseModel,
	})
}

// Classify implements Adapter.
func (g *GeminiAdapter) Classify(err error) *failure.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return g.fromAPIError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return g.fromAPIError(*apiErrPtr, err)
	}
	return classifyTransport(g.id, err)
}

func (g *GeminiAdapter) fromAPIError(apiErr genai.APIError, err error) *failure.Error {
	fe := FromStatus(g.id, apiErr.Code, nil, apiErr.Message, err)
	if delay := geminiRetryDelay(apiErr.Details); delay > 0 {
		fe.RetryAfter = delay
	}
	return fe
}

// geminiRetryDelay reads google.rpc.RetryInfo.retryDelay ("32s") from the
// error details. Zero means no hint.
func geminiRetryDelay(details []map[string]any) time.Duration {
	for _, detail := range details {
		kind, _ := detail["@type"].(string)
		if !strings.HasSuffix(kind, "google.rpc.RetryInfo") {
			continue
		}
		raw, _ := detail["retryDelay"].(string)
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err == nil && d > 0 {
			return d
		}
	}
	return 0
}

var _ Adapter = (*GeminiAdapter)(nil)
