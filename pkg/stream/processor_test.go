package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/models"
	"github.com/harun/relay/pkg/provider"
	"github.com/harun/relay/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptAdapter replays a fixed list of events.
type scriptAdapter struct {
	events    []provider.Event
	gap       time.Duration
	hang      bool
	streamErr error
	lastReq   provider.Request
}

func (s *scriptAdapter) ID() string { return "script" }

func (s *scriptAdapter) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	s.lastReq = req
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			if s.gap > 0 {
				select {
				case <-time.After(s.gap):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (s *scriptAdapter) Classify(err error) *failure.Error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}
	return failure.Wrap(failure.KindServer, err, "upstream failed")
}

var kiloGLM = models.Descriptor{
	ProviderID:      "kilo",
	ModelID:         "glm-5-free",
	UpstreamModelID: "z-ai/glm-5:free",
}

func newTestProcessor(a provider.Adapter, chunk, step time.Duration) *Processor {
	return NewProcessor(Config{
		Adapters:     provider.FixedSource(a),
		Catalog:      models.DefaultCatalog(),
		ChunkTimeout: chunk,
		StepTimeout:  step,
		Logger:       zerolog.Nop(),
	})
}

func userStep(text string) StepRequest {
	return StepRequest{Messages: []session.Message{session.NewMessage(session.RoleUser, text)}}
}

func TestProcessorRunStep(t *testing.T) {
	t.Run("should produce a canonical outcome", func(t *testing.T) {
		a := &scriptAdapter{events: []provider.Event{
			{Type: provider.EventTextDelta, Text: "Hel"},
			{Type: provider.EventTextDelta, Text: "lo"},
			{Type: provider.EventStepFinish, FinishReason: "stop", Usage: map[string]any{"input_tokens": 10, "output_tokens": 5}, ResponseModel: "z-ai/glm-5"},
		}}
		p := newTestProcessor(a, time.Second, 5*time.Second)

		var forwarded []provider.Event
		out, err := p.RunStep(context.Background(), kiloGLM, userStep("hi"), func(ev provider.Event) {
			forwarded = append(forwarded, ev)
		})
		require.NoError(t, err)

		assert.Equal(t, StateFinished, out.State)
		assert.Equal(t, session.FinishStop, out.FinishReason)
		assert.Equal(t, session.TokenUsage{Input: 10, Output: 5}, out.Usage)
		assert.Equal(t, "Hello", out.Text)
		assert.Equal(t, "glm-5-free", out.RequestedModelID)
		assert.Equal(t, "z-ai/glm-5", out.RespondedModelID)
		assert.Equal(t, "z-ai/glm-5:free", a.lastReq.Model)
		assert.Len(t, forwarded, 2)
		assert.False(t, out.FinishedAt.Before(out.StartedAt))

		step := out.Step()
		assert.Equal(t, out.StepID, step.ID)
		assert.Equal(t, "kilo", step.ProviderID)
	})

	t.Run("should collect tool calls", func(t *testing.T) {
		a := &scriptAdapter{events: []provider.Event{
			{Type: provider.EventToolCall, ToolCall: &session.ToolCall{Name: "read", Input: []byte(`{}`)}},
			{Type: provider.EventStepFinish, FinishReason: map[string]any{"unified": "tool-calls"}, Usage: map[string]any{"output": 3}},
		}}
		out, err := newTestProcessor(a, time.Second, 5*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		require.NoError(t, err)

		assert.Equal(t, session.FinishToolCalls, out.FinishReason)
		require.Len(t, out.ToolCalls, 1)
		assert.NotEmpty(t, out.ToolCalls[0].ID)
	})

	t.Run("should promote unknown finish with zero usage to a retryable failure", func(t *testing.T) {
		a := &scriptAdapter{events: []provider.Event{
			{Type: provider.EventStepFinish, FinishReason: nil, Usage: map[string]any{"input": float64(0)}, ResponseModel: "z-ai/glm-5"},
		}}
		out, err := newTestProcessor(a, time.Second, 5*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		require.Error(t, err)

		fe := failure.From(err)
		assert.Equal(t, failure.KindEmptyResponse, fe.Kind)
		assert.True(t, fe.Retryable())
		assert.Equal(t, "kilo", fe.Provider)
		assert.Equal(t, "glm-5-free", fe.RequestedModel)
		assert.Equal(t, "z-ai/glm-5", fe.RespondedModel)
		assert.Equal(t, StateFailed, out.State)
	})

	t.Run("should accept unknown finish with usage", func(t *testing.T) {
		a := &scriptAdapter{events: []provider.Event{
			{Type: provider.EventStepFinish, FinishReason: "other", Usage: map[string]any{"output": 4}},
		}}
		out, err := newTestProcessor(a, time.Second, 5*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		require.NoError(t, err)
		assert.Equal(t, session.FinishUnknown, out.FinishReason)
	})

	t.Run("should treat a stream without finish as an empty response", func(t *testing.T) {
		a := &scriptAdapter{events: []provider.Event{{Type: provider.EventTextDelta, Text: "partial"}}}
		_, err := newTestProcessor(a, time.Second, 5*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		assert.True(t, failure.IsKind(err, failure.KindEmptyResponse))
	})

	t.Run("should fail a stalled stream on the chunk timer", func(t *testing.T) {
		a := &scriptAdapter{events: []provider.Event{{Type: provider.EventTextDelta, Text: "a"}}, hang: true}
		start := time.Now()
		out, err := newTestProcessor(a, 50*time.Millisecond, 5*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)

		require.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
		fe := failure.From(err)
		assert.Equal(t, failure.KindStalled, fe.Kind)
		assert.Equal(t, failure.ClassStalled, fe.Class())
		assert.Equal(t, StateStalled, out.State)
	})

	t.Run("should reset the chunk timer on every event", func(t *testing.T) {
		events := make([]provider.Event, 0, 6)
		for i := 0; i < 5; i++ {
			events = append(events, provider.Event{Type: provider.EventTextDelta, Text: "x"})
		}
		events = append(events, provider.Event{Type: provider.EventStepFinish, FinishReason: "stop"})
		a := &scriptAdapter{events: events, gap: 30 * time.Millisecond}

		out, err := newTestProcessor(a, 100*time.Millisecond, 5*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		require.NoError(t, err)
		assert.Equal(t, "xxxxx", out.Text)
	})

	t.Run("should fail a slow step on the step timer", func(t *testing.T) {
		events := make([]provider.Event, 0, 50)
		for i := 0; i < 50; i++ {
			events = append(events, provider.Event{Type: provider.EventTextDelta, Text: "x"})
		}
		a := &scriptAdapter{events: events, gap: 20 * time.Millisecond}

		out, err := newTestProcessor(a, time.Second, 100*time.Millisecond).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		fe := failure.From(err)
		require.NotNil(t, fe)
		assert.Equal(t, failure.KindTimeout, fe.Kind)
		assert.Equal(t, failure.ClassTimeout, fe.Class())
		assert.Equal(t, StateFailed, out.State)
	})

	t.Run("should report cancellation", func(t *testing.T) {
		a := &scriptAdapter{hang: true}
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := newTestProcessor(a, time.Second, 5*time.Second).RunStep(ctx, kiloGLM, userStep("hi"), nil)
		assert.True(t, failure.IsKind(err, failure.KindCancelled))
	})

	t.Run("should classify error events with the adapter", func(t *testing.T) {
		rateLimited := &failure.Error{Kind: failure.KindRateLimited, RetryAfter: 5 * time.Second, HasHeaders: true}
		a := &scriptAdapter{events: []provider.Event{{Type: provider.EventError, Err: rateLimited}}}

		_, err := newTestProcessor(a, time.Second, 5*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		fe := failure.From(err)
		require.NotNil(t, fe)
		assert.Equal(t, failure.KindRateLimited, fe.Kind)
		assert.Equal(t, 5*time.Second, fe.RetryAfter)
		assert.Equal(t, "kilo", fe.Provider)
	})

	t.Run("should classify errors opening the stream", func(t *testing.T) {
		a := &scriptAdapter{streamErr: errors.New("503")}
		out, err := newTestProcessor(a, time.Second, 5*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		assert.True(t, failure.IsKind(err, failure.KindServer))
		assert.Equal(t, StateFailed, out.State)
	})

	t.Run("should surface adapter construction failures", func(t *testing.T) {
		p := NewProcessor(Config{
			Adapters: provider.SourceFunc(func(context.Context, models.ProviderInfo) (provider.Adapter, error) {
				return nil, failure.New(failure.KindAuth, "no key")
			}),
			Catalog: models.DefaultCatalog(),
			Logger:  zerolog.Nop(),
		})
		out, err := p.RunStep(context.Background(), kiloGLM, userStep("hi"), nil)
		assert.True(t, failure.IsKind(err, failure.KindAuth))
		assert.Equal(t, StateFailed, out.State)
	})
}

func TestProcessorChunkWatchdog(t *testing.T) {
	t.Run("should keep a slow tool-argument stream alive", func(t *testing.T) {
		frame := func(delta string) string {
			return `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"z-ai/glm-5","choices":[{"index":0,"delta":` + delta + `,"finish_reason":null}]}` + "\n\n"
		}
		frames := []string{
			frame(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read","arguments":""}}]}`),
		}
		for _, part := range []string{`{\"path\"`, `:`, `\"a`, `.go`, `\"`, `}`} {
			frames = append(frames, frame(`{"tool_calls":[{"index":0,"function":{"arguments":"`+part+`"}}]}`))
		}
		frames = append(frames,
			`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"z-ai/glm-5","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":3,"completion_tokens":4}}`+"\n\n",
			"data: [DONE]\n\n",
		)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			for _, f := range frames {
				select {
				case <-time.After(50 * time.Millisecond):
				case <-r.Context().Done():
					return
				}
				fmt.Fprint(w, f)
				w.(http.Flusher).Flush()
			}
		}))
		defer srv.Close()

		a, err := provider.NewOpenAIAdapter("kilo", provider.Credentials{APIKey: "k", BaseURL: srv.URL}, zerolog.Nop())
		require.NoError(t, err)

		var forwarded []provider.EventType
		out, err := newTestProcessor(a, 200*time.Millisecond, 10*time.Second).RunStep(context.Background(), kiloGLM, userStep("hi"),
			func(ev provider.Event) { forwarded = append(forwarded, ev.Type) })
		require.NoError(t, err)

		assert.Equal(t, StateFinished, out.State)
		assert.Equal(t, session.FinishToolCalls, out.FinishReason)
		require.Len(t, out.ToolCalls, 1)
		assert.JSONEq(t, `{"path":"a.go"}`, string(out.ToolCalls[0].Input))
		assert.Equal(t, []provider.EventType{provider.EventToolCall}, forwarded)
	})
}
