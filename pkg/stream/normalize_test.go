package stream

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/harun/relay/pkg/session"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeUsage(t *testing.T) {
	t.Run("should read OpenAI usage and remove cached input", func(t *testing.T) {
		got := NormalizeUsage(map[string]any{
			"prompt_tokens":     float64(100),
			"completion_tokens": float64(20),
			"prompt_tokens_details": map[string]any{
				"cached_tokens": float64(30),
			},
			"completion_tokens_details": map[string]any{
				"reasoning_tokens": float64(5),
			},
		})
		assert.Equal(t, session.TokenUsage{Input: 70, Output: 20, Reasoning: 5, CacheRead: 30}, got)
	})

	t.Run("should not remove cache reads from Anthropic input", func(t *testing.T) {
		got := NormalizeUsage(map[string]any{
			"input_tokens":                float64(10),
			"output_tokens":               float64(5),
			"cache_read_input_tokens":     float64(40),
			"cache_creation_input_tokens": float64(8),
		})
		assert.Equal(t, session.TokenUsage{Input: 10, Output: 5, CacheRead: 40, CacheWrite: 8}, got)
	})

	t.Run("should read Gemini usage metadata", func(t *testing.T) {
		got := NormalizeUsage(map[string]any{
			"promptTokenCount":        9,
			"candidatesTokenCount":    3,
			"thoughtsTokenCount":      2,
			"cachedContentTokenCount": 4,
		})
		assert.Equal(t, session.TokenUsage{Input: 5, Output: 3, Reasoning: 2, CacheRead: 4}, got)
	})

	t.Run("should extract nested totals", func(t *testing.T) {
		got := NormalizeUsage(map[string]any{
			"inputTokens":  map[string]any{"total": 12, "noCache": 10},
			"outputTokens": map[string]any{"total": "7"},
		})
		assert.Equal(t, int64(12), got.Input)
		assert.Equal(t, int64(7), got.Output)
	})

	t.Run("should clamp cache reads larger than input to zero", func(t *testing.T) {
		got := NormalizeUsage(map[string]any{"input": 5, "cacheRead": 9})
		assert.Equal(t, int64(0), got.Input)
		assert.Equal(t, int64(9), got.CacheRead)
	})

	t.Run("should accept raw JSON and structs", func(t *testing.T) {
		got := NormalizeUsage(json.RawMessage(`{"input_tokens":3,"output_tokens":4}`))
		assert.Equal(t, int64(3), got.Input)

		type usage struct {
			Input  int `json:"input"`
			Output int `json:"output"`
		}
		got = NormalizeUsage(&usage{Input: 2, Output: 1})
		assert.Equal(t, session.TokenUsage{Input: 2, Output: 1}, got)
	})

	t.Run("should always be finite and non-negative", func(t *testing.T) {
		var nilMap map[string]any
		values := []any{
			math.NaN(), math.Inf(1), math.Inf(-1), -5, float64(-1.5), nil, "abc", "NaN", "Infinity",
			true, []any{1, 2}, map[string]any{"total": math.NaN()}, map[string]any{},
			json.Number("12x"), math.MaxFloat64, nilMap,
		}
		for _, v := range values {
			for _, raw := range []any{
				v,
				map[string]any{"input": v, "output": v, "reasoning": v, "cacheRead": v, "cacheWrite": v},
			} {
				assert.NotPanics(t, func() {
					u := NormalizeUsage(raw)
					for _, n := range []int64{u.Input, u.Output, u.Reasoning, u.CacheRead, u.CacheWrite} {
						assert.GreaterOrEqual(t, n, int64(0))
					}
				})
			}
		}
	})

	t.Run("should clamp huge values", func(t *testing.T) {
		got := NormalizeUsage(map[string]any{"output": math.MaxFloat64})
		assert.Equal(t, int64(math.MaxInt64), got.Output)
	})

	t.Run("should return zero for nil", func(t *testing.T) {
		assert.True(t, NormalizeUsage(nil).IsZero())
	})
}

func TestNormalizeFinishReason(t *testing.T) {
	reason := "tool_calls"

	tests := []struct {
		name string
		raw  any
		want session.FinishReason
	}{
		{"openai stop", "stop", session.FinishStop},
		{"openai length", "length", session.FinishStop},
		{"openai tool calls", "tool_calls", session.FinishToolCalls},
		{"openai content filter", "content_filter", session.FinishContentFilter},
		{"anthropic end turn", "end_turn", session.FinishEndTurn},
		{"anthropic tool use", "tool_use", session.FinishToolCalls},
		{"anthropic max tokens", "max_tokens", session.FinishStop},
		{"gemini stop", "STOP", session.FinishStop},
		{"gemini safety", "SAFETY", session.FinishContentFilter},
		{"gemini unspecified", "FINISH_REASON_UNSPECIFIED", session.FinishUnknown},
		{"canonical", session.FinishEndTurn, session.FinishEndTurn},
		{"padded", "  Stop ", session.FinishStop},
		{"unified object", map[string]any{"unified": "tool-calls", "raw": "tool_calls"}, session.FinishToolCalls},
		{"type object", map[string]any{"type": "stop"}, session.FinishStop},
		{"reason object", map[string]any{"reason": "end_turn"}, session.FinishEndTurn},
		{"camel object", map[string]any{"finishReason": "length"}, session.FinishStop},
		{"snake object", map[string]any{"finish_reason": "content_filter"}, session.FinishContentFilter},
		{"nested object", map[string]any{"reason": map[string]any{"type": "tool_use"}}, session.FinishToolCalls},
		{"json string", `{"unified":"stop"}`, session.FinishStop},
		{"pointer", &reason, session.FinishToolCalls},
		{"nil", nil, session.FinishUnknown},
		{"empty", "", session.FinishUnknown},
		{"garbage", "banana", session.FinishUnknown},
		{"number", 42, session.FinishUnknown},
		{"arbitrary object", map[string]any{"foo": "bar"}, session.FinishUnknown},
		{"null reason", map[string]any{"reason": nil}, session.FinishUnknown},
		{"list", []any{"stop"}, session.FinishUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tt.want, NormalizeFinishReason(tt.raw))
			})
		})
	}

	t.Run("should stop on deeply nested objects", func(t *testing.T) {
		var raw any = "stop"
		for i := 0; i < 20; i++ {
			raw = map[string]any{"reason": raw}
		}
		assert.Equal(t, session.FinishUnknown, NormalizeFinishReason(raw))
	})
}
