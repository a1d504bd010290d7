package stream

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/harun/relay/pkg/session"
	"github.com/tidwall/gjson"
)

// maxDepth bounds recursion into nested usage and finish-reason objects.
const maxDepth = 4

var (
	inputKeys = []string{
		"input", "inputTokens", "input_tokens", "prompt_tokens", "promptTokens", "promptTokenCount",
	}
	outputKeys = []string{
		"output", "outputTokens", "output_tokens", "completion_tokens", "completionTokens", "candidatesTokenCount",
	}
	reasoningKeys = []string{
		"reasoning", "reasoningTokens", "reasoning_tokens", "thoughtsTokenCount",
		"completion_tokens_details.reasoning_tokens", "outputTokenDetails.reasoningTokens",
	}
	cacheReadKeys = []string{
		"cacheRead", "cachedInputTokens", "cache_read_input_tokens", "cacheReadInputTokens",
		"cachedContentTokenCount", "prompt_tokens_details.cached_tokens", "inputTokenDetails.cacheReadTokens",
	}
	cacheWriteKeys = []string{
		"cacheWrite", "cache_creation_input_tokens", "cacheCreationInputTokens", "cacheWriteInputTokens",
		"inputTokenDetails.cacheWriteTokens",
	}
	// Providers using these keys report input tokens without cached reads.
	cacheExclusiveKeys = []string{"cache_read_input_tokens", "cacheReadInputTokens"}
)

// NormalizeUsage converts a usage value of any shape into TokenUsage.
// Every field is finite and non-negative. Input has cached reads removed,
// floored at zero.
func NormalizeUsage(raw any) session.TokenUsage {
	fields := asObject(raw)
	if fields == nil {
		return session.TokenUsage{}
	}

	input := count(lookup(fields, inputKeys), 0)
	cacheRead := count(lookup(fields, cacheReadKeys), 0)

	usage := session.TokenUsage{
		Input:      input,
		Output:     count(lookup(fields, outputKeys), 0),
		Reasoning:  count(lookup(fields, reasoningKeys), 0),
		CacheRead:  cacheRead,
		CacheWrite: count(lookup(fields, cacheWriteKeys), 0),
	}

	if lookup(fields, cacheExclusiveKeys) == nil {
		usage.Input = input - cacheRead
		if usage.Input < 0 {
			usage.Input = 0
		}
	}
	return usage
}

// lookup returns the first present value among keys. Keys may be dotted
// paths into nested objects.
func lookup(fields map[string]any, keys []string) any {
	for _, key := range keys {
		if v, ok := path(fields, key); ok && v != nil {
			return v
		}
	}
	return nil
}

func path(fields map[string]any, key string) (any, bool) {
	var cur any = fields
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// count extracts a token count. Objects contribute their total.
func count(v any, depth int) int64 {
	if depth > maxDepth {
		return 0
	}

	switch n := v.(type) {
	case nil, bool:
		return 0
	case float64:
		return clamp(n)
	case float32:
		return clamp(float64(n))
	case int:
		return clampInt(int64(n))
	case int8:
		return clampInt(int64(n))
	case int16:
		return clampInt(int64(n))
	case int32:
		return clampInt(int64(n))
	case int64:
		return clampInt(n)
	case uint:
		return clamp(float64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return clamp(float64(n))
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return clamp(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return clamp(f)
	case map[string]any:
		for _, key := range []string{"total", "value", "count"} {
			if inner, ok := n[key]; ok {
				return count(inner, depth+1)
			}
		}
		return 0
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return 0
		}
		return count(rv.Elem().Interface(), depth+1)
	}
	if obj := asObject(v); obj != nil {
		return count(obj, depth+1)
	}
	return 0
}

func clamp(f float64) int64 {
	switch {
	case math.IsNaN(f), math.IsInf(f, 0), f <= 0:
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	}
	return int64(f)
}

func clampInt(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// asObject views raw as a JSON object, or returns nil when it is not one.
func asObject(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case string:
		return parseObject([]byte(v))
	case []byte:
		return parseObject(v)
	case json.RawMessage:
		return parseObject(v)
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
	case reflect.Struct, reflect.Map:
	default:
		return nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return parseObject(data)
}

func parseObject(data []byte) map[string]any {
	if !gjson.ValidBytes(data) {
		return nil
	}
	m, _ := gjson.ParseBytes(data).Value().(map[string]any)
	return m
}

var finishReasons = map[string]session.FinishReason{
	"stop":                      session.FinishStop,
	"stop-sequence":             session.FinishStop,
	"end":                       session.FinishStop,
	"eos":                       session.FinishStop,
	"complete":                  session.FinishStop,
	"completed":                 session.FinishStop,
	"finished":                  session.FinishStop,
	"length":                    session.FinishStop,
	"max-tokens":                session.FinishStop,
	"max-output-tokens":         session.FinishStop,
	"model-length":              session.FinishStop,
	"end-turn":                  session.FinishEndTurn,
	"endturn":                   session.FinishEndTurn,
	"tool-calls":                session.FinishToolCalls,
	"tool-call":                 session.FinishToolCalls,
	"tool-use":                  session.FinishToolCalls,
	"function-call":             session.FinishToolCalls,
	"function-calls":            session.FinishToolCalls,
	"content-filter":            session.FinishContentFilter,
	"safety":                    session.FinishContentFilter,
	"recitation":                session.FinishContentFilter,
	"blocklist":                 session.FinishContentFilter,
	"prohibited-content":        session.FinishContentFilter,
	"spii":                      session.FinishContentFilter,
	"refusal":                   session.FinishContentFilter,
	"image-safety":              session.FinishContentFilter,
	"unknown":                   session.FinishUnknown,
	"other":                     session.FinishUnknown,
	"error":                     session.FinishUnknown,
	"finish-reason-unspecified": session.FinishUnknown,
}

var reasonKeys = []string{"unified", "type", "reason", "finishReason", "finish_reason"}

// NormalizeFinishReason maps a finish reason of any shape onto the
// canonical set. Unrecognised values, including nil, become unknown.
func NormalizeFinishReason(raw any) session.FinishReason {
	return finishReason(raw, 0)
}

func finishReason(raw any, depth int) session.FinishReason {
	if depth > maxDepth {
		return session.FinishUnknown
	}

	switch v := raw.(type) {
	case nil:
		return session.FinishUnknown
	case session.FinishReason:
		return finishReason(string(v), depth+1)
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "{") {
			if obj := parseObject([]byte(s)); obj != nil {
				return finishReason(obj, depth+1)
			}
		}
		return canonicalReason(s)
	case map[string]any:
		for _, key := range reasonKeys {
			if inner, ok := v[key]; ok && inner != nil {
				if r := finishReason(inner, depth+1); r != session.FinishUnknown {
					return r
				}
			}
		}
		return session.FinishUnknown
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return session.FinishUnknown
		}
		return finishReason(rv.Elem().Interface(), depth+1)
	}
	if rv.Kind() == reflect.String {
		return canonicalReason(rv.String())
	}
	if obj := asObject(raw); obj != nil {
		return finishReason(obj, depth+1)
	}
	return session.FinishUnknown
}

func canonicalReason(s string) session.FinishReason {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", "-", " ", "-").Replace(key)
	if r, ok := finishReasons[key]; ok {
		return r
	}
	return session.FinishUnknown
}
