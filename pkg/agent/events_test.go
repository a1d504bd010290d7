package agent

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/harun/relay/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSink(t *testing.T) {
	t.Run("should write one compact line per event", func(t *testing.T) {
		var buf bytes.Buffer
		sink := NewJSONSink(&buf, true)

		require.NoError(t, sink.Emit(Event{Type: EventStepStart, Timestamp: 1, SessionID: "ses_1"}))
		require.NoError(t, sink.Emit(Event{Type: EventStepFinish, Timestamp: 2, SessionID: "ses_1", Reason: session.FinishStop,
			Usage: &session.TokenUsage{Input: 10, Output: 5}}))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		assert.JSONEq(t, `{"type":"step_start","timestamp":1,"sessionID":"ses_1"}`, lines[0])

		var finish map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &finish))
		assert.Equal(t, "stop", finish["reason"])
		assert.Equal(t, float64(10), finish["usage"].(map[string]any)["input"])
	})

	t.Run("should pretty print when not compact", func(t *testing.T) {
		var buf bytes.Buffer
		sink := NewJSONSink(&buf, false)

		require.NoError(t, sink.Emit(Event{Type: EventStatus, Mode: "stdin-stream", Message: "ready"}))
		assert.Contains(t, buf.String(), "\n  \"mode\": \"stdin-stream\"")
	})

	t.Run("should carry the error payload", func(t *testing.T) {
		var buf bytes.Buffer
		sink := NewJSONSink(&buf, true)

		payload := map[string]any{"name": "RateLimited", "data": map[string]any{"message": "slow down"}}
		require.NoError(t, sink.Emit(Event{Type: EventError, Timestamp: 3, SessionID: "ses_1", Error: payload}))
		assert.JSONEq(t, `{"type":"error","timestamp":3,"sessionID":"ses_1","error":{"name":"RateLimited","data":{"message":"slow down"}}}`, buf.String())
	})
}

func TestClock(t *testing.T) {
	fixed := time.UnixMilli(1000)
	clock := NewClock(func() time.Time { return fixed })

	assert.Equal(t, int64(1000), clock.Next())
	assert.Equal(t, int64(1001), clock.Next())
	assert.Equal(t, int64(1002), clock.Next())

	fixed = time.UnixMilli(5000)
	assert.Equal(t, int64(5000), clock.Next())
}
