package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindClass(t *testing.T) {
	tests := []struct {
		kind  Kind
		class Class
	}{
		{KindRateLimited, ClassRateLimited},
		{KindServer, ClassServer},
		{KindConnection, ClassServer},
		{KindEmptyResponse, ClassServer},
		{KindStalled, ClassStalled},
		{KindTimeout, ClassTimeout},
		{KindAuth, ClassFatal},
		{KindNotFound, ClassFatal},
		{KindInvalidRequest, ClassFatal},
		{KindModelNotFound, ClassFatal},
		{KindCancelled, ClassFatal},
		{KindUnknown, ClassFatal},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.class, tt.kind.Class())
			assert.Equal(t, tt.class != ClassFatal, tt.class.Retryable())
		})
	}
}

func TestFrom(t *testing.T) {
	t.Run("should keep existing failure", func(t *testing.T) {
		orig := New(KindAuth, "bad key")
		wrapped := fmt.Errorf("calling provider: %w", orig)

		got := From(wrapped)
		assert.Same(t, orig, got)
	})

	t.Run("should map context cancellation", func(t *testing.T) {
		got := From(context.Canceled)
		assert.Equal(t, KindCancelled, got.Kind)
		assert.False(t, got.Retryable())
	})

	t.Run("should map deadline to timeout", func(t *testing.T) {
		got := From(context.DeadlineExceeded)
		assert.Equal(t, KindTimeout, got.Kind)
		assert.True(t, got.Retryable())
	})

	t.Run("should wrap unknown errors", func(t *testing.T) {
		cause := errors.New("boom")
		got := From(cause)
		require.NotNil(t, got)
		assert.Equal(t, KindUnknown, got.Kind)
		assert.ErrorIs(t, got, cause)
	})

	t.Run("should return nil for nil", func(t *testing.T) {
		assert.Nil(t, From(nil))
	})
}

func TestPayload(t *testing.T) {
	err := &Error{
		Kind:           KindEmptyResponse,
		Message:        "empty step",
		Provider:       "kilo",
		RequestedModel: "glm-5-free",
		RespondedModel: "z-ai/glm-5",
		StatusCode:     200,
		RetryAfter:     5 * time.Second,
	}

	payload := err.Payload()
	assert.Equal(t, "ProviderEmptyResponse", payload["name"])

	data := payload["data"].(map[string]any)
	assert.Equal(t, "kilo", data["providerID"])
	assert.Equal(t, "glm-5-free", data["requestedModelID"])
	assert.Equal(t, "z-ai/glm-5", data["respondedModelID"])
	assert.Equal(t, int64(5000), data["retryAfterMs"])
	assert.Contains(t, data["message"], "empty step")
}

func TestWithModels(t *testing.T) {
	base := New(KindServer, "upstream 503")
	annotated := base.WithModels("opencode", "glm-5-free", "")

	assert.Empty(t, base.Provider)
	assert.Equal(t, "opencode", annotated.Provider)
	assert.Equal(t, "glm-5-free", annotated.RequestedModel)
	assert.True(t, IsKind(annotated, KindServer))
}
