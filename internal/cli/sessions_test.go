package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsCommand(t *testing.T) {
	useTestConfig(t, "")

	_, err := execute(newRunCmd(), nil, "--dry-run", "--session", "ses_manage", "-p", "hi")
	require.NoError(t, err)

	t.Run("should list stored sessions", func(t *testing.T) {
		out, err := execute(newSessionsCmd(), nil, "list")
		require.NoError(t, err)
		assert.Contains(t, out, "ses_manage")
		assert.Contains(t, out, "completed")
	})

	t.Run("should show a session as JSON", func(t *testing.T) {
		out, err := execute(newSessionsCmd(), nil, "show", "ses_manage")
		require.NoError(t, err)

		var sess map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &sess))
		assert.Equal(t, "ses_manage", sess["id"])
		assert.Len(t, sess["messages"], 2)
	})

	t.Run("should fail to show a missing session", func(t *testing.T) {
		_, err := execute(newSessionsCmd(), nil, "show", "ses_missing")
		assert.Error(t, err)
	})

	t.Run("should keep recent sessions when pruning", func(t *testing.T) {
		out, err := execute(newSessionsCmd(), nil, "prune", "--older-than", "1h")
		require.NoError(t, err)
		assert.Contains(t, out, "Pruned 0 session(s)")
	})

	t.Run("should prune old sessions", func(t *testing.T) {
		time.Sleep(20 * time.Millisecond)

		out, err := execute(newSessionsCmd(), nil, "prune", "--older-than", "10ms")
		require.NoError(t, err)
		assert.Contains(t, out, "Pruned 1 session(s)")

		out, err = execute(newSessionsCmd(), nil, "list")
		require.NoError(t, err)
		assert.NotContains(t, out, "ses_manage")
	})
}
