package id

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAscending(t *testing.T) {
	t.Run("should carry prefix and fixed length", func(t *testing.T) {
		got := Ascending(Session)
		assert.True(t, strings.HasPrefix(got, "ses_"))
		assert.Len(t, got, len("ses_")+26)
	})

	t.Run("should sort in creation order", func(t *testing.T) {
		ids := make([]string, 50)
		for i := range ids {
			ids[i] = Ascending(Message)
		}
		assert.True(t, sort.StringsAreSorted(ids))
	})

	t.Run("should be unique", func(t *testing.T) {
		seen := map[string]bool{}
		for i := 0; i < 200; i++ {
			got := Ascending(Part)
			require.False(t, seen[got], "duplicate id %s", got)
			seen[got] = true
		}
	})
}

func TestDescending(t *testing.T) {
	first := Descending(Step)
	second := Descending(Step)

	assert.True(t, strings.HasPrefix(first, "stp_"))
	assert.Greater(t, first, second)
}

func TestGiven(t *testing.T) {
	got, err := Given(Session, "ses_abc")
	require.NoError(t, err)
	assert.Equal(t, "ses_abc", got)

	_, err = Given(Session, "msg_abc")
	assert.Error(t, err)
}
