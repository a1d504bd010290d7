package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/harun/relay/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommand(t *testing.T) {
	t.Run("should stream a dry run as JSON events", func(t *testing.T) {
		useTestConfig(t, "")

		out, err := execute(newRunCmd(), nil, "--dry-run", "--compact-json", "-p", "hello")
		require.NoError(t, err)

		events := decodeEvents(t, out)
		assert.Equal(t, []string{"step_start", "text", "step_finish"}, eventTypes(events))
		assert.Equal(t, "[DRY RUN] Received message: hello", events[1]["text"])
		assert.Equal(t, "stop", events[2]["reason"])
		assert.Equal(t, "opencode", events[2]["providerID"])
		assert.Equal(t, 3, strings.Count(out, "\n"))
	})

	t.Run("should pretty print by default", func(t *testing.T) {
		useTestConfig(t, "")

		out, err := execute(newRunCmd(), nil, "--dry-run", "-p", "hello")
		require.NoError(t, err)
		assert.Contains(t, out, "\n  \"type\": \"step_start\"")
	})

	t.Run("should fail on an unknown model", func(t *testing.T) {
		useTestConfig(t, "")

		out, err := execute(newRunCmd(), nil, "--dry-run", "--compact-json", "--model", "no-such-model", "-p", "hi")
		assert.ErrorIs(t, err, errRunFailed)
		assert.NotContains(t, out, "Usage:")

		errs := ofType(decodeEvents(t, out), "error")
		require.Len(t, errs, 1)
		assert.Equal(t, "ModelNotFound", errs[0]["error"].(map[string]any)["name"])
	})

	t.Run("should reject a missing working directory", func(t *testing.T) {
		useTestConfig(t, "")

		_, err := execute(newRunCmd(), nil, "--dry-run", "-p", "hi", "--working-directory", filepath.Join(t.TempDir(), "missing"))
		assert.Error(t, err)
	})

	t.Run("should persist and continue a named session", func(t *testing.T) {
		dir := useTestConfig(t, "")

		_, err := execute(newRunCmd(), nil, "--dry-run", "--compact-json", "--session", "ses_cli", "-p", "one")
		require.NoError(t, err)
		_, err = execute(newRunCmd(), nil, "--dry-run", "--compact-json", "--session", "ses_cli", "-p", "two")
		require.NoError(t, err)

		store, err := session.NewStore(session.StoreConfig{Dir: filepath.Join(dir, "sessions"), Logger: zerolog.Nop()})
		require.NoError(t, err)
		sess, err := store.Load(context.Background(), "ses_cli")
		require.NoError(t, err)
		assert.Len(t, sess.Messages, 4)
		assert.Equal(t, "opencode", sess.Model.ProviderID)
	})
}

func TestRunCommand_Stdin(t *testing.T) {
	t.Run("should announce itself and run one turn per line", func(t *testing.T) {
		dir := useTestConfig(t, "")

		input := strings.NewReader("hello\n\n{\"message\":\"again\"}\n{}\n")
		out, err := execute(newRunCmd(), input, "--dry-run", "--compact-json")
		require.NoError(t, err)

		events := decodeEvents(t, out)
		require.NotEmpty(t, events)
		assert.Equal(t, "status", events[0]["type"])
		assert.Equal(t, "stdin-stream", events[0]["mode"])
		assert.Equal(t, "Press CTRL+C to exit.", events[0]["hint"])

		texts := ofType(events, "text")
		require.Len(t, texts, 2)
		assert.Contains(t, texts[0]["text"], "hello")
		assert.Contains(t, texts[1]["text"], "again")
		assert.Equal(t, texts[0]["sessionID"], texts[1]["sessionID"])

		store, err := session.NewStore(session.StoreConfig{Dir: filepath.Join(dir, "sessions"), Logger: zerolog.Nop()})
		require.NoError(t, err)
		summaries, err := store.List(context.Background())
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Equal(t, 4, summaries[0].MessageCount)
	})

	t.Run("should stop reading input on interrupt", func(t *testing.T) {
		useTestConfig(t, "")

		pr, pw := io.Pipe()
		t.Cleanup(func() { _ = pw.Close() })

		cmd := newRunCmd()
		cmd.SetIn(pr)
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetContext(context.Background())

		sigs := make(chan os.Signal, 1)
		done := make(chan error, 1)
		go func() {
			done <- runRun(cmd, &runOptions{dryRun: true, compact: true, signals: sigs})
		}()

		sigs <- syscall.SIGINT

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not stop after interrupt")
		}
	})
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"hello", "hello", true},
		{"  padded  ", "padded", true},
		{`{"message":"from json"}`, "from json", true},
		{`{"message":""}`, "", false},
		{`{"other":1}`, "", false},
		{`{not json`, "{not json", true},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := parseInput(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestSystemMessage(t *testing.T) {
	assert.Equal(t, "", systemMessage("", ""))
	assert.Equal(t, "base", systemMessage("base", ""))
	assert.Equal(t, "extra", systemMessage("", "extra"))
	assert.Equal(t, "base\n\nextra", systemMessage("base", "extra"))
}

func TestExitOnSignal(t *testing.T) {
	a := &app{logger: zerolog.Nop()}

	t.Run("should exit on a second signal", func(t *testing.T) {
		sigs := make(chan os.Signal, 1)
		codes := make(chan int, 1)
		go a.exitOnSignal(make(chan struct{}), sigs, func(code int) { codes <- code })

		sigs <- syscall.SIGINT
		select {
		case code := <-codes:
			assert.Equal(t, 130, code)
		case <-time.After(time.Second):
			t.Fatal("second signal did not exit")
		}
	})

	t.Run("should not exit once the command finished", func(t *testing.T) {
		finished := make(chan struct{})
		returned := make(chan struct{})
		exited := false
		go func() {
			a.exitOnSignal(finished, make(chan os.Signal), func(int) { exited = true })
			close(returned)
		}()

		close(finished)
		select {
		case <-returned:
			assert.False(t, exited)
		case <-time.After(time.Second):
			t.Fatal("watcher did not return")
		}
	})
}
