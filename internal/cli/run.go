package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harun/relay/pkg/agent"
	"github.com/harun/relay/pkg/session"
	"github.com/spf13/cobra"
)

// drainTimeout bounds how long SIGTERM waits for in-flight steps.
const drainTimeout = 30 * time.Second

var errRunFailed = errors.New("one or more sessions did not complete")

type runOptions struct {
	prompt       string
	model        string
	system       string
	appendSystem string
	sessionID    string
	workingDir   string
	metricsAddr  string
	dryRun       bool
	compact      bool
	verbose      bool

	// signals is nil outside tests; runRun subscribes to SIGINT and SIGTERM.
	signals chan os.Signal
	// exit defaults to os.Exit.
	exit func(int)
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent session",
		Long: `Run an agent session and stream JSON events to stdout.

With -p the prompt runs once. Without it, each stdin line is a message,
either plain text or {"message": "..."}.`,
		Args: cobra.NoArgs,

		// stdout carries only JSON events.
		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.prompt, "prompt", "p", "", "prompt to run; reads stdin when empty")
	f.StringVar(&opts.model, "model", "", "model as provider/model or a short name (default from config)")
	f.StringVar(&opts.system, "system-message", "", "replace the system message")
	f.StringVar(&opts.appendSystem, "append-system-message", "", "append to the system message")
	f.StringVar(&opts.sessionID, "session", "", "continue or name a session (ses_...)")
	f.StringVar(&opts.workingDir, "working-directory", "", "working directory for tools (default is the current directory)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&opts.dryRun, "dry-run", false, "echo prompts without calling a provider")
	f.BoolVar(&opts.compact, "compact-json", false, "emit one compact JSON object per line")
	f.BoolVar(&opts.verbose, "verbose", false, "log at debug level to stderr")

	return cmd
}

// systemMessage combines the replacement and appended system messages.
func systemMessage(system, appendSystem string) string {
	switch {
	case system == "":
		return appendSystem
	case appendSystem == "":
		return system
	default:
		return system + "\n\n" + appendSystem
	}
}

func resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", dir)
	}
	return dir, nil
}

func runRun(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}

	workingDir, err := resolveWorkingDir(opts.workingDir)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, appOptions{
		DryRun:  opts.dryRun,
		Verbose: opts.verbose,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigs := opts.signals
	if sigs == nil {
		sigs = make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
	}
	exit := opts.exit
	if exit == nil {
		exit = os.Exit
	}
	finished := make(chan struct{})
	defer close(finished)
	go a.handleSignals(ctx, finished, sigs, cancel, exit)

	params := agent.RunParams{
		SessionID:  opts.sessionID,
		Model:      a.modelFor(ctx, opts),
		System:     systemMessage(opts.system, opts.appendSystem),
		WorkingDir: workingDir,
	}
	sink := agent.NewJSONSink(cmd.OutOrStdout(), opts.compact)

	if opts.prompt != "" {
		params.Prompt = opts.prompt
		if _, err := a.runner.Run(ctx, params, sink); err != nil {
			return errRunFailed
		}
		return nil
	}

	return a.runStdin(ctx, cmd.InOrStdin(), params, sink)
}

// modelFor picks the model for a run. A continued session without --model
// keeps its stored model.
func (a *app) modelFor(ctx context.Context, opts *runOptions) string {
	if opts.model != "" {
		return opts.model
	}
	if opts.sessionID != "" && a.store != nil {
		if _, err := a.store.Load(ctx, opts.sessionID); err == nil {
			return ""
		} else if !errors.Is(err, session.ErrNotFound) {
			a.logger.Warn().Err(err).Str("session_id", opts.sessionID).Msg("Failed to load session")
		}
	}
	return a.cfg.Model
}

// handleSignals aborts every run on SIGINT and drains on SIGTERM. Either
// stops reading further input. A second signal before the command
// finishes exits at once.
func (a *app) handleSignals(ctx context.Context, finished <-chan struct{}, sigs <-chan os.Signal, stop context.CancelFunc, exit func(int)) {
	select {
	case <-ctx.Done():
		return
	case sig := <-sigs:
		a.logger.Info().Str("signal", sig.String()).Msg("Received signal")
		go a.exitOnSignal(finished, sigs, exit)
		if sig == syscall.SIGTERM {
			if !a.runner.Drain(drainTimeout) {
				a.logger.Warn().Dur("timeout", drainTimeout).Msg("Drain timed out")
			}
		} else {
			n := a.runner.AbortAll()
			a.logger.Info().Int("aborted", n).Msg("Runs aborted")
		}
		stop()
	}
}

func (a *app) exitOnSignal(finished <-chan struct{}, sigs <-chan os.Signal, exit func(int)) {
	select {
	case <-finished:
	case sig := <-sigs:
		a.logger.Warn().Str("signal", sig.String()).Msg("Received second signal, exiting")
		code := 130
		if sig == syscall.SIGTERM {
			code = 143
		}
		exit(code)
	}
}

// runStdin runs one turn per input line. With persistence on, every turn
// continues the same session.
func (a *app) runStdin(ctx context.Context, in io.Reader, params agent.RunParams, sink agent.EventSink) error {
	_ = sink.Emit(agent.Event{
		Type:      agent.EventStatus,
		Timestamp: a.clock.Next(),
		Mode:      "stdin-stream",
		Message:   "relay run ready. Accepts JSON and plain text input.",
		Hint:      "Press CTRL+C to exit.",
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to read stdin")
		}
	}()

	failed := false
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return exitStatus(failed)
		case line, ok = <-lines:
			if !ok {
				return exitStatus(failed)
			}
		}

		message, ok := parseInput(line)
		if !ok {
			continue
		}

		params.Prompt = message
		result, err := a.runner.Run(ctx, params, sink)
		if err != nil {
			failed = true
		}
		if a.store != nil && result != nil && result.Session != nil {
			params.SessionID = result.Session.ID
			params.Model = ""
		}
	}
}

func exitStatus(failed bool) error {
	if failed {
		return errRunFailed
	}
	return nil
}

// parseInput accepts {"message": "..."} or plain text. Blank lines and
// JSON without a message are skipped.
func parseInput(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if strings.HasPrefix(line, "{") {
		var in struct {
			Message *string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &in); err == nil {
			if in.Message == nil || strings.TrimSpace(*in.Message) == "" {
				return "", false
			}
			return *in.Message, true
		}
	}
	return line, true
}
