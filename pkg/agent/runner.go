package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/harun/relay/pkg/commandqueue"
	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/id"
	"github.com/harun/relay/pkg/models"
	"github.com/harun/relay/pkg/provider"
	"github.com/harun/relay/pkg/retry"
	"github.com/harun/relay/pkg/session"
	"github.com/harun/relay/pkg/stream"
	"github.com/harun/relay/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName      = "relay.agent"
	DefaultMaxSteps = 50
	// DefaultQueueWarnAfter is how long a run may wait behind another run
	// of the same session before a warning is logged.
	DefaultQueueWarnAfter = 2 * time.Second
)

var (
	errAborted  = errors.New("run aborted")
	errDraining = errors.New("runner is draining")
)

// StepRunner executes one provider step.
type StepRunner interface {
	RunStep(ctx context.Context, candidate models.Descriptor, req stream.StepRequest, onEvent func(provider.Event)) (*stream.Outcome, error)
}

// Config holds the collaborators of a Runner.
type Config struct {
	Resolver *models.Resolver
	Steps    StepRunner
	Retry    *retry.Policy
	// Tools is optional; without it tool calls fail with an error result.
	Tools      *toolexecutor.ToolExecutor
	ToolPolicy *toolexecutor.ToolPolicy
	// Queue is optional; a private queue is created when nil.
	Queue          *commandqueue.CommandQueue
	QueueWarnAfter time.Duration
	// Store is optional; finished sessions are saved when set.
	Store *session.Store
	// Audit is optional; session outcomes and fallbacks are recorded when set.
	Audit *observability.AuditLogger

	MaxSteps    int
	Fallback    bool
	MaxTokens   int
	Temperature *float64
	Clock       *Clock
	Logger      zerolog.Logger
}

// RunParams is the input of one run.
type RunParams struct {
	// SessionID continues a stored session, or names a new one. Empty
	// creates a fresh session.
	SessionID string
	// Model is the user-visible model string. Empty reuses the model of a
	// continued session.
	Model      string
	Prompt     string
	System     string
	WorkingDir string
}

// Result is the terminal outcome of a run.
type Result struct {
	Session *session.Session
	State   session.State
	Steps   int
	Usage   session.TokenUsage
	// Err is set when State is failed or cancelled.
	Err *failure.Error
}

// Runner drives sessions to a terminal state.
type Runner struct {
	resolver    *models.Resolver
	steps       StepRunner
	retry       *retry.Policy
	tools       *toolexecutor.ToolExecutor
	toolPolicy  *toolexecutor.ToolPolicy
	queue       *commandqueue.CommandQueue
	queueOpts   commandqueue.TaskOptions
	store       *session.Store
	maxSteps    int
	fallback    bool
	audit       *observability.AuditLogger
	maxTokens   int
	temperature *float64
	clock       *Clock
	logger      zerolog.Logger

	activeRuns map[string]context.CancelCauseFunc
	runsMu     sync.Mutex

	drainCtx context.Context
	drain    context.CancelFunc
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if cfg.Steps == nil {
		return nil, fmt.Errorf("step runner is required")
	}
	if cfg.Retry == nil {
		return nil, fmt.Errorf("retry policy is required")
	}

	observability.EnsureRegistered()

	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Queue == nil {
		cfg.Queue = commandqueue.New(commandqueue.Config{Logger: cfg.Logger})
	}
	if cfg.QueueWarnAfter <= 0 {
		cfg.QueueWarnAfter = DefaultQueueWarnAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = NewClock(nil)
	}

	drainCtx, drain := context.WithCancel(context.Background())
	return &Runner{
		resolver:    cfg.Resolver,
		steps:       cfg.Steps,
		retry:       cfg.Retry,
		tools:       cfg.Tools,
		toolPolicy:  cfg.ToolPolicy,
		queue:       cfg.Queue,
		queueOpts:   commandqueue.TaskOptions{WarnAfter: cfg.QueueWarnAfter},
		store:       cfg.Store,
		maxSteps:    cfg.MaxSteps,
		fallback:    cfg.Fallback,
		audit:       cfg.Audit,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With().Str("component", "agent").Logger(),
		activeRuns:  make(map[string]context.CancelCauseFunc),
		drainCtx:    drainCtx,
		drain:       drain,
	}, nil
}

// Run drives one session to completion. The returned error is non-nil
// exactly when the result state is not completed.
func (r *Runner) Run(ctx context.Context, params RunParams, sink EventSink) (*Result, error) {
	if sink == nil {
		sink = Discard
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = id.Ascending(id.Session)
	} else if _, err := id.Given(id.Session, sessionID); err != nil {
		fe := failure.Wrap(failure.KindSession, err, "invalid session id")
		r.emit(sink, Event{Type: EventError, SessionID: sessionID, Error: fe.Payload()})
		return &Result{State: session.StateFailed, Err: fe}, fe
	}

	ctx = tracing.NewRunContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "run", attribute.String("model", params.Model))

	value, err := r.queue.Enqueue(ctx, commandqueue.SessionLane(sessionID), func(taskCtx context.Context) (interface{}, error) {
		sess, err := r.open(taskCtx, sessionID, params)
		if err != nil {
			fe := failure.From(err)
			r.emit(sink, Event{Type: EventError, SessionID: sessionID, Error: fe.Payload()})
			return &Result{State: session.StateFailed, Err: fe}, nil
		}
		return r.execute(taskCtx, sess, params, sink), nil
	}, &r.queueOpts)

	var result *Result
	if err != nil {
		// The queue rejected the run before it started.
		fe := failure.Wrap(failure.KindCancelled, err, "run not started")
		r.emit(sink, Event{Type: EventError, SessionID: sessionID, Error: fe.Payload()})
		result = &Result{State: session.StateCancelled, Err: fe}
	} else {
		result = value.(*Result)
	}

	if result.Err != nil {
		tracing.EndSpan(span, result.Err)
		return result, result.Err
	}
	tracing.EndSpan(span, nil)
	return result, nil
}

// open loads or creates the session and appends the user prompt. It runs
// inside the session lane so concurrent runs of one session see each
// other's messages.
func (r *Runner) open(ctx context.Context, sessionID string, params RunParams) (*session.Session, error) {
	var sess *session.Session

	if r.store != nil && params.SessionID != "" {
		loaded, err := r.store.Load(ctx, sessionID)
		if err == nil {
			sess = loaded
		} else if !errors.Is(err, session.ErrNotFound) {
			return nil, failure.Wrap(failure.KindSession, err, "failed to load session %s", sessionID)
		}
	}

	var model models.Descriptor
	if params.Model == "" && sess != nil {
		model = sess.Model
	} else {
		candidates, err := r.resolver.Resolve(params.Model)
		if err != nil {
			return nil, err
		}
		model, _ = candidates.Next()
	}

	if sess == nil {
		sess = session.New(sessionID, model)
	} else {
		sess.Model = model
		sess.State = session.StateRunning
		sess.Error = nil
	}

	if params.System != "" && !hasSystem(sess) {
		sess.Append(session.NewMessage(session.RoleSystem, params.System))
	}
	sess.Append(session.NewMessage(session.RoleUser, params.Prompt))
	return sess, nil
}

func hasSystem(sess *session.Session) bool {
	for _, m := range sess.Messages {
		if m.Role == session.RoleSystem {
			return true
		}
	}
	return false
}

// run is the per-session loop state.
type run struct {
	sess      *session.Session
	sink      EventSink
	logger    zerolog.Logger
	candidate models.Descriptor
	tried     map[string]bool
	attempt   int
	steps     int
}

func (r *Runner) execute(ctx context.Context, sess *session.Session, params RunParams, sink EventSink) *Result {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.runsMu.Lock()
	r.activeRuns[sess.ID] = cancel
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, sess.ID)
		r.runsMu.Unlock()
	}()

	observability.SessionStarted()
	defer r.retry.Reset(sess.ID)

	st := &run{
		sess:      sess,
		sink:      sink,
		logger:    tracing.LoggerFromContext(ctx, r.logger),
		candidate: sess.Model,
		tried:     map[string]bool{sess.Model.ProviderID: true},
	}

	st.logger.Info().
		Str("model", sess.Model.String()).
		Bool("explicit", sess.Model.WasExplicit).
		Msg("Session started")

	result := r.loop(ctx, st, params)

	observability.SessionFinished(string(result.State))
	r.persist(ctx, sess)
	r.audit.RecordSession(ctx, sess.ID, string(result.State), auditMetadata(st, result))

	st.logger.Info().
		Str("state", string(result.State)).
		Int("steps", result.Steps).
		Int64("input_tokens", result.Usage.Input).
		Int64("output_tokens", result.Usage.Output).
		Msg("Session finished")

	return result
}

func (r *Runner) loop(ctx context.Context, st *run, params RunParams) *Result {
	execCtx := &toolexecutor.ExecutionContext{
		SessionID:  st.sess.ID,
		WorkingDir: params.WorkingDir,
		Policy:     r.toolPolicy,
	}
	toolSpecs := r.toolSpecs()

	for {
		if err := r.interruption(ctx); err != nil {
			return r.cancelled(st, err)
		}
		if st.steps >= r.maxSteps {
			return r.fail(st, failure.New(failure.KindMaxSteps, "session exceeded %d steps", r.maxSteps).
				WithModels(st.candidate.ProviderID, st.candidate.ModelID, ""))
		}

		stepID := id.Ascending(id.Step)
		r.emit(st.sink, Event{
			Type:             EventStepStart,
			SessionID:        st.sess.ID,
			StepID:           stepID,
			Attempt:          st.attempt + 1,
			ProviderID:       st.candidate.ProviderID,
			RequestedModelID: st.candidate.ModelID,
		})

		out, err := r.steps.RunStep(ctx, st.candidate, r.stepRequest(st.sess, toolSpecs), func(ev provider.Event) {
			r.forward(st, ev)
		})
		if err != nil {
			if next := r.recover(ctx, st, failure.From(err)); next != nil {
				return next
			}
			continue
		}

		r.retry.Reset(st.sess.ID)
		st.attempt = 0
		st.steps++

		msg := session.NewMessage(session.RoleAssistant, out.Text)
		msg.ToolCalls = out.ToolCalls
		msg.Steps = []session.Step{out.Step()}
		st.sess.Append(msg)

		usage := out.Usage
		r.emit(st.sink, Event{
			Type:             EventStepFinish,
			SessionID:        st.sess.ID,
			StepID:           out.StepID,
			ProviderID:       out.ProviderID,
			RequestedModelID: out.RequestedModelID,
			RespondedModelID: out.RespondedModelID,
			Reason:           out.FinishReason,
			Usage:            &usage,
		})

		switch out.FinishReason {
		case session.FinishStop, session.FinishEndTurn, session.FinishContentFilter:
			return r.complete(st)

		case session.FinishToolCalls:
			if len(out.ToolCalls) == 0 {
				st.logger.Warn().Str("step_id", out.StepID).Msg("Tool-calls finish without tool calls")
				return r.complete(st)
			}
			r.runTools(ctx, st, out, execCtx)

		default:
			if len(out.ToolCalls) == 0 {
				return r.fail(st, failure.New(failure.KindUnknownFinish,
					"step finished with unknown reason and no tool calls").
					WithModels(out.ProviderID, out.RequestedModelID, out.RespondedModelID))
			}
			st.logger.Debug().
				Int("tool_calls", len(out.ToolCalls)).
				Msg("Unknown finish with tool calls, continuing")
			r.runTools(ctx, st, out, execCtx)
		}
	}
}

// recover handles a failed step. It returns nil when the loop should try
// again and a terminal result otherwise.
func (r *Runner) recover(ctx context.Context, st *run, fe *failure.Error) *Result {
	if err := r.interruption(ctx); err != nil {
		return r.cancelled(st, err)
	}

	logger := st.logger.With().
		Str("provider_id", st.candidate.ProviderID).
		Str("kind", string(fe.Kind)).
		Logger()

	if fe.Retryable() {
		st.attempt++
		decision := r.retry.Decide(fe, 0, st.sess.ID)
		if !decision.Retry {
			return r.fail(st, failure.Wrap(failure.KindRetryExhausted, fe, "%s", decision.Reason).
				WithModels(fe.Provider, fe.RequestedModel, fe.RespondedModel))
		}

		logger.Warn().
			Err(fe).
			Int("attempt", decision.Attempt).
			Dur("delay", decision.Delay).
			Msg("Step failed, retrying")

		if err := r.wait(ctx, st.sess.ID, decision.Delay); err != nil {
			return r.cancelled(st, err)
		}
		return nil
	}

	if r.fallback && !st.candidate.WasExplicit {
		for _, providerID := range r.resolver.AlternativeProviders(st.candidate.ModelID, st.candidate.ProviderID, false) {
			if st.tried[providerID] {
				continue
			}
			next, ok := r.resolver.Descriptor(providerID, st.candidate.ModelID)
			if !ok {
				continue
			}

			logger.Warn().
				Err(fe).
				Str("fallback_provider", providerID).
				Msg("Provider failed, falling back")

			observability.RecordFallback(st.candidate.ProviderID, providerID)
			r.audit.RecordFallbackAudit(ctx, st.sess.ID, st.candidate.ProviderID, providerID, string(fe.Kind))
			st.tried[providerID] = true
			st.candidate = next
			st.attempt = 0
			r.retry.Reset(st.sess.ID)
			return nil
		}
	}

	return r.fail(st, fe)
}

// wait sleeps through the retry delay. Abort, cancellation and Drain all
// cut it short.
func (r *Runner) wait(ctx context.Context, sessionID string, d time.Duration) error {
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(r.drainCtx, func() { cancel(errDraining) })
	defer stop()

	if err := r.retry.Wait(waitCtx, sessionID, d); err != nil {
		if cause := context.Cause(waitCtx); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

// interruption reports why the loop must stop before starting a step.
func (r *Runner) interruption(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if r.drainCtx.Err() != nil {
		return errDraining
	}
	return nil
}

// forward relays stream events of the current step to the sink.
func (r *Runner) forward(st *run, ev provider.Event) {
	switch ev.Type {
	case provider.EventTextDelta:
		if ev.Text == "" {
			return
		}
		r.emit(st.sink, Event{Type: EventText, SessionID: st.sess.ID, Text: ev.Text})
	case provider.EventToolCall:
		r.emit(st.sink, Event{Type: EventToolCall, SessionID: st.sess.ID, ToolCall: ev.ToolCall})
	case provider.EventToolResult:
		r.emit(st.sink, Event{Type: EventToolResult, SessionID: st.sess.ID, ToolResult: ev.ToolResult})
	}
}

// runTools executes the step's tool calls that the provider did not
// already answer and appends every result as one tool message.
func (r *Runner) runTools(ctx context.Context, st *run, out *stream.Outcome, execCtx *toolexecutor.ExecutionContext) {
	answered := make(map[string]bool, len(out.ToolResults))
	for _, tr := range out.ToolResults {
		answered[tr.CallID] = true
	}

	var pending []session.ToolCall
	for _, call := range out.ToolCalls {
		if !answered[call.ID] {
			pending = append(pending, call)
		}
	}

	results := append([]session.ToolResult(nil), out.ToolResults...)
	for _, tr := range r.executeCalls(ctx, pending, execCtx) {
		r.emit(st.sink, Event{Type: EventToolResult, SessionID: st.sess.ID, ToolResult: &tr})
		results = append(results, tr)
	}

	msg := session.NewMessage(session.RoleTool, "")
	msg.ToolResults = results
	st.sess.Append(msg)
}

func (r *Runner) executeCalls(ctx context.Context, calls []session.ToolCall, execCtx *toolexecutor.ExecutionContext) []session.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]session.ToolResult, len(calls))
	var runnable []toolexecutor.Call
	var index []int

	for i, call := range calls {
		results[i] = session.ToolResult{CallID: call.ID, Name: call.Name}
		if r.tools == nil {
			results[i].Output = fmt.Sprintf("tool not found: %s", call.Name)
			results[i].IsError = true
			continue
		}

		params := map[string]interface{}{}
		if len(call.Input) > 0 {
			if err := json.Unmarshal(call.Input, &params); err != nil {
				results[i].Output = fmt.Sprintf("invalid tool input: %v", err)
				results[i].IsError = true
				continue
			}
		}
		runnable = append(runnable, toolexecutor.Call{ID: call.ID, Name: call.Name, Params: params})
		index = append(index, i)
	}

	if len(runnable) > 0 {
		for j, res := range r.tools.ExecuteAll(ctx, runnable, execCtx) {
			i := index[j]
			results[i].Output = res.Text()
			results[i].IsError = !res.Success
		}
	}
	return results
}

func (r *Runner) toolSpecs() []provider.ToolSpec {
	if r.tools == nil {
		return nil
	}

	var specs []provider.ToolSpec
	for _, name := range r.toolPolicy.Filter(r.tools.ListTools()) {
		def := r.tools.GetTool(name)
		schema, ok := r.tools.Schema(name)
		if def == nil || !ok {
			continue
		}
		specs = append(specs, provider.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return specs
}

func (r *Runner) stepRequest(sess *session.Session, tools []provider.ToolSpec) stream.StepRequest {
	req := stream.StepRequest{
		Tools:       tools,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}
	for _, m := range sess.Messages {
		if m.Role == session.RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}
	return req
}

func (r *Runner) complete(st *run) *Result {
	st.sess.Finish(session.StateCompleted, nil)
	return r.result(st, session.StateCompleted, nil)
}

// fail ends the run with exactly one error event.
func (r *Runner) fail(st *run, fe *failure.Error) *Result {
	st.logger.Error().
		Err(fe).
		Str("kind", string(fe.Kind)).
		Msg("Session failed")

	payload := fe.Payload()
	st.sess.Finish(session.StateFailed, payload)
	r.emit(st.sink, Event{Type: EventError, SessionID: st.sess.ID, Error: payload})
	return r.result(st, session.StateFailed, fe)
}

func (r *Runner) cancelled(st *run, cause error) *Result {
	fe := failure.Wrap(failure.KindCancelled, cause, "session cancelled").
		WithModels(st.candidate.ProviderID, st.candidate.ModelID, "")

	st.logger.Info().Err(cause).Msg("Session cancelled")

	payload := fe.Payload()
	st.sess.Finish(session.StateCancelled, payload)
	r.emit(st.sink, Event{Type: EventError, SessionID: st.sess.ID, Error: payload})
	return r.result(st, session.StateCancelled, fe)
}

func (r *Runner) result(st *run, state session.State, fe *failure.Error) *Result {
	return &Result{
		Session: st.sess,
		State:   state,
		Steps:   st.steps,
		Usage:   st.sess.Usage(),
		Err:     fe,
	}
}

func (r *Runner) emit(sink EventSink, ev Event) {
	ev.Timestamp = r.clock.Next()
	if err := sink.Emit(ev); err != nil {
		r.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to emit event")
	}
}

func auditMetadata(st *run, result *Result) map[string]interface{} {
	meta := map[string]interface{}{
		"provider":      st.candidate.ProviderID,
		"model":         st.candidate.ModelID,
		"steps":         result.Steps,
		"input_tokens":  result.Usage.Input,
		"output_tokens": result.Usage.Output,
	}
	if result.Err != nil {
		meta["error"] = string(result.Err.Kind)
	}
	return meta
}

func (r *Runner) persist(ctx context.Context, sess *session.Session) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(context.WithoutCancel(ctx), sess); err != nil {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Error().Err(err).Msg("Failed to save session")
	}
}

// Abort cancels the in-flight run of sessionID, including a pending retry
// wait. It reports whether a run was active.
func (r *Runner) Abort(sessionID string) bool {
	r.runsMu.Lock()
	cancel, ok := r.activeRuns[sessionID]
	delete(r.activeRuns, sessionID)
	r.runsMu.Unlock()

	if ok {
		cancel(errAborted)
		r.logger.Info().Str("session_id", sessionID).Msg("Run aborted")
	}
	return ok
}

// AbortAll cancels every in-flight run.
func (r *Runner) AbortAll() int {
	r.runsMu.Lock()
	runs := r.activeRuns
	r.activeRuns = make(map[string]context.CancelCauseFunc)
	r.runsMu.Unlock()

	for _, cancel := range runs {
		cancel(errAborted)
	}
	return len(runs)
}

// IsRunning reports whether sessionID has an in-flight run.
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.activeRuns[sessionID]
	return ok
}

// Drain lets in-flight steps finish but starts no new step, retry or run.
// It waits up to timeout for running sessions to end.
func (r *Runner) Drain(timeout time.Duration) bool {
	r.drain()
	r.queue.Drain()
	return r.queue.WaitForActive(timeout)
}
