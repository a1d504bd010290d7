package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/id"
	"github.com/harun/relay/pkg/models"
	"github.com/harun/relay/pkg/provider"
	"github.com/harun/relay/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// State is the lifecycle state of one step.
type State string

const (
	StateNotStarted State = "not_started"
	StateStreaming  State = "streaming"
	StateFinished   State = "finished"
	StateStalled    State = "stalled"
	StateFailed     State = "failed"
)

const (
	DefaultChunkTimeout = 2 * time.Minute
	DefaultStepTimeout  = 10 * time.Minute
)

var (
	errChunkTimeout = errors.New("no stream data within chunk timeout")
	errStepTimeout  = errors.New("step exceeded its time limit")
)

// StepRequest is the conversation sent for one step.
type StepRequest struct {
	System      string
	Messages    []session.Message
	Tools       []provider.ToolSpec
	MaxTokens   int
	Temperature *float64
}

// Outcome is the canonical result of a step. On failure it still reports
// the state the step ended in and whatever was received.
type Outcome struct {
	StepID           string
	State            State
	FinishReason     session.FinishReason
	Usage            session.TokenUsage
	ProviderID       string
	RequestedModelID string
	RespondedModelID string
	Text             string
	ToolCalls        []session.ToolCall
	ToolResults      []session.ToolResult
	Metadata         map[string]any
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Step converts a finished outcome into a session step.
func (o *Outcome) Step() session.Step {
	return session.Step{
		ID:               o.StepID,
		FinishReason:     o.FinishReason,
		Usage:            o.Usage,
		ProviderID:       o.ProviderID,
		RequestedModelID: o.RequestedModelID,
		RespondedModelID: o.RespondedModelID,
		Metadata:         o.Metadata,
		StartedAt:        o.StartedAt,
		FinishedAt:       o.FinishedAt,
	}
}

// Config holds configuration for a Processor.
type Config struct {
	Adapters provider.Source
	Catalog  models.Catalog
	// ChunkTimeout bounds silence between stream events. Negative disables it.
	ChunkTimeout time.Duration
	// StepTimeout bounds a whole step. Negative disables it.
	StepTimeout time.Duration
	Logger      zerolog.Logger
}

// Processor runs single provider steps.
type Processor struct {
	adapters     provider.Source
	catalog      models.Catalog
	chunkTimeout time.Duration
	stepTimeout  time.Duration
	logger       zerolog.Logger
}

// NewProcessor creates a step processor.
func NewProcessor(cfg Config) *Processor {
	if cfg.ChunkTimeout == 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Processor{
		adapters:     cfg.Adapters,
		catalog:      cfg.Catalog,
		chunkTimeout: cfg.ChunkTimeout,
		stepTimeout:  cfg.StepTimeout,
		logger:       cfg.Logger.With().Str("component", "stream").Logger(),
	}
}

// RunStep streams one step from candidate. onEvent, when set, receives
// text, tool-call and tool-result events as they arrive. The returned
// error is a *failure.Error; the outcome is non-nil whenever the step
// was attempted.
func (p *Processor) RunStep(ctx context.Context, candidate models.Descriptor, req StepRequest, onEvent func(provider.Event)) (out *Outcome, err error) {
	out = &Outcome{
		StepID:           id.Ascending(id.Step),
		State:            StateNotStarted,
		FinishReason:     session.FinishUnknown,
		ProviderID:       candidate.ProviderID,
		RequestedModelID: candidate.ModelID,
		StartedAt:        time.Now(),
	}

	ctx = tracing.StepContext(ctx, candidate.ProviderID, out.StepID)
	ctx, span := tracing.StartSpan(ctx, "relay.stream", "step",
		attribute.String("provider_id", candidate.ProviderID),
		attribute.String("model_id", candidate.ModelID))
	logger := tracing.LoggerFromContext(ctx, p.logger)

	defer func() {
		out.FinishedAt = time.Now()
		if err != nil {
			err = p.annotate(err, out)
		}
		observability.RecordStep(candidate.ProviderID, string(out.State), out.FinishedAt.Sub(out.StartedAt))
		tracing.EndSpan(span, err)
	}()

	info, ok := p.catalog.Provider(candidate.ProviderID)
	if !ok {
		info = models.ProviderInfo{ID: candidate.ProviderID}
	}
	adapter, err := p.adapters.Adapter(ctx, info)
	if err != nil {
		out.State = StateFailed
		return out, err
	}

	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if p.stepTimeout > 0 {
		stepTimer := time.AfterFunc(p.stepTimeout, func() { cancel(errStepTimeout) })
		defer stepTimer.Stop()
	}

	events, err := adapter.Stream(stepCtx, provider.Request{
		Model:       candidate.UpstreamModelID,
		System:      req.System,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		out.State = StateFailed
		return out, adapter.Classify(err)
	}

	out.State = StateStreaming
	logger.Debug().Str("model", candidate.UpstreamModelID).Msg("Step streaming")

	var chunkTimer *time.Timer
	if p.chunkTimeout > 0 {
		chunkTimer = time.AfterFunc(p.chunkTimeout, func() { cancel(errChunkTimeout) })
		defer chunkTimer.Stop()
	}

	var text strings.Builder
	var finish *provider.Event

	for {
		select {
		case <-stepCtx.Done():
			return out, p.interrupted(stepCtx, ctx, out)

		case ev, open := <-events:
			if !open {
				if stepCtx.Err() != nil {
					return out, p.interrupted(stepCtx, ctx, out)
				}
				out.Text = text.String()
				return p.finish(out, finish, logger)
			}
			if chunkTimer != nil {
				chunkTimer.Reset(p.chunkTimeout)
			}

			switch ev.Type {
			case provider.EventChunk:
				continue
			case provider.EventTextDelta:
				text.WriteString(ev.Text)
			case provider.EventToolCall:
				if ev.ToolCall == nil {
					continue
				}
				if ev.ToolCall.ID == "" {
					ev.ToolCall.ID = id.Ascending(id.Part)
				}
				out.ToolCalls = append(out.ToolCalls, *ev.ToolCall)
			case provider.EventToolResult:
				if ev.ToolResult == nil {
					continue
				}
				out.ToolResults = append(out.ToolResults, *ev.ToolResult)
			case provider.EventStepFinish:
				last := ev
				finish = &last
				continue
			case provider.EventError:
				if stepCtx.Err() != nil {
					return out, p.interrupted(stepCtx, ctx, out)
				}
				out.State = StateFailed
				out.Text = text.String()
				if ev.Err == nil {
					ev.Err = errors.New("provider reported an error without details")
				}
				return out, adapter.Classify(ev.Err)
			default:
				continue
			}

			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
}

// interrupted maps a cancelled step context to the failure that caused it.
func (p *Processor) interrupted(stepCtx, parent context.Context, out *Outcome) error {
	cause := context.Cause(stepCtx)
	switch {
	case errors.Is(cause, errChunkTimeout):
		out.State = StateStalled
		return failure.Wrap(failure.KindStalled, cause, "stream stalled after %s without data", p.chunkTimeout)
	case errors.Is(cause, errStepTimeout):
		out.State = StateFailed
		return failure.Wrap(failure.KindTimeout, cause, "step did not finish within %s", p.stepTimeout)
	}

	out.State = StateFailed
	if err := parent.Err(); err != nil {
		return failure.From(err)
	}
	return failure.From(cause)
}

// finish normalizes the step-finish payload and applies the anomaly rule.
func (p *Processor) finish(out *Outcome, ev *provider.Event, logger zerolog.Logger) (*Outcome, error) {
	if ev == nil {
		out.State = StateFailed
		observability.RecordStepAnomaly(out.ProviderID)
		return out, failure.New(failure.KindEmptyResponse, "stream ended without a finish event")
	}

	out.FinishReason = NormalizeFinishReason(ev.FinishReason)
	out.Usage = NormalizeUsage(ev.Usage)
	out.RespondedModelID = ev.ResponseModel
	out.Metadata = ev.Metadata

	if out.FinishReason == session.FinishUnknown && out.Usage.IsZero() {
		out.State = StateFailed
		observability.RecordStepAnomaly(out.ProviderID)
		logger.Warn().
			Str("requested_model", out.RequestedModelID).
			Str("responded_model", out.RespondedModelID).
			Msg("Step finished with unknown reason and no usage")
		return out, failure.New(failure.KindEmptyResponse, "provider returned an empty response")
	}

	out.State = StateFinished
	return out, nil
}

// annotate attaches provider and model ids to err.
func (p *Processor) annotate(err error, out *Outcome) error {
	return failure.From(err).WithModels(out.ProviderID, out.RequestedModelID, out.RespondedModelID)
}
