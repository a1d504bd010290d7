package failure

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the stable tag carried by error events.
type Kind string

const (
	KindRateLimited    Kind = "RateLimited"
	KindServer         Kind = "ProviderServerError"
	KindConnection     Kind = "ConnectionError"
	KindStalled        Kind = "StreamStalled"
	KindTimeout        Kind = "StepTimeout"
	KindEmptyResponse  Kind = "ProviderEmptyResponse"
	KindAuth           Kind = "AuthenticationError"
	KindNotFound       Kind = "ProviderNotFound"
	KindInvalidRequest Kind = "InvalidRequest"
	KindModelNotFound  Kind = "ModelNotFound"
	KindProviderInit   Kind = "ProviderInitError"
	KindUnknownFinish  Kind = "UnknownFinishReason"
	KindMaxSteps       Kind = "MaxStepsExceeded"
	KindRetryExhausted Kind = "RetryExhausted"
	KindCancelled      Kind = "Cancelled"
	KindSession        Kind = "SessionError"
	KindConfig         Kind = "ConfigError"
	KindUnknown        Kind = "UnknownError"
)

// Class groups kinds for retry accounting.
type Class string

const (
	ClassRateLimited Class = "rate-limited"
	ClassServer      Class = "transient-server"
	ClassStalled     Class = "connection-stalled"
	ClassTimeout     Class = "timeout"
	ClassFatal       Class = "fatal"
)

// Class returns the retry class of the kind. Everything that is not a
// recognised transient condition is fatal.
func (k Kind) Class() Class {
	switch k {
	case KindRateLimited:
		return ClassRateLimited
	case KindServer, KindConnection, KindEmptyResponse:
		return ClassServer
	case KindStalled:
		return ClassStalled
	case KindTimeout:
		return ClassTimeout
	default:
		return ClassFatal
	}
}

// Retryable reports whether the class is governed by the retry policy.
func (c Class) Retryable() bool {
	return c != ClassFatal && c != ""
}

// Error is the single error type surfaced by the session loop.
type Error struct {
	Kind           Kind
	Message        string
	Provider       string
	RequestedModel string
	RespondedModel string
	StatusCode     int
	// RetryAfter is the server retry hint, zero when absent.
	RetryAfter time.Duration
	// HasHeaders records whether the failure came with an HTTP response.
	HasHeaders bool
	Cause      error
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s (provider=%s", msg, e.Provider)
		if e.RequestedModel != "" {
			msg += ", model=" + e.RequestedModel
		}
		msg += ")"
	}
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Class returns the retry class of the error.
func (e *Error) Class() Class {
	return e.Kind.Class()
}

// Retryable reports whether the retry policy should be consulted.
func (e *Error) Retryable() bool {
	return e.Class().Retryable()
}

// HasHint reports whether the server supplied a retry-after hint.
func (e *Error) HasHint() bool {
	return e.RetryAfter > 0
}

// WithModels returns a copy annotated with provider and model ids.
func (e *Error) WithModels(provider, requested, responded string) *Error {
	c := *e
	if c.Provider == "" {
		c.Provider = provider
	}
	if c.RequestedModel == "" {
		c.RequestedModel = requested
	}
	if c.RespondedModel == "" {
		c.RespondedModel = responded
	}
	return &c
}

// Payload returns the error event body: {name, data{message, ...}}.
func (e *Error) Payload() map[string]any {
	data := map[string]any{
		"message": e.Error(),
	}
	if e.Provider != "" {
		data["providerID"] = e.Provider
	}
	if e.RequestedModel != "" {
		data["requestedModelID"] = e.RequestedModel
	}
	if e.RespondedModel != "" {
		data["respondedModelID"] = e.RespondedModel
	}
	if e.StatusCode != 0 {
		data["statusCode"] = e.StatusCode
	}
	if e.RetryAfter > 0 {
		data["retryAfterMs"] = e.RetryAfter.Milliseconds()
	}
	return map[string]any{
		"name": string(e.Kind),
		"data": data,
	}
}

// From converts any error into an *Error. Context cancellation maps to
// KindCancelled, a deadline to KindTimeout, anything unrecognised to
// KindUnknown.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, err, "operation cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, err, "deadline exceeded")
	}
	return Wrap(KindUnknown, err, "")
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
