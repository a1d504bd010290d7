// Package stream drives a single provider step.
//
// A Processor opens the provider stream for one candidate, forwards text
// and tool events as they arrive, and turns the terminal step-finish event
// into a canonical Outcome. Two timers guard every step: a chunk timer,
// reset on each event, detects stalled connections and a step timer caps
// the step as a whole. Either one aborts the provider call and yields a
// retryable failure.
//
// Usage and finish reasons arrive in whatever shape the provider chose.
// NormalizeUsage and NormalizeFinishReason accept any value and never
// fail; a step that ends with an unknown reason and no usage at all is
// reported as a retryable ProviderEmptyResponse failure instead of an
// empty success.
package stream
