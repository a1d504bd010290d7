// Package agent drives a session through repeated provider steps until it
// reaches a terminal state.
//
// Invariants:
// - Runs of one session are serialized through its commandqueue lane.
// - A failed or cancelled run emits exactly one error event.
// - Explicit provider/model selections never fall back to another provider.
// - Event timestamps are strictly increasing.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Resolver: resolver,
//		Steps:    processor,
//		Retry:    retry.New(retry.DefaultConfig()),
//		Logger:   logger,
//	})
//	result, err := runner.Run(ctx, agent.RunParams{Model: "glm-5-free", Prompt: "hello"},
//		agent.NewJSONSink(os.Stdout, true))
package agent
