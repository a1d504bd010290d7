package toolexecutor

import "context"

type execKey struct{}

// WithExecution attaches execCtx so tool handlers can read the session they run in.
func WithExecution(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execKey{}, execCtx)
}

// ExecutionFrom returns the execution context attached by WithExecution, or nil.
func ExecutionFrom(ctx context.Context) *ExecutionContext {
	execCtx, _ := ctx.Value(execKey{}).(*ExecutionContext)
	return execCtx
}
