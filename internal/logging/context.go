// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx: the active span plus any
// workflow, iteration and stage markers set by the With* helpers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := WorkflowIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("workflow_id", id))
	}
	if n, ok := IterationFromContext(ctx); ok {
		fields = append(fields, zap.Int("iteration", n))
	}
	if name := StageFromContext(ctx); name != "" {
		fields = append(fields, zap.String("stage", name))
	}

	return fields
}

type workflowCtxKey struct{}
type iterationCtxKey struct{}
type stageCtxKey struct{}
type loggerCtxKey struct{}

// WithWorkflowID tags ctx with the workflow being processed.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowCtxKey{}, id)
}

// WorkflowIDFromContext returns the workflow id or "".
func WorkflowIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workflowCtxKey{}).(string)
	return id
}

// WithIteration tags ctx with the 1-based iteration number.
func WithIteration(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, iterationCtxKey{}, n)
}

// IterationFromContext returns the iteration number if one was set.
func IterationFromContext(ctx context.Context) (int, bool) {
	n, ok := ctx.Value(iterationCtxKey{}).(int)
	return n, ok
}

// WithStage tags ctx with the pipeline stage currently running.
func WithStage(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, name)
}

// StageFromContext returns the stage name or "".
func StageFromContext(ctx context.Context) string {
	name, _ := ctx.Value(stageCtxKey{}).(string)
	return name
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
