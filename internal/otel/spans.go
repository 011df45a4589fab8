package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestration-core spans.
var (
	AttrAgentID      = attribute.Key("codeframe.agent.id")
	AttrTaskID       = attribute.Key("codeframe.task.id")
	AttrProjectID    = attribute.Key("codeframe.project.id")
	AttrToolName     = attribute.Key("codeframe.tool.name")
	AttrModel        = attribute.Key("codeframe.llm.model")
	AttrTokensInput  = attribute.Key("codeframe.llm.tokens.input")
	AttrTokensOutput = attribute.Key("codeframe.llm.tokens.output")
	AttrGateName     = attribute.Key("codeframe.gate.name")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, sandboxed gate exec).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
