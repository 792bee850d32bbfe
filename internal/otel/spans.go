package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Borg spans.
var (
	AttrAgentID      = attribute.Key("borg.agent.id")
	AttrTaskID       = attribute.Key("borg.task.id")
	AttrToolName     = attribute.Key("borg.tool.name")
	AttrModel        = attribute.Key("borg.llm.model")
	AttrTokensInput  = attribute.Key("borg.llm.tokens.input")
	AttrTokensOutput = attribute.Key("borg.llm.tokens.output")
	AttrLoopID       = attribute.Key("borg.loop.id")
	AttrLoopStep     = attribute.Key("borg.loop.step")
	AttrMCPServer    = attribute.Key("borg.mcp.server")
	AttrSessionID    = attribute.Key("borg.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
