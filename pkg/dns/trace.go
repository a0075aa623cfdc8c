package dns

import (
	"context"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (h *Handler) startSpan(ctx context.Context, r *dns.Msg, clientIP string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("client.address", clientIP)}
	if len(r.Question) > 0 {
		attrs = append(attrs,
			attribute.String("dns.question.name", r.Question[0].Name),
			attribute.String("dns.question.type", dnsTypeLabel(r.Question[0].Qtype)),
		)
	}
	return h.Tracer.Start(ctx, "dns.query",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

func (h *Handler) endSpan(span trace.Span, outcome *serveDNSOutcome) {
	attrs := []attribute.KeyValue{
		attribute.String("cleannet.decision", string(outcome.decision)),
		attribute.String("dns.rcode", dns.RcodeToString[outcome.responseCode]),
	}
	if v := outcome.verdict; v != nil {
		attrs = append(attrs,
			attribute.Float64("cleannet.risk.score", v.Score),
			attribute.String("cleannet.risk.label", v.Label),
		)
	}
	if outcome.upstreamDuration > 0 {
		attrs = append(attrs, attribute.Int64("cleannet.upstream.duration_ms", outcome.upstreamDuration.Milliseconds()))
	}
	span.SetAttributes(attrs...)
	if outcome.decision == DecisionServFail {
		span.SetStatus(codes.Error, "server failure")
	}
	span.End()
}
