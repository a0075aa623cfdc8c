package dns

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// recordRateLimit captures rate limit violations and drops with consistent attributes.
func (h *Handler) recordRateLimit(ctx context.Context, qtypeLabel, action, label string, dropped bool) {
	if h.Metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", qtypeLabel),
		attribute.String("action", action),
		attribute.String("limit", label),
	)
	h.Metrics.RateLimitViolations.Add(ctx, 1, attrs)
	if dropped {
		h.Metrics.RateLimitDropped.Add(ctx, 1, attrs)
	}
}

// recordForwardedQuery increments the forwarded-query counter tagged with the query type.
func (h *Handler) recordForwardedQuery(ctx context.Context, qtypeLabel string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.DNSForwardedQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtypeLabel)))
}

// recordOutcome counts the terminal decision of a query.
func (h *Handler) recordOutcome(ctx context.Context, outcome *serveDNSOutcome) {
	if h.Metrics == nil {
		return
	}
	switch {
	case outcome.decision.Blocked():
		h.Metrics.DNSBlockedQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(outcome.decision))))
	case outcome.decision == DecisionOverride:
		h.Metrics.DNSOverriddenQueries.Add(ctx, 1)
	case outcome.decision == DecisionServFail:
		h.Metrics.DNSServerFailures.Add(ctx, 1)
	}
}
