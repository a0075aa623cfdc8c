package dns

import (
	"context"

	"cleannet/pkg/config"

	"github.com/miekg/dns"
)

// enforceRateLimit answers or drops r when clientIP is over its limit.
func (h *Handler) enforceRateLimit(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, clientIP, name, qtypeLabel string, outcome *serveDNSOutcome) bool {
	if h.RateLimiter == nil {
		return false
	}

	decision := h.RateLimiter.Allow(clientIP)
	if decision.Allowed {
		return false
	}

	dropped := decision.Action == config.RateLimitActionDrop
	h.recordRateLimit(ctx, qtypeLabel, string(decision.Action), decision.Label, dropped)
	if h.RateLimiter.LogViolations() {
		h.Logger.Warn("Rate limit exceeded",
			"client", clientIP,
			"domain", name,
			"action", decision.Action,
			"limit", decision.Label,
			"query_type", qtypeLabel,
		)
	}

	if dropped {
		outcome.decision = DecisionDropped
		return true
	}

	outcome.decision = DecisionRefused
	msg := newReply(r)
	msg.SetRcode(r, dns.RcodeRefused)
	h.writeMsg(w, msg, outcome)
	return true
}
