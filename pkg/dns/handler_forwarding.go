package dns

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// forwardToUpstream relays r and writes the first upstream reply unmodified.
// Exhaustion of every upstream answers SERVFAIL.
func (h *Handler) forwardToUpstream(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, qtypeLabel string, outcome *serveDNSOutcome) {
	if h.Forwarder == nil {
		h.servFail(w, r, outcome)
		return
	}

	forwardStart := time.Now()
	resp, err := h.Forwarder.Forward(ctx, r)
	outcome.upstreamDuration = time.Since(forwardStart)
	if err != nil {
		h.Logger.Warn("Forwarding failed",
			"domain", outcome.domain,
			"type", qtypeLabel,
			"error", err)
		h.servFail(w, r, outcome)
		return
	}

	resp.Id = r.Id
	outcome.decision = DecisionForward
	h.recordForwardedQuery(ctx, qtypeLabel)
	h.writeMsg(w, resp, outcome)
}

func (h *Handler) servFail(w dns.ResponseWriter, r *dns.Msg, outcome *serveDNSOutcome) {
	outcome.decision = DecisionServFail
	msg := newReply(r)
	msg.SetRcode(r, dns.RcodeServerFailure)
	h.writeMsg(w, msg, outcome)
}
