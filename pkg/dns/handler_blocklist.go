package dns

import (
	"context"

	"cleannet/pkg/notify"
	"cleannet/pkg/risk"

	"github.com/miekg/dns"
)

var decisionKinds = map[Decision]notify.Kind{
	DecisionBlockAds:      notify.KindAds,
	DecisionBlockPhishing: notify.KindPhishing,
	DecisionBlockRisk:     notify.KindRisk,
}

// block answers r with the sinkhole address and emits a notification.
func (h *Handler) block(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, clientIP string, decision Decision, verdict *risk.Verdict, outcome *serveDNSOutcome) {
	outcome.decision = decision
	h.writeMsg(w, aReply(r, h.SinkholeIP, h.TTL), outcome)

	event := notify.Event{
		Kind:       decisionKinds[decision],
		Domain:     outcome.domain,
		Client:     clientIP,
		ClientName: h.ClientNames.Lookup(clientIP),
		Host:       h.Host,
	}
	if decision == DecisionBlockRisk && verdict != nil {
		event.Score = verdict.Score
		event.Reasons = verdict.Reasons
	}

	h.Logger.Info("Blocked DNS query",
		"domain", outcome.domain,
		"client", clientIP,
		"decision", decision,
	)

	if h.Notifier == nil {
		return
	}
	if err := h.Notifier.Notify(ctx, event.Text()); err != nil {
		h.Logger.Warn("Block notification not sent",
			"domain", outcome.domain,
			"decision", decision,
			"error", err)
	}
}

// serveOverride answers r from the override table when name has an entry.
func (h *Handler) serveOverride(w dns.ResponseWriter, r *dns.Msg, name string, outcome *serveDNSOutcome) bool {
	if h.Overrides == nil {
		return false
	}
	ip, ok := h.Overrides.Resolve(name)
	if !ok {
		return false
	}

	outcome.decision = DecisionOverride
	h.writeMsg(w, aReply(r, ip, h.TTL), outcome)
	return true
}
