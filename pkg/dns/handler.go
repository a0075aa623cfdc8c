// Package dns contains the query mediation pipeline and the UDP/TCP server
// that feeds it. Every query is classified against the block lists, the risk
// verdict and the override table before it is answered locally or forwarded
// upstream.
package dns

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"cleannet/pkg/blocklist"
	"cleannet/pkg/config"
	"cleannet/pkg/domain"
	"cleannet/pkg/errcoll"
	"cleannet/pkg/ledger"
	"cleannet/pkg/logging"
	"cleannet/pkg/notify"
	"cleannet/pkg/override"
	"cleannet/pkg/ratelimit"
	"cleannet/pkg/risk"
	"cleannet/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Forwarder sends a query to the upstream resolvers. *forwarder.Forwarder
// satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error)
}

// RiskEvaluator scores a domain. *risk.Guard satisfies it. Implementations
// return a usable verdict even when they also return an error.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, domain string) (risk.Verdict, error)
}

// Handler is the mediation pipeline.
type Handler struct {
	Store       *blocklist.Store
	Overrides   *override.Table
	Ledger      *ledger.Ledger
	ClientNames *ledger.Names
	Forwarder   Forwarder
	Risk        RiskEvaluator
	Notifier    notify.Notifier
	RateLimiter *ratelimit.Manager
	Errors      errcoll.Collector
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger
	Tracer      trace.Tracer

	SinkholeIP net.IP
	TTL        uint32
	Threshold  float64
	Host       string

	now func() time.Time
}

// NewHandler creates a handler over the given state. Collaborators default to
// no-ops and are wired with the Set* methods.
func NewHandler(cfg *config.Config, store *blocklist.Store, overrides *override.Table, l *ledger.Ledger, logger *logging.Logger) *Handler {
	host, err := os.Hostname()
	if err != nil {
		host = ""
	}

	sinkhole := net.ParseIP(cfg.Blocking.SinkholeIP).To4()
	if sinkhole == nil {
		sinkhole = net.IPv4zero.To4()
	}

	return &Handler{
		Store:       store,
		Overrides:   overrides,
		Ledger:      l,
		ClientNames: ledger.NewNames(cfg.ClientNames),
		Notifier:    notify.Nop{},
		Errors:      errcoll.NewLogCollector(logger),
		Logger:      logger,
		Tracer:      tracenoop.NewTracerProvider().Tracer(""),
		SinkholeIP:  sinkhole,
		TTL:         cfg.Blocking.TTL,
		Threshold:   cfg.Risk.Threshold,
		Host:        host,
		now:         time.Now,
	}
}

// SetForwarder sets the upstream DNS forwarder
func (h *Handler) SetForwarder(f Forwarder) {
	h.Forwarder = f
}

// SetRisk sets the risk evaluator
func (h *Handler) SetRisk(r RiskEvaluator) {
	h.Risk = r
}

// SetNotifier sets the block notification sink
func (h *Handler) SetNotifier(n notify.Notifier) {
	h.Notifier = n
}

// SetRateLimiter wires a rate limiter implementation.
func (h *Handler) SetRateLimiter(rl *ratelimit.Manager) {
	h.RateLimiter = rl
}

// SetErrorCollector sets where recovered panics are reported.
func (h *Handler) SetErrorCollector(c errcoll.Collector) {
	h.Errors = c
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
}

// SetTracer sets the tracer used for per-query spans.
func (h *Handler) SetTracer(t trace.Tracer) {
	h.Tracer = t
}

// writeMsg writes a DNS message to the response writer. A failed write means
// the client went away; there is nobody left to tell.
func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg, outcome *serveDNSOutcome) {
	outcome.written = true
	outcome.responseCode = msg.Rcode
	if err := w.WriteMsg(msg); err != nil {
		h.Logger.Debug("Failed to write DNS response", "error", err)
	}
}

// ServeDNS runs one query through the pipeline and writes exactly one reply,
// unless the rate limiter decides to drop it.
//
// The rate limit gate sits after the ledger record and before the type gate.
// A limited query is still logged for its client, but it never reaches the
// block sets, the risk provider, the overrides or an upstream. It is answered
// REFUSED, or not at all when the configured action is drop.
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	startTime := time.Now()
	clientIP := getClientIP(w)
	outcome := &serveDNSOutcome{}

	ctx, span := h.startSpan(ctx, r, clientIP)
	defer func() { h.finish(ctx, span, r, clientIP, startTime, outcome) }()
	defer func() {
		if rec := recover(); rec != nil {
			h.recoverPanic(ctx, w, r, clientIP, rec, outcome)
		}
	}()

	if len(r.Question) == 0 {
		msg := newReply(r)
		msg.SetRcode(r, dns.RcodeFormatError)
		outcome.decision = DecisionFormErr
		h.writeMsg(w, msg, outcome)
		return
	}

	question := r.Question[0]
	name := domain.Normalize(question.Name)
	qtypeLabel := dnsTypeLabel(question.Qtype)
	outcome.domain = name

	// Ingest
	h.record(ctx, clientIP, name)

	if h.enforceRateLimit(ctx, w, r, clientIP, name, qtypeLabel, outcome) {
		return
	}

	// Type gate
	if question.Qtype != dns.TypeA {
		h.forwardToUpstream(ctx, w, r, qtypeLabel, outcome)
		return
	}

	if h.Store.IsAd(name) {
		h.block(ctx, w, r, clientIP, DecisionBlockAds, nil, outcome)
		return
	}

	verdict := h.evaluateRisk(ctx, name)
	outcome.verdict = &verdict

	if h.Store.IsPhishing(name) {
		h.block(ctx, w, r, clientIP, DecisionBlockPhishing, &verdict, outcome)
		return
	}

	if h.serveOverride(w, r, name, outcome) {
		return
	}

	if verdict.Score >= h.Threshold {
		h.block(ctx, w, r, clientIP, DecisionBlockRisk, &verdict, outcome)
		return
	}

	h.forwardToUpstream(ctx, w, r, qtypeLabel, outcome)
}

// record appends the query to the client's ledger entry.
func (h *Handler) record(ctx context.Context, clientIP, name string) {
	if h.Ledger == nil {
		return
	}
	if h.Ledger.Record(clientIP, name, h.now()) {
		h.Metrics.AddLedgerClient(ctx)
	}
}

// evaluateRisk returns the verdict for name. Failures have already been
// mapped to the fallback verdict by the evaluator.
func (h *Handler) evaluateRisk(ctx context.Context, name string) risk.Verdict {
	if h.Risk == nil {
		return risk.Verdict{Label: risk.LabelNone}
	}
	verdict, err := h.Risk.Evaluate(ctx, name)
	if err != nil {
		h.Logger.Debug("Using fallback risk verdict", "domain", name, "score", verdict.Score, "error", err)
	}
	return verdict
}

func (h *Handler) recoverPanic(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, clientIP string, rec any, outcome *serveDNSOutcome) {
	ctx = errcoll.WithTags(ctx, map[string]string{
		"client": clientIP,
		"domain": outcome.domain,
	})
	errcoll.Collectf(ctx, h.Errors, h.Logger, "dns: panic serving %q: %v", outcome.domain, rec)

	outcome.decision = DecisionServFail
	if outcome.written {
		return
	}
	msg := newReply(r)
	msg.SetRcode(r, dns.RcodeServerFailure)
	h.writeMsg(w, msg, outcome)
}

func (h *Handler) finish(ctx context.Context, span trace.Span, r *dns.Msg, clientIP string, startTime time.Time, outcome *serveDNSOutcome) {
	h.recordOutcome(ctx, outcome)
	h.endSpan(span, outcome)

	h.Logger.Debug("DNS query processed",
		"domain", outcome.domain,
		"client", clientIP,
		"decision", outcome.decision,
		"rcode", dns.RcodeToString[outcome.responseCode],
		"duration_ms", time.Since(startTime).Milliseconds(),
		"id", r.Id,
	)
}

// dnsTypeLabel returns a human-readable string for the query type, falling back to TYPE#### per RFC 3597 when unknown.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

// getClientIP extracts the client IP address from the DNS ResponseWriter,
// dropping the port. Returns "unknown" when the writer has no remote address.
func getClientIP(w dns.ResponseWriter) string {
	if w.RemoteAddr() != nil {
		host, _, err := net.SplitHostPort(w.RemoteAddr().String())
		if err == nil {
			return host
		}
		return w.RemoteAddr().String()
	}
	return "unknown"
}
