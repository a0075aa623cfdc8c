package dns

import (
	"time"

	"cleannet/pkg/risk"
)

// Decision is the terminal outcome of the pipeline for one query.
type Decision string

const (
	DecisionForward       Decision = "forward"
	DecisionBlockAds      Decision = "block_ads"
	DecisionBlockPhishing Decision = "block_phishing"
	DecisionBlockRisk     Decision = "block_risk"
	DecisionOverride      Decision = "override"
	DecisionServFail      Decision = "servfail"
	DecisionRefused       Decision = "refused"
	DecisionDropped       Decision = "dropped"
	DecisionFormErr       Decision = "formerr"
)

// Blocked reports whether d answered with the sinkhole.
func (d Decision) Blocked() bool {
	switch d {
	case DecisionBlockAds, DecisionBlockPhishing, DecisionBlockRisk:
		return true
	default:
		return false
	}
}

// serveDNSOutcome captures the mutable fields that downstream helpers update
// while ServeDNS orchestrates the request lifecycle.
type serveDNSOutcome struct {
	domain           string
	decision         Decision
	verdict          *risk.Verdict
	upstreamDuration time.Duration
	responseCode     int
	written          bool
}
