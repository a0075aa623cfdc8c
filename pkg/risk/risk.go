// Package risk scores domains for the mediation pipeline. Scorers are
// collaborators: the pipeline always reaches them through a Guard, which
// bounds the call and turns failures into a policy verdict.
package risk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"
)

// MaxScore is the top of the score scale.
const MaxScore = 100.0

// Labels attached to verdicts produced in this package.
const (
	LabelLow      = "low"
	LabelMedium   = "medium"
	LabelHigh     = "high"
	LabelCritical = "critical"
	LabelUnknown  = "unknown"
	LabelNone     = "none"
)

// ErrBadStatus is returned when the risk API answers with a non-200 status.
var ErrBadStatus = errors.New("risk service returned unexpected status")

// Verdict is a per-query risk assessment.
type Verdict struct {
	Score   float64  `json:"riskScore"`
	Label   string   `json:"risk"`
	Message string   `json:"safetyMessage"`
	Reasons []string `json:"reasons"`
}

// Scorer computes a verdict for a normalized domain.
type Scorer interface {
	CalculateRisk(ctx context.Context, domain string) (Verdict, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, domain string) (Verdict, error)

// CalculateRisk implements Scorer.
func (f ScorerFunc) CalculateRisk(ctx context.Context, domain string) (Verdict, error) {
	return f(ctx, domain)
}

// Nop scores every domain zero.
type Nop struct{}

// CalculateRisk implements Scorer.
func (Nop) CalculateRisk(context.Context, string) (Verdict, error) {
	return Verdict{Label: LabelNone, Reasons: []string{}}, nil
}

// LabelFor maps a score onto the label scale.
func LabelFor(score float64) string {
	switch {
	case score >= 80:
		return LabelCritical
	case score >= 60:
		return LabelHigh
	case score >= 30:
		return LabelMedium
	default:
		return LabelLow
	}
}

func clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > MaxScore:
		return MaxScore
	}
	return score
}

// NewScorer builds the scorer selected by cfg.Provider. httpClient is used by
// the http provider and may be nil.
func NewScorer(cfg *config.RiskConfig, httpClient *http.Client, logger *logging.Logger) (Scorer, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTPScorer(cfg.Endpoint, httpClient, cfg.Timeout, cfg.CacheTTL, logger), nil
	case "heuristic", "":
		return NewHeuristicScorer(cfg.Rules)
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown risk provider %q", cfg.Provider)
	}
}

// cacheCleanup is how often expired verdicts are purged.
const cacheCleanup = 5 * time.Minute
