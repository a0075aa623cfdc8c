package risk

import (
	"context"
	"fmt"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"
)

// MetricsRecorder receives risk evaluation outcomes.
type MetricsRecorder interface {
	AddRiskEvaluation(ctx context.Context, label string)
	AddRiskFailure(ctx context.Context)
}

// Guard bounds a Scorer call and applies the failure policy.
type Guard struct {
	scorer   Scorer
	timeout  time.Duration
	failMode config.RiskFailMode
	logger   *logging.Logger
	metrics  MetricsRecorder
}

// NewGuard wraps scorer. metrics may be nil.
func NewGuard(scorer Scorer, cfg *config.RiskConfig, logger *logging.Logger, metrics MetricsRecorder) *Guard {
	if scorer == nil {
		scorer = Nop{}
	}
	failMode := cfg.FailMode
	if failMode == "" {
		failMode = config.RiskFailOpen
	}
	return &Guard{
		scorer:   scorer,
		timeout:  cfg.Timeout,
		failMode: failMode,
		logger:   logger,
		metrics:  metrics,
	}
}

// FailMode returns the configured failure policy.
func (g *Guard) FailMode() config.RiskFailMode {
	return g.failMode
}

// Fallback returns the verdict used when evaluation fails under mode.
func Fallback(mode config.RiskFailMode) Verdict {
	if mode == config.RiskFailClosed {
		return Verdict{
			Score:   MaxScore,
			Label:   LabelUnknown,
			Message: "Risk evaluation unavailable; blocked until it recovers.",
			Reasons: []string{"risk evaluation failed"},
		}
	}
	return Verdict{
		Score:   0,
		Label:   LabelUnknown,
		Message: "Risk evaluation unavailable.",
		Reasons: []string{"risk evaluation failed"},
	}
}

type result struct {
	v   Verdict
	err error
}

// Evaluate scores domain. It never blocks past the guard timeout and never
// panics; on any failure it returns the fallback verdict together with the
// error.
func (g *Guard) Evaluate(ctx context.Context, domain string) (Verdict, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	// Buffered so a scorer that ignores ctx cannot leak the goroutine forever.
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("risk scorer panic: %v", r)}
			}
		}()
		v, err := g.scorer.CalculateRisk(ctx, domain)
		done <- result{v: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		if g.metrics != nil {
			g.metrics.AddRiskFailure(ctx)
		}
		g.logger.Warn("Risk evaluation failed, applying fallback",
			"domain", domain,
			"fail_mode", g.failMode,
			"error", res.err)
		return Fallback(g.failMode), fmt.Errorf("risk evaluation for %s: %w", domain, res.err)
	}

	if g.metrics != nil {
		g.metrics.AddRiskEvaluation(ctx, res.v.Label)
	}
	return res.v, nil
}
