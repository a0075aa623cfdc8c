package risk

import (
	"context"
	"fmt"
	"math"
	"strings"

	"cleannet/pkg/config"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Features is the environment heuristic rules are evaluated against.
type Features struct {
	Domain     string   `expr:"domain"`
	Labels     []string `expr:"labels"`
	LabelCount int      `expr:"label_count"`
	Length     int      `expr:"length"`
	TLD        string   `expr:"tld"`
	Hyphens    int      `expr:"hyphens"`
	Digits     int      `expr:"digits"`
	Entropy    float64  `expr:"entropy"`
	Punycode   bool     `expr:"punycode"`
}

// DefaultRules are used when no rules are configured. Structural traits
// (hyphens, digits, depth, length, entropy) and the TLD together stay below
// 60, so CDN and cloud hostnames need a lure keyword or punycode to reach the
// default threshold.
var DefaultRules = []config.RiskRule{
	{Name: "punycode", When: `punycode`, Score: 40, Reason: "Domain uses punycode, a common homograph trick"},
	{Name: "lure-keywords", When: `any(["login", "verify", "secure", "account", "update", "wallet", "signin", "banking"], {domain contains #})`, Score: 40, Reason: "Domain contains a credential lure keyword"},
	{Name: "risky-tld", When: `tld in ["zip", "mov", "xyz", "top", "click", "gq", "tk", "ml", "cf", "ga", "work"]`, Score: 15, Reason: "Top-level domain is frequently abused"},
	{Name: "many-hyphens", When: `hyphens >= 3`, Score: 8, Reason: "Domain has many hyphens"},
	{Name: "digit-heavy", When: `digits >= 5`, Score: 8, Reason: "Domain has many digits"},
	{Name: "deep-subdomain", When: `label_count >= 5`, Score: 8, Reason: "Domain is nested unusually deep"},
	{Name: "long-name", When: `length > 50`, Score: 8, Reason: "Domain name is unusually long"},
	{Name: "random-looking", When: `entropy > 3.9 && length >= 20`, Score: 8, Reason: "Domain looks randomly generated"},
}

type compiledRule struct {
	rule    config.RiskRule
	program *vm.Program
}

// HeuristicScorer scores domains locally with expression rules. The score is
// the sum of the matching rules, capped at MaxScore.
type HeuristicScorer struct {
	rules []compiledRule
}

// NewHeuristicScorer compiles rules, falling back to DefaultRules when rules
// is empty.
func NewHeuristicScorer(rules []config.RiskRule) (*HeuristicScorer, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}

	s := &HeuristicScorer{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		program, err := expr.Compile(r.When, expr.Env(Features{}), expr.AsBool())
		if err != nil {
			name := r.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("compile risk rule %s: %w", name, err)
		}
		s.rules = append(s.rules, compiledRule{rule: r, program: program})
	}
	return s, nil
}

// CalculateRisk implements Scorer.
func (s *HeuristicScorer) CalculateRisk(ctx context.Context, domain string) (Verdict, error) {
	env := Extract(domain)

	var score float64
	reasons := []string{}
	for _, r := range s.rules {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		out, err := expr.Run(r.program, env)
		if err != nil {
			return Verdict{}, fmt.Errorf("risk rule %s: %w", r.rule.Name, err)
		}
		if matched, _ := out.(bool); matched {
			score += r.rule.Score
			if r.rule.Reason != "" {
				reasons = append(reasons, r.rule.Reason)
			}
		}
	}

	score = clamp(score)
	label := LabelFor(score)
	return Verdict{
		Score:   score,
		Label:   label,
		Message: message(label),
		Reasons: reasons,
	}, nil
}

func message(label string) string {
	switch label {
	case LabelCritical:
		return "This domain shows strong signs of being malicious."
	case LabelHigh:
		return "This domain looks risky."
	case LabelMedium:
		return "This domain has some suspicious traits."
	default:
		return "No notable risk signals."
	}
}

// Extract computes rule features for a normalized domain.
func Extract(domain string) Features {
	labels := strings.Split(domain, ".")
	f := Features{
		Domain:     domain,
		Labels:     labels,
		LabelCount: len(labels),
		Length:     len(domain),
		TLD:        labels[len(labels)-1],
		Hyphens:    strings.Count(domain, "-"),
		Entropy:    entropy(strings.ReplaceAll(domain, ".", "")),
	}
	for _, r := range domain {
		if r >= '0' && r <= '9' {
			f.Digits++
		}
	}
	for _, l := range labels {
		if strings.HasPrefix(l, "xn--") {
			f.Punycode = true
			break
		}
	}
	return f
}

// entropy is the Shannon entropy of s in bits per character.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len([]rune(s)))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
