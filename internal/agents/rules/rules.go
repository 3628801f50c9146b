// Package rules implements the Rule Set Agent (§4.6.3): a collection of
// typed rules with debounce, automatic disablement, and adaptive rule
// synthesis from recorded (pattern, outcome) pairs.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/logger"
)

const (
	debounceWindow          = 5 * time.Minute
	disablementMinEvals     = 20
	disablementMaxAccuracy  = 0.3
	adaptiveMinPairs        = 10
	adaptiveMinSuccesses    = 5
	adaptiveMinFeatureScore = 0.7
)

// Agent is the Rule Set Agent.
type Agent struct {
	*agent.Base
	log zerolog.Logger

	mu    sync.RWMutex
	rules map[string]*domain.Rule

	patterns []outcomePattern
}

type outcomePattern struct {
	features map[string]interface{}
	success  bool
}

// New constructs a Rule Set Agent with an empty rule set; SeedDefaultRules
// installs the starter rules.
func New(base *agent.Base, log zerolog.Logger) *Agent {
	a := &Agent{
		Base:  base,
		log:   logger.Component(log, "rule_set_agent"),
		rules: make(map[string]*domain.Rule),
	}
	return a
}

// AddRule registers a rule under a generated id.
func (a *Agent) AddRule(r *domain.Rule) string {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Enabled = true
	a.mu.Lock()
	a.rules[r.ID] = r
	a.mu.Unlock()
	return r.ID
}

// LoadAdaptiveRules rehydrates previously synthesized rules from
// adaptive_rule memories written before this process started (§4.6.3).
func (a *Agent) LoadAdaptiveRules() error {
	records, err := a.RetrieveMemories("adaptive rule", domain.ContentTypeAdaptiveRule, 100)
	if err != nil {
		return fmt.Errorf("rule set agent: load adaptive rules: %w", err)
	}
	for _, r := range records {
		rule := ruleFromMetadata(r.Metadata)
		if rule != nil {
			a.AddRule(rule)
		}
	}
	return nil
}

func ruleFromMetadata(m domain.Metadata) *domain.Rule {
	name, _ := m["name"].(string)
	condition, _ := m["condition"].(string)
	operator, _ := m["operator"].(string)
	threshold, _ := m["threshold"].(float64)
	if name == "" || condition == "" {
		return nil
	}
	return &domain.Rule{
		ID:         uuid.NewString(),
		Kind:       domain.RuleEntry,
		Name:       name,
		Condition:  condition,
		Operator:   domain.RuleOperator(operator),
		Threshold:  threshold,
		Priority:   3,
		Enabled:    true,
		Parameters: map[string]interface{}{},
	}
}

// Evaluate runs every enabled rule of the given kind (or all kinds when
// kind is empty) against marketData, honoring debounce (§4.6.3).
func (a *Agent) Evaluate(symbol string, marketData map[string]float64, kind domain.RuleKind, now time.Time) []domain.RuleEvaluation {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []domain.RuleEvaluation
	for _, r := range a.rules {
		if !r.Enabled {
			continue
		}
		if kind != "" && r.Kind != kind {
			continue
		}
		if !r.LastTriggered.IsZero() && now.Sub(r.LastTriggered) < debounceWindow {
			continue
		}

		value, ok := marketData[r.Condition]
		if !ok {
			continue
		}

		triggered := applyOperator(r.Operator, value, r.Threshold, r.ThresholdHigh)
		confidence := ruleConfidence(r, marketData)

		r.Evaluations++
		if triggered {
			r.LastTriggered = now
		}

		out = append(out, domain.RuleEvaluation{
			Timestamp:    now,
			RuleID:       r.ID,
			Symbol:       symbol,
			Triggered:    triggered,
			Value:        value,
			Threshold:    r.Threshold,
			ConditionMet: triggered,
			Confidence:   confidence,
			Reasoning:    fmt.Sprintf("%s %s %.4f vs %.4f", r.Name, r.Operator, value, r.Threshold),
			Kind:         r.Kind,
		})

		a.maybeDisable(r)
	}
	return out
}

func applyOperator(op domain.RuleOperator, value, threshold, thresholdHigh float64) bool {
	switch op {
	case domain.OpGT:
		return value > threshold
	case domain.OpLT:
		return value < threshold
	case domain.OpGE:
		return value >= threshold
	case domain.OpLE:
		return value <= threshold
	case domain.OpEQ:
		return value == threshold
	case domain.OpNE:
		return value != threshold
	case domain.OpBetween:
		return value >= threshold && value <= thresholdHigh
	case domain.OpCrossesAbove:
		return value > threshold
	case domain.OpCrossesBelow:
		return value < threshold
	default:
		return false
	}
}

func ruleConfidence(r *domain.Rule, marketData map[string]float64) float64 {
	base := 0.5 + (r.Accuracy()-0.5)*0.4

	if volume, ok := marketData["volume_ratio"]; ok && volume > 1.5 {
		base += 0.05
	}
	if volatility, ok := marketData["volatility"]; ok && volatility > 0.2 {
		base += 0.05
	}
	base += float64(r.Priority) / 5 * 0.1

	return domain.Clamp(base, 0.1, 0.95)
}

// RecordVerdict updates a rule's accuracy counters after the outcome of a
// trigger is known, feeding both disablement and the confidence formula.
func (a *Agent) RecordVerdict(ruleID string, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rules[ruleID]
	if !ok {
		return
	}
	if success {
		r.Successes++
	}
	a.maybeDisable(r)
}

// maybeDisable must be called with a.mu held.
func (a *Agent) maybeDisable(r *domain.Rule) {
	if r.Enabled && r.Evaluations >= disablementMinEvals && r.Accuracy() < disablementMaxAccuracy {
		r.Enabled = false
		if _, err := a.StoreMemory(
			fmt.Sprintf("rule %s (%s) auto-disabled after %d evaluations at %.2f accuracy", r.Name, r.ID, r.Evaluations, r.Accuracy()),
			domain.ContentTypeRulePerformance, 0.5,
			domain.Metadata{"rule_id": r.ID, "evaluations": r.Evaluations, "accuracy": r.Accuracy()},
		); err != nil {
			a.log.Warn().Err(err).Str("rule_id", r.ID).Msg("failed to record auto-disablement")
		}
	}
}

// RecordPattern appends a (feature-set, outcome) pair for adaptive rule
// synthesis, triggering synthesis once the threshold is met (§4.6.3).
func (a *Agent) RecordPattern(features map[string]interface{}, success bool) error {
	a.mu.Lock()
	a.patterns = append(a.patterns, outcomePattern{features: features, success: success})
	patterns := append([]outcomePattern(nil), a.patterns...)
	a.mu.Unlock()

	successes := 0
	for _, p := range patterns {
		if p.success {
			successes++
		}
	}
	if len(patterns) >= adaptiveMinPairs && successes >= adaptiveMinSuccesses {
		return a.synthesizeAdaptiveRule(patterns)
	}
	return nil
}

// synthesizeAdaptiveRule implements the §4.6.3 algorithm note: for each
// feature across successful patterns, score it by coefficient of
// variation (numeric) or frequency-of-mode (categorical), then emit a
// rule from the highest-scoring feature above threshold.
func (a *Agent) synthesizeAdaptiveRule(patterns []outcomePattern) error {
	successful := make([]map[string]interface{}, 0, len(patterns))
	for _, p := range patterns {
		if p.success {
			successful = append(successful, p.features)
		}
	}
	if len(successful) == 0 {
		return nil
	}

	bestFeature := ""
	bestScore := 0.0
	bestIsNumeric := false
	bestMean := 0.0
	bestMode := interface{}(nil)

	featureNames := map[string]bool{}
	for _, f := range successful {
		for k := range f {
			featureNames[k] = true
		}
	}

	for name := range featureNames {
		numeric, isNumeric := numericValues(successful, name)
		if isNumeric && len(numeric) > 1 {
			mean := stat.Mean(numeric, nil)
			stddev := stat.StdDev(numeric, nil)
			if mean == 0 {
				continue
			}
			cv := stddev / absF(mean)
			score := domain.Clamp(1-cv, 0, 1)
			if score > bestScore {
				bestScore, bestFeature, bestIsNumeric, bestMean = score, name, true, mean
			}
			continue
		}

		mode, freq := modeOf(successful, name)
		score := freq
		if score > bestScore {
			bestScore, bestFeature, bestIsNumeric, bestMode = score, name, false, mode
		}
	}

	if bestFeature == "" || bestScore < adaptiveMinFeatureScore {
		return nil
	}

	var rule *domain.Rule
	if bestIsNumeric {
		rule = &domain.Rule{
			ID:         uuid.NewString(),
			Kind:       domain.RuleEntry,
			Name:       fmt.Sprintf("adaptive_%s_above_mean", bestFeature),
			Condition:  bestFeature,
			Operator:   domain.OpGT,
			Threshold:  bestMean,
			Priority:   3,
			Enabled:    true,
			Parameters: map[string]interface{}{"synthesized_from": "adaptive_rule_synthesis"},
		}
	} else {
		rule = &domain.Rule{
			ID:         uuid.NewString(),
			Kind:       domain.RuleEntry,
			Name:       fmt.Sprintf("adaptive_%s_equals_mode", bestFeature),
			Condition:  bestFeature,
			Operator:   domain.OpEQ,
			Priority:   3,
			Enabled:    true,
			Parameters: map[string]interface{}{"mode_value": bestMode, "synthesized_from": "adaptive_rule_synthesis"},
		}
	}
	a.AddRule(rule)

	_, err := a.StoreMemory(
		fmt.Sprintf("synthesized adaptive rule %s on feature %s (score %.2f)", rule.Name, bestFeature, bestScore),
		domain.ContentTypeAdaptiveRule, 0.5,
		domain.Metadata{"name": rule.Name, "condition": rule.Condition, "operator": string(rule.Operator), "threshold": rule.Threshold, "feature_score": bestScore},
	)
	return err
}

func numericValues(patterns []map[string]interface{}, name string) ([]float64, bool) {
	var out []float64
	for _, p := range patterns {
		v, ok := p[name]
		if !ok {
			return nil, false
		}
		f, ok := v.(float64)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func modeOf(patterns []map[string]interface{}, name string) (interface{}, float64) {
	counts := map[interface{}]int{}
	total := 0
	for _, p := range patterns {
		v, ok := p[name]
		if !ok {
			continue
		}
		counts[v]++
		total++
	}
	if total == 0 {
		return nil, 0
	}
	var bestVal interface{}
	bestCount := 0
	for v, c := range counts {
		if c > bestCount {
			bestCount, bestVal = c, v
		}
	}
	return bestVal, float64(bestCount) / float64(total)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// SeedDefaultRules registers the starter rule set a fresh Rule Set
// Agent ships with, keyed against the market-data vocabulary the
// Strategy Agent's indicators and market-conditions snapshot produce
// (rsi, volume_ratio, price_change, volatility, vix). Returns the
// registered rule ids.
func (a *Agent) SeedDefaultRules() []string {
	return []string{
		a.AddRule(&domain.Rule{
			Kind: domain.RuleEntry, Name: "momentum_rsi_breakout",
			Condition: "rsi", Operator: domain.OpGT, Threshold: 55,
			Priority: 5, Parameters: map[string]interface{}{},
		}),
		a.AddRule(&domain.Rule{
			Kind: domain.RuleEntry, Name: "volume_confirmation",
			Condition: "volume_ratio", Operator: domain.OpGT, Threshold: 1.2,
			Priority: 3, Parameters: map[string]interface{}{},
		}),
		a.AddRule(&domain.Rule{
			Kind: domain.RuleExit, Name: "rsi_exhaustion",
			Condition: "rsi", Operator: domain.OpLT, Threshold: 30,
			Priority: 4, Parameters: map[string]interface{}{},
		}),
		a.AddRule(&domain.Rule{
			Kind: domain.RuleRiskManagement, Name: "volatility_spike",
			Condition: "volatility", Operator: domain.OpGT, Threshold: 0.05,
			Priority: 4, Parameters: map[string]interface{}{},
		}),
		a.AddRule(&domain.Rule{
			Kind: domain.RuleMarketCondition, Name: "high_fear_index",
			Condition: "vix", Operator: domain.OpGT, Threshold: 30,
			Priority: 2, Parameters: map[string]interface{}{},
		}),
	}
}

// Process is the cooperative loop placeholder; the Rule Set Agent is
// request-driven but still yields periodically (§5).
func (a *Agent) Process(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Heartbeat()
		}
	}
}
