// Package coordinator implements the Coordinator (§4.7): the per-symbol
// pipeline that blends the Strategy, Timing, and Rule Set agents'
// outputs into a single weighted trading decision, calibrated by a
// risk mode, and the cycle driver that executes the best candidates
// across a watchlist.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/agents/strategy"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/logger"
)

const (
	phaseTimeout        = 30 * time.Second
	decisionTTL         = 24 * time.Hour
	maxPositionsDefault = 5
	maxPositionsCautious = 3
)

// ModeParams holds the risk calibration for one operating mode (§4.7).
type ModeParams struct {
	ConsensusThreshold float64
	MaxPositionRisk    float64
}

var modeParams = map[domain.Mode]ModeParams{
	domain.ModeConservative: {ConsensusThreshold: 0.80, MaxPositionRisk: 0.03},
	domain.ModeBalanced:     {ConsensusThreshold: 0.70, MaxPositionRisk: 0.05},
	domain.ModeAggressive:   {ConsensusThreshold: 0.60, MaxPositionRisk: 0.07},
	domain.ModeAutonomous:   {ConsensusThreshold: 0.50, MaxPositionRisk: 0.10},
}

var allStrategyKinds = []domain.StrategyKind{
	domain.StrategyMomentum,
	domain.StrategyMeanReversion,
	domain.StrategyBreakout,
	domain.StrategyScalping,
	domain.StrategySwing,
	domain.StrategyTrendFollowing,
}

// HistoryProvider supplies the OHLCV window and VIX reading the market
// analysis phase reasons over (§4.7.1 step 1). Satisfied in production
// by the Stock Scraper's rolling tick history plus a VIX lookup.
type HistoryProvider interface {
	History(symbol string) (closes, volumes []float64, vix float64, ok bool)
}

// StrategySource is the narrow contract the signal-generation phase and
// outcome attribution need from the Strategy Agent.
type StrategySource interface {
	Generate(md strategy.MarketData, kind domain.StrategyKind, mc domain.MarketConditions, now time.Time) *domain.StrategySignal
	RecordOutcome(symbol string, strategy domain.StrategyKind, success bool, pnl float64) error
}

// TimingSource is the narrow contract the timing phase and outcome
// attribution need from the Timing Agent.
type TimingSource interface {
	Analyze(symbol string, strategy domain.StrategyKind, now time.Time, similarAccuracy float64) *domain.TimingSignal
	RecordOutcome(symbol string, strategy domain.StrategyKind, entry, exit float64, success bool, pnl float64) error
}

// RulesSource is the narrow contract the rule-validation phase and
// outcome attribution need from the Rule Set Agent.
type RulesSource interface {
	Evaluate(symbol string, marketData map[string]float64, kind domain.RuleKind, now time.Time) []domain.RuleEvaluation
	RecordVerdict(ruleID string, success bool)
}

// PositionSource is the narrow contract execution planning needs from
// the Portfolio Tracker to avoid opening a duplicate position.
type PositionSource interface {
	OpenPositions() ([]*domain.Position, error)
}

// trackedDecision is the Coordinator's private bookkeeping for an
// executed (non-hold) decision, kept alongside the public domain.Decision
// so outcome attribution (§4.7.5) can forward results to the specific
// strategy and rules that produced it.
type trackedDecision struct {
	decision         *domain.Decision
	strategy         domain.StrategyKind
	triggeredRuleIDs []string
	recordedAt       time.Time
}

// Agent is the Coordinator (§4.7).
type Agent struct {
	*agent.Base
	log zerolog.Logger

	mode    domain.Mode
	weights map[string]float64

	market     HistoryProvider
	strategyA  StrategySource
	timingA    TimingSource
	rulesA     RulesSource
	portfolioA PositionSource

	mu       sync.Mutex
	executed map[string]*trackedDecision
}

// New constructs a Coordinator wired to its constituent agents.
func New(base *agent.Base, mode domain.Mode, weights map[string]float64, market HistoryProvider, strategyA StrategySource, timingA TimingSource, rulesA RulesSource, portfolioA PositionSource, log zerolog.Logger) *Agent {
	return &Agent{
		Base:       base,
		log:        logger.Component(log, "coordinator"),
		mode:       mode,
		weights:    weights,
		market:     market,
		strategyA:  strategyA,
		timingA:    timingA,
		rulesA:     rulesA,
		portfolioA: portfolioA,
		executed:   make(map[string]*trackedDecision),
	}
}

// runPhase executes fn under a per-phase timeout and panic barrier
// (§4.7.6): a phase that errors or panics contributes nothing to
// synthesis but never aborts the whole cycle.
func (c *Agent) runPhase(ctx context.Context, name string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, phaseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("phase %s panicked: %v", name, r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("phase %s: %w", name, ctx.Err())
	}
}

// CoordinateDecision runs the five-step per-symbol pipeline (§4.7.1):
// market analysis, signal generation, timing optimization, rule
// validation, and synthesis. It returns (nil, nil) when a phase fails
// outright (no market data) or consensus is not reached; the symbol is
// simply skipped this cycle, never blocking the rest of the watchlist.
func (c *Agent) CoordinateDecision(ctx context.Context, symbol string) (*domain.Decision, error) {
	now := time.Now().UTC()

	var mc domain.MarketConditions
	var md strategy.MarketData
	if err := c.runPhase(ctx, "market_analysis", func() error {
		closes, volumes, vix, ok := c.market.History(symbol)
		if !ok || len(closes) == 0 {
			return fmt.Errorf("no market history for %s", symbol)
		}
		md = strategy.MarketData{Symbol: symbol, Closes: closes, Volumes: volumes}
		mc = strategy.AnalyzeMarket(symbol, closes, volumes, vix, now)
		return nil
	}); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("market analysis unavailable, skipping symbol this cycle")
		return nil, nil
	}

	var strategySignal *domain.StrategySignal
	if err := c.runPhase(ctx, "signal_generation", func() error {
		for _, kind := range allStrategyKinds {
			sig := c.strategyA.Generate(md, kind, mc, now)
			if sig != nil && (strategySignal == nil || sig.Confidence > strategySignal.Confidence) {
				strategySignal = sig
			}
		}
		return nil
	}); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("signal generation failed, strategy contributes nothing")
		c.RecordError()
		strategySignal = nil
	}

	var timingSignal *domain.TimingSignal
	if err := c.runPhase(ctx, "timing_optimization", func() error {
		strat := domain.StrategyMomentum
		if strategySignal != nil {
			strat = strategySignal.Strategy
		}
		timingSignal = c.timingA.Analyze(symbol, strat, now, c.similarAccuracy(symbol))
		return nil
	}); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("timing optimization failed, timing contributes nothing")
		c.RecordError()
		timingSignal = nil
	}

	var ruleEvals []domain.RuleEvaluation
	if err := c.runPhase(ctx, "rule_validation", func() error {
		ruleEvals = c.rulesA.Evaluate(symbol, buildRuleMarketData(mc, strategySignal), "", now)
		return nil
	}); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("rule validation failed, rules contribute nothing")
		c.RecordError()
		ruleEvals = nil
	}

	var result *synthesisResult
	if err := c.runPhase(ctx, "synthesis", func() error {
		result = c.synthesize(symbol, mc, strategySignal, timingSignal, ruleEvals, now)
		return nil
	}); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("synthesis failed, no decision this cycle")
		c.RecordError()
		return nil, nil
	}

	if result == nil {
		return nil, nil
	}

	c.storeDecision(symbol, result)
	return result.decision, nil
}

func (c *Agent) similarAccuracy(symbol string) float64 {
	records, err := c.GetSimilarExperiences(fmt.Sprintf("coordinate decision %s", symbol), 20)
	if err != nil || len(records) == 0 {
		return 0.5
	}
	successes := 0
	for _, r := range records {
		if s, ok := r.Metadata["success"].(bool); ok && s {
			successes++
		}
	}
	return float64(successes) / float64(len(records))
}

func buildRuleMarketData(mc domain.MarketConditions, sig *domain.StrategySignal) map[string]float64 {
	out := map[string]float64{
		"price_change": mc.PriceChange,
		"volatility":   mc.Volatility,
		"volume":       mc.Volume,
		"vix":          mc.VIX,
	}
	if sig != nil {
		for k, v := range sig.Indicators {
			if f, ok := v.(float64); ok {
				out[k] = f
			}
		}
	}
	return out
}

type synthesisResult struct {
	decision         *domain.Decision
	strategy         domain.StrategyKind
	triggeredRuleIDs []string
}

// synthesize implements the weighted-decision rule exactly per §4.7.2:
// a weighted confidence sum gates on the mode's consensus threshold,
// an initial action is picked off the strategy signal's strength, the
// timing signal can demote or boost it, an unfired entry rule blocks a
// buy outright, position sizing is stop-distance scaled and mode-capped,
// and a risk score is computed before the mode's final adjustment pass.
func (c *Agent) synthesize(symbol string, mc domain.MarketConditions, strategySignal *domain.StrategySignal, timingSignal *domain.TimingSignal, ruleEvals []domain.RuleEvaluation, now time.Time) *synthesisResult {
	params := modeParams[c.mode]

	confidences := map[string]float64{}
	weights := map[string]float64{}
	var contributors []string
	var weightedSum, weightSum float64

	add := func(source string, confidence float64) {
		w := c.weights[source]
		if w <= 0 {
			return
		}
		confidences[source] = confidence
		weights[source] = w
		contributors = append(contributors, source)
		weightedSum += confidence * w
		weightSum += w
	}

	if strategySignal != nil {
		add("strategy", strategySignal.Confidence)
	}
	if timingSignal != nil {
		add("timing", timingSignal.Confidence)
	}
	add("market_data", marketConfidence(mc))
	if avg, any := triggeredRuleConfidence(ruleEvals); any {
		add("rules", avg)
	}

	if weightSum == 0 {
		c.recordNoConsensus(symbol, 0, params.ConsensusThreshold)
		return nil
	}

	overall := weightedSum / weightSum
	if overall < params.ConsensusThreshold {
		c.recordNoConsensus(symbol, overall, params.ConsensusThreshold)
		return nil
	}

	var reasoning []string
	reasoning = append(reasoning, fmt.Sprintf("consensus=%.2f", overall))

	action := domain.ActionHold
	if strategySignal != nil {
		switch strategySignal.Strength {
		case domain.StrengthStrong, domain.StrengthVeryStrong:
			action = domain.ActionBuy
		case domain.StrengthModerate:
			if overall > 0.8 {
				action = domain.ActionBuy
			}
		}
	}

	if action == domain.ActionBuy && timingSignal != nil {
		switch timingSignal.Recommendation {
		case "sell", "strong_sell":
			action = domain.ActionHold
			reasoning = append(reasoning, "timing conflict")
		case "buy", "strong_buy":
			overall = domain.Clamp(overall*1.10, 0, 1)
		}
	}

	var triggeredRuleIDs []string
	entryTriggered := false
	for _, e := range ruleEvals {
		if e.Kind == domain.RuleEntry && e.Triggered {
			entryTriggered = true
			triggeredRuleIDs = append(triggeredRuleIDs, e.RuleID)
		}
	}
	if action == domain.ActionBuy && !entryTriggered {
		action = domain.ActionHold
		reasoning = append(reasoning, "entry blocked by rules")
	}

	var entry, stop, target float64
	if strategySignal != nil {
		entry, stop, target = strategySignal.Entry, strategySignal.Stop, strategySignal.Target
	}

	size := 0.02 + overall*0.03
	if entry != 0 {
		stopDistance := math.Abs(entry-stop) / entry
		if stopDistance > 0 {
			size *= math.Min(1, 0.02/stopDistance)
		}
	}
	size = domain.Clamp(size, 0, params.MaxPositionRisk)

	risk := math.Min(0.4, 2*mc.Volatility) + 0.3*(1-overall) + 5*size
	if mc.VIX > 25 {
		risk += 0.2
	}
	risk = domain.Clamp(risk, 0, 1)

	switch c.mode {
	case domain.ModeConservative:
		if overall < 0.8 {
			action = domain.ActionHold
			reasoning = append(reasoning, "conservative mode requires consensus >= 0.80")
		}
		size = domain.Clamp(size*0.7, 0, params.MaxPositionRisk)
		overall = domain.Clamp(overall*0.9, 0, 1)
	case domain.ModeAggressive:
		if action == domain.ActionHold && overall > 0.6 {
			action = domain.ActionBuy
			reasoning = append(reasoning, "aggressive mode promotion")
		}
		size = domain.Clamp(size*1.3, 0, params.MaxPositionRisk)
		overall = domain.Clamp(overall*1.05, 0, 1)
	case domain.ModeAutonomous:
		if risk > 0.7 {
			size = domain.Clamp(size*0.8, 0, params.MaxPositionRisk)
		}
	}

	d := &domain.Decision{
		Timestamp:    now,
		Symbol:       symbol,
		Action:       action,
		Reasoning:    joinReasons(reasoning),
		Mode:         c.mode,
		Phase:        domain.PhaseExecutionPlanning,
		Contributors: contributors,
		Confidences:  confidences,
		Weights:      weights,
		Confidence:   overall,
		PositionSize: size,
		Entry:        entry,
		Stop:         stop,
		Target:       target,
		RiskScore:    risk,
	}

	strat := domain.StrategyMomentum
	if strategySignal != nil {
		strat = strategySignal.Strategy
	}

	return &synthesisResult{decision: d, strategy: strat, triggeredRuleIDs: triggeredRuleIDs}
}

func joinReasons(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}

// triggeredRuleConfidence averages the confidence of only the triggered
// rule evaluations (§4.7.2): an evaluated-but-not-triggered rule does
// not contribute to the rules source.
func triggeredRuleConfidence(evals []domain.RuleEvaluation) (float64, bool) {
	var sum float64
	var n int
	for _, e := range evals {
		if e.Triggered {
			sum += e.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// marketConfidence implements §4.7.3's market-regime confidence formula.
func marketConfidence(mc domain.MarketConditions) float64 {
	c := 0.5
	if mc.Volatility >= 0.15 && mc.Volatility <= 0.25 {
		c += 0.2
	}
	if mc.Volatility > 0.35 {
		c -= 0.3
	}
	switch mc.Trend {
	case domain.TrendBullish:
		c += 0.2
	case domain.TrendBearish:
		c -= 0.1
	}
	if mc.VIX < 20 {
		c += 0.1
	}
	if mc.VIX > 30 {
		c -= 0.2
	}
	return domain.Clamp(c, 0.1, 0.9)
}

func (c *Agent) recordNoConsensus(symbol string, overall, threshold float64) {
	_, err := c.StoreMemory(
		fmt.Sprintf("coordinate %s: consensus %.2f below threshold %.2f, no decision", symbol, overall, threshold),
		domain.ContentTypeCoordinationDecision, 0.2,
		domain.Metadata{"symbol": symbol, "action": "none", "overall_confidence": overall, "consensus_threshold": threshold},
	)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to record no-consensus diagnostic")
	}
}

func (c *Agent) storeDecision(symbol string, r *synthesisResult) {
	d := r.decision
	importance := domain.Clamp(0.3+d.Confidence*0.3, 0, 1)
	_, err := c.StoreMemory(
		fmt.Sprintf("coordinate %s action=%s confidence=%.2f risk=%.2f size=%.4f: %s", symbol, d.Action, d.Confidence, d.RiskScore, d.PositionSize, d.Reasoning),
		domain.ContentTypeCoordinationDecision, importance,
		domain.Metadata{
			"symbol": symbol, "action": string(d.Action), "mode": string(d.Mode),
			"confidence": d.Confidence, "position_size": d.PositionSize, "risk_score": d.RiskScore,
			"contributors": d.Contributors, "strategy": string(r.strategy),
		},
	)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to record coordination decision")
	}

	if d.Action == domain.ActionHold {
		return
	}

	c.mu.Lock()
	c.executed[symbol] = &trackedDecision{
		decision:         d,
		strategy:         r.strategy,
		triggeredRuleIDs: r.triggeredRuleIDs,
		recordedAt:       time.Now().UTC(),
	}
	c.mu.Unlock()
}

func (c *Agent) gcExecuted() {
	cutoff := time.Now().UTC().Add(-decisionTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, td := range c.executed {
		if td.recordedAt.Before(cutoff) {
			delete(c.executed, symbol)
		}
	}
}

// ExecutedSymbols reports the symbols with a non-hold decision still
// awaiting outcome attribution.
func (c *Agent) ExecutedSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.executed))
	for symbol := range c.executed {
		out = append(out, symbol)
	}
	return out
}

// ExecuteCycle runs coordinate_decision over the watchlist (§4.7.4),
// ranks non-hold decisions by confidence minus risk, and invokes
// execute for the top maxPositionsPerCycle candidates (3 in
// conservative mode, 5 otherwise). A symbol whose pipeline fails is
// logged and skipped; it never aborts the rest of the cycle.
func (c *Agent) ExecuteCycle(ctx context.Context, watchlist []string, execute func(symbol string, d *domain.Decision) error) error {
	c.gcExecuted()

	openSymbols := map[string]bool{}
	if c.portfolioA != nil {
		positions, err := c.portfolioA.OpenPositions()
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to list open positions, proceeding without duplicate-entry guard")
		}
		for _, p := range positions {
			openSymbols[p.Symbol] = true
		}
	}

	type candidate struct {
		symbol   string
		decision *domain.Decision
		score    float64
	}

	var candidates []candidate
	for _, symbol := range watchlist {
		d, err := c.CoordinateDecision(ctx, symbol)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("coordinate decision errored, skipping symbol")
			continue
		}
		if d == nil || d.Action == domain.ActionHold {
			continue
		}
		if d.Action == domain.ActionBuy && openSymbols[symbol] {
			c.log.Debug().Str("symbol", symbol).Msg("skipping buy, position already open")
			continue
		}
		candidates = append(candidates, candidate{symbol: symbol, decision: d, score: d.Confidence - d.RiskScore})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	limit := maxPositionsDefault
	if c.mode == domain.ModeConservative {
		limit = maxPositionsCautious
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}

	for i := 0; i < limit; i++ {
		cd := candidates[i]
		if execute == nil {
			continue
		}
		if err := execute(cd.symbol, cd.decision); err != nil {
			c.log.Error().Err(err).Str("symbol", cd.symbol).Msg("execution callback failed")
		}
	}
	return nil
}

// RecordOutcome attributes a trade's result back to the decision that
// produced it (§4.7.5): it is a no-op if no tracked decision exists for
// symbol, otherwise it updates the Coordinator's own counters, forwards
// the outcome to each contributing agent, records a coordination_outcome
// memory, and forgets the tracked decision.
func (c *Agent) RecordOutcome(symbol string, exitPrice float64, success bool, pnl float64) error {
	c.mu.Lock()
	td, ok := c.executed[symbol]
	if ok {
		delete(c.executed, symbol)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	d := td.decision

	if err := c.LearnFromOutcome(fmt.Sprintf("coordinate %s action=%s", symbol, d.Action), outcomeLabel(success), success, pnl); err != nil {
		return fmt.Errorf("coordinator: learn from outcome: %w", err)
	}

	for _, contributor := range d.Contributors {
		switch contributor {
		case "strategy":
			if c.strategyA != nil {
				if err := c.strategyA.RecordOutcome(symbol, td.strategy, success, pnl); err != nil {
					c.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to forward outcome to strategy agent")
				}
			}
		case "timing":
			if c.timingA != nil {
				if err := c.timingA.RecordOutcome(symbol, td.strategy, d.Entry, exitPrice, success, pnl); err != nil {
					c.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to forward outcome to timing agent")
				}
			}
		}
	}
	if c.rulesA != nil {
		for _, ruleID := range td.triggeredRuleIDs {
			c.rulesA.RecordVerdict(ruleID, success)
		}
	}

	_, err := c.StoreMemory(
		fmt.Sprintf("coordination outcome %s action=%s success=%t pnl=%.4f", symbol, d.Action, success, pnl),
		domain.ContentTypeCoordinationOutcome, outcomeImportance(pnl),
		domain.Metadata{"symbol": symbol, "action": string(d.Action), "success": success, "pnl": pnl},
	)
	return err
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func outcomeImportance(pnl float64) float64 {
	base := 0.4
	if pnl < 0 {
		base += 0.1
	}
	return domain.Clamp(base, 0, 1)
}

// Process is the cooperative loop placeholder: the Coordinator's cycles
// are driven from outside (the HTTP cycle endpoint calls ExecuteCycle)
// rather than by its own ticker, but it still yields periodically so its
// lifecycle stays observable and cancellable (§5).
func (c *Agent) Process(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Heartbeat()
		}
	}
}
