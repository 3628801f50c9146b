package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/agents/strategy"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/internal/router"
)

func defaultWeights() map[string]float64 {
	return map[string]float64{
		"memory": 0.10, "timing": 0.20, "strategy": 0.25, "rules": 0.20,
		"runtime": 0.10, "market_data": 0.05, "portfolio": 0.05, "signals": 0.05,
	}
}

type fakeHistory struct {
	closes, volumes []float64
	vix             float64
	ok              bool
}

func (f fakeHistory) History(symbol string) (closes, volumes []float64, vix float64, ok bool) {
	return f.closes, f.volumes, f.vix, f.ok
}

type fakeStrategy struct {
	signal    *domain.StrategySignal
	panics    bool
	panicsFor string
}

func (f *fakeStrategy) Generate(md strategy.MarketData, kind domain.StrategyKind, mc domain.MarketConditions, now time.Time) *domain.StrategySignal {
	if f.panics || (f.panicsFor != "" && md.Symbol == f.panicsFor) {
		panic("strategy agent exploded")
	}
	if f.signal != nil && f.signal.Strategy == kind {
		return f.signal
	}
	return nil
}

func (f *fakeStrategy) RecordOutcome(symbol string, strategyKind domain.StrategyKind, success bool, pnl float64) error {
	return nil
}

type fakeTiming struct {
	signal *domain.TimingSignal
	panics bool
}

func (f *fakeTiming) Analyze(symbol string, strategyKind domain.StrategyKind, now time.Time, similarAccuracy float64) *domain.TimingSignal {
	if f.panics {
		panic("timing agent exploded")
	}
	return f.signal
}

func (f *fakeTiming) RecordOutcome(symbol string, strategyKind domain.StrategyKind, entry, exit float64, success bool, pnl float64) error {
	return nil
}

type fakeRules struct {
	evals []domain.RuleEvaluation
}

func (f *fakeRules) Evaluate(symbol string, marketData map[string]float64, kind domain.RuleKind, now time.Time) []domain.RuleEvaluation {
	return f.evals
}

func (f *fakeRules) RecordVerdict(ruleID string, success bool) {}

type fakePortfolio struct {
	open []*domain.Position
}

func (f *fakePortfolio) OpenPositions() ([]*domain.Position, error) { return f.open, nil }

func newTestAgent(t *testing.T, mode domain.Mode, market HistoryProvider, strategyA StrategySource, timingA TimingSource, rulesA RulesSource, portfolioA PositionSource) *Agent {
	t.Helper()
	store, err := memory.Open(memory.Config{BaseDir: t.TempDir(), EmbeddingDimension: 8}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rtr := router.New(store, zerolog.Nop())
	base := agent.New("coordinator", "coordinator", store, rtr, zerolog.Nop())
	return New(base, mode, defaultWeights(), market, strategyA, timingA, rulesA, portfolioA, zerolog.Nop())
}

func bullishConditions() domain.MarketConditions {
	return domain.MarketConditions{Trend: domain.TrendBullish, Volatility: 0.20, VIX: 18, Regime: domain.RegimeTrending}
}

func strongStrategySignal() *domain.StrategySignal {
	return &domain.StrategySignal{
		Strategy: domain.StrategyMomentum, Strength: domain.StrengthStrong, Confidence: 0.82,
		Entry: 150, Stop: 147, Target: 156,
	}
}

func triggeredEntryRule() []domain.RuleEvaluation {
	return []domain.RuleEvaluation{{RuleID: "entry-1", Kind: domain.RuleEntry, Triggered: true, Confidence: 0.75}}
}

func TestCoordinator_SynthesizeHighConsensusProducesBuyWithAttribution(t *testing.T) {
	a := newTestAgent(t, domain.ModeBalanced, nil, nil, nil, nil, nil)

	result := a.synthesize("AAPL", bullishConditions(), strongStrategySignal(),
		&domain.TimingSignal{Confidence: 0.70, Recommendation: "buy"},
		triggeredEntryRule(), time.Now().UTC())

	require.NotNil(t, result)
	d := result.decision
	assert.Equal(t, domain.ActionBuy, d.Action)
	assert.ElementsMatch(t, []string{"strategy", "timing", "rules", "market_data"}, d.Contributors)
	assert.InDelta(t, 0.8486, d.Confidence, 0.001)
	assert.InDelta(t, 0.04546, d.PositionSize, 0.001)
	assert.LessOrEqual(t, d.PositionSize, modeParams[domain.ModeBalanced].MaxPositionRisk)
	assert.GreaterOrEqual(t, d.Confidence, modeParams[domain.ModeBalanced].ConsensusThreshold)
}

func TestCoordinator_SynthesizeDemotesToHoldWhenNoEntryRuleTriggers(t *testing.T) {
	a := newTestAgent(t, domain.ModeBalanced, nil, nil, nil, nil, nil)

	untriggeredRule := []domain.RuleEvaluation{{RuleID: "entry-1", Kind: domain.RuleEntry, Triggered: false, Confidence: 0.75}}
	result := a.synthesize("AAPL", bullishConditions(), strongStrategySignal(),
		&domain.TimingSignal{Confidence: 0.70, Recommendation: "buy"},
		untriggeredRule, time.Now().UTC())

	require.NotNil(t, result)
	assert.Equal(t, domain.ActionHold, result.decision.Action)
	assert.Contains(t, result.decision.Reasoning, "entry blocked by rules")
	assert.NotContains(t, result.decision.Contributors, "rules", "an untriggered rule evaluation must not contribute a confidence source")
}

func TestCoordinator_SynthesizeDemotesToHoldOnTimingConflict(t *testing.T) {
	a := newTestAgent(t, domain.ModeBalanced, nil, nil, nil, nil, nil)

	result := a.synthesize("AAPL", bullishConditions(), strongStrategySignal(),
		&domain.TimingSignal{Confidence: 0.70, Recommendation: "strong_sell"},
		triggeredEntryRule(), time.Now().UTC())

	require.NotNil(t, result)
	assert.Equal(t, domain.ActionHold, result.decision.Action)
	assert.Contains(t, result.decision.Reasoning, "timing conflict")
}

func TestCoordinator_SynthesizeReturnsNoDecisionBelowConservativeConsensusThreshold(t *testing.T) {
	a := newTestAgent(t, domain.ModeConservative, nil, nil, nil, nil, nil)

	// Same qualitative inputs as the balanced high-consensus case, but the
	// conservative mode's higher consensus_threshold (0.80) is not met by
	// the pre-boost weighted overall (~0.77), so no decision is produced.
	result := a.synthesize("AAPL", bullishConditions(), strongStrategySignal(),
		&domain.TimingSignal{Confidence: 0.70, Recommendation: "buy"},
		triggeredEntryRule(), time.Now().UTC())

	assert.Nil(t, result, "consensus below the conservative threshold must yield no decision")
}

func TestCoordinator_SynthesizeAggressiveModePromotesHoldToBuyAboveSixty(t *testing.T) {
	a := newTestAgent(t, domain.ModeAggressive, nil, nil, nil, nil, nil)

	// A moderate-strength signal with a non-buy timing read never reaches
	// "buy" through the initial-action or timing-override rules, so the
	// aggressive mode's own "hold but overall > 0.6" promotion is what
	// turns this into a buy.
	moderateSignal := &domain.StrategySignal{
		Strategy: domain.StrategyMomentum, Strength: domain.StrengthModerate, Confidence: 0.80,
		Entry: 150, Stop: 147, Target: 156,
	}
	result := a.synthesize("AAPL", bullishConditions(), moderateSignal,
		&domain.TimingSignal{Confidence: 0.70, Recommendation: "hold"},
		triggeredEntryRule(), time.Now().UTC())

	require.NotNil(t, result)
	assert.Equal(t, domain.ActionBuy, result.decision.Action)
	assert.Contains(t, result.decision.Reasoning, "aggressive mode promotion")
	assert.LessOrEqual(t, result.decision.PositionSize, modeParams[domain.ModeAggressive].MaxPositionRisk)
}

func TestCoordinator_SynthesizeNoConsensusWhenNoSourceContributes(t *testing.T) {
	weights := map[string]float64{"market_data": 0}
	store, err := memory.Open(memory.Config{BaseDir: t.TempDir(), EmbeddingDimension: 8}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rtr := router.New(store, zerolog.Nop())
	base := agent.New("coordinator", "coordinator", store, rtr, zerolog.Nop())
	a := New(base, domain.ModeBalanced, weights, nil, nil, nil, nil, nil, zerolog.Nop())

	result := a.synthesize("AAPL", bullishConditions(), nil, nil, nil, time.Now().UTC())
	assert.Nil(t, result)
}

func TestCoordinator_CoordinateDecisionSkipsSymbolWithoutMarketHistory(t *testing.T) {
	a := newTestAgent(t, domain.ModeBalanced, fakeHistory{ok: false}, &fakeStrategy{}, &fakeTiming{}, &fakeRules{}, &fakePortfolio{})

	d, err := a.CoordinateDecision(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestCoordinator_CoordinateDecisionContainsTimingAgentPanicAndStillSynthesizes(t *testing.T) {
	market := fakeHistory{closes: risingCloses(40), volumes: flatVolumes(40), vix: 18, ok: true}
	strategyA := &fakeStrategy{signal: strongStrategySignal()}
	timingA := &fakeTiming{panics: true}
	rulesA := &fakeRules{evals: triggeredEntryRule()}

	a := newTestAgent(t, domain.ModeBalanced, market, strategyA, timingA, rulesA, &fakePortfolio{})

	d, err := a.CoordinateDecision(context.Background(), "AAPL")
	require.NoError(t, err)
	// Timing panicked and contributed nothing; strategy+rules+market_data
	// alone may or may not clear consensus, but the call must not itself
	// error or crash the process.
	if d != nil {
		assert.NotContains(t, d.Contributors, "timing")
	}
}

func TestCoordinator_ExecuteCycleIsolatesFailureToOneSymbol(t *testing.T) {
	market := fakeHistory{closes: risingCloses(40), volumes: flatVolumes(40), vix: 18, ok: true}
	rulesA := &fakeRules{evals: triggeredEntryRule()}

	// The strategy agent panics on every AAPL call and behaves normally for
	// TSLA, which should still produce a decision in the same ExecuteCycle pass.
	mixed := &fakeStrategy{signal: strongStrategySignal(), panicsFor: "AAPL"}

	callCount := map[string]int{}
	executed := map[string]*domain.Decision{}

	a := newTestAgent(t, domain.ModeBalanced, market, mixed,
		&fakeTiming{signal: &domain.TimingSignal{Confidence: 0.70, Recommendation: "buy"}},
		rulesA, &fakePortfolio{})

	err := a.ExecuteCycle(context.Background(), []string{"AAPL", "TSLA"}, func(sym string, d *domain.Decision) error {
		callCount[sym]++
		executed[sym] = d
		return nil
	})
	require.NoError(t, err)

	assert.Nil(t, executed["AAPL"], "a panicking strategy agent must not produce a decision")
	require.NotNil(t, executed["TSLA"], "a healthy symbol in the same watchlist must still be processed")
	assert.Equal(t, domain.ActionBuy, executed["TSLA"].Action)
}

func TestCoordinator_ExecuteCycleCapsExecutionsAtFiveInBalancedMode(t *testing.T) {
	market := fakeHistory{closes: risingCloses(40), volumes: flatVolumes(40), vix: 18, ok: true}
	rulesA := &fakeRules{evals: triggeredEntryRule()}
	strategyA := &fakeStrategy{signal: strongStrategySignal()}
	timingA := &fakeTiming{signal: &domain.TimingSignal{Confidence: 0.70, Recommendation: "buy"}}

	a := newTestAgent(t, domain.ModeBalanced, market, strategyA, timingA, rulesA, &fakePortfolio{})

	symbols := []string{"AAPL", "TSLA", "MSFT", "GOOG", "AMZN", "NFLX"}
	var executedCount int
	err := a.ExecuteCycle(context.Background(), symbols, func(sym string, d *domain.Decision) error {
		executedCount++
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, executedCount, 5, "balanced mode caps executions at 5 per cycle")
}

func TestCoordinator_ExecuteCycleCapsExecutionsAtThreeInConservativeMode(t *testing.T) {
	market := fakeHistory{closes: risingCloses(40), volumes: flatVolumes(40), vix: 18, ok: true}
	rulesA := &fakeRules{evals: triggeredEntryRule()}
	// A very strong signal is needed so the pre-boost weighted overall
	// clears the conservative mode's 0.80 consensus threshold.
	strongSignal := &domain.StrategySignal{
		Strategy: domain.StrategyMomentum, Strength: domain.StrengthVeryStrong, Confidence: 0.95,
		Entry: 150, Stop: 147, Target: 156,
	}
	strategyA := &fakeStrategy{signal: strongSignal}
	timingA := &fakeTiming{signal: &domain.TimingSignal{Confidence: 0.90, Recommendation: "buy"}}

	a := newTestAgent(t, domain.ModeConservative, market, strategyA, timingA, rulesA, &fakePortfolio{})

	symbols := []string{"AAPL", "TSLA", "MSFT", "GOOG", "AMZN"}
	var executedCount int
	err := a.ExecuteCycle(context.Background(), symbols, func(sym string, d *domain.Decision) error {
		executedCount++
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, executedCount, 3, "conservative mode caps executions at 3 per cycle")
}

func TestCoordinator_RecordOutcomeIsNoopWithoutTrackedDecision(t *testing.T) {
	a := newTestAgent(t, domain.ModeBalanced, nil, nil, nil, nil, nil)
	assert.NoError(t, a.RecordOutcome("UNKNOWN", 100, true, 10))
}

func TestCoordinator_RecordOutcomeForgetsDecisionAfterAttribution(t *testing.T) {
	market := fakeHistory{closes: risingCloses(40), volumes: flatVolumes(40), vix: 18, ok: true}
	strategyA := &fakeStrategy{signal: strongStrategySignal()}
	timingA := &fakeTiming{signal: &domain.TimingSignal{Confidence: 0.70, Recommendation: "buy"}}
	rulesA := &fakeRules{evals: triggeredEntryRule()}

	a := newTestAgent(t, domain.ModeBalanced, market, strategyA, timingA, rulesA, &fakePortfolio{})

	d, err := a.CoordinateDecision(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, domain.ActionBuy, d.Action)
	require.Contains(t, a.ExecutedSymbols(), "AAPL")

	require.NoError(t, a.RecordOutcome("AAPL", 155, true, 50))
	assert.NotContains(t, a.ExecutedSymbols(), "AAPL")

	require.NoError(t, a.RecordOutcome("AAPL", 155, true, 50))
}

func TestCoordinator_GCExecutedPurgesDecisionsOlderThanTTL(t *testing.T) {
	a := newTestAgent(t, domain.ModeBalanced, nil, nil, nil, nil, nil)
	a.mu.Lock()
	a.executed["STALE"] = &trackedDecision{
		decision:   &domain.Decision{Symbol: "STALE", Action: domain.ActionBuy},
		recordedAt: time.Now().UTC().Add(-25 * time.Hour),
	}
	a.executed["FRESH"] = &trackedDecision{
		decision:   &domain.Decision{Symbol: "FRESH", Action: domain.ActionBuy},
		recordedAt: time.Now().UTC(),
	}
	a.mu.Unlock()

	a.gcExecuted()

	symbols := a.ExecutedSymbols()
	assert.NotContains(t, symbols, "STALE")
	assert.Contains(t, symbols, "FRESH")
}

func TestCoordinator_MarketConfidenceClampedToBounds(t *testing.T) {
	calm := marketConfidence(domain.MarketConditions{Volatility: 0.01, Trend: domain.TrendNeutral, VIX: 15})
	assert.GreaterOrEqual(t, calm, 0.1)
	assert.LessOrEqual(t, calm, 0.9)

	extreme := marketConfidence(domain.MarketConditions{Volatility: 0.9, Trend: domain.TrendBearish, VIX: 40})
	assert.InDelta(t, 0.1, extreme, 0.0001)

	bullishCalm := marketConfidence(domain.MarketConditions{Volatility: 0.20, Trend: domain.TrendBullish, VIX: 18})
	assert.InDelta(t, 0.9, bullishCalm, 0.0001)
}

func TestCoordinator_TriggeredRuleConfidenceIgnoresUntriggeredEvaluations(t *testing.T) {
	avg, any := triggeredRuleConfidence([]domain.RuleEvaluation{
		{Triggered: true, Confidence: 0.8},
		{Triggered: false, Confidence: 0.2},
		{Triggered: true, Confidence: 0.6},
	})
	require.True(t, any)
	assert.InDelta(t, 0.7, avg, 0.0001)

	_, any = triggeredRuleConfidence(nil)
	assert.False(t, any)
}

func risingCloses(n int) []float64 {
	out := make([]float64, n)
	price := 100.0
	for i := range out {
		price += 1
		out[i] = price
	}
	return out
}

func flatVolumes(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1_000_000
	}
	return out
}
