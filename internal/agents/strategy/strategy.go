// Package strategy implements the Strategy Agent (§4.6.2): a fixed rule
// per strategy kind, blended with market regime and historical win rate
// into a confidence score, plus §4.6.2 position sizing.
package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/formulas"
	"github.com/aristath/sentinel/pkg/logger"
)

// MarketData is the OHLCV history a strategy rule reasons over.
type MarketData struct {
	Symbol  string
	Closes  []float64
	Volumes []float64
}

type performance struct {
	totalTrades int
	wins        int
	totalProfit float64
	totalLoss   float64
}

func (p performance) winRate() float64 {
	if p.totalTrades == 0 {
		return 0
	}
	return float64(p.wins) / float64(p.totalTrades)
}

func (p performance) profitFactor() float64 {
	if p.totalLoss == 0 {
		if p.totalProfit > 0 {
			return p.totalProfit
		}
		return 0
	}
	return p.totalProfit / p.totalLoss
}

func (p performance) avgProfit() float64 {
	if p.wins == 0 {
		return 0
	}
	return p.totalProfit / float64(p.wins)
}

func (p performance) avgLoss() float64 {
	losses := p.totalTrades - p.wins
	if losses == 0 {
		return 0
	}
	return p.totalLoss / float64(losses)
}

// Agent is the Strategy Agent.
type Agent struct {
	*agent.Base
	log zerolog.Logger

	mu           sync.RWMutex
	performances map[domain.StrategyKind]*performance
}

// New constructs a Strategy Agent wired to a Base.
func New(base *agent.Base, log zerolog.Logger) *Agent {
	return &Agent{
		Base:         base,
		log:          logger.Component(log, "strategy_agent"),
		performances: make(map[domain.StrategyKind]*performance),
	}
}

func (a *Agent) perf(strategy domain.StrategyKind) *performance {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.performances[strategy]
	if !ok {
		p = &performance{}
		a.performances[strategy] = p
	}
	return p
}

// AnalyzeMarket derives MarketConditions from recent OHLCV history (§4.7.1 step 1).
func AnalyzeMarket(symbol string, closes, volumes []float64, vix float64, now time.Time) domain.MarketConditions {
	ret := formulas.Return(closes)
	var priceChange float64
	if ret != nil {
		priceChange = *ret
	}

	volatility := stdDevReturn(closes)

	trend := domain.TrendNeutral
	switch {
	case priceChange > 0.01:
		trend = domain.TrendBullish
	case priceChange < -0.01:
		trend = domain.TrendBearish
	}

	var volume float64
	if len(volumes) > 0 {
		volume = volumes[len(volumes)-1]
	}

	regime := domain.RegimeNormal
	switch {
	case volatility > 0.03:
		regime = domain.RegimeHighVolatility
	case volatility < 0.005:
		regime = domain.RegimeLowVolatilityConsolidation
	case trend != domain.TrendNeutral:
		regime = domain.RegimeTrending
	}

	return domain.MarketConditions{
		Timestamp:   now,
		Symbol:      symbol,
		PriceChange: priceChange,
		Volatility:  volatility,
		Trend:       trend,
		Volume:      volume,
		VIX:         vix,
		Regime:      regime,
	}
}

func stdDevReturn(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) == 0 {
		return 0
	}
	mean := formulas.Mean(returns)
	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	variance := sumSq / float64(len(returns))
	return math.Sqrt(variance)
}

// ruleContribution evaluates one strategy's fixed rule (§4.6.2) returning
// (fires, confidence contribution, entry snapshot indicators).
func ruleContribution(kind domain.StrategyKind, md MarketData) (bool, float64, domain.Metadata) {
	indicators := domain.Metadata{}

	switch kind {
	case domain.StrategyMomentum:
		rsi := formulas.RSI(md.Closes, 14)
		volRatio := formulas.VolumeRatio(md.Volumes, 20)
		ret := formulas.Return(lastN(md.Closes, 5))
		if rsi != nil {
			indicators["rsi"] = *rsi
		}
		if volRatio != nil {
			indicators["volume_ratio"] = *volRatio
		}
		if rsi == nil || volRatio == nil || ret == nil {
			return false, 0, indicators
		}
		indicators["return_5"] = *ret
		fires := *rsi > 60 && *volRatio > 1.5 && *ret > 0.01
		if !fires {
			return false, 0, indicators
		}
		confidence := 0.3 + minF((*rsi-60)/40, 0.2) + minF((*volRatio-1.5)/3, 0.2) + minF(*ret*5, 0.2)
		return true, confidence, indicators

	case domain.StrategyMeanReversion:
		pos := formulas.BollingerPosition(md.Closes, 20, 2)
		rsi := formulas.RSI(md.Closes, 14)
		if pos != nil {
			indicators["bollinger_position"] = *pos
		}
		if rsi != nil {
			indicators["rsi"] = *rsi
		}
		if pos == nil || rsi == nil {
			return false, 0, indicators
		}
		fires := *pos < 0.1 && *rsi < 30
		if !fires {
			return false, 0, indicators
		}
		confidence := 0.3 + minF((0.1-*pos)*2, 0.2) + minF((30-*rsi)/30, 0.3)
		return true, confidence, indicators

	case domain.StrategyBreakout:
		sma := formulas.SMA(md.Closes, 20)
		volRatio := formulas.VolumeRatio(md.Volumes, 20)
		if sma == nil || volRatio == nil || len(md.Closes) == 0 {
			return false, 0, indicators
		}
		indicators["sma_20"] = *sma
		indicators["volume_ratio"] = *volRatio
		price := md.Closes[len(md.Closes)-1]
		fires := price > *sma*1.02 && *volRatio > 1.8
		if !fires {
			return false, 0, indicators
		}
		confidence := 0.3 + minF((price/(*sma)-1.02)*10, 0.2) + minF((*volRatio-1.8)/3, 0.2)
		return true, confidence, indicators

	case domain.StrategyScalping:
		ret := formulas.Return(lastN(md.Closes, 2))
		volRatio := formulas.VolumeRatio(md.Volumes, 10)
		if ret == nil || volRatio == nil {
			return false, 0, indicators
		}
		indicators["return_2"] = *ret
		indicators["volume_ratio"] = *volRatio
		fires := *ret > 0.003 && *volRatio > 1.2
		if !fires {
			return false, 0, indicators
		}
		confidence := 0.25 + minF(*ret*30, 0.2) + minF((*volRatio-1.2)/2, 0.15)
		return true, confidence, indicators

	case domain.StrategySwing:
		ema := formulas.EMA(md.Closes, 50)
		rsi := formulas.RSI(md.Closes, 14)
		if ema == nil || rsi == nil || len(md.Closes) == 0 {
			return false, 0, indicators
		}
		indicators["ema_50"] = *ema
		indicators["rsi"] = *rsi
		price := md.Closes[len(md.Closes)-1]
		fires := price > *ema && *rsi > 45 && *rsi < 65
		if !fires {
			return false, 0, indicators
		}
		confidence := 0.3 + minF((price/(*ema)-1)*10, 0.2)
		return true, confidence, indicators

	case domain.StrategyTrendFollowing:
		ema50 := formulas.EMA(md.Closes, 50)
		ema200 := formulas.EMA(md.Closes, 200)
		if ema50 == nil || ema200 == nil {
			return false, 0, indicators
		}
		indicators["ema_50"] = *ema50
		indicators["ema_200"] = *ema200
		fires := *ema50 > *ema200
		if !fires {
			return false, 0, indicators
		}
		confidence := 0.3 + minF((*ema50/(*ema200)-1)*10, 0.3)
		return true, confidence, indicators
	}

	return false, 0, indicators
}

func lastN(values []float64, n int) []float64 {
	if len(values) < n {
		return values
	}
	return values[len(values)-n:]
}

func minF(v, cap float64) float64 {
	if v < 0 {
		return 0
	}
	if v > cap {
		return cap
	}
	return v
}

// Generate produces a StrategySignal for (symbol, strategy), or nil if
// the fixed rule does not fire (§4.6.2).
func (a *Agent) Generate(md MarketData, strategy domain.StrategyKind, mc domain.MarketConditions, now time.Time) *domain.StrategySignal {
	fires, confidence, indicators := ruleContribution(strategy, md)
	if !fires {
		return nil
	}

	confidence += regimeAdjustment(mc)

	p := a.perf(strategy)
	confidence += (p.winRate() - 0.5) * 0.6
	confidence = domain.Clamp(confidence, 0.05, 0.95)

	strength := strengthFor(confidence)

	var entry, stop, target float64
	if len(md.Closes) > 0 {
		entry = md.Closes[len(md.Closes)-1]
		stop = entry * 0.97
		target = entry * 1.06
	}

	stopDistance := 0.0
	if entry != 0 {
		stopDistance = absF(entry-stop) / entry
	}
	size := positionSize(confidence, stopDistance)

	return &domain.StrategySignal{
		Timestamp:        now,
		Symbol:           md.Symbol,
		Strategy:         strategy,
		Strength:         strength,
		Confidence:       confidence,
		Entry:            entry,
		Stop:             stop,
		Target:           target,
		RiskLevel:        riskForStrength(strength),
		PositionSize:     size,
		Reasoning:        fmt.Sprintf("%s rule fired, regime=%s win_rate=%.2f", strategy, mc.Regime, p.winRate()),
		Indicators:       indicators,
		ExpectedDuration: expectedDuration(strategy),
	}
}

func regimeAdjustment(mc domain.MarketConditions) float64 {
	adj := 0.0
	switch mc.Trend {
	case domain.TrendBullish:
		adj += 0.05
	case domain.TrendBearish:
		adj -= 0.05
	}
	switch mc.Regime {
	case domain.RegimeHighVolatility:
		adj -= 0.05
	case domain.RegimeTrending:
		adj += 0.05
	}
	if mc.VIX > 30 {
		adj -= 0.05
	}
	return adj
}

func strengthFor(confidence float64) domain.SignalStrength {
	switch {
	case confidence >= 0.8:
		return domain.StrengthVeryStrong
	case confidence >= 0.6:
		return domain.StrengthStrong
	case confidence >= 0.4:
		return domain.StrengthModerate
	default:
		return domain.StrengthWeak
	}
}

func riskForStrength(s domain.SignalStrength) domain.RiskLevel {
	switch s {
	case domain.StrengthVeryStrong, domain.StrengthStrong:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// positionSize implements §4.6.2's sizing formula, capped by the
// portfolio-wide risk cap applied downstream by the Coordinator (§4.7.2).
func positionSize(confidence, stopDistanceFraction float64) float64 {
	base := 0.02 + confidence*0.03
	if stopDistanceFraction > 0 {
		scale := minF(1, 0.02/stopDistanceFraction)
		base *= scale
	}
	return domain.Clamp(base, 0, 0.1)
}

func expectedDuration(strategy domain.StrategyKind) time.Duration {
	switch strategy {
	case domain.StrategyScalping:
		return 15 * time.Minute
	case domain.StrategyMomentum, domain.StrategyBreakout:
		return 2 * time.Hour
	case domain.StrategySwing:
		return 24 * time.Hour
	case domain.StrategyTrendFollowing:
		return 5 * 24 * time.Hour
	default:
		return time.Hour
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// RecordOutcome updates per-strategy totals and writes a
// strategy_performance memory (§4.6.2).
func (a *Agent) RecordOutcome(symbol string, strategy domain.StrategyKind, success bool, pnl float64) error {
	p := a.perf(strategy)
	a.mu.Lock()
	p.totalTrades++
	if success {
		p.wins++
		p.totalProfit += pnl
	} else {
		p.totalLoss += absF(pnl)
	}
	snapshot := *p
	a.mu.Unlock()

	if err := a.LearnFromOutcome(fmt.Sprintf("strategy %s/%s", symbol, strategy), boolLabel(success), success, pnl); err != nil {
		return err
	}

	_, err := a.StoreMemory(
		fmt.Sprintf("%s performance: %d trades, win rate %.2f, profit factor %.2f", strategy, snapshot.totalTrades, snapshot.winRate(), snapshot.profitFactor()),
		domain.ContentTypeStrategyPerformance, 0.5,
		domain.Metadata{
			"strategy": string(strategy), "total_trades": snapshot.totalTrades, "win_rate": snapshot.winRate(),
			"profit_factor": snapshot.profitFactor(), "avg_profit": snapshot.avgProfit(), "avg_loss": snapshot.avgLoss(),
		},
	)
	return err
}

func boolLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Process is the cooperative loop placeholder; the Strategy Agent is
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
