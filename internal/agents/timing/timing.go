// Package timing implements the Timing Agent (§4.6.1): session-aware
// entry/exit windows and a confidence model blended from historical
// accuracy recorded in memory.
package timing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/logger"
)

// SessionWindow is a configurable wall-clock window (local time-of-day,
// expressed as minutes since midnight) bounding one market session.
type SessionWindow struct {
	Session   domain.Session
	StartMin  int
	EndMin    int
}

// Config configures session boundaries and base confidence per strategy.
type Config struct {
	Windows         []SessionWindow
	BaseConfidence  map[domain.StrategyKind]float64 // keyed by strategy; falls back to 0.5
}

// DefaultConfig mirrors a typical US-equities trading day.
func DefaultConfig() Config {
	return Config{
		Windows: []SessionWindow{
			{domain.SessionPreMarket, 4 * 60, 9*60 + 30},
			{domain.SessionRegular, 9*60 + 30, 16 * 60},
			{domain.SessionAfterHours, 16 * 60, 20 * 60},
		},
		BaseConfidence: map[domain.StrategyKind]float64{
			domain.StrategyMomentum:       0.55,
			domain.StrategyBreakout:       0.5,
			domain.StrategyMeanReversion:  0.45,
			domain.StrategyScalping:       0.4,
			domain.StrategySwing:          0.5,
			domain.StrategyTrendFollowing: 0.55,
		},
	}
}

// Agent is the Timing Agent: a Base plus session/accuracy policy.
type Agent struct {
	*agent.Base
	cfg Config
	log zerolog.Logger

	mu                sync.RWMutex
	sessionAccuracy   map[domain.Session]float64
	strategyAccuracy  map[domain.StrategyKind]float64
}

// New constructs a Timing Agent wired to a Base.
func New(base *agent.Base, cfg Config, log zerolog.Logger) *Agent {
	return &Agent{
		Base:             base,
		cfg:              cfg,
		log:              logger.Component(log, "timing_agent"),
		sessionAccuracy:  make(map[domain.Session]float64),
		strategyAccuracy: make(map[domain.StrategyKind]float64),
	}
}

// LoadHistory rehydrates session/strategy accuracies from timing_outcome
// memories recorded before this process started.
func (a *Agent) LoadHistory() error {
	records, err := a.RetrieveMemories("timing outcome history", domain.ContentTypeTimingOutcome, 200)
	if err != nil {
		return fmt.Errorf("timing agent: load history: %w", err)
	}

	sessionTotals := map[domain.Session][2]int{}   // [successes, total]
	strategyTotals := map[domain.StrategyKind][2]int{}

	for _, r := range records {
		session, _ := r.Metadata["session"].(string)
		strategy, _ := r.Metadata["strategy"].(string)
		success, _ := r.Metadata["success"].(bool)

		if session != "" {
			t := sessionTotals[domain.Session(session)]
			if success {
				t[0]++
			}
			t[1]++
			sessionTotals[domain.Session(session)] = t
		}
		if strategy != "" {
			t := strategyTotals[domain.StrategyKind(strategy)]
			if success {
				t[0]++
			}
			t[1]++
			strategyTotals[domain.StrategyKind(strategy)] = t
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for session, t := range sessionTotals {
		a.sessionAccuracy[session] = domain.Accuracy(int64(t[0]), int64(t[1]-t[0]))
	}
	for strategy, t := range strategyTotals {
		a.strategyAccuracy[strategy] = domain.Accuracy(int64(t[0]), int64(t[1]-t[0]))
	}
	return nil
}

// SessionAt returns the configured session for the given wall-clock time.
func (a *Agent) SessionAt(t time.Time) domain.Session {
	minutes := t.Hour()*60 + t.Minute()
	for _, w := range a.cfg.Windows {
		if minutes >= w.StartMin && minutes < w.EndMin {
			return w.Session
		}
	}
	return domain.SessionClosed
}

// Analyze produces a TimingSignal for symbol at "now" under the given
// strategy, blending base confidence with historical accuracies (§4.6.1).
func (a *Agent) Analyze(symbol string, strategy domain.StrategyKind, now time.Time, similarAccuracy float64) *domain.TimingSignal {
	session := a.SessionAt(now)

	base := a.cfg.BaseConfidence[strategy]
	if base == 0 {
		base = 0.5
	}

	a.mu.RLock()
	sessionAcc := a.sessionAccuracy[session]
	strategyAcc := a.strategyAccuracy[strategy]
	a.mu.RUnlock()

	confidence := base +
		(sessionAcc-0.5)*0.3 +
		(strategyAcc-0.5)*0.3 +
		(similarAccuracy-0.5)*0.2
	confidence = domain.Clamp(confidence, 0.1, 0.95)

	volatility := volatilityForSession(session)
	entry, exit := entryExitWindow(now, session)

	recommendation := recommendationFor(confidence)

	return &domain.TimingSignal{
		Timestamp:            now,
		Symbol:               symbol,
		Session:              session,
		OptimalEntryTime:     entry,
		OptimalExitTime:      exit,
		VolatilityWindow:     volatility,
		Confidence:           confidence,
		Reasoning:            fmt.Sprintf("session=%s strategy=%s base=%.2f session_acc=%.2f strategy_acc=%.2f similar_acc=%.2f", session, strategy, base, sessionAcc, strategyAcc, similarAccuracy),
		ExpectedHoldDuration: expectedHoldDuration(strategy),
		RiskLevel:            riskForVolatility(volatility),
		Recommendation:       recommendation,
	}
}

// recommendationFor maps confidence to the five-value recommendation
// scale the Coordinator's timing override checks against (§4.7.2).
func recommendationFor(confidence float64) string {
	switch {
	case confidence >= 0.80:
		return "strong_buy"
	case confidence >= 0.65:
		return "buy"
	case confidence <= 0.20:
		return "strong_sell"
	case confidence <= 0.35:
		return "sell"
	default:
		return "hold"
	}
}

func volatilityForSession(s domain.Session) domain.VolatilityWindow {
	switch s {
	case domain.SessionPreMarket, domain.SessionAfterHours:
		return domain.VolatilityHigh
	case domain.SessionRegular:
		return domain.VolatilityMedium
	default:
		return domain.VolatilityLow
	}
}

func riskForVolatility(v domain.VolatilityWindow) domain.RiskLevel {
	switch v {
	case domain.VolatilityHigh:
		return domain.RiskHigh
	case domain.VolatilityMedium:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func entryExitWindow(now time.Time, session domain.Session) (time.Time, time.Time) {
	switch session {
	case domain.SessionRegular:
		return now.Add(5 * time.Minute), now.Add(2 * time.Hour)
	case domain.SessionPreMarket:
		return now.Add(15 * time.Minute), now.Add(45 * time.Minute)
	default:
		return now.Add(30 * time.Minute), now.Add(time.Hour)
	}
}

func expectedHoldDuration(strategy domain.StrategyKind) time.Duration {
	switch strategy {
	case domain.StrategyScalping:
		return 15 * time.Minute
	case domain.StrategyMomentum, domain.StrategyBreakout:
		return 2 * time.Hour
	case domain.StrategySwing, domain.StrategyTrendFollowing:
		return 3 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// RecordOutcome updates the agent's overall success/failure counters and
// persists a timing_outcome memory (§4.6.1). The per-session and
// per-strategy accuracies used by Analyze are not changed here; they are
// rebuilt from timing_outcome memories by LoadHistory.
func (a *Agent) RecordOutcome(symbol string, strategy domain.StrategyKind, entry, exit float64, success bool, pnl float64) error {
	session := a.SessionAt(time.Now().UTC())

	a.mu.Lock()
	st := a.strategyAccuracy[strategy]
	se := a.sessionAccuracy[session]
	a.mu.Unlock()
	_, _ = st, se

	if err := a.LearnFromOutcome(fmt.Sprintf("timing %s/%s", symbol, strategy), boolLabel(success), success, pnl); err != nil {
		return err
	}

	_, err := a.StoreMemory(
		fmt.Sprintf("timing outcome %s/%s entry=%.4f exit=%.4f success=%t pnl=%.4f", symbol, strategy, entry, exit, success, pnl),
		domain.ContentTypeTimingOutcome, outcomeImportance(pnl),
		domain.Metadata{
			"symbol": symbol, "strategy": string(strategy), "session": string(session),
			"entry": entry, "exit": exit, "success": success, "pnl": pnl,
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

func outcomeImportance(pnl float64) float64 {
	base := 0.4
	if pnl < 0 {
		base += 0.1
	}
	return domain.Clamp(base, 0, 1)
}

// Process is the cooperative loop placeholder: the Timing Agent is
// request-driven (Coordinator calls Analyze directly) but still yields
// periodically per the concurrency model (§5) so its lifecycle is
// observable and cancellable like any other agent.
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
