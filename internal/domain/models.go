// Package domain holds the data model shared across the agent coordination
// fabric: memory records, structured ledger rows, the transient trading
// decision, and the agent descriptor used by the registry.
package domain

import "time"

// ContentType tags a memory record with the kind of event it describes.
// The set is additive — new values may be introduced by agents without
// changing the store itself.
type ContentType string

const (
	ContentTypeTradingSignal        ContentType = "trading_signal"
	ContentTypeTradeExecution       ContentType = "trade_execution"
	ContentTypeCoordinationDecision ContentType = "coordination_decision"
	ContentTypeCoordinationOutcome  ContentType = "coordination_outcome"
	ContentTypeLearningExperience   ContentType = "learning_experience"
	ContentTypeRuleEvaluation       ContentType = "rule_evaluation"
	ContentTypeRulePerformance      ContentType = "rule_performance"
	ContentTypeTimingAnalysis       ContentType = "timing_analysis"
	ContentTypeTimingOutcome        ContentType = "timing_outcome"
	ContentTypeMarketAnalysis       ContentType = "market_analysis"
	ContentTypeSystemMetrics        ContentType = "system_metrics"
	ContentTypeAgentDataTransfer    ContentType = "agent_data_transfer"
	ContentTypeStatusUpdate         ContentType = "status_update"
	ContentTypeAdaptiveRule         ContentType = "adaptive_rule"
	ContentTypeHealthCheck          ContentType = "health_check"
	ContentTypeErrorPattern         ContentType = "error_pattern"
	ContentTypeStrategyPerformance  ContentType = "strategy_performance"
)

// Metadata is the free-form, additive part of a memory record. The keys
// content_type, source, importance_score, and created_at are always
// present; everything else is type-specific.
type Metadata map[string]interface{}

// Record is the atomic unit of the associative memory store (C1).
type Record struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Metadata  Metadata  `json:"metadata"`
}

// ContentType returns the record's content_type metadata field, or "" if absent.
func (r *Record) ContentType() ContentType {
	if r.Metadata == nil {
		return ""
	}
	ct, _ := r.Metadata["content_type"].(string)
	return ContentType(ct)
}

// Source returns the record's source metadata field, or "" if absent.
func (r *Record) Source() string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata["source"].(string)
	return s
}

// Importance returns the record's importance_score metadata field, clamped to [0,1].
func (r *Record) Importance() float64 {
	if r.Metadata == nil {
		return 0
	}
	v, _ := r.Metadata["importance_score"].(float64)
	return Clamp(v, 0, 1)
}

// TradeSide is the direction of an executed or pending trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeStatus tracks the lifecycle of a trade row.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusExecuted  TradeStatus = "executed"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// PositionStatus tracks whether a position row is still open.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Signal is a structured row in the metadata ledger's signals table.
type Signal struct {
	CreatedAt  time.Time `json:"created_at"`
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	Timeframe  string    `json:"timeframe"`
	Indicators Metadata  `json:"indicators"`
	Metadata   Metadata  `json:"metadata"`
	Confidence float64   `json:"confidence"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Processed  bool      `json:"processed"`
}

// Trade is a structured row in the metadata ledger's trades table.
type Trade struct {
	CreatedAt time.Time   `json:"created_at"`
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Side      TradeSide   `json:"side"`
	Strategy  string      `json:"strategy"`
	SignalID  string      `json:"signal_id"`
	Status    TradeStatus `json:"status"`
	Quantity  float64     `json:"quantity"`
	Price     float64     `json:"price"`
	PnL       float64     `json:"pnl"`
	Fees      float64     `json:"fees"`
}

// Position is a structured row in the metadata ledger's positions table,
// uniquely keyed by Symbol while open.
type Position struct {
	CreatedAt    time.Time      `json:"created_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	ID           string         `json:"id"`
	Symbol       string         `json:"symbol"`
	Status       PositionStatus `json:"status"`
	Quantity     float64        `json:"quantity"`
	AveragePrice float64        `json:"average_price"`
	CurrentPrice float64        `json:"current_price"`
	UnrealizedPL float64        `json:"unrealized_pl"`
	RealizedPL   float64        `json:"realized_pl"`
	Stop         float64        `json:"stop"`
	Target       float64        `json:"target"`
}

// MarketSnapshot is a structured row in the metadata ledger's
// market_snapshots table.
type MarketSnapshot struct {
	CreatedAt  time.Time `json:"created_at"`
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	Indicators Metadata  `json:"indicators"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}

// StrategyPerformance is a structured row in the metadata ledger's
// strategy_performance table.
type StrategyPerformance struct {
	UpdatedAt    time.Time `json:"updated_at"`
	ID           string    `json:"id"`
	Strategy     string    `json:"strategy"`
	TotalTrades  int       `json:"total_trades"`
	Wins         int       `json:"wins"`
	TotalPnL     float64   `json:"total_pnl"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	Sharpe       float64   `json:"sharpe"`
	WinRate      float64   `json:"win_rate"`
	AvgProfit    float64   `json:"avg_profit"`
	AvgLoss      float64   `json:"avg_loss"`
	ProfitFactor float64   `json:"profit_factor"`
}

// EmbeddingBookkeeping is a structured row in the metadata ledger's
// embedding_bookkeeping table, mirrored on every C1 store.
type EmbeddingBookkeeping struct {
	LastAccess  time.Time   `json:"last_access"`
	CreatedAt   time.Time   `json:"created_at"`
	ID          string      `json:"id"`
	ContentHash string      `json:"content_hash"`
	ContentType ContentType `json:"content_type"`
	Source      string      `json:"source"`
	Importance  float64     `json:"importance"`
	AccessCount int         `json:"access_count"`
}

// Action is the trading decision the coordinator synthesizes per symbol.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Phase is an observable stage of the per-symbol coordinator pipeline.
type Phase string

const (
	PhaseMarketAnalysis     Phase = "market_analysis"
	PhaseSignalGeneration   Phase = "signal_generation"
	PhaseRuleValidation     Phase = "rule_validation"
	PhaseTimingOptimization Phase = "timing_optimization"
	PhaseExecutionPlanning  Phase = "execution_planning"
	PhaseMonitoring         Phase = "monitoring"
)

// Mode is the coordinator's risk-calibrated operating mode.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
	ModeAutonomous   Mode = "autonomous"
)

// Decision is the transient object synthesized per symbol per cycle (C7).
type Decision struct {
	Timestamp    time.Time          `json:"timestamp"`
	Symbol       string             `json:"symbol"`
	Action       Action             `json:"action"`
	Reasoning    string             `json:"reasoning"`
	Mode         Mode               `json:"mode"`
	Phase        Phase              `json:"phase"`
	Contributors []string           `json:"contributors"`
	Confidences  map[string]float64 `json:"confidences"`
	Weights      map[string]float64 `json:"weights"`
	Confidence   float64            `json:"confidence"`
	PositionSize float64            `json:"position_size"`
	Entry        float64            `json:"entry"`
	Stop         float64            `json:"stop"`
	Target       float64            `json:"target"`
	RiskScore    float64            `json:"risk_score"`
}

// AgentState is the lifecycle state of a registered agent (C5/C8).
type AgentState string

const (
	AgentInactive AgentState = "inactive"
	AgentStarting AgentState = "starting"
	AgentActive   AgentState = "active"
	AgentPausing  AgentState = "pausing"
	AgentPaused   AgentState = "paused"
	AgentStopping AgentState = "stopping"
	AgentError    AgentState = "error"
)

// AgentDescriptor is the registry's view of one agent (C8).
type AgentDescriptor struct {
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Name          string     `json:"name"`
	Kind          string     `json:"kind"`
	State         AgentState `json:"state"`
	DecisionsMade int64      `json:"decisions_made"`
	Successful    int64      `json:"successful"`
	Failed        int64      `json:"failed"`
	Accuracy      float64    `json:"accuracy"`
	CumulativePnL float64    `json:"cumulative_pnl"`
	CPUShare      float64    `json:"cpu_share"`
	MemoryShare   float64    `json:"memory_share"`
	ErrorCount    int        `json:"error_count"`
	RestartCount  int        `json:"restart_count"`
}

// Accuracy computes successful/(successful+failed), 0 when undefined.
func Accuracy(successful, failed int64) float64 {
	total := successful + failed
	if total == 0 {
		return 0
	}
	return float64(successful) / float64(total)
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
