package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
)

// InsertSignal writes a new signals row.
func (l *Ledger) InsertSignal(sig *domain.Signal) error {
	indicators, err := json.Marshal(sig.Indicators)
	if err != nil {
		return fmt.Errorf("ledger: marshal signal indicators: %w", err)
	}
	meta, err := json.Marshal(sig.Metadata)
	if err != nil {
		return fmt.Errorf("ledger: marshal signal metadata: %w", err)
	}

	return l.Insert("signals", map[string]interface{}{
		"id":         sig.ID,
		"created_at": sig.CreatedAt.UnixNano(),
		"symbol":     sig.Symbol,
		"kind":       sig.Kind,
		"timeframe":  sig.Timeframe,
		"confidence": sig.Confidence,
		"price":      sig.Price,
		"volume":     sig.Volume,
		"processed":  boolToInt(sig.Processed),
		"indicators": string(indicators),
		"metadata":   string(meta),
	})
}

// MarkSignalProcessed flips a signal's processed flag once a trade has
// consumed it.
func (l *Ledger) MarkSignalProcessed(id string) error {
	return l.UpdateByKey("signals", "id", id, map[string]interface{}{"processed": 1})
}

// SelectRecentSignals returns the n most recent signal rows.
func (l *Ledger) SelectRecentSignals(n int) ([]*domain.Signal, error) {
	rows, err := l.SelectRecent("signals", n)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Signal, 0, len(rows))
	for _, r := range rows {
		sig, err := rowToSignal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func rowToSignal(r map[string]interface{}) (*domain.Signal, error) {
	var indicators, meta domain.Metadata
	if err := json.Unmarshal([]byte(asString(r["indicators"])), &indicators); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal signal indicators: %w", err)
	}
	if err := json.Unmarshal([]byte(asString(r["metadata"])), &meta); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal signal metadata: %w", err)
	}
	return &domain.Signal{
		ID:         asString(r["id"]),
		CreatedAt:  time.Unix(0, asInt64(r["created_at"])),
		Symbol:     asString(r["symbol"]),
		Kind:       asString(r["kind"]),
		Timeframe:  asString(r["timeframe"]),
		Confidence: asFloat64(r["confidence"]),
		Price:      asFloat64(r["price"]),
		Volume:     asFloat64(r["volume"]),
		Processed:  asInt64(r["processed"]) != 0,
		Indicators: indicators,
		Metadata:   meta,
	}, nil
}

// InsertTrade writes a new trades row. Every executed trade must
// reference an existing signal row (§3 cross-table invariant); callers
// are expected to have validated that before calling InsertTrade, since
// the storage layer enforces no foreign keys (§4.2).
func (l *Ledger) InsertTrade(t *domain.Trade) error {
	return l.Insert("trades", map[string]interface{}{
		"id":         t.ID,
		"created_at": t.CreatedAt.UnixNano(),
		"symbol":     t.Symbol,
		"side":       string(t.Side),
		"strategy":   t.Strategy,
		"signal_id":  t.SignalID,
		"status":     string(t.Status),
		"quantity":   t.Quantity,
		"price":      t.Price,
		"pnl":        t.PnL,
		"fees":       t.Fees,
	})
}

// UpdateTradeStatus transitions a trade's status and records its P&L.
func (l *Ledger) UpdateTradeStatus(id string, status domain.TradeStatus, pnl float64) error {
	return l.UpdateByKey("trades", "id", id, map[string]interface{}{
		"status": string(status),
		"pnl":    pnl,
	})
}

// SelectRecentTrades returns the n most recent trade rows.
func (l *Ledger) SelectRecentTrades(n int) ([]*domain.Trade, error) {
	rows, err := l.SelectRecent("trades", n)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToTrade(r))
	}
	return out, nil
}

func rowToTrade(r map[string]interface{}) *domain.Trade {
	return &domain.Trade{
		ID:        asString(r["id"]),
		CreatedAt: time.Unix(0, asInt64(r["created_at"])),
		Symbol:    asString(r["symbol"]),
		Side:      domain.TradeSide(asString(r["side"])),
		Strategy:  asString(r["strategy"]),
		SignalID:  asString(r["signal_id"]),
		Status:    domain.TradeStatus(asString(r["status"])),
		Quantity:  asFloat64(r["quantity"]),
		Price:     asFloat64(r["price"]),
		PnL:       asFloat64(r["pnl"]),
		Fees:      asFloat64(r["fees"]),
	}
}

// OpenPosition opens a new position row. The schema's unique partial
// index on (symbol) WHERE status='open' enforces the "unique open key"
// invariant (§3) at the storage layer.
func (l *Ledger) OpenPosition(p *domain.Position) error {
	return l.Insert("positions", map[string]interface{}{
		"id":             p.ID,
		"created_at":     p.CreatedAt.UnixNano(),
		"closed_at":      nil,
		"symbol":         p.Symbol,
		"status":         string(domain.PositionOpen),
		"quantity":       p.Quantity,
		"average_price":  p.AveragePrice,
		"current_price":  p.CurrentPrice,
		"unrealized_pl":  p.UnrealizedPL,
		"realized_pl":    0.0,
		"stop":           p.Stop,
		"target":         p.Target,
	})
}

// MarkToMarket refreshes a position's current price and unrealized P&L.
func (l *Ledger) MarkToMarket(id string, currentPrice, unrealizedPL float64) error {
	return l.UpdateByKey("positions", "id", id, map[string]interface{}{
		"current_price": currentPrice,
		"unrealized_pl": unrealizedPL,
	})
}

// ClosePosition writes the realized P&L to the same row and transitions
// its status to closed, per the §3 cross-table invariant.
func (l *Ledger) ClosePosition(id string, realizedPL float64, closedAt time.Time) error {
	return l.UpdateByKey("positions", "id", id, map[string]interface{}{
		"status":       string(domain.PositionClosed),
		"realized_pl":  realizedPL,
		"unrealized_pl": 0.0,
		"closed_at":    closedAt.UnixNano(),
	})
}

// FindOpenPosition returns the open position for symbol, if any.
func (l *Ledger) FindOpenPosition(symbol string) (*domain.Position, bool, error) {
	rows, err := l.SelectWhere("positions", "symbol = ? AND status = ?", symbol, string(domain.PositionOpen))
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rowToPosition(rows[0]), true, nil
}

func rowToPosition(r map[string]interface{}) *domain.Position {
	pos := &domain.Position{
		ID:           asString(r["id"]),
		CreatedAt:    time.Unix(0, asInt64(r["created_at"])),
		Symbol:       asString(r["symbol"]),
		Status:       domain.PositionStatus(asString(r["status"])),
		Quantity:     asFloat64(r["quantity"]),
		AveragePrice: asFloat64(r["average_price"]),
		CurrentPrice: asFloat64(r["current_price"]),
		UnrealizedPL: asFloat64(r["unrealized_pl"]),
		RealizedPL:   asFloat64(r["realized_pl"]),
		Stop:         asFloat64(r["stop"]),
		Target:       asFloat64(r["target"]),
	}
	if r["closed_at"] != nil {
		closedAt := time.Unix(0, asInt64(r["closed_at"]))
		pos.ClosedAt = &closedAt
	}
	return pos
}

// RowToPosition converts a generic select_where/select_recent row from
// the positions table into a typed Position, for callers outside this
// package that only have the generic contract available.
func RowToPosition(r map[string]interface{}) *domain.Position {
	return rowToPosition(r)
}

// OpenPositions returns every currently open position row.
func (l *Ledger) OpenPositions() ([]*domain.Position, error) {
	rows, err := l.SelectWhere("positions", "status = ?", string(domain.PositionOpen))
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToPosition(r))
	}
	return out, nil
}

// RecordSnapshot writes a new market_snapshots row.
func (l *Ledger) RecordSnapshot(s *domain.MarketSnapshot) error {
	indicators, err := json.Marshal(s.Indicators)
	if err != nil {
		return fmt.Errorf("ledger: marshal snapshot indicators: %w", err)
	}
	return l.Insert("market_snapshots", map[string]interface{}{
		"id":         s.ID,
		"created_at": s.CreatedAt.UnixNano(),
		"symbol":     s.Symbol,
		"timeframe":  s.Timeframe,
		"open":       s.Open,
		"high":       s.High,
		"low":        s.Low,
		"close":      s.Close,
		"volume":     s.Volume,
		"indicators": string(indicators),
	})
}

// UpsertStrategyPerformance inserts or replaces a strategy's rolling
// performance row, keyed by strategy name.
func (l *Ledger) UpsertStrategyPerformance(p *domain.StrategyPerformance) error {
	query := `INSERT INTO strategy_performance
		(id, strategy, updated_at, total_trades, wins, total_pnl, max_drawdown, sharpe, win_rate, avg_profit, avg_loss, profit_factor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy) DO UPDATE SET
			updated_at = excluded.updated_at,
			total_trades = excluded.total_trades,
			wins = excluded.wins,
			total_pnl = excluded.total_pnl,
			max_drawdown = excluded.max_drawdown,
			sharpe = excluded.sharpe,
			win_rate = excluded.win_rate,
			avg_profit = excluded.avg_profit,
			avg_loss = excluded.avg_loss,
			profit_factor = excluded.profit_factor`

	err := database.WithTransaction(l.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(query,
			p.ID, p.Strategy, p.UpdatedAt.UnixNano(), p.TotalTrades, p.Wins, p.TotalPnL,
			p.MaxDrawdown, p.Sharpe, p.WinRate, p.AvgProfit, p.AvgLoss, p.ProfitFactor)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// SelectStrategyPerformance returns a strategy's current performance row.
func (l *Ledger) SelectStrategyPerformance(strategy string) (*domain.StrategyPerformance, bool, error) {
	rows, err := l.SelectWhere("strategy_performance", "strategy = ?", strategy)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	r := rows[0]
	return &domain.StrategyPerformance{
		ID:           asString(r["id"]),
		Strategy:     asString(r["strategy"]),
		UpdatedAt:    time.Unix(0, asInt64(r["updated_at"])),
		TotalTrades:  int(asInt64(r["total_trades"])),
		Wins:         int(asInt64(r["wins"])),
		TotalPnL:     asFloat64(r["total_pnl"]),
		MaxDrawdown:  asFloat64(r["max_drawdown"]),
		Sharpe:       asFloat64(r["sharpe"]),
		WinRate:      asFloat64(r["win_rate"]),
		AvgProfit:    asFloat64(r["avg_profit"]),
		AvgLoss:      asFloat64(r["avg_loss"]),
		ProfitFactor: asFloat64(r["profit_factor"]),
	}, true, nil
}

// RecordEmbeddingBookkeeping mirrors a memory store write into C2,
// per §4.1's "mirrors bookkeeping row to C2" lifecycle clause.
func (l *Ledger) RecordEmbeddingBookkeeping(b *domain.EmbeddingBookkeeping) error {
	return l.Insert("embedding_bookkeeping", map[string]interface{}{
		"id":           b.ID,
		"content_hash": b.ContentHash,
		"content_type": string(b.ContentType),
		"source":       b.Source,
		"importance":   b.Importance,
		"created_at":   b.CreatedAt.UnixNano(),
		"last_access":  b.LastAccess.UnixNano(),
		"access_count": b.AccessCount,
	})
}

// TouchEmbeddingAccess bumps a bookkeeping row's access counter and
// last-access timestamp, used whenever C1.query resolves to a record.
func (l *Ledger) TouchEmbeddingAccess(id string, accessedAt time.Time, newCount int) error {
	return l.UpdateByKey("embedding_bookkeeping", "id", id, map[string]interface{}{
		"last_access":  accessedAt.UnixNano(),
		"access_count": newCount,
	})
}

// GetSetting returns the current value for key, or nil if no row
// exists. Backs config.SettingsRepository.
func (l *Ledger) GetSetting(key string) (*string, error) {
	row := l.db.QueryRow("SELECT value FROM settings WHERE key = ?", key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: get setting %q: %w", key, err)
	}
	return &value, nil
}

// SetSetting inserts or replaces a settings row, keyed by key.
func (l *Ledger) SetSetting(key, value string, updatedAt time.Time) error {
	err := database.WithTransaction(l.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, updatedAt.UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
