package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileStandard,
		Name:    "ledger",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema := `
	CREATE TABLE signals (id TEXT PRIMARY KEY, created_at INTEGER NOT NULL, symbol TEXT NOT NULL, kind TEXT NOT NULL, timeframe TEXT NOT NULL, confidence REAL NOT NULL, price REAL NOT NULL, volume REAL NOT NULL, processed INTEGER NOT NULL DEFAULT 0, indicators TEXT NOT NULL DEFAULT '{}', metadata TEXT NOT NULL DEFAULT '{}');
	CREATE TABLE trades (id TEXT PRIMARY KEY, created_at INTEGER NOT NULL, symbol TEXT NOT NULL, side TEXT NOT NULL, strategy TEXT NOT NULL, signal_id TEXT NOT NULL DEFAULT '', status TEXT NOT NULL, quantity REAL NOT NULL, price REAL NOT NULL, pnl REAL NOT NULL DEFAULT 0, fees REAL NOT NULL DEFAULT 0);
	CREATE TABLE positions (id TEXT PRIMARY KEY, created_at INTEGER NOT NULL, closed_at INTEGER, symbol TEXT NOT NULL, status TEXT NOT NULL, quantity REAL NOT NULL, average_price REAL NOT NULL, current_price REAL NOT NULL, unrealized_pl REAL NOT NULL DEFAULT 0, realized_pl REAL NOT NULL DEFAULT 0, stop REAL NOT NULL DEFAULT 0, target REAL NOT NULL DEFAULT 0);
	CREATE UNIQUE INDEX idx_positions_symbol_open ON positions(symbol) WHERE status = 'open';
	CREATE TABLE market_snapshots (id TEXT PRIMARY KEY, created_at INTEGER NOT NULL, symbol TEXT NOT NULL, timeframe TEXT NOT NULL, open REAL NOT NULL, high REAL NOT NULL, low REAL NOT NULL, close REAL NOT NULL, volume REAL NOT NULL, indicators TEXT NOT NULL DEFAULT '{}');
	CREATE TABLE strategy_performance (id TEXT PRIMARY KEY, strategy TEXT NOT NULL UNIQUE, updated_at INTEGER NOT NULL, total_trades INTEGER NOT NULL DEFAULT 0, wins INTEGER NOT NULL DEFAULT 0, total_pnl REAL NOT NULL DEFAULT 0, max_drawdown REAL NOT NULL DEFAULT 0, sharpe REAL NOT NULL DEFAULT 0, win_rate REAL NOT NULL DEFAULT 0, avg_profit REAL NOT NULL DEFAULT 0, avg_loss REAL NOT NULL DEFAULT 0, profit_factor REAL NOT NULL DEFAULT 0);
	CREATE TABLE embedding_bookkeeping (id TEXT PRIMARY KEY, content_hash TEXT NOT NULL, content_type TEXT NOT NULL, source TEXT NOT NULL, importance REAL NOT NULL DEFAULT 0, created_at INTEGER NOT NULL, last_access INTEGER NOT NULL, access_count INTEGER NOT NULL DEFAULT 0);
	CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at INTEGER NOT NULL);
	`
	_, err = db.Conn().Exec(schema)
	require.NoError(t, err)

	return New(db, zerolog.Nop())
}

func TestLedger_InsertAndSelectRecentSignals(t *testing.T) {
	l := openTestLedger(t)

	sig := &domain.Signal{
		ID:         "sig-1",
		CreatedAt:  time.Now().UTC(),
		Symbol:     "ABCD",
		Kind:       "breakout",
		Timeframe:  "5m",
		Confidence: 0.8,
		Price:      1.23,
		Volume:     50000,
		Indicators: domain.Metadata{"rsi": 72.0},
		Metadata:   domain.Metadata{"note": "low float"},
	}
	require.NoError(t, l.InsertSignal(sig))

	got, err := l.SelectRecentSignals(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ABCD", got[0].Symbol)
	assert.Equal(t, 72.0, got[0].Indicators["rsi"])
	assert.False(t, got[0].Processed)
}

func TestLedger_MarkSignalProcessed(t *testing.T) {
	l := openTestLedger(t)
	sig := &domain.Signal{ID: "sig-2", CreatedAt: time.Now().UTC(), Symbol: "WXYZ", Kind: "reversal", Timeframe: "1m"}
	require.NoError(t, l.InsertSignal(sig))
	require.NoError(t, l.MarkSignalProcessed("sig-2"))

	got, err := l.SelectRecentSignals(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Processed)
}

func TestLedger_TradeLifecycle(t *testing.T) {
	l := openTestLedger(t)

	trade := &domain.Trade{
		ID: "t-1", CreatedAt: time.Now().UTC(), Symbol: "ABCD",
		Side: domain.SideBuy, Strategy: "momentum", SignalID: "sig-1",
		Status: domain.TradeStatusPending, Quantity: 1000, Price: 1.25,
	}
	require.NoError(t, l.InsertTrade(trade))
	require.NoError(t, l.UpdateTradeStatus("t-1", domain.TradeStatusExecuted, 42.5))

	got, err := l.SelectRecentTrades(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.TradeStatusExecuted, got[0].Status)
	assert.InDelta(t, 42.5, got[0].PnL, 1e-9)
}

func TestLedger_PositionUniqueOpenKey(t *testing.T) {
	l := openTestLedger(t)

	pos := &domain.Position{ID: "p-1", CreatedAt: time.Now().UTC(), Symbol: "ABCD", Quantity: 1000, AveragePrice: 1.25, CurrentPrice: 1.25}
	require.NoError(t, l.OpenPosition(pos))

	duplicate := &domain.Position{ID: "p-2", CreatedAt: time.Now().UTC(), Symbol: "ABCD", Quantity: 500, AveragePrice: 1.30, CurrentPrice: 1.30}
	err := l.OpenPosition(duplicate)
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailed)
}

func TestLedger_ClosePositionWritesRealizedPnL(t *testing.T) {
	l := openTestLedger(t)

	pos := &domain.Position{ID: "p-3", CreatedAt: time.Now().UTC(), Symbol: "EFGH", Quantity: 1000, AveragePrice: 1.0, CurrentPrice: 1.1}
	require.NoError(t, l.OpenPosition(pos))
	require.NoError(t, l.ClosePosition("p-3", 100.0, time.Now().UTC()))

	_, found, err := l.FindOpenPosition("EFGH")
	require.NoError(t, err)
	assert.False(t, found)

	rows, err := l.SelectWhere("positions", "id = ?", "p-3")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(domain.PositionClosed), rows[0]["status"])
}

func TestLedger_UpsertStrategyPerformance(t *testing.T) {
	l := openTestLedger(t)

	perf := &domain.StrategyPerformance{ID: "sp-1", Strategy: "momentum", UpdatedAt: time.Now().UTC(), TotalTrades: 5, Wins: 3}
	require.NoError(t, l.UpsertStrategyPerformance(perf))

	perf.TotalTrades = 6
	perf.Wins = 4
	require.NoError(t, l.UpsertStrategyPerformance(perf))

	got, found, err := l.SelectStrategyPerformance("momentum")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 6, got.TotalTrades)
	assert.Equal(t, 4, got.Wins)
}

func TestLedger_SelectWhereUnknownTable(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.SelectWhere("nonexistent", "")
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestLedger_GetSettingMissingReturnsNil(t *testing.T) {
	l := openTestLedger(t)
	got, err := l.GetSetting("coordinator.mode")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLedger_SetSettingThenGetSetting(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.SetSetting("coordinator.mode", "aggressive", time.Now().UTC()))

	got, err := l.GetSetting("coordinator.mode")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "aggressive", *got)
}

func TestLedger_SetSettingOverwritesExistingValue(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.SetSetting("coordinator.mode", "balanced", time.Now().UTC()))
	require.NoError(t, l.SetSetting("coordinator.mode", "conservative", time.Now().UTC()))

	got, err := l.GetSetting("coordinator.mode")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conservative", *got)
}

func TestLedger_EmbeddingBookkeepingRoundtrip(t *testing.T) {
	l := openTestLedger(t)

	bk := &domain.EmbeddingBookkeeping{
		ID: "mem-1", ContentHash: "abc123", ContentType: domain.ContentTypeTradingSignal,
		Source: "strategy_agent", Importance: 0.6, CreatedAt: time.Now().UTC(), LastAccess: time.Now().UTC(),
	}
	require.NoError(t, l.RecordEmbeddingBookkeeping(bk))
	require.NoError(t, l.TouchEmbeddingAccess("mem-1", time.Now().UTC(), 1))

	rows, err := l.SelectWhere("embedding_bookkeeping", "id = ?", "mem-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["access_count"])
}
