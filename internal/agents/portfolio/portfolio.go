// Package portfolio implements the Portfolio Tracker (§4.6.5): owns the
// positions table directly and emits position events through C4.
package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/ledger"
	"github.com/aristath/sentinel/pkg/logger"
)

// Agent is the Portfolio Tracker.
type Agent struct {
	*agent.Base
	ledger *ledger.Ledger
	log    zerolog.Logger

	emit func(*events.Event)
}

// New constructs a Portfolio Tracker. emit is called with each position
// event for delivery to C4 (the fanout Process entrypoint).
func New(base *agent.Base, led *ledger.Ledger, emit func(*events.Event), log zerolog.Logger) *Agent {
	return &Agent{
		Base:   base,
		ledger: led,
		log:    logger.Component(log, "portfolio_tracker"),
		emit:   emit,
	}
}

// ApplyFill opens a new position or adds to an existing open one, then
// emits a position event (§4.6.5).
func (a *Agent) ApplyFill(trade *domain.Trade) error {
	existing, found, err := a.ledger.FindOpenPosition(trade.Symbol)
	if err != nil {
		return fmt.Errorf("portfolio tracker: apply fill: %w", err)
	}

	now := time.Now().UTC()
	var pos *domain.Position

	if found {
		signedExisting := existing.Quantity
		signedFill := signedQuantity(trade)
		newQty := signedExisting + signedFill
		if newQty == 0 {
			realized := signedExisting * (trade.Price - existing.AveragePrice)
			if err := a.ledger.ClosePosition(existing.ID, realized, now); err != nil {
				return fmt.Errorf("portfolio tracker: close position: %w", err)
			}
			existing.RealizedPL = realized
			a.emitPosition(existing, domain.PositionClosed)
			return nil
		}
		newAvg := blendedAverage(existing.AveragePrice, signedExisting, trade.Price, signedFill)
		upl := unrealizedPL(newQty, newAvg, trade.Price)
		if err := a.ledger.UpdateByKey("positions", "id", existing.ID, map[string]interface{}{
			"quantity": newQty, "average_price": newAvg, "current_price": trade.Price, "unrealized_pl": upl,
		}); err != nil {
			return fmt.Errorf("portfolio tracker: update position: %w", err)
		}
		existing.Quantity = newQty
		existing.AveragePrice = newAvg
		existing.CurrentPrice = trade.Price
		existing.UnrealizedPL = upl
		pos = existing
	} else {
		qty := signedQuantity(trade)
		pos = &domain.Position{
			ID: uuid.NewString(), CreatedAt: now, Symbol: trade.Symbol, Status: domain.PositionOpen,
			Quantity: qty, AveragePrice: trade.Price, CurrentPrice: trade.Price,
		}
		if err := a.ledger.OpenPosition(pos); err != nil {
			return fmt.Errorf("portfolio tracker: open position: %w", err)
		}
	}

	a.emitPosition(pos, pos.Status)
	return nil
}

func signedQuantity(trade *domain.Trade) float64 {
	if trade.Side == domain.SideSell {
		return -trade.Quantity
	}
	return trade.Quantity
}

func blendedAverage(existingAvg, existingQty, fillPrice, fillQty float64) float64 {
	totalQty := existingQty + fillQty
	if totalQty == 0 {
		return existingAvg
	}
	return (existingAvg*existingQty + fillPrice*fillQty) / totalQty
}

func unrealizedPL(qty, avgPrice, currentPrice float64) float64 {
	return qty * (currentPrice - avgPrice)
}

// MarkToMarket updates current price and unrealized P&L for an open
// position (§4.6.5).
func (a *Agent) MarkToMarket(symbol string, price float64) error {
	pos, found, err := a.ledger.FindOpenPosition(symbol)
	if err != nil {
		return fmt.Errorf("portfolio tracker: mark to market: %w", err)
	}
	if !found {
		return nil
	}
	upl := unrealizedPL(pos.Quantity, pos.AveragePrice, price)
	if err := a.ledger.MarkToMarket(pos.ID, price, upl); err != nil {
		return fmt.Errorf("portfolio tracker: mark to market: %w", err)
	}
	pos.CurrentPrice = price
	pos.UnrealizedPL = upl
	a.emitPosition(pos, domain.PositionOpen)
	return nil
}

// OpenPositions returns every currently open position (§4.6.5).
func (a *Agent) OpenPositions() ([]*domain.Position, error) {
	return a.ledger.OpenPositions()
}

// PnLSummary aggregates realized and unrealized P&L across recent
// position rows, open and closed (§4.6.5).
func (a *Agent) PnLSummary(limit int) (realized, unrealized float64, err error) {
	rows, err := a.ledger.SelectRecent("positions", limit)
	if err != nil {
		return 0, 0, fmt.Errorf("portfolio tracker: pnl summary: %w", err)
	}
	for _, r := range rows {
		pos := ledger.RowToPosition(r)
		realized += pos.RealizedPL
		unrealized += pos.UnrealizedPL
	}
	return realized, unrealized, nil
}

func (a *Agent) emitPosition(p *domain.Position, status domain.PositionStatus) {
	if a.emit == nil {
		return
	}
	a.emit(&events.Event{
		Type: events.EventPosition, Source: a.Name(), Timestamp: time.Now().UTC(),
		Data: &events.PositionEventData{
			Symbol: p.Symbol, Status: string(status), Quantity: p.Quantity,
			CurrentPrice: p.CurrentPrice, UnrealizedPL: p.UnrealizedPL, RealizedPL: p.RealizedPL,
		},
	})
}

// Process is the cooperative loop placeholder; the Portfolio Tracker is
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
