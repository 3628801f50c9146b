// Package fanout implements the output fan-out (C4): the single
// ingress for every agent's outgoing events. It classifies, durably
// records, selectively memorizes, and cross-notifies.
package fanout

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/ledger"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/internal/router"
	"github.com/aristath/sentinel/pkg/logger"
)

const (
	importanceThreshold = 0.3
	flushSize           = 50
)

// routingTable is the static interested-agent table from §4.4 step 6.
var routingTable = map[events.EventType][]string{
	events.EventSignal:      {"strategy", "rules", "risk", "timing"},
	events.EventTrade:       {"portfolio", "tax", "performance"},
	events.EventPosition:    {"risk", "portfolio"},
	events.EventStrategy:    {"coordinator", "performance"},
	events.EventPerformance: {"coordinator", "performance"},
	events.EventError:       {"runtime", "coordinator"},
}

// Fanout is the C4 output fan-out.
type Fanout struct {
	store  *memory.Store
	ledger *ledger.Ledger
	router *router.Router
	log    zerolog.Logger

	appendLog *appendLogSet
}

// New wires a Fanout to its collaborators. logDir holds the
// strategy/performance append-only log files.
func New(store *memory.Store, led *ledger.Ledger, rtr *router.Router, logDir string, log zerolog.Logger) *Fanout {
	return &Fanout{
		store:     store,
		ledger:    led,
		router:    rtr,
		log:       logger.Component(log, "output_fanout"),
		appendLog: newAppendLogSet(logDir, flushSize),
	}
}

// Process runs every event through classification, per-class handling,
// conditional memorization, and cross-agent notification (§4.4).
func (f *Fanout) Process(evts []*events.Event) {
	now := time.Now().UTC()
	for _, e := range evts {
		e.ProcessedAt = now
		f.processOne(e)
	}
}

func (f *Fanout) processOne(e *events.Event) {
	if err := f.recordStructured(e); err != nil {
		f.log.Error().Err(err).Str("type", string(e.Type)).Msg("failed to record structured row")
	}

	importance := computeImportance(e)
	if importance >= importanceThreshold {
		f.memorize(e, importance)
	}

	f.notifyInterestedAgents(e)
}

// recordStructured handles the per-class durable recording: signal/
// trade/position rows go to the ledger; strategy/performance events
// append to their log files; errors get elevated logging plus an
// error_pattern memory (written unconditionally, independent of the
// importance gate below).
func (f *Fanout) recordStructured(e *events.Event) error {
	switch e.Type {
	case events.EventSignal:
		if d, ok := e.Data.(*events.SignalEventData); ok {
			return f.ledger.InsertSignal(&domain.Signal{
				ID: signalID(e), CreatedAt: e.Timestamp, Symbol: d.Symbol, Kind: d.Kind,
				Timeframe: d.Timeframe, Confidence: d.Confidence, Price: d.Price, Volume: d.Volume,
				Indicators: toMetadata(d.Indicators),
			})
		}
	case events.EventTrade:
		if d, ok := e.Data.(*events.TradeEventData); ok {
			return f.ledger.InsertTrade(&domain.Trade{
				ID: signalID(e), CreatedAt: e.Timestamp, Symbol: d.Symbol, Side: domain.TradeSide(d.Side),
				Strategy: d.Strategy, SignalID: d.SignalID, Status: domain.TradeStatus(d.Status),
				Quantity: d.Quantity, Price: d.Price,
			})
		}
	case events.EventPosition:
		// Position row lifecycle (open/mark/close) is owned by the
		// Portfolio Tracker agent directly against the ledger; C4 only
		// logs the event here, it does not re-derive ledger writes from it.
		return nil
	case events.EventStrategy, events.EventPerformance:
		return f.appendLog.append(e)
	case events.EventError:
		f.logError(e)
		return f.writeErrorPattern(e)
	}
	return nil
}

func (f *Fanout) logError(e *events.Event) {
	errData, _ := e.Data.(*events.ErrorEventData)
	ev := f.log.Error()
	if errData != nil {
		ev = ev.Str("agent", errData.Agent).Str("severity", string(errData.Severity))
	}
	ev.Str("source", e.Source).Msg("agent error event")
}

func (f *Fanout) writeErrorPattern(e *events.Event) error {
	errData, _ := e.Data.(*events.ErrorEventData)
	text := "error event"
	if errData != nil {
		text = fmt.Sprintf("%s: %s (%s)", errData.Agent, errData.Message, errData.Severity)
	}
	_, err := f.store.Store(text, domain.ContentTypeErrorPattern, e.Source, computeImportance(e), domain.Metadata{
		"event_type": string(e.Type),
	})
	return err
}

func signalID(e *events.Event) string {
	return fmt.Sprintf("%s-%d", e.Source, e.Timestamp.UnixNano())
}

func toMetadata(m map[string]interface{}) domain.Metadata {
	if m == nil {
		return domain.Metadata{}
	}
	return domain.Metadata(m)
}

// memorize synthesizes a concise description and stores it in C1 with
// source=agents_out and type agent_log_<class>, per §4.4 step 5.
func (f *Fanout) memorize(e *events.Event, importance float64) {
	text := describeEvent(e)
	contentType := domain.ContentType("agent_log_" + string(e.Type))
	if _, err := f.store.Store(text, contentType, "agents_out", importance, domain.Metadata{
		"origin_agent": e.Source,
		"event_type":   string(e.Type),
	}); err != nil {
		f.log.Warn().Err(err).Str("type", string(e.Type)).Msg("failed to memorize event")
	}
}

func describeEvent(e *events.Event) string {
	switch d := e.Data.(type) {
	case *events.SignalEventData:
		return fmt.Sprintf("%s signal on %s: %s at %.4f, confidence %.2f", d.Kind, d.Symbol, d.Timeframe, d.Price, d.Confidence)
	case *events.TradeEventData:
		return fmt.Sprintf("trade %s %s %.2f @ %.4f via %s", d.Side, d.Symbol, d.Quantity, d.Price, d.Strategy)
	case *events.PositionEventData:
		return fmt.Sprintf("position %s %s: qty %.2f, unrealized %.2f", d.Symbol, d.Status, d.Quantity, d.UnrealizedPL)
	case *events.StrategyEventData:
		return fmt.Sprintf("%s strategy on %s: %s, confidence %.2f", d.Strategy, d.Symbol, d.Strength, d.Confidence)
	case *events.PerformanceEventData:
		return fmt.Sprintf("%s performance: %d trades, win rate %.2f", d.Strategy, d.TotalTrades, d.WinRate)
	case *events.CoordinationDecisionEventData:
		return fmt.Sprintf("coordination decision %s on %s, confidence %.2f, risk %.2f", d.Action, d.Symbol, d.Confidence, d.RiskScore)
	case *events.StatusEventData:
		return fmt.Sprintf("%s transitioned to %s", d.Agent, d.State)
	default:
		return fmt.Sprintf("%s event from %s", e.Type, e.Source)
	}
}

// computeImportance is the §4.4 step 4 formula.
func computeImportance(e *events.Event) float64 {
	importance := 0.1

	switch e.Type {
	case events.EventSignal:
		importance += 0.8
	case events.EventTrade:
		importance += 0.9
	case events.EventCoordinationDecision:
		importance += 0.9
	case events.EventPerformance:
		importance += 0.7
	case events.EventError:
		importance += 0.5
	}

	if e.Confidence > 0 {
		importance += e.Confidence * 0.3
	}

	if volume, price, ok := volumeAndPrice(e.Data); ok {
		if volume > 1e6 {
			importance += 0.05
		}
		if price > 0 {
			importance += 0.02
		}
	}

	if e.Type == events.EventError {
		if errData, ok := e.Data.(*events.ErrorEventData); ok {
			switch errData.Severity {
			case events.SeverityHigh:
				importance += 0.4
			case events.SeverityCritical:
				importance += 0.6
			}
		}
	}

	return domain.Clamp(importance, 0, 1)
}

func volumeAndPrice(data events.EventData) (volume, price float64, ok bool) {
	switch d := data.(type) {
	case *events.SignalEventData:
		return d.Volume, d.Price, true
	case *events.TradeEventData:
		return 0, d.Price, true
	}
	return 0, 0, false
}

// notifyInterestedAgents enqueues a notification to every agent
// interested in this event's class, excluding the source, plus the
// coordinator whenever confidence > 0.7 or the type is trade/error.
func (f *Fanout) notifyInterestedAgents(e *events.Event) {
	interested := append([]string{}, routingTable[e.Type]...)

	if e.Confidence > 0.7 || e.Type == events.EventTrade || e.Type == events.EventError {
		interested = appendUnique(interested, "coordinator")
	}

	for _, agent := range interested {
		if agent == e.Source {
			continue
		}
		if err := f.router.Send(agent, router.Payload{From: e.Source, Kind: string(e.Type), Data: e}); err != nil {
			f.log.Debug().Err(err).Str("agent", agent).Msg("fanout notification not delivered")
		}
	}
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

// Flush forces every buffered append-only log to disk, for shutdown
// and the periodic tick path.
func (f *Fanout) Flush() error {
	return f.appendLog.flushAll()
}
