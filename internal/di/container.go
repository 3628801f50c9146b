// Package di wires every component of the agent fabric into a single
// Container: the memory store, input router, ledger, agent registry,
// the seven specialized agents plus the Coordinator, the output
// fan-out, and the optional reliability mirror and live market feed.
// Grounded on the teacher's internal/di/wire.go: staged construction
// with explicit cleanup on any stage's failure.
package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/agents/portfolio"
	"github.com/aristath/sentinel/internal/agents/rules"
	"github.com/aristath/sentinel/internal/agents/runtime"
	"github.com/aristath/sentinel/internal/agents/scraper"
	"github.com/aristath/sentinel/internal/agents/strategy"
	"github.com/aristath/sentinel/internal/agents/timing"
	"github.com/aristath/sentinel/internal/agents/toolcontrol"
	"github.com/aristath/sentinel/internal/clients/marketfeed"
	"github.com/aristath/sentinel/internal/config"
	"github.com/aristath/sentinel/internal/coordinator"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/fanout"
	"github.com/aristath/sentinel/internal/ledger"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/internal/reliability"
	"github.com/aristath/sentinel/internal/router"
)

// lowPriorityAgents are paused by the Runtime Agent's load shedding
// under resource pressure (§4.6.4); the Coordinator and Portfolio
// Tracker are deliberately excluded so open-position bookkeeping and
// trade synthesis never stop.
var lowPriorityAgents = []string{"stock_scraper", "tool_control"}

// Container holds every wired component for cmd/server to start, stop,
// and serve.
type Container struct {
	Log zerolog.Logger

	Store    *memory.Store
	Router   *router.Router
	DB       *database.DB
	Ledger   *ledger.Ledger
	Registry *agent.Registry

	Strategy    *strategy.Agent
	Timing      *timing.Agent
	Rules       *rules.Agent
	Portfolio   *portfolio.Agent
	Runtime     *runtime.Agent
	ToolControl *toolcontrol.Agent
	Scraper     *scraper.Agent
	Coordinator *coordinator.Agent

	Fanout     *fanout.Fanout
	MarketFeed *marketfeed.Client  // nil when MARKETFEED_URL is unset
	Mirror     *reliability.Mirror // nil when no S3 bucket is configured
	mirrorCron *cron.Cron

	history *historyWindow
}

// Wire constructs and wires every component. On any stage's failure it
// tears down whatever was already opened and returns the error.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Log: log}

	store, err := memory.Open(memory.Config{
		BaseDir:            filepath.Join(cfg.DataDir, "memory"),
		EmbeddingDimension: cfg.Memory.EmbeddingDimension,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("di: open memory store: %w", err)
	}
	c.Store = store

	c.Router = router.New(store, log)

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("di: open ledger database: %w", err)
	}
	c.DB = db
	if err := db.Migrate(); err != nil {
		c.Close()
		return nil, fmt.Errorf("di: migrate ledger database: %w", err)
	}

	c.Ledger = ledger.New(db, log)
	if err := cfg.UpdateFromSettings(settingsAdapter{c.Ledger}); err != nil {
		c.Close()
		return nil, fmt.Errorf("di: apply settings overrides: %w", err)
	}

	c.Registry = agent.NewRegistry(store, log)
	c.Fanout = fanout.New(store, c.Ledger, c.Router, filepath.Join(cfg.DataDir, "logs"), log)

	if err := c.wireAgents(cfg, log); err != nil {
		c.Close()
		return nil, err
	}

	if cfg.Reliability.Bucket != "" {
		mirror, err := reliability.NewMirror(ctx, reliability.Config{
			Bucket:          cfg.Reliability.Bucket,
			Region:          cfg.Reliability.Region,
			Endpoint:        cfg.Reliability.Endpoint,
			AccessKeyID:     cfg.Reliability.AccessKeyID,
			SecretAccessKey: cfg.Reliability.SecretAccessKey,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("reliability mirror unavailable, continuing without cold-spill backup")
		} else {
			c.Mirror = mirror
			c.startMirrorSync(cfg)
		}
	}

	log.Info().Msg("dependency injection wiring completed")
	return c, nil
}

// vixSymbol is the watchlist entry (when present) the history window
// treats as the VIX reading rather than a tradeable instrument.
const vixSymbol = "VIX"

// settingsAdapter narrows *ledger.Ledger to config.SettingsRepository.
type settingsAdapter struct {
	ledger *ledger.Ledger
}

func (a settingsAdapter) Get(key string) (*string, error) {
	return a.ledger.GetSetting(key)
}

func (c *Container) wireAgents(cfg *config.Config, log zerolog.Logger) error {
	c.history = newHistoryWindow(vixSymbol)

	var live scraper.QuoteSource
	if cfg.MarketFeed.URL != "" {
		client := marketfeed.NewClient(cfg.MarketFeed.URL, cfg.Agents.Watchlist, log)
		if err := client.Start(); err != nil {
			log.Warn().Err(err).Msg("market feed failed to connect, scraper falls back to its own quote source")
		}
		c.MarketFeed = client
		live = client
	}

	scraperBase := agent.New("stock_scraper", "scraper", c.Store, c.Router, log)
	c.Scraper = scraper.New(scraperBase, live, cfg.Agents.Watchlist, c.history.OnTick, log)
	if err := c.Registry.Register(scraperBase, c.Scraper); err != nil {
		return fmt.Errorf("di: register stock_scraper: %w", err)
	}

	strategyBase := agent.New("strategy", "strategy", c.Store, c.Router, log)
	c.Strategy = strategy.New(strategyBase, log)
	if err := c.Registry.Register(strategyBase, c.Strategy); err != nil {
		return fmt.Errorf("di: register strategy: %w", err)
	}

	timingBase := agent.New("timing", "timing", c.Store, c.Router, log)
	c.Timing = timing.New(timingBase, timing.DefaultConfig(), log)
	if err := c.Registry.Register(timingBase, c.Timing); err != nil {
		return fmt.Errorf("di: register timing: %w", err)
	}

	rulesBase := agent.New("rules", "rules", c.Store, c.Router, log)
	c.Rules = rules.New(rulesBase, log)
	c.Rules.SeedDefaultRules()
	if err := c.Registry.Register(rulesBase, c.Rules); err != nil {
		return fmt.Errorf("di: register rules: %w", err)
	}

	portfolioBase := agent.New("portfolio", "portfolio", c.Store, c.Router, log)
	c.Portfolio = portfolio.New(portfolioBase, c.Ledger, c.emit, log)
	if err := c.Registry.Register(portfolioBase, c.Portfolio); err != nil {
		return fmt.Errorf("di: register portfolio: %w", err)
	}

	toolcontrolBase := agent.New("tool_control", "tool_control", c.Store, c.Router, log)
	c.ToolControl = toolcontrol.New(toolcontrolBase, log)
	if err := c.Registry.Register(toolcontrolBase, c.ToolControl); err != nil {
		return fmt.Errorf("di: register tool_control: %w", err)
	}

	runtimeBase := agent.New("runtime", "runtime", c.Store, c.Router, log)
	c.Runtime = runtime.New(runtimeBase, c.Registry, lowPriorityAgents, log)
	if err := c.Registry.Register(runtimeBase, c.Runtime); err != nil {
		return fmt.Errorf("di: register runtime: %w", err)
	}

	coordinatorBase := agent.New("coordinator", "coordinator", c.Store, c.Router, log)
	mode := domain.Mode(cfg.Coordinator.Mode)
	c.Coordinator = coordinator.New(coordinatorBase, mode, cfg.Coordinator.AgentWeights, c.history, c.Strategy, c.Timing, c.Rules, c.Portfolio, log)
	if err := c.Registry.Register(coordinatorBase, c.Coordinator); err != nil {
		return fmt.Errorf("di: register coordinator: %w", err)
	}

	return nil
}

// emit is the Portfolio Tracker's notification callback: it wraps the
// event for the output fan-out (C4) rather than writing to the ledger
// directly, keeping that responsibility in one place.
func (c *Container) emit(e *events.Event) {
	c.Fanout.Process([]*events.Event{e})
}

// Execute turns a synthesized decision into a position fill and fans
// out a coordination_decision event (§6 outbound events), skipping
// hold decisions.
func (c *Container) Execute(symbol string, d *domain.Decision) error {
	c.Fanout.Process([]*events.Event{{
		Type:       events.EventCoordinationDecision,
		Source:     "coordinator",
		Timestamp:  d.Timestamp,
		Confidence: d.Confidence,
		Data: &events.CoordinationDecisionEventData{
			Symbol:       d.Symbol,
			Action:       string(d.Action),
			Confidence:   d.Confidence,
			RiskScore:    d.RiskScore,
			Contributors: d.Contributors,
		},
	}})

	if d.Action == domain.ActionHold {
		return nil
	}

	side := domain.SideBuy
	if d.Action == domain.ActionSell {
		side = domain.SideSell
	}

	trade := &domain.Trade{
		ID:        uuid.NewString(),
		CreatedAt: d.Timestamp,
		Symbol:    symbol,
		Side:      side,
		Strategy:  string(d.Phase),
		Status:    domain.TradeStatusExecuted,
		Quantity:  d.PositionSize,
		Price:     d.Entry,
	}
	return c.Portfolio.ApplyFill(trade)
}

func (c *Container) startMirrorSync(cfg *config.Config) {
	c.mirrorCron = cron.New()
	_, err := c.mirrorCron.AddFunc(cfg.Reliability.SyncSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := c.Mirror.SyncSpillDir(ctx, c.Store.SpillDir()); err != nil {
			c.Log.Error().Err(err).Msg("reliability mirror sync failed")
			return
		}
		if _, err := c.Mirror.RotateOldArchives(ctx, cfg.Reliability.Retention, cfg.Reliability.MinKeep); err != nil {
			c.Log.Error().Err(err).Msg("reliability mirror rotation failed")
		}
	})
	if err != nil {
		c.Log.Error().Err(err).Msg("failed to schedule reliability mirror sync")
		return
	}
	c.mirrorCron.Start()
}

// Close releases every resource Wire opened, best-effort, in reverse
// dependency order.
func (c *Container) Close() error {
	if c.mirrorCron != nil {
		c.mirrorCron.Stop()
	}
	if c.MarketFeed != nil {
		if err := c.MarketFeed.Stop(); err != nil {
			c.Log.Warn().Err(err).Msg("failed to stop market feed client")
		}
	}
	if c.Fanout != nil {
		if err := c.Fanout.Flush(); err != nil {
			c.Log.Warn().Err(err).Msg("failed to flush fan-out append logs")
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("failed to close ledger database")
		}
	}
	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}
