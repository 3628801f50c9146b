// Package scraper implements the Stock Scraper (§4.6.7): produces
// domain.MarketTick snapshots for a watchlist, falling back to a
// clearly-flagged simulated feed for any tick whose live quote fails.
package scraper

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/logger"
)

const (
	dataSourceLive       = "live"
	dataSourceSimulation = "simulation"
	defaultPollInterval  = 15 * time.Second
)

// QuoteSource fetches a single raw quote for a symbol. Implementations
// wrap a concrete upstream (Yahoo Finance, a broker feed, and so on).
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (price, open, high, low, volume float64, err error)
}

// yahooSource is a minimal Yahoo Finance quote source, grounded on the
// same request shape as the Yahoo client used elsewhere in this stack.
type yahooSource struct {
	http *resty.Client
}

func newYahooSource() *yahooSource {
	return &yahooSource{
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetBaseURL("https://query1.finance.yahoo.com"),
	}
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"previousClose"`
			} `json:"meta"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
	} `json:"chart"`
}

func (y *yahooSource) Quote(ctx context.Context, symbol string) (price, open, high, low, volume float64, err error) {
	var body yahooChartResponse
	resp, err := y.http.R().
		SetContext(ctx).
		SetQueryParam("interval", "1m").
		SetQueryParam("range", "1d").
		SetResult(&body).
		Get(fmt.Sprintf("/v8/finance/chart/%s", strings.ToUpper(symbol)))
	if err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("scraper: yahoo quote %s: %w", symbol, err)
	}
	if resp.IsError() {
		return 0, 0, 0, 0, 0, fmt.Errorf("scraper: yahoo quote %s: status %d", symbol, resp.StatusCode())
	}
	if len(body.Chart.Result) == 0 {
		return 0, 0, 0, 0, 0, fmt.Errorf("scraper: yahoo quote %s: empty result", symbol)
	}
	r := body.Chart.Result[0]
	price = r.Meta.RegularMarketPrice
	if len(r.Indicators.Quote) > 0 {
		q := r.Indicators.Quote[0]
		open = lastOf(q.Open)
		high = lastOf(q.High)
		low = lastOf(q.Low)
		volume = lastOf(q.Volume)
	}
	return price, open, high, low, volume, nil
}

func lastOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}

// simulatedSource produces a deterministic-looking random walk, always
// flagged data_source=simulation per the contract (§4.6.7).
type simulatedSource struct {
	mu    sync.Mutex
	price map[string]float64
}

func newSimulatedSource() *simulatedSource {
	return &simulatedSource{price: make(map[string]float64)}
}

func (s *simulatedSource) Quote(ctx context.Context, symbol string) (price, open, high, low, volume float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.price[symbol]
	if !ok {
		base = 10 + rand.Float64()*40
	}
	drift := (rand.Float64() - 0.5) * base * 0.01
	next := base + drift
	if next <= 0 {
		next = base
	}
	s.price[symbol] = next

	open = base
	high = maxF(base, next) * (1 + rand.Float64()*0.002)
	low = minF(base, next) * (1 - rand.Float64()*0.002)
	volume = 50_000 + rand.Float64()*200_000
	return next, open, high, low, volume, nil
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Agent is the Stock Scraper.
type Agent struct {
	*agent.Base
	log zerolog.Logger

	live       QuoteSource
	simulated  *simulatedSource
	watchlist  []string
	poll       time.Duration

	mu         sync.RWMutex
	lastTicks  map[string]*domain.MarketTick
	onTick     func(*domain.MarketTick)
}

// New constructs a Stock Scraper. A nil live source is replaced by the
// built-in Yahoo Finance source; the simulated feed is used only per tick,
// when the live quote fails (see Tick).
func New(base *agent.Base, live QuoteSource, watchlist []string, onTick func(*domain.MarketTick), log zerolog.Logger) *Agent {
	if live == nil {
		live = newYahooSource()
	}
	return &Agent{
		Base:      base,
		log:       logger.Component(log, "stock_scraper"),
		live:      live,
		simulated: newSimulatedSource(),
		watchlist: watchlist,
		poll:      defaultPollInterval,
		lastTicks: make(map[string]*domain.MarketTick),
		onTick:    onTick,
	}
}

// Tick fetches one snapshot for symbol, falling back to the simulated
// source and flagging it when the live source errors (§4.6.7).
func (a *Agent) Tick(ctx context.Context, symbol string) (*domain.MarketTick, error) {
	price, open, high, low, volume, err := a.live.Quote(ctx, symbol)
	source := dataSourceLive
	if err != nil || price <= 0 {
		a.log.Warn().Err(err).Str("symbol", symbol).Msg("live quote unavailable, falling back to simulation")
		price, open, high, low, volume, err = a.simulated.Quote(ctx, symbol)
		source = dataSourceSimulation
		if err != nil {
			return nil, fmt.Errorf("scraper: simulated fallback %s: %w", symbol, err)
		}
	}

	now := time.Now().UTC()
	a.mu.Lock()
	if prev, ok := a.lastTicks[symbol]; ok && !now.After(prev.Timestamp) {
		now = prev.Timestamp.Add(time.Millisecond)
	}
	tick := &domain.MarketTick{
		Timestamp: now, Symbol: symbol, Price: price,
		Open: open, High: high, Low: low, Close: price, Volume: volume,
		Indicators: domain.Metadata{}, DataSource: source,
	}
	a.lastTicks[symbol] = tick
	a.mu.Unlock()

	if a.onTick != nil {
		a.onTick(tick)
	}
	return tick, nil
}

// LastTick returns the most recent snapshot for symbol, if any.
func (a *Agent) LastTick(symbol string) (*domain.MarketTick, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.lastTicks[symbol]
	return t, ok
}

// Process polls the watchlist on a fixed cadence, recording an
// error_pattern memory whenever a symbol yields no tick at all (§4.6.7,
// §5). Falling back to simulation is logged, not memorized.
func (a *Agent) Process(ctx context.Context) error {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.pollWatchlist(ctx)
			a.Heartbeat()
		}
	}
}

func (a *Agent) pollWatchlist(ctx context.Context) {
	for _, symbol := range a.watchlist {
		if _, err := a.Tick(ctx, symbol); err != nil {
			if _, werr := a.StoreMemory(
				fmt.Sprintf("scraper failed to produce a tick for %s: %v", symbol, err),
				domain.ContentTypeErrorPattern, 0.4,
				domain.Metadata{"symbol": symbol},
			); werr != nil {
				a.log.Warn().Err(werr).Msg("failed to record scraper error pattern")
			}
		}
	}
}
