package di

import (
	"sync"

	"github.com/aristath/sentinel/internal/domain"
)

// defaultWindowLen bounds the rolling OHLCV window kept per symbol. It
// is generous enough for the indicator math the Strategy Agent runs
// (moving averages, RSI) without growing unbounded over a long-lived
// process.
const defaultWindowLen = 120

// defaultVIX is served when no VIX tick has arrived yet: a neutral
// reading that neither dampens nor boosts market confidence (§4.7.2).
const defaultVIX = 20.0

// historyWindow accumulates the rolling closes/volumes window and the
// latest VIX reading the Coordinator's market analysis phase needs,
// fed by the Stock Scraper's onTick callback. It satisfies
// coordinator.HistoryProvider. Grounded on the Stock Scraper's own
// mutex-protected last-tick cache (internal/agents/scraper/scraper.go).
type historyWindow struct {
	mu        sync.Mutex
	vixSymbol string
	vix       float64
	closes    map[string][]float64
	volumes   map[string][]float64
}

func newHistoryWindow(vixSymbol string) *historyWindow {
	return &historyWindow{
		vixSymbol: vixSymbol,
		closes:    make(map[string][]float64),
		volumes:   make(map[string][]float64),
	}
}

// OnTick is passed as the Stock Scraper's onTick callback.
func (h *historyWindow) OnTick(tick *domain.MarketTick) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.vixSymbol != "" && tick.Symbol == h.vixSymbol {
		h.vix = tick.Close
		return
	}

	h.closes[tick.Symbol] = appendBounded(h.closes[tick.Symbol], tick.Close)
	h.volumes[tick.Symbol] = appendBounded(h.volumes[tick.Symbol], tick.Volume)
}

func appendBounded(series []float64, v float64) []float64 {
	series = append(series, v)
	if len(series) > defaultWindowLen {
		series = series[len(series)-defaultWindowLen:]
	}
	return series
}

// History satisfies coordinator.HistoryProvider.
func (h *historyWindow) History(symbol string) (closes, volumes []float64, vix float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, found := h.closes[symbol]
	if !found || len(c) == 0 {
		return nil, nil, 0, false
	}

	vixVal := h.vix
	if vixVal <= 0 {
		vixVal = defaultVIX
	}

	closesCopy := append([]float64(nil), c...)
	volumesCopy := append([]float64(nil), h.volumes[symbol]...)
	return closesCopy, volumesCopy, vixVal, true
}
