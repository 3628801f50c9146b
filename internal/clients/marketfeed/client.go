// Package marketfeed implements a streaming live-quote client, grounded
// on the teacher's Tradernet market-status WebSocket client: dial,
// subscribe, read loop with automatic reconnect and exponential
// backoff, and a thread-safe last-quote cache. Unlike that client's
// push-only market-status feed, this one also satisfies the Stock
// Scraper's pull-based QuoteSource contract by serving from the cache.
package marketfeed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/sentinel/pkg/logger"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	quoteStaleThreshold = 2 * time.Minute
)

// tick is the wire format for one quote update.
type tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Volume float64 `json:"volume"`
}

// Client streams live quotes for a fixed watchlist over a WebSocket
// connection and caches the latest tick per symbol.
type Client struct {
	url        string
	watchlist  map[string]bool
	httpClient *http.Client

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool
	stopped    bool
	stopChan   chan struct{}

	cacheMu sync.RWMutex
	cache   map[string]tick
	updated map[string]time.Time

	log zerolog.Logger
}

// NewClient constructs a marketfeed Client for the given watchlist.
func NewClient(url string, watchlist []string, log zerolog.Logger) *Client {
	wl := make(map[string]bool, len(watchlist))
	for _, s := range watchlist {
		wl[s] = true
	}
	return &Client{
		url:       url,
		watchlist: wl,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				TLSClientConfig: &tls.Config{
					NextProtos: []string{"http/1.1"},
				},
				ForceAttemptHTTP2: false,
			},
		},
		cache:    make(map[string]tick),
		updated:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
		log:      logger.Component(log, "marketfeed_client"),
	}
}

// Start dials the feed and begins the background read loop, retrying
// with backoff in the background if the initial dial fails.
func (c *Client) Start() error {
	if err := c.connect(); err != nil {
		c.log.Warn().Err(err).Msg("initial marketfeed connection failed, retrying in background")
		go c.reconnectLoop()
		return err
	}
	c.mu.RLock()
	ctx := c.connCtx
	c.mu.RUnlock()
	go c.readLoop(ctx)
	return nil
}

// Stop closes the connection and halts reconnection attempts.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopChan)
	return c.disconnect()
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return fmt.Errorf("marketfeed: dial: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCtx = connCtx
	c.cancelFunc = connCancel
	c.connected = true

	if err := c.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		c.conn = nil
		c.connCtx = nil
		c.cancelFunc = nil
		c.connected = false
		return fmt.Errorf("marketfeed: subscribe: %w", err)
	}

	c.log.Info().Str("url", c.url).Msg("connected to marketfeed")
	return nil
}

func (c *Client) disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	c.connCtx = nil
	c.connected = false
	if err != nil {
		return fmt.Errorf("marketfeed: close: %w", err)
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context) error {
	symbols := make([]string, 0, len(c.watchlist))
	for s := range c.watchlist {
		symbols = append(symbols, s)
	}
	data, err := json.Marshal(map[string]interface{}{"subscribe": symbols})
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.mu.RLock()
		stopped := c.stopped
		c.mu.RUnlock()
		if !stopped {
			go c.reconnectLoop()
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.log.Info().Msg("marketfeed closed normally")
			} else if ctx.Err() == nil {
				c.log.Error().Err(err).Msg("marketfeed read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := c.handleMessage(message); err != nil {
			c.log.Warn().Err(err).Msg("failed to handle marketfeed message")
		}
	}
}

func (c *Client) handleMessage(message []byte) error {
	var t tick
	if err := json.Unmarshal(message, &t); err != nil {
		return fmt.Errorf("parse tick: %w", err)
	}
	if t.Symbol == "" {
		return nil
	}

	c.cacheMu.Lock()
	c.cache[t.Symbol] = t
	c.updated[t.Symbol] = time.Now()
	c.cacheMu.Unlock()
	return nil
}

func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}
		attempt++
		delay := backoffDelay(attempt)

		select {
		case <-time.After(delay):
		case <-c.stopChan:
			return
		}

		if err := c.connect(); err != nil {
			c.log.Error().Err(err).Int("attempt", attempt).Msg("marketfeed reconnect failed")
			continue
		}

		c.mu.RLock()
		ctx := c.connCtx
		c.mu.RUnlock()
		go c.readLoop(ctx)
		return
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// Quote satisfies the Stock Scraper's QuoteSource contract, serving the
// latest cached tick for symbol. Returns an error if no tick has been
// received yet or the cached tick is older than quoteStaleThreshold.
func (c *Client) Quote(ctx context.Context, symbol string) (price, open, high, low, volume float64, err error) {
	c.cacheMu.RLock()
	t, ok := c.cache[symbol]
	updated := c.updated[symbol]
	c.cacheMu.RUnlock()

	if !ok {
		return 0, 0, 0, 0, 0, fmt.Errorf("marketfeed: no quote received yet for %s", symbol)
	}
	if time.Since(updated) > quoteStaleThreshold {
		return 0, 0, 0, 0, 0, fmt.Errorf("marketfeed: cached quote for %s is stale (last update %s ago)", symbol, time.Since(updated).Round(time.Second))
	}
	return t.Price, t.Open, t.High, t.Low, t.Volume, nil
}

// IsConnected reports whether the underlying WebSocket is currently up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
