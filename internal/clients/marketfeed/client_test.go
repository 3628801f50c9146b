package marketfeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient("wss://example.invalid/feed", []string{"AAPL", "TSLA"}, zerolog.Nop())
}

func TestClient_QuoteErrorsBeforeAnyTickReceived(t *testing.T) {
	c := newTestClient()
	_, _, _, _, _, err := c.Quote(context.Background(), "AAPL")
	assert.Error(t, err)
}

func TestClient_HandleMessageCachesTickAndQuoteServesIt(t *testing.T) {
	c := newTestClient()
	payload, err := json.Marshal(tick{Symbol: "AAPL", Price: 150.25, Open: 149, High: 151, Low: 148.5, Volume: 1_200_000})
	require.NoError(t, err)

	require.NoError(t, c.handleMessage(payload))

	price, open, high, low, volume, err := c.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 150.25, price)
	assert.Equal(t, 149.0, open)
	assert.Equal(t, 151.0, high)
	assert.Equal(t, 148.5, low)
	assert.Equal(t, 1_200_000.0, volume)
}

func TestClient_HandleMessageIgnoresTickWithoutSymbol(t *testing.T) {
	c := newTestClient()
	payload, err := json.Marshal(tick{Price: 100})
	require.NoError(t, err)
	require.NoError(t, c.handleMessage(payload))

	_, _, _, _, _, err = c.Quote(context.Background(), "")
	assert.Error(t, err)
}

func TestClient_HandleMessageReturnsErrorOnMalformedJSON(t *testing.T) {
	c := newTestClient()
	assert.Error(t, c.handleMessage([]byte("not json")))
}

func TestClient_QuoteErrorsOnStaleCachedTick(t *testing.T) {
	c := newTestClient()
	c.cacheMu.Lock()
	c.cache["AAPL"] = tick{Symbol: "AAPL", Price: 100}
	c.updated["AAPL"] = time.Now().Add(-10 * time.Minute)
	c.cacheMu.Unlock()

	_, _, _, _, _, err := c.Quote(context.Background(), "AAPL")
	assert.Error(t, err)
}

func TestBackoffDelayGrowsExponentiallyAndCaps(t *testing.T) {
	d1 := backoffDelay(1)
	d2 := backoffDelay(2)
	d3 := backoffDelay(3)
	assert.Equal(t, baseReconnectDelay, d1)
	assert.Equal(t, 2*baseReconnectDelay, d2)
	assert.Equal(t, 4*baseReconnectDelay, d3)

	capped := backoffDelay(20)
	assert.Equal(t, maxReconnectDelay, capped)
}

func TestClient_IsConnectedFalseBeforeStart(t *testing.T) {
	c := newTestClient()
	assert.False(t, c.IsConnected())
}
