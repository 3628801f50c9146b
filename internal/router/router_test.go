package router

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/memory"
)

func openTestRouter(t *testing.T) *Router {
	t.Helper()
	store, err := memory.Open(memory.Config{BaseDir: t.TempDir(), EmbeddingDimension: 16}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zerolog.Nop())
}

func TestRouter_RetrieveFiltersBySourceMatch(t *testing.T) {
	r := openTestRouter(t)
	_, err := r.store.Store("signal about ABCD breakout", domain.ContentTypeTradingSignal, "strategy_agent", 0.1, nil)
	require.NoError(t, err)

	results, err := r.Retrieve("strategy_agent", "trading_signal", Context{Symbol: "ABCD"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "strategy_agent", results[0].Source())
}

func TestRouter_RetrieveFiltersByImportanceFloor(t *testing.T) {
	r := openTestRouter(t)
	_, err := r.store.Store("highly important note about ABCD", domain.ContentTypeMarketAnalysis, "other_agent", 0.9, nil)
	require.NoError(t, err)

	results, err := r.Retrieve("strategy_agent", "unrelated_query", Context{Symbol: "ABCD"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestRouter_RetrieveExcludesLowImportanceUnrelated(t *testing.T) {
	r := openTestRouter(t)
	_, err := r.store.Store("irrelevant low importance chatter", domain.ContentTypeMarketAnalysis, "other_agent", 0.1, nil)
	require.NoError(t, err)

	results, err := r.Retrieve("strategy_agent", "trading_signal", Context{Symbol: "ZZZZ"})
	require.NoError(t, err)
	for _, rec := range results {
		assert.NotEqual(t, "other_agent", rec.Source())
	}
}

func TestRouter_RetrieveCachesOnSecondCall(t *testing.T) {
	r := openTestRouter(t)
	_, err := r.store.Store("cached signal", domain.ContentTypeTradingSignal, "strategy_agent", 0.5, nil)
	require.NoError(t, err)

	ctx := Context{Symbol: "ABCD"}
	_, err = r.Retrieve("strategy_agent", "trading_signal", ctx)
	require.NoError(t, err)
	hitsBefore, missesBefore := r.CacheStats()

	_, err = r.Retrieve("strategy_agent", "trading_signal", ctx)
	require.NoError(t, err)
	hitsAfter, missesAfter := r.CacheStats()

	assert.Equal(t, hitsBefore+1, hitsAfter)
	assert.Equal(t, missesBefore, missesAfter)
}

func TestRouter_CacheEvictsDownToLowWatermark(t *testing.T) {
	r := openTestRouter(t)
	_, err := r.store.Store("seed", domain.ContentTypeTradingSignal, "strategy_agent", 0.5, nil)
	require.NoError(t, err)

	for i := 0; i < cacheHighWatermark+5; i++ {
		ctx := Context{Symbol: fmt.Sprintf("SYM%d", i)}
		_, err := r.Retrieve("strategy_agent", "trading_signal", ctx)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, r.cache.Len(), cacheHighWatermark)
}

func TestRouter_EmitsAgentDataTransferRecord(t *testing.T) {
	r := openTestRouter(t)
	_, err := r.store.Store("signal", domain.ContentTypeTradingSignal, "strategy_agent", 0.5, nil)
	require.NoError(t, err)

	_, err = r.Retrieve("strategy_agent", "trading_signal", Context{Symbol: "ABCD"})
	require.NoError(t, err)

	transfers := r.store.Scan(domain.ContentTypeAgentDataTransfer, 0)
	assert.NotEmpty(t, transfers)
}

func TestRouter_SendRequiresRegisteredInbox(t *testing.T) {
	r := openTestRouter(t)
	err := r.Send("unregistered_agent", Payload{From: "x", Kind: "test"})
	assert.Error(t, err)
}

func TestRouter_SendDeliversToRegisteredInbox(t *testing.T) {
	r := openTestRouter(t)
	inbox := r.RegisterInbox("runtime_agent")

	require.NoError(t, r.Send("runtime_agent", Payload{From: "coordinator", Kind: "decision"}))

	select {
	case p := <-inbox:
		assert.Equal(t, "coordinator", p.From)
	default:
		t.Fatal("expected payload to be queued")
	}
}

func TestRouter_SendFailsWhenInboxFull(t *testing.T) {
	r := openTestRouter(t)
	r.RegisterInbox("busy_agent")

	var lastErr error
	for i := 0; i < inboxBufferSize+1; i++ {
		lastErr = r.Send("busy_agent", Payload{From: "x", Kind: "spam"})
	}
	assert.Error(t, lastErr)
}
