package memory

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{BaseDir: t.TempDir(), EmbeddingDimension: 16}
	s, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_StoreAssignsIDAndVector(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.Store("AAPL breaking out on volume", domain.ContentTypeTradingSignal, "strategy_agent", 0.7, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Len(t, rec.Vector, 16)
	assert.Equal(t, domain.ContentTypeTradingSignal, rec.ContentType())
	assert.Equal(t, "strategy_agent", rec.Source())
	assert.InDelta(t, 0.7, rec.Importance(), 1e-9)
}

func TestStore_ImportanceIsClamped(t *testing.T) {
	s := openTestStore(t)

	high, err := s.Store("x", domain.ContentTypeTradingSignal, "a", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, high.Importance())

	low, err := s.Store("y", domain.ContentTypeTradingSignal, "a", -5, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, low.Importance())
}

func TestStore_EncodeIsDeterministic(t *testing.T) {
	s := openTestStore(t)

	a := s.enc.encode("reversal setup on low float")
	b := s.enc.encode("reversal setup on low float")
	assert.Equal(t, a, b)
}

func TestStore_QueryRanksExactMatchHighest(t *testing.T) {
	s := openTestStore(t)

	target, err := s.Store("oversold bounce candidate with rising volume", domain.ContentTypeTradingSignal, "strategy_agent", 0.6, nil)
	require.NoError(t, err)

	_, err = s.Store("completely unrelated market commentary about bonds", domain.ContentTypeMarketAnalysis, "timing_agent", 0.2, nil)
	require.NoError(t, err)

	results, err := s.Query("oversold bounce candidate with rising volume", "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, target.ID, results[0].Record.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}

func TestStore_QueryFiltersByContentType(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Store("signal text", domain.ContentTypeTradingSignal, "a", 0.5, nil)
	require.NoError(t, err)
	_, err = s.Store("analysis text", domain.ContentTypeMarketAnalysis, "a", 0.5, nil)
	require.NoError(t, err)

	results, err := s.Query("signal text", domain.ContentTypeMarketAnalysis, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, domain.ContentTypeMarketAnalysis, r.Record.ContentType())
	}
}

func TestStore_DeleteRemovesFromAllTiers(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.Store("to be deleted", domain.ContentTypeTradingSignal, "a", 0.5, nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(rec.ID))

	assert.Equal(t, 0, s.Len())
	results, err := s.Query("to be deleted", "", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, rec.ID, r.Record.ID)
	}
}

func TestStore_ReopenRestoresFromSnapshotAfterCleanClose(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{BaseDir: dir, EmbeddingDimension: 8}

	s1, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	rec, err := s1.Store("durable across restarts", domain.ContentTypeTradingSignal, "a", 0.5, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	_, ok := snapshotLoad(dir)
	require.True(t, ok, "a clean Close should leave a readable hot index snapshot behind")

	s2, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	scanned := s2.Scan(domain.ContentTypeTradingSignal, 0)
	require.Len(t, scanned, 1)
	assert.Equal(t, rec.ID, scanned[0].ID)
}

func TestStore_ReopenRebuildsHotIndexFromSpillWhenSnapshotMissing(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{BaseDir: dir, EmbeddingDimension: 8}

	s1, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	rec, err := s1.Store("survives an unclean shutdown", domain.ContentTypeTradingSignal, "a", 0.5, nil)
	require.NoError(t, err)
	// Simulate a crash: no snapshot is ever written, so the cold-spill
	// JSON files are the only surviving record of this data.
	require.NoError(t, s1.vector.close())

	_, ok := snapshotLoad(dir)
	require.False(t, ok)

	s2, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	scanned := s2.Scan(domain.ContentTypeTradingSignal, 0)
	require.Len(t, scanned, 1)
	assert.Equal(t, rec.ID, scanned[0].ID)
}

func TestStore_ScanOrdersMostRecentFirst(t *testing.T) {
	s := openTestStore(t)

	first, err := s.Store("first", domain.ContentTypeTradingSignal, "a", 0.5, nil)
	require.NoError(t, err)
	second, err := s.Store("second", domain.ContentTypeTradingSignal, "a", 0.5, nil)
	require.NoError(t, err)

	s.mu.Lock()
	s.hot[first.ID].CreatedAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	scanned := s.Scan(domain.ContentTypeTradingSignal, 0)
	require.Len(t, scanned, 2)
	assert.Equal(t, second.ID, scanned[0].ID)
	assert.Equal(t, first.ID, scanned[1].ID)
}
