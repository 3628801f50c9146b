package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/internal/router"
)

func openTestBase(t *testing.T, name, kind string) *Base {
	t.Helper()
	store, err := memory.Open(memory.Config{BaseDir: t.TempDir(), EmbeddingDimension: 8}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rtr := router.New(store, zerolog.Nop())
	return New(name, kind, store, rtr, zerolog.Nop())
}

type blockingProcessor struct {
	started chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context) error {
	close(p.started)
	<-ctx.Done()
	return nil
}

type failingProcessor struct{}

func (failingProcessor) Process(ctx context.Context) error {
	return errors.New("boom")
}

func TestBase_StartTransitionsToActiveAndEmitsStatus(t *testing.T) {
	b := openTestBase(t, "timing", "timing_agent")
	p := &blockingProcessor{started: make(chan struct{})}

	require.NoError(t, b.Start(context.Background(), p))
	<-p.started

	assert.Equal(t, domain.AgentActive, b.State())

	updates := b.store.Scan(domain.ContentTypeStatusUpdate, 0)
	assert.NotEmpty(t, updates)

	require.NoError(t, b.Stop(time.Second))
	assert.Equal(t, domain.AgentInactive, b.State())
}

func TestBase_CannotStartTwiceWhileActive(t *testing.T) {
	b := openTestBase(t, "timing", "timing_agent")
	p := &blockingProcessor{started: make(chan struct{})}
	require.NoError(t, b.Start(context.Background(), p))
	<-p.started

	err := b.Start(context.Background(), p)
	assert.Error(t, err)

	require.NoError(t, b.Stop(time.Second))
}

func TestBase_ProcessErrorTransitionsToErrorState(t *testing.T) {
	b := openTestBase(t, "timing", "timing_agent")
	require.NoError(t, b.Start(context.Background(), failingProcessor{}))

	require.Eventually(t, func() bool {
		return b.State() == domain.AgentError
	}, time.Second, 5*time.Millisecond)
}

func TestBase_PauseTransitionsFromActive(t *testing.T) {
	b := openTestBase(t, "timing", "timing_agent")
	p := &blockingProcessor{started: make(chan struct{})}
	require.NoError(t, b.Start(context.Background(), p))
	<-p.started

	require.NoError(t, b.Pause())
	assert.Equal(t, domain.AgentPaused, b.State())
}

func TestBase_LearnFromOutcomeAccumulatesMonotonically(t *testing.T) {
	b := openTestBase(t, "strategy", "strategy_agent")

	require.NoError(t, b.LearnFromOutcome("buy ABCD", "profit", true, 12.5))
	require.NoError(t, b.LearnFromOutcome("buy EFGH", "loss", false, -4.0))

	d := b.Descriptor()
	assert.EqualValues(t, 2, d.DecisionsMade)
	assert.EqualValues(t, 1, d.Successful)
	assert.EqualValues(t, 1, d.Failed)
	assert.InDelta(t, 0.5, d.Accuracy, 1e-9)
	assert.InDelta(t, 8.5, d.CumulativePnL, 1e-9)

	experiences := b.store.Scan(domain.ContentTypeLearningExperience, 0)
	assert.Len(t, experiences, 2)
}

func TestBase_StoreMemoryAttachesAgentIdentity(t *testing.T) {
	b := openTestBase(t, "rules", "rule_set_agent")

	rec, err := b.StoreMemory("rule triggered", domain.ContentTypeRuleEvaluation, 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, "rules", rec.Metadata["agent_name"])
	assert.Equal(t, "rule_set_agent", rec.Metadata["agent_kind"])
}

func TestBase_RetrieveMemoriesFiltersByAgentKind(t *testing.T) {
	b := openTestBase(t, "strategy", "strategy_agent")

	_, err := b.StoreMemory("momentum fired on ABCD", domain.ContentTypeTradingSignal, 0.8, nil)
	require.NoError(t, err)

	other := New("timing", "timing_agent", b.store, b.router, zerolog.Nop())
	_, err = other.StoreMemory("timing window opened on ABCD", domain.ContentTypeTradingSignal, 0.8, nil)
	require.NoError(t, err)

	results, err := b.RetrieveMemories("ABCD", domain.ContentTypeTradingSignal, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "strategy_agent", r.Metadata["agent_kind"])
	}
}
