package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/internal/router"
)

type nopProcessor struct{ started chan struct{} }

func (p *nopProcessor) Process(ctx context.Context) error {
	if p.started != nil {
		close(p.started)
	}
	<-ctx.Done()
	return nil
}

func openTestRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()
	store, err := memory.Open(memory.Config{BaseDir: t.TempDir(), EmbeddingDimension: 8}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store, zerolog.Nop()), store
}

func TestRegistry_RegisterTwiceFails(t *testing.T) {
	reg, store := openTestRegistry(t)
	rtr := router.New(store, zerolog.Nop())
	b := New("timing", "timing_agent", store, rtr, zerolog.Nop())

	require.NoError(t, reg.Register(b, &nopProcessor{}))
	err := reg.Register(b, &nopProcessor{})
	assert.Error(t, err)
}

func TestRegistry_StartStopLifecycle(t *testing.T) {
	reg, store := openTestRegistry(t)
	rtr := router.New(store, zerolog.Nop())
	b := New("timing", "timing_agent", store, rtr, zerolog.Nop())
	p := &nopProcessor{started: make(chan struct{})}
	require.NoError(t, reg.Register(b, p))

	require.NoError(t, reg.Start(context.Background(), "timing"))
	<-p.started
	assert.Equal(t, domain.AgentActive, b.State())

	require.NoError(t, reg.Stop("timing"))
	assert.Equal(t, domain.AgentInactive, b.State())
}

func TestRegistry_UnhealthyDetectsStaleHeartbeat(t *testing.T) {
	reg, store := openTestRegistry(t)
	rtr := router.New(store, zerolog.Nop())
	b := New("timing", "timing_agent", store, rtr, zerolog.Nop())
	p := &nopProcessor{started: make(chan struct{})}
	require.NoError(t, reg.Register(b, p))
	require.NoError(t, reg.Start(context.Background(), "timing"))
	<-p.started
	defer reg.Stop("timing")

	b.mu.Lock()
	b.lastHeartbeat = time.Now().UTC().Add(-10 * time.Minute)
	b.mu.Unlock()

	unhealthy := reg.Unhealthy()
	assert.Contains(t, unhealthy, "timing")
	assert.Less(t, reg.HealthScore(), 1.0)
}

func TestRegistry_UnhealthyDetectsExcessiveErrors(t *testing.T) {
	reg, store := openTestRegistry(t)
	rtr := router.New(store, zerolog.Nop())
	b := New("rules", "rule_set_agent", store, rtr, zerolog.Nop())
	p := &nopProcessor{started: make(chan struct{})}
	require.NoError(t, reg.Register(b, p))
	require.NoError(t, reg.Start(context.Background(), "rules"))
	<-p.started
	defer reg.Stop("rules")

	for i := 0; i < 6; i++ {
		b.RecordError()
	}

	assert.Contains(t, reg.Unhealthy(), "rules")
}

func TestRegistry_HealthScoreIsOneWhenEmpty(t *testing.T) {
	reg, _ := openTestRegistry(t)
	assert.Equal(t, 1.0, reg.HealthScore())
}

func TestRegistry_RunHealthCheckWritesMemory(t *testing.T) {
	reg, store := openTestRegistry(t)

	require.NoError(t, reg.RunHealthCheck())

	checks := store.Scan(domain.ContentTypeHealthCheck, 0)
	assert.NotEmpty(t, checks)
}

func TestRegistry_DescriptorsReflectsRegisteredAgents(t *testing.T) {
	reg, store := openTestRegistry(t)
	rtr := router.New(store, zerolog.Nop())
	b := New("portfolio", "portfolio_tracker", store, rtr, zerolog.Nop())
	require.NoError(t, reg.Register(b, &nopProcessor{}))

	descriptors := reg.Descriptors()
	require.Len(t, descriptors, 1)
	assert.Equal(t, "portfolio", descriptors[0].Name)
	assert.Equal(t, domain.AgentInactive, descriptors[0].State)
}
