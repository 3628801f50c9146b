package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/internal/router"
)

type fakeController struct {
	mu     sync.Mutex
	paused []string
}

func (f *fakeController) Pause(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, name)
	return nil
}

func openTestAgent(t *testing.T) (*Agent, *fakeController) {
	t.Helper()
	store, err := memory.Open(memory.Config{BaseDir: t.TempDir(), EmbeddingDimension: 8}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rtr := router.New(store, zerolog.Nop())
	base := agent.New("runtime", "runtime_agent", store, rtr, zerolog.Nop())
	controller := &fakeController{}
	return New(base, controller, []string{"scraper"}, zerolog.Nop()), controller
}

func TestRuntime_TaskHeapOrdersByPriorityThenFIFO(t *testing.T) {
	a, _ := openTestAgent(t)

	var order []string
	var mu sync.Mutex
	record := func(name string) TaskFunc {
		return func(ctx context.Context, args map[string]interface{}) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a.Submit("low", record("low"), nil, 1, time.Second, nil)
	a.Submit("high", record("high"), nil, 9, time.Second, nil)
	a.Submit("mid", record("mid"), nil, 5, time.Second, nil)

	a.mu.Lock()
	a.maxConcurrent = 1
	a.mu.Unlock()

	require.Eventually(t, func() bool {
		a.dispatch(context.Background())
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestRuntime_SubmitRespectsDependencies(t *testing.T) {
	a, _ := openTestAgent(t)

	var ran int32
	first := a.Submit("first", func(ctx context.Context, args map[string]interface{}) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, nil, 5, time.Second, nil)

	a.Submit("second", func(ctx context.Context, args map[string]interface{}) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, nil, 5, time.Second, []string{first})

	a.dispatch(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, 10*time.Millisecond)

	a.dispatch(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 2 }, time.Second, 10*time.Millisecond)
}

func TestRuntime_FailedTaskRetriesWithDecayedPriority(t *testing.T) {
	a, _ := openTestAgent(t)

	var attempts int32
	id := a.Submit("flaky", func(ctx context.Context, args map[string]interface{}) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil, 5, time.Second, nil)

	for i := 0; i < 4; i++ {
		a.dispatch(context.Background())
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		_, ok := a.TaskError(id)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	err, ok := a.TaskError(id)
	require.True(t, ok)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestRuntime_TaskExhaustingRetriesRecordsError(t *testing.T) {
	a, _ := openTestAgent(t)

	id := a.Submit("always_fails", func(ctx context.Context, args map[string]interface{}) error {
		return errors.New("permanent")
	}, nil, 5, time.Second, nil)

	for i := 0; i < maxTaskRetries+2; i++ {
		a.dispatch(context.Background())
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		_, ok := a.TaskError(id)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	err, ok := a.TaskError(id)
	require.True(t, ok)
	assert.Error(t, err)
}

func TestRuntime_AdaptConcurrencyIncreasesUnderLowLoad(t *testing.T) {
	a, _ := openTestAgent(t)
	a.mu.Lock()
	a.maxConcurrent = 5
	a.lastMetrics = Metrics{CPUPercent: 10, MemPercent: 10, LoadAvg1: 5}
	a.mu.Unlock()

	a.adaptConcurrency()

	assert.Equal(t, 6, a.MaxConcurrent())
}

func TestRuntime_AdaptConcurrencyDecreasesAndPausesUnderHighCPU(t *testing.T) {
	a, controller := openTestAgent(t)
	a.mu.Lock()
	a.maxConcurrent = 5
	a.lastMetrics = Metrics{CPUPercent: 95, MemPercent: 10, LoadAvg1: 5}
	a.mu.Unlock()

	a.adaptConcurrency()

	assert.Equal(t, 4, a.MaxConcurrent())
	controller.mu.Lock()
	defer controller.mu.Unlock()
	assert.Contains(t, controller.paused, "scraper")
}

func TestRuntime_AdaptConcurrencyRespectsBounds(t *testing.T) {
	a, _ := openTestAgent(t)
	a.mu.Lock()
	a.maxConcurrent = minConcurrency
	a.lastMetrics = Metrics{CPUPercent: 95}
	a.mu.Unlock()

	a.adaptConcurrency()
	assert.Equal(t, minConcurrency, a.MaxConcurrent())

	a.mu.Lock()
	a.maxConcurrent = maxConcurrency
	a.lastMetrics = Metrics{LoadAvg1: 1}
	a.mu.Unlock()

	a.adaptConcurrency()
	assert.Equal(t, maxConcurrency, a.MaxConcurrent())
}
