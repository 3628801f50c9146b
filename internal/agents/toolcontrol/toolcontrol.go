// Package toolcontrol implements the Tool Control Agent (§4.6.6): a
// registry of named tools with a scored recommendation surface.
package toolcontrol

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/logger"
)

const (
	minSamplesForMaintenanceFlag = 5
	maintenanceSuccessFloor      = 0.7
	reliabilityWeight            = 0.6
	performanceWeight            = 0.4
)

// Agent is the Tool Control Agent.
type Agent struct {
	*agent.Base
	log zerolog.Logger

	mu    sync.RWMutex
	tools map[string]*domain.Tool
}

// New constructs a Tool Control Agent with an empty registry.
func New(base *agent.Base, log zerolog.Logger) *Agent {
	return &Agent{
		Base:  base,
		log:   logger.Component(log, "tool_control_agent"),
		tools: make(map[string]*domain.Tool),
	}
}

// Register adds a tool to the registry (§4.6.6).
func (a *Agent) Register(t *domain.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools[t.Name] = t
}

// Initialize marks a registered tool ready for execution.
func (a *Agent) Initialize(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tools[name]
	if !ok {
		return fmt.Errorf("tool control: unknown tool %q", name)
	}
	t.Initialized = true
	return nil
}

// ToolFunc is the concrete execution handle behind a registered tool.
type ToolFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Execute runs a registered tool's function, honoring timeout, recording
// latency and success/failure for the recommendation score (§4.6.6).
func (a *Agent) Execute(ctx context.Context, name string, fn ToolFunc, params map[string]interface{}, timeout time.Duration) (interface{}, error) {
	a.mu.RLock()
	t, ok := a.tools[name]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool control: unknown tool %q", name)
	}
	if !t.Initialized {
		return nil, fmt.Errorf("tool control: tool %q not initialized", name)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := fn(runCtx, params)
	elapsed := time.Since(start)

	a.mu.Lock()
	t.Executions++
	t.TotalLatency += elapsed
	if err == nil {
		t.Successes++
	}
	if t.Executions >= minSamplesForMaintenanceFlag && t.SuccessRate() < maintenanceSuccessFloor {
		t.NeedsMaintenance = true
	}
	a.mu.Unlock()

	if err != nil {
		if _, werr := a.StoreMemory(
			fmt.Sprintf("tool %s execution failed: %v", name, err),
			domain.ContentTypeErrorPattern, 0.4,
			domain.Metadata{"tool": name},
		); werr != nil {
			a.log.Warn().Err(werr).Msg("failed to record tool execution error")
		}
		return nil, fmt.Errorf("tool control: execute %q: %w", name, err)
	}
	return result, nil
}

// Recommend returns tool names matching category (optional) and
// min_priority, sorted by descending score (§4.6.6).
func (a *Agent) Recommend(category domain.ToolCategory, minPriority int) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	type scored struct {
		name  string
		score float64
	}
	var candidates []scored
	for name, t := range a.tools {
		if category != "" && t.Category != category {
			continue
		}
		if t.Priority < minPriority {
			continue
		}
		efficiency := 1.0
		if t.AvgDurationSeconds() > 0 {
			efficiency = minF(1, 10/t.AvgDurationSeconds())
		}
		score := t.SuccessRate()*reliabilityWeight + efficiency*performanceWeight
		candidates = append(candidates, scored{name, score})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// NeedingMaintenance returns tools flagged for maintenance.
func (a *Agent) NeedingMaintenance() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for name, t := range a.tools {
		if t.NeedsMaintenance {
			out = append(out, name)
		}
	}
	return out
}

// Process is the cooperative loop placeholder; the Tool Control Agent is
// request-driven but still yields periodically (§5).
func (a *Agent) Process(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Heartbeat()
		}
	}
}
