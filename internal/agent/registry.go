package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/pkg/logger"
)

const (
	unhealthyHeartbeatAge = 5 * time.Minute
	unhealthyErrorCount   = 5
	defaultGraceWindow    = 5 * time.Second
	healthCheckSchedule   = "@every 1m"
)

// entry pairs a registered agent with the Processor that drives it.
type entry struct {
	base *Base
	proc Processor
}

// Registry is the agent registry and health monitor (C8): register-once,
// start/stop/pause primitives plus periodic health scoring.
type Registry struct {
	store *memory.Store
	log   zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	cron *cron.Cron
}

// NewRegistry constructs an empty registry.
func NewRegistry(store *memory.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		log:     logger.Component(log, "agent_registry"),
		entries: make(map[string]*entry),
		cron:    cron.New(),
	}
}

// Register adds an agent exactly once; a second registration under the
// same name is an error.
func (r *Registry) Register(b *Base, p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[b.Name()]; exists {
		return fmt.Errorf("agent registry: %s already registered", b.Name())
	}
	r.entries[b.Name()] = &entry{base: b, proc: p}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("agent registry: %s not registered", name)
	}
	return e, nil
}

// Start starts a single registered agent.
func (r *Registry) Start(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return e.base.Start(ctx, e.proc)
}

// StartAll starts every registered agent.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		if err := r.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops a single registered agent.
func (r *Registry) Stop(name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return e.base.Stop(defaultGraceWindow)
}

// StopAll stops every registered agent.
func (r *Registry) StopAll() error {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		if err := r.Stop(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pause pauses a single registered agent.
func (r *Registry) Pause(name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return e.base.Pause()
}

// Heartbeat records a liveness pulse for a registered agent.
func (r *Registry) Heartbeat(name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.base.Heartbeat()
	return nil
}

// Descriptors returns a snapshot of every registered agent.
func (r *Registry) Descriptors() []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.base.Descriptor())
	}
	return out
}

// Unhealthy returns the names of agents violating the heartbeat-age or
// error-count thresholds (§4.8).
func (r *Registry) Unhealthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	var unhealthy []string
	for name, e := range r.entries {
		d := e.base.Descriptor()
		if d.State == domain.AgentInactive {
			continue
		}
		stale := !d.LastHeartbeat.IsZero() && now.Sub(d.LastHeartbeat) > unhealthyHeartbeatAge
		tooManyErrors := d.ErrorCount > unhealthyErrorCount
		if stale || tooManyErrors {
			unhealthy = append(unhealthy, name)
		}
	}
	return unhealthy
}

// HealthScore is (total-unhealthy)/total, 1.0 when there are no agents.
func (r *Registry) HealthScore() float64 {
	r.mu.RLock()
	total := len(r.entries)
	r.mu.RUnlock()
	if total == 0 {
		return 1.0
	}
	unhealthy := len(r.Unhealthy())
	return float64(total-unhealthy) / float64(total)
}

// RunHealthCheck writes a health_check memory describing the current
// unhealthy set and system health score. Invoked on the periodic cron
// schedule started by StartHealthChecks, or directly by callers/tests.
func (r *Registry) RunHealthCheck() error {
	unhealthy := r.Unhealthy()
	score := r.HealthScore()

	_, err := r.store.Store(
		fmt.Sprintf("system health score %.2f, %d unhealthy agent(s)", score, len(unhealthy)),
		domain.ContentTypeHealthCheck, "agent_registry", healthImportance(score),
		domain.Metadata{"unhealthy": unhealthy, "health_score": score},
	)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to record health check")
	}
	return err
}

func healthImportance(score float64) float64 {
	if score < 0.8 {
		return 0.6
	}
	return 0.2
}

// StartHealthChecks begins the periodic health-check cadence.
func (r *Registry) StartHealthChecks() error {
	_, err := r.cron.AddFunc(healthCheckSchedule, func() {
		if err := r.RunHealthCheck(); err != nil {
			r.log.Warn().Err(err).Msg("health check run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("agent registry: schedule health check: %w", err)
	}
	r.cron.Start()
	return nil
}

// StopHealthChecks halts the cron schedule and waits for any in-flight run.
func (r *Registry) StopHealthChecks() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
