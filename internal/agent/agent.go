// Package agent implements the base agent contract (C5) shared by every
// specialized agent, plus the agent registry and health model (C8).
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/memory"
	"github.com/aristath/sentinel/internal/router"
)

// Processor is the cooperative loop a specialized agent runs while active.
// It must observe ctx cancellation promptly (§5 grace window).
type Processor interface {
	Process(ctx context.Context) error
}

// Base is embedded by every specialized agent. It supplies identity,
// lifecycle transitions, and the memory/notification plumbing so
// specialized agents only need to implement domain policy plus Processor.
type Base struct {
	store  *memory.Store
	router *router.Router
	log    zerolog.Logger

	mu    sync.RWMutex
	state domain.AgentState

	name string
	kind string
	id   string

	decisionsMade int64
	successful    int64
	failed        int64
	cumulativePnL float64
	errorCount    int
	restartCount  int
	lastHeartbeat time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Base agent in the inactive state.
func New(name, kind string, store *memory.Store, rtr *router.Router, log zerolog.Logger) *Base {
	return &Base{
		store:  store,
		router: rtr,
		log:    log.With().Str("agent_name", name).Str("agent_kind", kind).Logger(),
		state:  domain.AgentInactive,
		name:   name,
		kind:   kind,
		id:     uuid.NewString(),
	}
}

func (b *Base) Name() string { return b.name }
func (b *Base) Kind() string { return b.kind }
func (b *Base) ID() string   { return b.id }

// State returns the agent's current lifecycle state.
func (b *Base) State() domain.AgentState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Base) setState(s domain.AgentState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start transitions inactive/paused/error → starting → active, launches the
// processor's cooperative loop in a background goroutine, and emits a
// status_update memory record. The record is durable before Start returns.
func (b *Base) Start(ctx context.Context, p Processor) error {
	b.mu.Lock()
	if b.state != domain.AgentInactive && b.state != domain.AgentPaused && b.state != domain.AgentError {
		b.mu.Unlock()
		return fmt.Errorf("agent %s: cannot start from state %s", b.name, b.state)
	}
	b.state = domain.AgentStarting
	b.mu.Unlock()

	if err := b.emitStatus(domain.AgentStarting, "starting"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	b.setState(domain.AgentActive)
	b.touchHeartbeat()
	if err := b.emitStatus(domain.AgentActive, "active"); err != nil {
		return err
	}

	go func() {
		defer close(b.done)
		if err := p.Process(runCtx); err != nil && runCtx.Err() == nil {
			b.mu.Lock()
			b.errorCount++
			b.state = domain.AgentError
			b.mu.Unlock()
			b.log.Error().Err(err).Msg("agent process loop exited with error")
			_ = b.emitStatus(domain.AgentError, err.Error())
		}
	}()

	return nil
}

// Stop transitions active/paused → stopping → inactive, cancels the
// processor's context, and waits up to the grace window for it to exit.
func (b *Base) Stop(graceWindow time.Duration) error {
	b.mu.Lock()
	if b.state == domain.AgentInactive {
		b.mu.Unlock()
		return nil
	}
	b.state = domain.AgentStopping
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	if err := b.emitStatus(domain.AgentStopping, "stopping"); err != nil {
		b.log.Warn().Err(err).Msg("failed to emit stopping status")
	}

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(graceWindow):
			b.log.Warn().Dur("grace_window", graceWindow).Msg("process loop did not exit within grace window, forcing stop")
			if _, err := b.store.Store(
				fmt.Sprintf("agent %s force-terminated after exceeding grace window", b.name),
				domain.ContentTypeErrorPattern, b.name, 0.6,
				domain.Metadata{"agent_name": b.name, "agent_kind": b.kind, "agent_id": b.id},
			); err != nil {
				b.log.Warn().Err(err).Msg("failed to record force-termination error pattern")
			}
		}
	}

	b.setState(domain.AgentInactive)
	return b.emitStatus(domain.AgentInactive, "stopped")
}

// Pause transitions active → pausing → paused.
func (b *Base) Pause() error {
	b.mu.Lock()
	if b.state != domain.AgentActive {
		b.mu.Unlock()
		return fmt.Errorf("agent %s: cannot pause from state %s", b.name, b.state)
	}
	b.state = domain.AgentPausing
	cancel := b.cancel
	b.mu.Unlock()

	if err := b.emitStatus(domain.AgentPausing, "pausing"); err != nil {
		b.log.Warn().Err(err).Msg("failed to emit pausing status")
	}
	if cancel != nil {
		cancel()
	}

	b.setState(domain.AgentPaused)
	return b.emitStatus(domain.AgentPaused, "paused")
}

func (b *Base) emitStatus(state domain.AgentState, message string) error {
	_, err := b.store.Store(
		fmt.Sprintf("%s transitioned to %s: %s", b.name, state, message),
		domain.ContentTypeStatusUpdate, b.name, 0.2,
		domain.Metadata{
			"agent_name": b.name,
			"agent_kind": b.kind,
			"agent_id":   b.id,
			"state":      string(state),
		},
	)
	if err != nil {
		return fmt.Errorf("agent %s: emit status %s: %w", b.name, state, err)
	}
	return nil
}

func (b *Base) touchHeartbeat() {
	b.mu.Lock()
	b.lastHeartbeat = time.Now().UTC()
	b.mu.Unlock()
}

// Heartbeat updates the agent's last-heartbeat timestamp. Each agent
// calls it from its own Process loop on every tick of its ticker.
func (b *Base) Heartbeat() {
	b.touchHeartbeat()
}

// StoreMemory wraps the memory store with agent identity auto-attached.
func (b *Base) StoreMemory(text string, contentType domain.ContentType, importance float64, extra domain.Metadata) (*domain.Record, error) {
	meta := domain.Metadata{"agent_name": b.name, "agent_kind": b.kind, "agent_id": b.id}
	for k, v := range extra {
		meta[k] = v
	}
	return b.store.Store(text, contentType, b.name, importance, meta)
}

// RetrieveMemories wraps C1.query, keeping records whose agent_kind is
// absent or equal to this agent's kind, in the store's similarity order.
// No relevance score is computed; records are returned without their
// similarity, which can be negative.
func (b *Base) RetrieveMemories(query string, contentType domain.ContentType, k int) ([]*domain.Record, error) {
	results, err := b.store.Query(query, contentType, k*4+k)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Record, 0, k)
	for _, r := range results {
		if r.Record.Metadata["agent_kind"] != nil && r.Record.Metadata["agent_kind"] != b.kind {
			continue
		}
		out = append(out, r.Record)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// GetSimilarExperiences is sugar for RetrieveMemories(type=learning_experience).
func (b *Base) GetSimilarExperiences(situation string, k int) ([]*domain.Record, error) {
	return b.RetrieveMemories(situation, domain.ContentTypeLearningExperience, k)
}

// Descriptor reports a snapshot for the registry (C8).
func (b *Base) Descriptor() domain.AgentDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return domain.AgentDescriptor{
		Name:          b.name,
		Kind:          b.kind,
		State:         b.state,
		LastHeartbeat: b.lastHeartbeat,
		DecisionsMade: b.decisionsMade,
		Successful:    b.successful,
		Failed:        b.failed,
		Accuracy:      domain.Accuracy(b.successful, b.failed),
		CumulativePnL: b.cumulativePnL,
		ErrorCount:    b.errorCount,
		RestartCount:  b.restartCount,
	}
}

// LearnFromOutcome updates monotonic counters and writes a
// learning_experience memory. Counters never decrease.
func (b *Base) LearnFromOutcome(decision, outcome string, success bool, pnl float64) error {
	b.mu.Lock()
	b.decisionsMade++
	if success {
		b.successful++
	} else {
		b.failed++
	}
	b.cumulativePnL += pnl
	accuracy := domain.Accuracy(b.successful, b.failed)
	b.mu.Unlock()

	_, err := b.StoreMemory(
		fmt.Sprintf("decision=%q outcome=%q success=%t pnl=%.4f accuracy=%.4f", decision, outcome, success, pnl, accuracy),
		domain.ContentTypeLearningExperience, clampImportance(pnl),
		domain.Metadata{"decision": decision, "outcome": outcome, "success": success, "pnl": pnl},
	)
	return err
}

func clampImportance(pnl float64) float64 {
	base := 0.4
	if pnl < 0 {
		base += 0.1
	}
	return domain.Clamp(base, 0, 1)
}

// RecordError increments the error counter, used by the registry's
// unhealthy-detection rule (error_count > 5, §4.8).
func (b *Base) RecordError() {
	b.mu.Lock()
	b.errorCount++
	b.mu.Unlock()
}
