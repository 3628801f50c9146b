// Package runtime implements the Runtime Agent (§4.6.4): an OS-metrics
// janitor and priority task executor with adaptive concurrency.
package runtime

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/logger"
)

const (
	metricsCadence       = 5 * time.Second
	minConcurrency       = 2
	maxConcurrency       = 20
	highCPUThreshold     = 80.0
	highMemThreshold     = 85.0
	lowLoadThreshold     = 40.0
	stuckThreshold       = 10 * time.Minute
	maxTaskRetries       = 3
)

// Metrics is the Runtime Agent's periodic OS-metrics snapshot (§4.6.4).
type Metrics struct {
	Timestamp  time.Time
	CPUPercent float64
	MemPercent float64
	DiskPercent float64
	LoadAvg1   float64
	NetIn      uint64
	NetOut     uint64
}

// TaskFunc is a unit of work submitted to the priority task queue.
type TaskFunc func(ctx context.Context, args map[string]interface{}) error

// Task is one submitted unit of work.
type Task struct {
	ID        string
	Name      string
	Fn        TaskFunc
	Args      map[string]interface{}
	Priority  int // higher runs first
	Timeout   time.Duration
	Deps      []string
	attempts  int
	submitted time.Time
	lastBeat  time.Time
	index     int // heap bookkeeping
}

// taskHeap orders tasks by descending priority, then FIFO by submission time.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].submitted.Before(h[j].submitted)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// AgentController is the narrow registry surface the Runtime Agent uses
// for load-shedding (pausing low-priority agents under resource pressure).
type AgentController interface {
	Pause(name string) error
}

// Agent is the Runtime Agent: a Base plus OS janitor and task executor.
type Agent struct {
	*agent.Base
	log zerolog.Logger

	controller AgentController
	lowPriorityAgents []string

	mu             sync.Mutex
	queue          taskHeap
	done           map[string]bool
	maxConcurrent  int
	running        int
	lastMetrics    Metrics
	completedTasks map[string]error

	wake chan struct{}
}

// New constructs a Runtime Agent.
func New(base *agent.Base, controller AgentController, lowPriorityAgents []string, log zerolog.Logger) *Agent {
	return &Agent{
		Base:              base,
		log:               logger.Component(log, "runtime_agent"),
		controller:        controller,
		lowPriorityAgents: lowPriorityAgents,
		done:              make(map[string]bool),
		maxConcurrent:     10,
		completedTasks:    make(map[string]error),
		wake:              make(chan struct{}, 1),
	}
}

// Submit enqueues a task and returns its id (§4.6.4).
func (a *Agent) Submit(name string, fn TaskFunc, args map[string]interface{}, priority int, timeout time.Duration, deps []string) string {
	t := &Task{
		ID: uuid.NewString(), Name: name, Fn: fn, Args: args,
		Priority: priority, Timeout: timeout, Deps: deps, submitted: time.Now().UTC(),
	}

	a.mu.Lock()
	heap.Push(&a.queue, t)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return t.ID
}

// TaskError returns the recorded error for a completed task, if any.
func (a *Agent) TaskError(id string) (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	err, ok := a.completedTasks[id]
	return err, ok
}

func (a *Agent) depsSatisfied(t *Task) bool {
	for _, d := range t.Deps {
		if !a.done[d] {
			return false
		}
	}
	return true
}

// Process is the Runtime Agent's cooperative loop: metrics cadence,
// task dispatch, and adaptive concurrency (§4.6.4, §5).
func (a *Agent) Process(ctx context.Context) error {
	metricsTicker := time.NewTicker(metricsCadence)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-metricsTicker.C:
			a.snapshotMetrics()
			a.adaptConcurrency()
			a.Heartbeat()
			a.dispatch(ctx)
		case <-a.wake:
			a.dispatch(ctx)
		}
	}
}

func (a *Agent) snapshotMetrics() {
	m := Metrics{Timestamp: time.Now().UTC()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		m.DiskPercent = du.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		m.LoadAvg1 = avg.Load1
	}

	a.mu.Lock()
	a.lastMetrics = m
	a.mu.Unlock()
}

// adaptConcurrency implements §4.6.4's adaptive concurrency rules.
func (a *Agent) adaptConcurrency() {
	a.mu.Lock()
	m := a.lastMetrics
	cur := a.maxConcurrent
	a.mu.Unlock()
	orig := cur

	switch {
	case m.CPUPercent > highCPUThreshold:
		if cur > minConcurrency {
			cur--
		}
		for _, name := range a.lowPriorityAgents {
			if err := a.controller.Pause(name); err != nil {
				a.log.Debug().Err(err).Str("agent", name).Msg("load-shed pause failed")
			}
		}
	case m.MemPercent > highMemThreshold:
		a.log.Warn().Float64("mem_percent", m.MemPercent).Msg("trimming in-memory histories under memory pressure")
	case m.LoadAvg1 < lowLoadThreshold && cur < maxConcurrency:
		cur++
	}

	a.mu.Lock()
	a.maxConcurrent = cur
	a.mu.Unlock()

	if cur != orig {
		if _, err := a.StoreMemory(
			fmt.Sprintf("adaptive concurrency cap changed from %d to %d (cpu %.1f%%, mem %.1f%%, load %.2f)", orig, cur, m.CPUPercent, m.MemPercent, m.LoadAvg1),
			domain.ContentTypeSystemMetrics, 0.3,
			domain.Metadata{"previous_max_concurrent": orig, "max_concurrent": cur, "cpu_percent": m.CPUPercent, "mem_percent": m.MemPercent, "load_avg_1": m.LoadAvg1},
		); err != nil {
			a.log.Warn().Err(err).Msg("failed to record concurrency cap change")
		}
	}
}

// dispatch runs as many ready, un-started tasks as maxConcurrent allows.
func (a *Agent) dispatch(ctx context.Context) {
	for {
		a.mu.Lock()
		if a.running >= a.maxConcurrent || a.queue.Len() == 0 {
			a.mu.Unlock()
			return
		}

		var deferred []*Task
		var next *Task
		for a.queue.Len() > 0 {
			candidate := heap.Pop(&a.queue).(*Task)
			if a.depsSatisfied(candidate) {
				next = candidate
				break
			}
			deferred = append(deferred, candidate)
		}
		for _, d := range deferred {
			heap.Push(&a.queue, d)
		}
		if next == nil {
			a.mu.Unlock()
			return
		}
		a.running++
		a.mu.Unlock()

		go a.runTask(ctx, next)
	}
}

func (a *Agent) runTask(ctx context.Context, t *Task) {
	defer func() {
		a.mu.Lock()
		a.running--
		a.mu.Unlock()
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}()

	taskCtx := ctx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	err := t.Fn(taskCtx, t.Args)
	if err != nil && t.attempts < maxTaskRetries {
		t.attempts++
		t.Priority = t.Priority - t.attempts // decayed priority on retry
		t.submitted = time.Now().UTC()
		a.mu.Lock()
		heap.Push(&a.queue, t)
		a.mu.Unlock()
		a.log.Warn().Err(err).Str("task", t.Name).Int("attempt", t.attempts).Msg("task failed, retrying with decayed priority")
		return
	}

	a.mu.Lock()
	a.done[t.ID] = err == nil
	a.completedTasks[t.ID] = err
	a.mu.Unlock()

	if err != nil {
		a.recordTaskError(t, err)
	}
}

func (a *Agent) recordTaskError(t *Task, err error) {
	if _, werr := a.StoreMemory(
		fmt.Sprintf("task %s (%s) failed after %d attempts: %v", t.Name, t.ID, t.attempts+1, err),
		domain.ContentTypeErrorPattern, 0.5,
		domain.Metadata{"task_id": t.ID, "task_name": t.Name, "attempts": t.attempts + 1},
	); werr != nil {
		a.log.Warn().Err(werr).Msg("failed to record task error pattern")
	}
}

// LatestMetrics returns the most recent OS metrics snapshot.
func (a *Agent) LatestMetrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMetrics
}

// MaxConcurrent returns the current adaptive concurrency cap.
func (a *Agent) MaxConcurrent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxConcurrent
}
