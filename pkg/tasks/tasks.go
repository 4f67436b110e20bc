// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

// Package tasks runs fire-and-forget background work against agents with
// per-agent and global concurrency caps, cancellation, stale reaping, and
// bounded retention of finished tasks.
package tasks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/events"
	"github.com/sipeed/packclaw/pkg/logger"
)

// ErrQueueFull is returned by Submit when pending plus running would
// exceed the queue cap.
var ErrQueueFull = errors.New("task queue full")

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Executor runs one prompt against one agent and blocks for the response.
type Executor func(agentID, prompt string) (string, error)

// Task is one unit of background work. Completed and failed are terminal.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Prompt      string    `json:"prompt"`
	AgentID     string    `json:"agent_id"`
	RequestedBy string    `json:"requested_by"`
	ChannelID   string    `json:"channel_id"`
	Source      string    `json:"source"`
	Status      Status    `json:"status"`
	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Submission carries everything needed to queue a task.
type Submission struct {
	Description string
	Prompt      string
	AgentID     string
	RequestedBy string
	ChannelID   string
	Source      string
}

// Stats summarizes the manager's queues.
type Stats struct {
	Pending        int `json:"pending"`
	Running        int `json:"running"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	TotalSubmitted int `json:"total_submitted"`
}

// Manager owns the pending queue, the running set, and the retained
// history. All state transitions happen under its lock; executor calls
// run outside it.
type Manager struct {
	cfg      config.TasksConfig
	executor Executor
	emitter  *events.Emitter

	mu             sync.Mutex
	pending        []*Task
	running        map[string]*Task
	finished       []*Task
	totalSubmitted int

	now func() time.Time
}

func NewManager(cfg config.TasksConfig, executor Executor, emitter *events.Emitter) *Manager {
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxConcurrentPerAgent <= 0 {
		cfg.MaxConcurrentPerAgent = 2
	}
	if cfg.MaxTotalConcurrent <= 0 {
		cfg.MaxTotalConcurrent = 5
	}
	if cfg.RetentionLimit <= 0 {
		cfg.RetentionLimit = 50
	}
	return &Manager{
		cfg:      cfg,
		executor: executor,
		emitter:  emitter,
		running:  make(map[string]*Task),
		now:      time.Now,
	}
}

// Events exposes the manager's emitter for lifecycle subscriptions.
func (m *Manager) Events() *events.Emitter { return m.emitter }

// Submit queues a task and immediately tries to start eligible work.
func (m *Manager) Submit(sub Submission) (string, error) {
	m.mu.Lock()
	if len(m.pending)+len(m.running) >= m.cfg.MaxQueueSize {
		pending, running := len(m.pending), len(m.running)
		m.mu.Unlock()
		return "", fmt.Errorf("%w (%d pending, %d running, cap %d)", ErrQueueFull, pending, running, m.cfg.MaxQueueSize)
	}

	t := &Task{
		ID:          newTaskID(),
		Description: sub.Description,
		Prompt:      sub.Prompt,
		AgentID:     sub.AgentID,
		RequestedBy: sub.RequestedBy,
		ChannelID:   sub.ChannelID,
		Source:      sub.Source,
		Status:      StatusPending,
		QueuedAt:    m.now(),
	}
	m.pending = append(m.pending, t)
	m.totalSubmitted++
	m.mu.Unlock()

	logger.InfoCF("tasks", "Background task queued", map[string]any{
		"task":  t.ID,
		"agent": t.AgentID,
	})
	m.process()
	return t.ID, nil
}

// process starts every pending task whose agent and the global cap allow.
// The pending queue is FIFO, but a head blocked only by its agent's cap
// does not starve tasks of other agents behind it.
func (m *Manager) process() {
	m.mu.Lock()
	var started []*Task
	for i := 0; i < len(m.pending); {
		if len(m.running) >= m.cfg.MaxTotalConcurrent {
			break
		}
		t := m.pending[i]
		if m.runningForAgentLocked(t.AgentID) >= m.cfg.MaxConcurrentPerAgent {
			i++
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		t.Status = StatusRunning
		t.StartedAt = m.now()
		m.running[t.ID] = t
		started = append(started, t)
	}
	m.mu.Unlock()

	for _, t := range started {
		m.emitter.Emit(events.TaskStarted, m.Snapshot(t.ID))
		go m.run(t)
	}
}

func (m *Manager) run(t *Task) {
	result, err := m.executor(t.AgentID, t.Prompt)

	m.mu.Lock()
	cur, ok := m.running[t.ID]
	if !ok || cur.Status != StatusRunning {
		// Cancelled or reaped while executing; the late result is dropped.
		m.mu.Unlock()
		return
	}
	delete(m.running, t.ID)
	cur.CompletedAt = m.now()
	cur.DurationMS = cur.CompletedAt.Sub(cur.StartedAt).Milliseconds()

	var evt events.Type
	if err != nil {
		cur.Status = StatusFailed
		cur.Error = err.Error()
		evt = events.TaskFailed
	} else {
		cur.Status = StatusCompleted
		cur.Result = result
		evt = events.TaskCompleted
	}
	m.retainLocked(cur)
	snapshot := *cur
	m.mu.Unlock()

	m.emitter.Emit(evt, snapshot)
	m.process()
}

// CancelTask fails a pending or running task with "Cancelled". Terminal
// and unknown ids return false.
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()
	for i, t := range m.pending {
		if t.ID != id {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		m.failLocked(t, "Cancelled")
		snapshot := *t
		m.mu.Unlock()
		m.emitter.Emit(events.TaskFailed, snapshot)
		return true
	}

	if t, ok := m.running[id]; ok {
		delete(m.running, id)
		m.failLocked(t, "Cancelled")
		snapshot := *t
		m.mu.Unlock()
		m.emitter.Emit(events.TaskFailed, snapshot)
		m.process()
		return true
	}

	m.mu.Unlock()
	return false
}

// CleanupStale fails running tasks older than the stale timeout and
// reports how many were reaped.
func (m *Manager) CleanupStale() int {
	timeout := time.Duration(m.cfg.StaleTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	m.mu.Lock()
	cutoff := m.now().Add(-timeout)
	var reaped []Task
	for id, t := range m.running {
		if t.StartedAt.Before(cutoff) {
			delete(m.running, id)
			m.failLocked(t, "Stale")
			reaped = append(reaped, *t)
		}
	}
	m.mu.Unlock()

	for _, snapshot := range reaped {
		logger.WarnCF("tasks", "Reaped stale task", map[string]any{
			"task":  snapshot.ID,
			"agent": snapshot.AgentID,
		})
		m.emitter.Emit(events.TaskFailed, snapshot)
	}
	if len(reaped) > 0 {
		m.process()
	}
	return len(reaped)
}

// GetTask returns a copy of the task in any state.
func (m *Manager) GetTask(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t := m.findLocked(id); t != nil {
		return *t, true
	}
	return Task{}, false
}

// Snapshot is GetTask without the found flag, for event payloads.
func (m *Manager) Snapshot(id string) Task {
	t, _ := m.GetTask(id)
	return t
}

// GetResult returns the result of a completed task.
func (m *Manager) GetResult(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.finished {
		if t.ID == id && t.Status == StatusCompleted {
			return t.Result, true
		}
	}
	return "", false
}

// GetQueuedTasks returns pending tasks in FIFO order.
func (m *Manager) GetQueuedTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.pending))
	for _, t := range m.pending {
		out = append(out, *t)
	}
	return out
}

// GetRunningTasks returns the running set.
func (m *Manager) GetRunningTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.running))
	for _, t := range m.running {
		out = append(out, *t)
	}
	return out
}

// GetCompletedTasks returns retained terminal tasks, newest first.
func (m *Manager) GetCompletedTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.finished))
	for i := len(m.finished) - 1; i >= 0; i-- {
		out = append(out, *m.finished[i])
	}
	return out
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Pending:        len(m.pending),
		Running:        len(m.running),
		TotalSubmitted: m.totalSubmitted,
	}
	for _, t := range m.finished {
		if t.Status == StatusCompleted {
			s.Completed++
		} else {
			s.Failed++
		}
	}
	return s
}

func (m *Manager) failLocked(t *Task, reason string) {
	t.Status = StatusFailed
	t.Error = reason
	t.CompletedAt = m.now()
	if !t.StartedAt.IsZero() {
		t.DurationMS = t.CompletedAt.Sub(t.StartedAt).Milliseconds()
	}
	m.retainLocked(t)
}

func (m *Manager) retainLocked(t *Task) {
	m.finished = append(m.finished, t)
	if len(m.finished) > m.cfg.RetentionLimit {
		m.finished = m.finished[len(m.finished)-m.cfg.RetentionLimit:]
	}
}

func (m *Manager) runningForAgentLocked(agentID string) int {
	n := 0
	for _, t := range m.running {
		if t.AgentID == agentID {
			n++
		}
	}
	return n
}

func (m *Manager) findLocked(id string) *Task {
	for _, t := range m.pending {
		if t.ID == id {
			return t
		}
	}
	if t, ok := m.running[id]; ok {
		return t
	}
	for _, t := range m.finished {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func newTaskID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("bg_%08x", time.Now().UnixNano()&0xffffffff)
	}
	return "bg_" + hex.EncodeToString(b)
}
