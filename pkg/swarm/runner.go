// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/packclaw/pkg/events"
	"github.com/sipeed/packclaw/pkg/logger"
)

// AgentProcess is the part of a subprocess handle the runner drives.
type AgentProcess interface {
	IsReady() bool
	SendMessage(ctx context.Context, prompt string) (string, error)
}

// ProcessProvider hands the runner a subprocess for an agent and takes it
// back when the task attempt is over.
type ProcessProvider interface {
	AcquireProcess(agentID, channel string) (AgentProcess, error)
	ReleaseProcess(agentID string, proc AgentProcess)
}

// ContextInjector may enrich a task prompt before it is sent, typically
// with recalled memory. A failed injection falls back to the raw prompt.
type ContextInjector func(ctx context.Context, prompt string) (string, error)

// Execution outcome statuses reported by the runner.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRetrying  = "retrying"
	OutcomeDeferred  = "deferred"
)

// TaskOutcome reports how one execution attempt ended.
type TaskOutcome struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// TaskEvent is the payload for task lifecycle events emitted by the runner.
type TaskEvent struct {
	TaskID     string `json:"task_id"`
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id,omitempty"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// FileConflictEvent is the payload for file-conflict events.
type FileConflictEvent struct {
	TaskID             string   `json:"task_id"`
	SessionID          string   `json:"session_id"`
	SharedFiles        []string `json:"shared_files"`
	ConflictingTaskIDs []string `json:"conflicting_task_ids"`
}

// SessionEvent is the payload for session-complete events.
type SessionEvent struct {
	SessionID string `json:"session_id"`
}

// RunnerOptions tune one Runner. Zero values pick the defaults.
type RunnerOptions struct {
	Claimer            string
	PollInterval       time.Duration
	MaxRetries         int
	Checkpoints        *CheckpointStore
	CheckpointDebounce time.Duration
	Injector           ContextInjector
}

const (
	defaultPollInterval       = 2 * time.Second
	defaultMaxRetries         = 2
	defaultCheckpointDebounce = 5 * time.Second
)

// Runner polls active sessions for runnable tasks and pushes each one
// through claim, execution, and a terminal (or retried) state. Several
// runners can share one store; the atomic claim keeps them from colliding.
type Runner struct {
	store   *Store
	procs   ProcessProvider
	emitter *events.Emitter
	opts    RunnerOptions

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
	timers   map[string]*time.Timer
	wg       sync.WaitGroup
}

func NewRunner(store *Store, procs ProcessProvider, opts RunnerOptions) *Runner {
	if opts.Claimer == "" {
		opts.Claimer = "runner"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.CheckpointDebounce <= 0 {
		opts.CheckpointDebounce = defaultCheckpointDebounce
	}
	return &Runner{
		store:    store,
		procs:    procs,
		emitter:  events.NewEmitter(),
		opts:     opts,
		sessions: make(map[string]context.CancelFunc),
		timers:   make(map[string]*time.Timer),
	}
}

// Events exposes the runner's emitter for subscribers.
func (r *Runner) Events() *events.Emitter { return r.emitter }

// StartSession begins polling a session. Returns false if the session is
// already being polled.
func (r *Runner) StartSession(sessionID string) bool {
	if sessionID == "" {
		return false
	}

	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.sessions[sessionID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	logger.InfoCF("swarm", "Session runner started", map[string]any{
		"session": sessionID,
		"poll_ms": r.opts.PollInterval.Milliseconds(),
	})

	go r.loop(ctx, sessionID)
	return true
}

// StopSession cancels a session's poll loop and clears its checkpoint
// timer. Returns false if the session was not active.
func (r *Runner) StopSession(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	if t, tok := r.timers[sessionID]; tok {
		t.Stop()
		delete(r.timers, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	logger.InfoCF("swarm", "Session runner stopped", map[string]any{"session": sessionID})
	return true
}

// ActiveSessions returns the ids currently being polled.
func (r *Runner) ActiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// StopAll stops every session and waits for the poll loops to exit.
func (r *Runner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.StopSession(id)
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, sessionID string) {
	defer r.wg.Done()
	for {
		r.runOnce(ctx, sessionID)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// runOnce is one poll pass: snapshot the session, walk pending tasks in
// wave order, and close the session out when nothing is open.
func (r *Runner) runOnce(ctx context.Context, sessionID string) {
	tasks, err := r.store.GetTasksBySession(ctx, sessionID)
	if err != nil {
		if ctx.Err() == nil {
			logger.ErrorCF("swarm", "Session poll failed", map[string]any{
				"session": sessionID,
				"error":   err.Error(),
			})
		}
		return
	}

	r.emitter.Emit(events.Progress, statsFor(sessionID, tasks))

	statusByID := make(map[string]TaskStatus, len(tasks))
	claimedFiles := make(map[string][]string)
	var pending []*Task
	for _, t := range tasks {
		statusByID[t.ID] = t.Status
		switch t.Status {
		case TaskPending:
			pending = append(pending, t)
		case TaskClaimed:
			for _, f := range t.FilesOwned {
				claimedFiles[f] = append(claimedFiles[f], t.ID)
			}
		}
	}

	for _, t := range pending {
		if ctx.Err() != nil {
			return
		}
		r.runPending(ctx, t, statusByID, claimedFiles)
	}

	open, err := r.store.CountOpen(ctx, sessionID)
	if err != nil {
		return
	}
	if open == 0 {
		r.finishSession(sessionID)
	}
}

// runPending takes one pending task through dependency and conflict gates,
// claims it, and executes it. Tasks that cannot run yet are left pending
// for a later pass.
func (r *Runner) runPending(ctx context.Context, t *Task, statusByID map[string]TaskStatus, claimedFiles map[string][]string) {
	for _, dep := range t.DependsOn {
		status, known := statusByID[dep]
		if known && status == TaskFailed {
			reason := fmt.Sprintf("dependency failed: %s", dep)
			if err := r.store.FailTask(ctx, t.ID, reason); err != nil {
				return
			}
			statusByID[t.ID] = TaskFailed
			r.emitter.Emit(events.TaskFailed, TaskEvent{
				TaskID:    t.ID,
				SessionID: t.SessionID,
				AgentID:   t.Category,
				Status:    OutcomeFailed,
				Result:    reason,
			})
			r.scheduleCheckpoint(t.SessionID)
			return
		}
		if !known || status != TaskCompleted {
			return
		}
	}

	if shared, owners := fileConflicts(t, claimedFiles); len(shared) > 0 {
		r.emitter.Emit(events.FileConflict, FileConflictEvent{
			TaskID:             t.ID,
			SessionID:          t.SessionID,
			SharedFiles:        shared,
			ConflictingTaskIDs: owners,
		})
		return
	}

	claimed, err := r.store.ClaimTask(ctx, t.ID, r.opts.Claimer)
	if err != nil || !claimed {
		return
	}
	statusByID[t.ID] = TaskClaimed
	for _, f := range t.FilesOwned {
		claimedFiles[f] = append(claimedFiles[f], t.ID)
	}

	outcome := r.executeClaimed(ctx, t, t.Category, "swarm:"+t.SessionID)
	switch outcome.Status {
	case OutcomeCompleted:
		statusByID[t.ID] = TaskCompleted
	case OutcomeFailed:
		statusByID[t.ID] = TaskFailed
	default:
		statusByID[t.ID] = TaskPending
	}
}

// executeClaimed drives one already-claimed task to an outcome. The caller
// owns the claim; every path here either finishes the task or hands the
// claim back.
func (r *Runner) executeClaimed(ctx context.Context, t *Task, agentID, channel string) TaskOutcome {
	proc, err := r.procs.AcquireProcess(agentID, channel)
	if err != nil {
		return r.deferTask(ctx, t, agentID, err.Error())
	}
	defer r.procs.ReleaseProcess(agentID, proc)

	if !proc.IsReady() {
		return r.deferTask(ctx, t, agentID, "process not ready")
	}

	prompt := t.Description
	if r.opts.Injector != nil {
		if wrapped, err := r.opts.Injector(ctx, prompt); err == nil {
			prompt = wrapped
		}
	}

	response, err := proc.SendMessage(ctx, prompt)
	if err == nil {
		if err := r.store.CompleteTask(ctx, t.ID, response); err != nil {
			logger.ErrorCF("swarm", "Complete task failed", map[string]any{
				"task":  t.ID,
				"error": err.Error(),
			})
			return TaskOutcome{TaskID: t.ID, Status: OutcomeFailed, Result: err.Error()}
		}
		r.emitter.Emit(events.TaskCompleted, TaskEvent{
			TaskID:    t.ID,
			SessionID: t.SessionID,
			AgentID:   agentID,
			Status:    OutcomeCompleted,
			Result:    response,
		})
		r.scheduleCheckpoint(t.SessionID)
		return TaskOutcome{TaskID: t.ID, Status: OutcomeCompleted, Result: response}
	}

	if t.RetryCount < r.opts.MaxRetries {
		if _, rerr := r.store.RetryTask(ctx, t.ID); rerr != nil {
			logger.ErrorCF("swarm", "Retry task failed", map[string]any{
				"task":  t.ID,
				"error": rerr.Error(),
			})
		}
		r.emitter.Emit(events.TaskRetried, TaskEvent{
			TaskID:     t.ID,
			SessionID:  t.SessionID,
			AgentID:    agentID,
			Status:     OutcomeRetrying,
			Result:     err.Error(),
			RetryCount: t.RetryCount + 1,
			MaxRetries: r.opts.MaxRetries,
		})
		return TaskOutcome{TaskID: t.ID, Status: OutcomeRetrying, Result: err.Error()}
	}

	if ferr := r.store.FailTask(ctx, t.ID, err.Error()); ferr != nil {
		logger.ErrorCF("swarm", "Fail task failed", map[string]any{
			"task":  t.ID,
			"error": ferr.Error(),
		})
	}
	r.emitter.Emit(events.TaskFailed, TaskEvent{
		TaskID:     t.ID,
		SessionID:  t.SessionID,
		AgentID:    agentID,
		Status:     OutcomeFailed,
		Result:     err.Error(),
		RetryCount: t.RetryCount,
		MaxRetries: r.opts.MaxRetries,
	})
	r.scheduleCheckpoint(t.SessionID)
	return TaskOutcome{TaskID: t.ID, Status: OutcomeFailed, Result: err.Error()}
}

func (r *Runner) deferTask(ctx context.Context, t *Task, agentID, reason string) TaskOutcome {
	if _, err := r.store.DeferTask(ctx, t.ID); err != nil {
		logger.ErrorCF("swarm", "Defer task failed", map[string]any{
			"task":  t.ID,
			"error": err.Error(),
		})
	}
	logger.DebugCF("swarm", "Task deferred", map[string]any{
		"task":   t.ID,
		"agent":  agentID,
		"reason": reason,
	})
	r.emitter.Emit(events.TaskDeferred, TaskEvent{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		AgentID:   agentID,
		Status:    OutcomeDeferred,
		Result:    reason,
	})
	return TaskOutcome{TaskID: t.ID, Status: OutcomeDeferred, Result: reason}
}

// ExecuteImmediateTask claims and runs one task right now, outside the poll
// loop, on the given agent and channel. An empty agentID falls back to the
// task's category.
func (r *Runner) ExecuteImmediateTask(ctx context.Context, sessionID, taskID, agentID, channel string) (TaskOutcome, error) {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskOutcome{}, fmt.Errorf("task %s not found: %w", taskID, err)
	}
	if t.SessionID != sessionID {
		return TaskOutcome{}, fmt.Errorf("task %s does not belong to session %s", taskID, sessionID)
	}

	claimed, err := r.store.ClaimTask(ctx, taskID, r.opts.Claimer)
	if err != nil {
		return TaskOutcome{}, err
	}
	if !claimed {
		return TaskOutcome{}, fmt.Errorf("task %s could not be claimed", taskID)
	}

	if agentID == "" {
		agentID = t.Category
	}
	return r.executeClaimed(ctx, t, agentID, channel), nil
}

// finishSession runs once per completed session: flush the checkpoint,
// announce completion, stop polling.
func (r *Runner) finishSession(sessionID string) {
	r.flushCheckpoint(sessionID)
	r.emitter.Emit(events.SessionComplete, SessionEvent{SessionID: sessionID})
	logger.InfoCF("swarm", "Session complete", map[string]any{"session": sessionID})
	r.StopSession(sessionID)
}

// scheduleCheckpoint arms (or re-arms) the session's debounced checkpoint
// save. Quiet sessions checkpoint once; busy ones keep pushing it out.
func (r *Runner) scheduleCheckpoint(sessionID string) {
	if r.opts.Checkpoints == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
	}
	r.timers[sessionID] = time.AfterFunc(r.opts.CheckpointDebounce, func() {
		r.mu.Lock()
		delete(r.timers, sessionID)
		r.mu.Unlock()
		r.saveCheckpoint(sessionID)
	})
}

// flushCheckpoint cancels any pending debounce and saves immediately.
func (r *Runner) flushCheckpoint(sessionID string) {
	if r.opts.Checkpoints == nil {
		return
	}
	r.mu.Lock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
	r.mu.Unlock()
	r.saveCheckpoint(sessionID)
}

func (r *Runner) saveCheckpoint(sessionID string) {
	if err := r.opts.Checkpoints.Save(context.Background(), sessionID); err != nil {
		logger.WarnCF("swarm", "Checkpoint save failed", map[string]any{
			"session": sessionID,
			"error":   err.Error(),
		})
	}
}

// fileConflicts reports which of t's files are already owned by claimed
// tasks, and by whom.
func fileConflicts(t *Task, claimedFiles map[string][]string) (shared []string, owners []string) {
	seen := make(map[string]bool)
	for _, f := range t.FilesOwned {
		ids, ok := claimedFiles[f]
		if !ok {
			continue
		}
		shared = append(shared, f)
		for _, id := range ids {
			if id == t.ID || seen[id] {
				continue
			}
			seen[id] = true
			owners = append(owners, id)
		}
	}
	return shared, owners
}
