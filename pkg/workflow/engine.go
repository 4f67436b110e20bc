// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package workflow

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/events"
	"github.com/sipeed/packclaw/pkg/logger"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepState is the per-step record inside an execution.
type StepState struct {
	ID         string     `json:"id"`
	Status     StepStatus `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// Execution is a snapshot of one workflow run.
type Execution struct {
	ID          string                `json:"id"`
	PlanName    string                `json:"plan_name,omitempty"`
	Status      Status                `json:"status"`
	Steps       map[string]*StepState `json:"steps"`
	FinalResult string                `json:"final_result,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at,omitempty"`
}

// StepEvent is the payload for step-started and step-completed events.
type StepEvent struct {
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	AgentID     string     `json:"agent_id"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
}

// ExecutionEvent is the payload for workflow-completed events.
type ExecutionEvent struct {
	ExecutionID string `json:"execution_id"`
	Status      Status `json:"status"`
	Result      string `json:"result,omitempty"`
}

// StepExecutor runs one step's prompt as the given ephemeral agent and
// returns the agent's response.
type StepExecutor func(ctx context.Context, agent AgentDef, prompt string) (string, error)

// Engine validates plans and drives their steps level by level, steps
// within a level in parallel.
type Engine struct {
	cfg     config.WorkflowConfig
	emitter *events.Emitter

	mu         sync.Mutex
	executions map[string]*execState
}

type execState struct {
	exec      *Execution
	cancelled bool
}

func NewEngine(cfg config.WorkflowConfig) *Engine {
	return &Engine{
		cfg:        cfg,
		emitter:    events.NewEmitter(),
		executions: make(map[string]*execState),
	}
}

// Events exposes the engine's emitter for subscribers.
func (e *Engine) Events() *events.Emitter { return e.emitter }

// Execute validates and runs a plan to a terminal status. The returned
// execution is a snapshot; the error is non-nil only for plans that never
// started (validation failure). Step failures are reported through the
// execution status, not the error.
func (e *Engine) Execute(ctx context.Context, plan *Plan, executor StepExecutor) (*Execution, error) {
	if err := plan.Validate(e.cfg.MaxEphemeralAgents); err != nil {
		return nil, err
	}
	levels, err := plan.Levels()
	if err != nil {
		return nil, err
	}

	if e.cfg.MaxDurationMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.MaxDurationMinutes)*time.Minute)
		defer cancel()
	}

	exec := &Execution{
		ID:        "wf_" + uuid.NewString()[:8],
		PlanName:  plan.Name,
		Status:    StatusRunning,
		Steps:     make(map[string]*StepState, len(plan.Steps)),
		StartedAt: time.Now(),
	}
	for _, s := range plan.Steps {
		exec.Steps[s.ID] = &StepState{ID: s.ID, Status: StepPending}
	}

	state := &execState{exec: exec}
	e.mu.Lock()
	e.executions[exec.ID] = state
	e.mu.Unlock()

	logger.InfoCF("workflow", "Execution started", map[string]any{
		"execution": exec.ID,
		"plan":      plan.Name,
		"steps":     len(plan.Steps),
		"levels":    len(levels),
	})

	results := make(map[string]string, len(plan.Steps))
	failed := false

levelLoop:
	for _, steps := range levels {
		if e.isCancelled(exec.ID) || ctx.Err() != nil {
			break levelLoop
		}

		// Prompts resolve against prior levels only, so interpolate them
		// all before any worker starts writing results.
		prompts := make([]string, len(steps))
		for i, step := range steps {
			prompts[i] = interpolate(step.Prompt, results)
		}

		var mu sync.Mutex
		requiredFailed := false

		g, gctx := errgroup.WithContext(ctx)
		for i, step := range steps {
			prompt := prompts[i]
			g.Go(func() error {
				out, stepErr, duration := e.runStep(gctx, exec.ID, step, prompt, executor)
				mu.Lock()
				defer mu.Unlock()
				if stepErr != nil {
					e.recordStep(exec.ID, step.ID, StepFailed, "", stepErr.Error(), duration)
					if !step.Optional {
						requiredFailed = true
					}
					return nil
				}
				results[step.ID] = out
				e.recordStep(exec.ID, step.ID, StepCompleted, out, "", duration)
				return nil
			})
		}
		g.Wait()

		if requiredFailed {
			failed = true
			break levelLoop
		}
	}

	final := ""
	status := StatusCompleted
	switch {
	case e.isCancelled(exec.ID):
		status = StatusCancelled
	case failed || ctx.Err() != nil:
		status = StatusFailed
	default:
		final = synthesize(plan, levels, results)
	}

	snapshot := e.finish(exec.ID, status, final)
	e.emitter.Emit(events.WorkflowCompleted, ExecutionEvent{
		ExecutionID: exec.ID,
		Status:      status,
		Result:      final,
	})
	logger.InfoCF("workflow", "Execution finished", map[string]any{
		"execution": exec.ID,
		"status":    string(status),
	})
	return snapshot, nil
}

func (e *Engine) runStep(ctx context.Context, execID string, step *Step, prompt string, executor StepExecutor) (string, error, int64) {
	e.setStepStatus(execID, step.ID, StepRunning)
	e.emitter.Emit(events.StepStarted, StepEvent{
		ExecutionID: execID,
		StepID:      step.ID,
		AgentID:     step.Agent.ID,
		Status:      StepRunning,
	})

	start := time.Now()
	out, err := executor(ctx, step.Agent, prompt)
	return out, err, time.Since(start).Milliseconds()
}

// recordStep stores a step's terminal state and emits step-completed.
func (e *Engine) recordStep(execID, stepID string, status StepStatus, result, errText string, durationMS int64) {
	e.mu.Lock()
	if state, ok := e.executions[execID]; ok {
		if st, ok := state.exec.Steps[stepID]; ok {
			st.Status = status
			st.Result = result
			st.Error = errText
			st.DurationMS = durationMS
		}
	}
	e.mu.Unlock()

	e.emitter.Emit(events.StepCompleted, StepEvent{
		ExecutionID: execID,
		StepID:      stepID,
		Status:      status,
		Result:      result,
		Error:       errText,
		DurationMS:  durationMS,
	})
}

func (e *Engine) setStepStatus(execID, stepID string, status StepStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.executions[execID]; ok {
		if st, ok := state.exec.Steps[stepID]; ok {
			st.Status = status
		}
	}
}

func (e *Engine) isCancelled(execID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.executions[execID]
	return ok && state.cancelled
}

func (e *Engine) finish(execID string, status Status, final string) *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.executions[execID]
	if !ok {
		return nil
	}
	state.exec.Status = status
	state.exec.FinalResult = final
	state.exec.CompletedAt = time.Now()
	return copyExecution(state.exec)
}

// Cancel marks a running execution cancelled. Steps already in flight may
// finish, but no later level starts.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.executions[executionID]
	if !ok || state.exec.Status != StatusRunning {
		return false
	}
	state.cancelled = true
	return true
}

// GetExecution returns a snapshot of one execution.
func (e *Engine) GetExecution(executionID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.executions[executionID]
	if !ok {
		return nil, false
	}
	return copyExecution(state.exec), true
}

func copyExecution(in *Execution) *Execution {
	out := *in
	out.Steps = make(map[string]*StepState, len(in.Steps))
	for id, st := range in.Steps {
		c := *st
		out.Steps[id] = &c
	}
	return &out
}

var resultRef = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)\.result\s*\}\}`)

// interpolate substitutes {{id.result}} tokens with prior step results.
// Unknown references are left in place.
func interpolate(text string, results map[string]string) string {
	return resultRef.ReplaceAllStringFunc(text, func(token string) string {
		m := resultRef.FindStringSubmatch(token)
		if val, ok := results[m[1]]; ok {
			return val
		}
		return token
	})
}

// synthesize builds the final result: the synthesis template when the plan
// has one, otherwise the step outputs concatenated in execution order.
func synthesize(plan *Plan, levels [][]*Step, results map[string]string) string {
	if plan.Synthesis != nil && strings.TrimSpace(plan.Synthesis.PromptTemplate) != "" {
		return interpolate(plan.Synthesis.PromptTemplate, results)
	}

	var parts []string
	for _, steps := range levels {
		for _, s := range steps {
			if out, ok := results[s.ID]; ok && out != "" {
				parts = append(parts, out)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
