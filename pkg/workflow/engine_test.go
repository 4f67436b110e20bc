// PackClaw - Multi-agent orchestration core
// License: MIT

package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/events"
)

func newTestEngine() *Engine {
	return NewEngine(config.WorkflowConfig{MaxEphemeralAgents: 10})
}

func TestExecuteRunsLevelStepsInParallel(t *testing.T) {
	plan := &Plan{Steps: []Step{
		step("a"),
		step("b"),
		{
			ID:        "c",
			Agent:     AgentDef{ID: "c-agent", DisplayName: "C"},
			Prompt:    "sum: {{a.result}} + {{b.result}}",
			DependsOn: []string{"a", "b"},
		},
	}}

	// Both level-0 steps must be in flight at once: each blocks until the
	// other has reported in, so sequential execution would fail.
	started := make(chan string, 2)
	release := make(chan struct{})
	go func() {
		<-started
		<-started
		close(release)
	}()

	var cPrompt string
	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		switch agent.ID {
		case "a-agent", "b-agent":
			started <- agent.ID
			select {
			case <-release:
			case <-time.After(2 * time.Second):
				return "", errors.New("sibling step never started")
			}
			if agent.ID == "a-agent" {
				return "A", nil
			}
			return "B", nil
		default:
			cPrompt = prompt
			return "C", nil
		}
	}

	exec, err := newTestEngine().Execute(context.Background(), plan, executor)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "sum: A + B", cPrompt)
	assert.Equal(t, StepCompleted, exec.Steps["c"].Status)
	assert.Equal(t, "C", exec.Steps["c"].Result)
	assert.False(t, exec.CompletedAt.IsZero())
}

func TestExecuteRequiredFailureStopsAfterLevel(t *testing.T) {
	plan := &Plan{Steps: []Step{
		step("x"),
		step("y"),
		step("z", "x"),
	}}

	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		switch agent.ID {
		case "x-agent":
			return "", errors.New("boom")
		case "y-agent":
			time.Sleep(30 * time.Millisecond)
			return "Y", nil
		default:
			return "Z", nil
		}
	}

	exec, err := newTestEngine().Execute(context.Background(), plan, executor)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, StepFailed, exec.Steps["x"].Status)
	assert.Contains(t, exec.Steps["x"].Error, "boom")

	// The sibling in the failing level still runs to completion; only the
	// next level is abandoned.
	assert.Equal(t, StepCompleted, exec.Steps["y"].Status)
	assert.Equal(t, "Y", exec.Steps["y"].Result)
	assert.Equal(t, StepPending, exec.Steps["z"].Status)
	assert.Empty(t, exec.FinalResult)
}

func TestExecuteOptionalFailureContinues(t *testing.T) {
	plan := &Plan{Steps: []Step{
		{
			ID:       "opt",
			Agent:    AgentDef{ID: "opt-agent", DisplayName: "Opt"},
			Prompt:   "try",
			Optional: true,
		},
		{
			ID:        "final",
			Agent:     AgentDef{ID: "final-agent", DisplayName: "Final"},
			Prompt:    "after {{opt.result}}",
			DependsOn: []string{"opt"},
		},
	}}

	var finalPrompt string
	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		if agent.ID == "opt-agent" {
			return "", errors.New("flaky")
		}
		finalPrompt = prompt
		return "done", nil
	}

	exec, err := newTestEngine().Execute(context.Background(), plan, executor)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, StepFailed, exec.Steps["opt"].Status)
	// The failed step produced no result, so its token stays verbatim.
	assert.Equal(t, "after {{opt.result}}", finalPrompt)
	assert.Equal(t, "done", exec.FinalResult)
}

func TestExecuteSynthesisTemplate(t *testing.T) {
	plan := &Plan{
		Steps:     []Step{step("s1"), step("s2", "s1")},
		Synthesis: &Synthesis{PromptTemplate: "Summary: {{s1.result}} | {{s2.result}}"},
	}

	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		if agent.ID == "s1-agent" {
			return "one", nil
		}
		return "two", nil
	}

	exec, err := newTestEngine().Execute(context.Background(), plan, executor)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "Summary: one | two", exec.FinalResult)
}

func TestExecuteConcatenatesResultsInOrder(t *testing.T) {
	plan := &Plan{Steps: []Step{step("first"), step("second", "first")}}

	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		if agent.ID == "first-agent" {
			return "R-first", nil
		}
		return "R-second", nil
	}

	exec, err := newTestEngine().Execute(context.Background(), plan, executor)
	require.NoError(t, err)
	assert.Equal(t, "R-first\n\nR-second", exec.FinalResult)
}

func TestExecuteEmitsEvents(t *testing.T) {
	plan := &Plan{Steps: []Step{step("solo")}}
	eng := newTestEngine()

	var startedEvents []StepEvent
	var completedEvents []StepEvent
	var finishedEvents []ExecutionEvent
	eng.Events().On(events.StepStarted, func(ev events.Event) {
		startedEvents = append(startedEvents, ev.Payload.(StepEvent))
	})
	eng.Events().On(events.StepCompleted, func(ev events.Event) {
		completedEvents = append(completedEvents, ev.Payload.(StepEvent))
	})
	eng.Events().On(events.WorkflowCompleted, func(ev events.Event) {
		finishedEvents = append(finishedEvents, ev.Payload.(ExecutionEvent))
	})

	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		return "S", nil
	}
	exec, err := eng.Execute(context.Background(), plan, executor)
	require.NoError(t, err)

	require.Len(t, startedEvents, 1)
	assert.Equal(t, "solo", startedEvents[0].StepID)
	assert.Equal(t, "solo-agent", startedEvents[0].AgentID)
	assert.Equal(t, StepRunning, startedEvents[0].Status)
	assert.Equal(t, exec.ID, startedEvents[0].ExecutionID)

	require.Len(t, completedEvents, 1)
	assert.Equal(t, StepCompleted, completedEvents[0].Status)
	assert.Equal(t, "S", completedEvents[0].Result)
	assert.GreaterOrEqual(t, completedEvents[0].DurationMS, int64(0))

	require.Len(t, finishedEvents, 1)
	assert.Equal(t, exec.ID, finishedEvents[0].ExecutionID)
	assert.Equal(t, StatusCompleted, finishedEvents[0].Status)
	assert.Equal(t, "S", finishedEvents[0].Result)
}

func TestCancelSkipsLaterLevels(t *testing.T) {
	plan := &Plan{Steps: []Step{
		step("slow"),
		step("next", "slow"),
	}}

	eng := newTestEngine()
	execIDCh := make(chan string, 1)
	eng.Events().Once(events.StepStarted, func(ev events.Event) {
		execIDCh <- ev.Payload.(StepEvent).ExecutionID
	})

	running := make(chan struct{})
	proceed := make(chan struct{})
	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		switch agent.ID {
		case "slow-agent":
			close(running)
			<-proceed
			return "SLOW", nil
		default:
			return "NEXT", nil
		}
	}

	resCh := make(chan *Execution, 1)
	go func() {
		exec, err := eng.Execute(context.Background(), plan, executor)
		assert.NoError(t, err)
		resCh <- exec
	}()

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("first step never started")
	}

	var execID string
	select {
	case execID = <-execIDCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no step-started event")
	}

	require.True(t, eng.Cancel(execID))
	close(proceed)

	var exec *Execution
	select {
	case exec = <-resCh:
	case <-time.After(2 * time.Second):
		t.Fatal("execution never finished")
	}

	assert.Equal(t, StatusCancelled, exec.Status)
	// The in-flight step was allowed to finish.
	assert.Equal(t, StepCompleted, exec.Steps["slow"].Status)
	assert.Equal(t, "SLOW", exec.Steps["slow"].Result)
	assert.Equal(t, StepPending, exec.Steps["next"].Status)
	assert.Empty(t, exec.FinalResult)

	// Terminal executions cannot be cancelled again.
	assert.False(t, eng.Cancel(execID))

	got, ok := eng.GetExecution(execID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)

	// Snapshots are copies; mutating one does not touch engine state.
	got.Steps["slow"].Result = "tampered"
	again, _ := eng.GetExecution(execID)
	assert.Equal(t, "SLOW", again.Steps["slow"].Result)
}

func TestCancelUnknownExecution(t *testing.T) {
	assert.False(t, newTestEngine().Cancel("wf_missing"))
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		return "", nil
	}

	exec, err := newTestEngine().Execute(context.Background(), &Plan{}, executor)
	require.Error(t, err)
	assert.Nil(t, exec)
	assert.Contains(t, err.Error(), "no steps")
}

func TestExecuteCancelledContextFailsBeforeSteps(t *testing.T) {
	plan := &Plan{Steps: []Step{step("a")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	executor := func(ctx context.Context, agent AgentDef, prompt string) (string, error) {
		ran = true
		return "", nil
	}

	exec, err := newTestEngine().Execute(ctx, plan, executor)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, StepPending, exec.Steps["a"].Status)
	assert.False(t, ran)
}
