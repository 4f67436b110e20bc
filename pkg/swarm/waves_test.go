// PackClaw - Multi-agent orchestration core
// License: MIT

package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteWavesRunsInOrder(t *testing.T) {
	m := NewManager(openTestStore(t))
	ctx := context.Background()

	w1a := mustCreate(t, m.Store(), CreateTaskParams{Description: "w1a", SessionID: "wv-1", Wave: 1})
	w1b := mustCreate(t, m.Store(), CreateTaskParams{Description: "w1b", SessionID: "wv-1", Wave: 1})
	w2 := mustCreate(t, m.Store(), CreateTaskParams{Description: "w2", SessionID: "wv-1", Wave: 2})

	var mu sync.Mutex
	var waveOrder []int
	executor := func(_ context.Context, task *Task) (string, error) {
		mu.Lock()
		waveOrder = append(waveOrder, task.Wave)
		mu.Unlock()
		return "ok:" + task.Description, nil
	}

	// Waves passed out of order sort ascending.
	summary, err := m.ExecuteWaves(ctx, "wv-1", []WaveGroup{
		{Wave: 2, Tasks: []*Task{w2}},
		{Wave: 1, Tasks: []*Task{w1a, w1b}},
	}, executor)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.TotalWaves)
	assert.Equal(t, 2, summary.CompletedWaves)
	assert.Equal(t, 3, summary.TotalTasks)
	assert.Equal(t, 3, summary.Completed)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)
	require.Len(t, summary.Results, 3)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 1, 2}, waveOrder)

	for _, id := range []string{w1a.ID, w1b.ID, w2.ID} {
		assert.Equal(t, TaskCompleted, taskStatus(t, m.Store(), id))
	}
}

func TestExecuteWavesParallelWithinWave(t *testing.T) {
	m := NewManager(openTestStore(t))
	ctx := context.Background()

	a := mustCreate(t, m.Store(), CreateTaskParams{Description: "a", SessionID: "wv-par", Wave: 1})
	b := mustCreate(t, m.Store(), CreateTaskParams{Description: "b", SessionID: "wv-par", Wave: 1})

	// Each task waits for the other to start; a serial engine deadlocks
	// here and the test times out.
	started := make(chan string, 2)
	release := make(chan struct{})
	executor := func(_ context.Context, task *Task) (string, error) {
		started <- task.Description
		<-release
		return "ok", nil
	}

	done := make(chan *WaveSummary, 1)
	go func() {
		summary, _ := m.ExecuteWaves(ctx, "wv-par", []WaveGroup{{Wave: 1, Tasks: []*Task{a, b}}}, executor)
		done <- summary
	}()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("wave tasks did not start in parallel")
		}
	}
	close(release)

	select {
	case summary := <-done:
		assert.Equal(t, 2, summary.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("wave run did not finish")
	}
}

func TestExecuteWavesFailForward(t *testing.T) {
	m := NewManager(openTestStore(t))
	ctx := context.Background()

	bad := mustCreate(t, m.Store(), CreateTaskParams{Description: "bad", SessionID: "wv-ff", Wave: 1})
	good := mustCreate(t, m.Store(), CreateTaskParams{Description: "good", SessionID: "wv-ff", Wave: 1})
	next := mustCreate(t, m.Store(), CreateTaskParams{Description: "next", SessionID: "wv-ff", Wave: 2})

	executor := func(_ context.Context, task *Task) (string, error) {
		if task.Description == "bad" {
			return "", errors.New("task exploded")
		}
		return "fine", nil
	}

	summary, err := m.ExecuteWaves(ctx, "wv-ff", []WaveGroup{
		{Wave: 1, Tasks: []*Task{bad, good}},
		{Wave: 2, Tasks: []*Task{next}},
	}, executor)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.CompletedWaves, "a failed task does not stop the next wave")

	assert.Equal(t, TaskFailed, taskStatus(t, m.Store(), bad.ID))
	assert.Equal(t, TaskCompleted, taskStatus(t, m.Store(), good.ID))
	assert.Equal(t, TaskCompleted, taskStatus(t, m.Store(), next.ID))

	var failedResult string
	for _, res := range summary.Results {
		if res.TaskID == bad.ID {
			failedResult = res.Result
		}
	}
	assert.Contains(t, failedResult, "task exploded")
}

func TestExecuteWavesSkipsLostClaims(t *testing.T) {
	m := NewManager(openTestStore(t))
	ctx := context.Background()

	taken := mustCreate(t, m.Store(), CreateTaskParams{Description: "taken", SessionID: "wv-skip", Wave: 1})
	free := mustCreate(t, m.Store(), CreateTaskParams{Description: "free", SessionID: "wv-skip", Wave: 1})

	claimed, err := m.Store().ClaimTask(ctx, taken.ID, "someone-else")
	require.NoError(t, err)
	require.True(t, claimed)

	executor := func(_ context.Context, task *Task) (string, error) { return "ok", nil }

	summary, err := m.ExecuteWaves(ctx, "wv-skip", []WaveGroup{{Wave: 1, Tasks: []*Task{taken, free}}}, executor)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, TaskClaimed, taskStatus(t, m.Store(), taken.ID), "skipped task is left alone")

	var skipped *WaveTaskResult
	for i := range summary.Results {
		if summary.Results[i].TaskID == taken.ID {
			skipped = &summary.Results[i]
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, OutcomeSkipped, skipped.Status)
}

func TestExecuteWavesEmptyWave(t *testing.T) {
	m := NewManager(openTestStore(t))

	summary, err := m.ExecuteWaves(context.Background(), "wv-empty", []WaveGroup{{Wave: 1}}, func(context.Context, *Task) (string, error) {
		t.Fatal("executor must not run for an empty wave")
		return "", nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TotalWaves)
	assert.Equal(t, 1, summary.CompletedWaves)
	assert.Zero(t, summary.TotalTasks)
	assert.Empty(t, summary.Results)
}

func TestExecuteWavesHonorsCancellation(t *testing.T) {
	m := NewManager(openTestStore(t))

	a := mustCreate(t, m.Store(), CreateTaskParams{Description: "a", SessionID: "wv-cancel", Wave: 1})
	b := mustCreate(t, m.Store(), CreateTaskParams{Description: "b", SessionID: "wv-cancel", Wave: 2})

	ctx, cancel := context.WithCancel(context.Background())
	executor := func(_ context.Context, task *Task) (string, error) {
		cancel()
		return "ok", nil
	}

	summary, err := m.ExecuteWaves(ctx, "wv-cancel", []WaveGroup{
		{Wave: 1, Tasks: []*Task{a}},
		{Wave: 2, Tasks: []*Task{b}},
	}, executor)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, summary.CompletedWaves, "cancel stops between waves")
	assert.Equal(t, TaskPending, taskStatus(t, m.Store(), b.ID))
}
