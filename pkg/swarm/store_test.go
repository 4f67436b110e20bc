// PackClaw - Multi-agent orchestration core
// License: MIT

package swarm

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, p CreateTaskParams) *Task {
	t.Helper()
	if p.SessionID == "" {
		p.SessionID = "sess-1"
	}
	task, err := s.CreateTask(context.Background(), p)
	require.NoError(t, err)
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskParams{
		Description: "write parser",
		Category:    "coder",
		Wave:        0,
	})
	assert.Regexp(t, regexp.MustCompile(`^sw_[0-9a-f]{8}$`), task.ID)
	assert.Equal(t, 1, task.Wave, "non-positive wave defaults to 1")
	assert.Equal(t, TaskPending, task.Status)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "write parser", got.Description)
	assert.Equal(t, "coder", got.Category)
	assert.Empty(t, got.FilesOwned)
	assert.Empty(t, got.DependsOn)
	assert.Zero(t, got.RetryCount)
}

func TestCreateTaskRequiresSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateTask(context.Background(), CreateTaskParams{Description: "x"})
	require.Error(t, err)
}

func TestClaimRaceOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskParams{Description: "contested"})

	first, err := s.ClaimTask(ctx, task.ID, "a")
	require.NoError(t, err)
	second, err := s.ClaimTask(ctx, task.ID, "b")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskClaimed, got.Status)
	assert.Equal(t, "a", got.ClaimedBy)
	assert.False(t, got.ClaimedAt.IsZero())

	// Defer releases the claim without charging a retry, and the loser
	// can now claim.
	deferred, err := s.DeferTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, deferred)

	reclaimed, err := s.ClaimTask(ctx, task.ID, "b")
	require.NoError(t, err)
	assert.True(t, reclaimed)

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ClaimedBy)
	assert.Zero(t, got.RetryCount)
}

func TestDeferOnlyTouchesClaimed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskParams{Description: "d"})

	deferred, err := s.DeferTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, deferred, "pending task cannot be deferred")

	_, err = s.ClaimTask(ctx, task.ID, "w")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, task.ID, "done"))

	deferred, err = s.DeferTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, deferred, "completed task cannot be deferred")
}

func TestRetryIncrementsAndReopens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskParams{Description: "flaky"})
	_, err := s.ClaimTask(ctx, task.ID, "w")
	require.NoError(t, err)

	retried, err := s.RetryTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, retried)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Equal(t, 1, got.RetryCount)

	// Failed tasks can be reopened too.
	_, err = s.ClaimTask(ctx, task.ID, "w")
	require.NoError(t, err)
	require.NoError(t, s.FailTask(ctx, task.ID, "boom"))

	retried, err = s.RetryTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, retried)

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	// Completed tasks stay completed.
	_, err = s.ClaimTask(ctx, task.ID, "w")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, task.ID, "ok"))

	retried, err = s.RetryTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, retried)
}

func TestCompleteAndFailStoreResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done := mustCreate(t, s, CreateTaskParams{Description: "ok-task"})
	_, err := s.ClaimTask(ctx, done.ID, "w")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, done.ID, "all good"))

	got, err := s.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Equal(t, "all good", got.Result)
	assert.False(t, got.CompletedAt.IsZero())

	bad := mustCreate(t, s, CreateTaskParams{Description: "bad-task"})
	_, err = s.ClaimTask(ctx, bad.ID, "w")
	require.NoError(t, err)
	require.NoError(t, s.FailTask(ctx, bad.ID, "exploded"))

	got, err = s.GetTask(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, "exploded", got.Result)
}

func TestSessionOrderingWaveThenPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := mustCreate(t, s, CreateTaskParams{Description: "w2-low", Wave: 2, Priority: 1})
	first := mustCreate(t, s, CreateTaskParams{Description: "w1-high", Wave: 1, Priority: 9})
	second := mustCreate(t, s, CreateTaskParams{Description: "w1-low", Wave: 1, Priority: 2})
	high := mustCreate(t, s, CreateTaskParams{Description: "w2-high", Wave: 2, Priority: 8})

	tasks, err := s.GetTasksBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	assert.Equal(t, first.ID, tasks[0].ID)
	assert.Equal(t, second.ID, tasks[1].ID)
	assert.Equal(t, high.ID, tasks[2].ID)
	assert.Equal(t, low.ID, tasks[3].ID)
}

func TestGetPendingTasksWaveFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w1 := mustCreate(t, s, CreateTaskParams{Description: "w1", Wave: 1})
	mustCreate(t, s, CreateTaskParams{Description: "w2", Wave: 2})
	claimed := mustCreate(t, s, CreateTaskParams{Description: "w1-claimed", Wave: 1})
	_, err := s.ClaimTask(ctx, claimed.ID, "w")
	require.NoError(t, err)

	wave := 1
	pending, err := s.GetPendingTasks(ctx, "sess-1", &wave)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, w1.ID, pending[0].ID)

	all, err := s.GetPendingTasks(ctx, "sess-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCountOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, CreateTaskParams{Description: "a"})
	b := mustCreate(t, s, CreateTaskParams{Description: "b"})
	mustCreate(t, s, CreateTaskParams{Description: "other", SessionID: "sess-2"})

	n, err := s.CountOpen(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.ClaimTask(ctx, a.ID, "w")
	require.NoError(t, err)
	n, err = s.CountOpen(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "claimed still counts as open")

	require.NoError(t, s.CompleteTask(ctx, a.ID, "ok"))
	require.NoError(t, s.FailTask(ctx, b.ID, "no"))

	n, err = s.CountOpen(ctx, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireStaleLeases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale := mustCreate(t, s, CreateTaskParams{Description: "stale"})
	fresh := mustCreate(t, s, CreateTaskParams{Description: "fresh"})
	terminal := mustCreate(t, s, CreateTaskParams{Description: "terminal"})

	base := time.Now()
	s.now = func() time.Time { return base.Add(-20 * time.Minute) }
	_, err := s.ClaimTask(ctx, stale.ID, "gone-worker")
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, terminal.ID, "gone-worker")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, terminal.ID, "done before crash"))

	s.now = func() time.Time { return base }
	_, err = s.ClaimTask(ctx, fresh.ID, "live-worker")
	require.NoError(t, err)

	n, err := s.ExpireStaleLeases(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Empty(t, got.ClaimedBy)

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskClaimed, got.Status)

	got, err = s.GetTask(ctx, terminal.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status, "terminal tasks are never reopened")
}

func TestListSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateTaskParams{Description: "a", SessionID: "alpha"})
	mustCreate(t, s, CreateTaskParams{Description: "b", SessionID: "beta"})
	mustCreate(t, s, CreateTaskParams{Description: "a2", SessionID: "alpha"})

	ids, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}
