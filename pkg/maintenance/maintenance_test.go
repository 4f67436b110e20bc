// PackClaw - Multi-agent orchestration core
// License: MIT

package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/packclaw/pkg/msgqueue"
)

func newTestScheduler(jobs ...Job) *Scheduler {
	s := New("", jobs...)
	s.interval = 10 * time.Millisecond
	return s
}

func countingJob(name string, counter *atomic.Int64) Job {
	return Job{
		Name: name,
		Run: func(context.Context) (int, error) {
			counter.Add(1)
			return 1, nil
		},
	}
}

func TestSchedulerRunsDueJobs(t *testing.T) {
	var runs atomic.Int64
	s := newTestScheduler(countingJob("sweep", &runs))
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerRecoversFromPanics(t *testing.T) {
	var healthy atomic.Int64
	s := newTestScheduler(
		Job{Name: "bad", Run: func(context.Context) (int, error) { panic("boom") }},
		countingJob("good", &healthy),
	)
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool { return healthy.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerToleratesJobErrors(t *testing.T) {
	var healthy atomic.Int64
	s := newTestScheduler(
		Job{Name: "flaky", Run: func(context.Context) (int, error) {
			return 0, errors.New("backend gone")
		}},
		countingJob("good", &healthy),
	)
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool { return healthy.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	var runs atomic.Int64
	s := newTestScheduler(countingJob("sweep", &runs))

	// Stop before start is a no-op.
	s.Stop()

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after stop")
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	var runs atomic.Int64
	s := newTestScheduler(countingJob("sweep", &runs))
	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)

	// A single Stop tears the loop down even after the double Start.
	s.Stop()
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestJobScheduleOverride(t *testing.T) {
	var defaulted, yearly atomic.Int64
	s := newTestScheduler(
		countingJob("every-minute", &defaulted),
		Job{
			Name:     "new-year-only",
			Schedule: "0 0 1 1 *",
			Run: func(context.Context) (int, error) {
				yearly.Add(1)
				return 0, nil
			},
		},
	)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) }
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool { return defaulted.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, yearly.Load())
}

func TestSchedulerSkipsBadExpressions(t *testing.T) {
	var healthy atomic.Int64
	s := newTestScheduler(
		Job{Name: "broken", Schedule: "not a cron", Run: func(context.Context) (int, error) {
			t.Error("job with invalid schedule must not run")
			return 0, nil
		}},
		countingJob("good", &healthy),
	)
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool { return healthy.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestAddJobWhileRunning(t *testing.T) {
	var late atomic.Int64
	s := newTestScheduler()
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	s.AddJob(countingJob("late", &late))

	require.Eventually(t, func() bool { return late.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestQueueJobPurgesExpiredEntries(t *testing.T) {
	q := msgqueue.New(msgqueue.Options{TTL: time.Millisecond})
	q.Enqueue("agent", msgqueue.Entry{
		Prompt:     "old news",
		EnqueuedAt: time.Now().Add(-time.Minute),
	})

	job := QueueJob(q)
	count, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Zero(t, q.QueueSize("agent"))
}
