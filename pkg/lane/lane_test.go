package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSessionLaneKey(t *testing.T) {
	assert.Equal(t, "session:main", SessionLaneKey(""))
	assert.Equal(t, "session:chan-42", SessionLaneKey("chan-42"))
	assert.Equal(t, "session:chan-42", SessionLaneKey("session:chan-42"))
}

func TestLaneFIFOWithSingleSlot(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	futures := make([]<-chan Result, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		futures = append(futures, m.Enqueue(ctx, "serial", func(context.Context) (string, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return fmt.Sprintf("task-%d", i), nil
		}))
	}

	for i, fut := range futures {
		res := <-fut
		require.NoError(t, res.Err)
		assert.Equal(t, fmt.Sprintf("task-%d", i), res.Value)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v, "execution order should match enqueue order")
	}
}

func TestLaneBoundedParallelism(t *testing.T) {
	m := NewManager()
	m.SetLaneConcurrency("wide", 2)
	ctx := context.Background()

	var mu sync.Mutex
	running, peak := 0, 0

	var futures []<-chan Result
	for i := 0; i < 6; i++ {
		futures = append(futures, m.Enqueue(ctx, "wide", func(context.Context) (string, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return "", nil
		}))
	}

	for _, fut := range futures {
		<-fut
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak, "lane should run exactly maxConcurrent tasks at once")
}

func TestDistinctLanesRunConcurrently(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	aStarted := make(chan struct{})
	bStarted := make(chan struct{})

	futA := m.Enqueue(ctx, "lane-a", func(context.Context) (string, error) {
		close(aStarted)
		<-bStarted
		return "a", nil
	})
	futB := m.Enqueue(ctx, "lane-b", func(context.Context) (string, error) {
		close(bStarted)
		<-aStarted
		return "b", nil
	})

	resA := <-futA
	resB := <-futB
	require.NoError(t, resA.Err)
	require.NoError(t, resB.Err)
}

func TestTaskErrorDoesNotHaltLane(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	boom := errors.New("boom")
	fut1 := m.Enqueue(ctx, "serial", func(context.Context) (string, error) {
		return "", boom
	})
	fut2 := m.Enqueue(ctx, "serial", func(context.Context) (string, error) {
		return "fine", nil
	})

	res1 := <-fut1
	assert.ErrorIs(t, res1.Err, boom)

	res2 := <-fut2
	require.NoError(t, res2.Err)
	assert.Equal(t, "fine", res2.Value)
}

func TestClearLaneRejectsQueuedOnly(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})

	active := m.Enqueue(ctx, "serial", func(context.Context) (string, error) {
		close(started)
		<-release
		return "active-done", nil
	})
	<-started

	queued1 := m.Enqueue(ctx, "serial", func(context.Context) (string, error) { return "q1", nil })
	queued2 := m.Enqueue(ctx, "serial", func(context.Context) (string, error) { return "q2", nil })

	removed := m.ClearLane("serial")
	assert.Equal(t, 2, removed)

	res1 := <-queued1
	assert.ErrorIs(t, res1.Err, ErrLaneCleared)
	res2 := <-queued2
	assert.ErrorIs(t, res2.Err, ErrLaneCleared)

	close(release)
	resActive := <-active
	require.NoError(t, resActive.Err)
	assert.Equal(t, "active-done", resActive.Value)
}

func TestClearUnknownLane(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.ClearLane("nothing-here"))
}

func TestOnWaitFiresForLongQueueDelay(t *testing.T) {
	m := NewManager()
	m.SetWaitThreshold(10 * time.Millisecond)
	ctx := context.Background()

	release := make(chan struct{})
	blocker := m.Enqueue(ctx, "serial", func(context.Context) (string, error) {
		<-release
		return "", nil
	})

	waited := make(chan time.Duration, 1)
	queued := m.EnqueueWithOptions(ctx, "serial", func(context.Context) (string, error) {
		return "", nil
	}, Options{OnWait: func(d time.Duration) { waited <- d }})

	select {
	case d := <-waited:
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("onWait never fired")
	}

	close(release)
	<-blocker
	<-queued
}

func TestOnWaitSkippedForImmediateStart(t *testing.T) {
	m := NewManager()
	m.SetWaitThreshold(50 * time.Millisecond)
	ctx := context.Background()

	fired := make(chan struct{}, 1)
	fut := m.EnqueueWithOptions(ctx, "empty-lane", func(context.Context) (string, error) {
		return "", nil
	}, Options{OnWait: func(time.Duration) { fired <- struct{}{} }})
	<-fut

	select {
	case <-fired:
		t.Fatal("onWait fired for a task that started immediately")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestEnqueueWithSessionSerializesPerSession(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	var mu sync.Mutex
	var order []string

	record := func(tag string, d time.Duration) Task {
		return func(context.Context) (string, error) {
			mu.Lock()
			order = append(order, tag+"-start")
			mu.Unlock()
			time.Sleep(d)
			mu.Lock()
			order = append(order, tag+"-end")
			mu.Unlock()
			return tag, nil
		}
	}

	fut1 := m.EnqueueWithSession(ctx, "chan-1", record("first", 30*time.Millisecond))
	fut2 := m.EnqueueWithSession(ctx, "chan-1", record("second", 0))

	<-fut1
	<-fut2

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, []string{"first-start", "first-end", "second-start", "second-end"}, order)
}

func TestEnqueueWithSessionGatesThroughMainLane(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	var mu sync.Mutex
	running, peak := 0, 0

	task := func(context.Context) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(15 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return "", nil
	}

	// Different sessions, so only the main lane limits concurrency.
	var futures []<-chan Result
	for i := 0; i < 4; i++ {
		futures = append(futures, m.EnqueueWithSession(ctx, fmt.Sprintf("chan-%d", i), task))
	}
	for _, fut := range futures {
		<-fut
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "main lane default concurrency is 1")
}

func TestStats(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	fut := m.Enqueue(ctx, "observed", func(context.Context) (string, error) {
		close(started)
		<-release
		return "", nil
	})
	<-started
	queued := m.Enqueue(ctx, "observed", func(context.Context) (string, error) { return "", nil })

	stats := m.Stats()
	require.Contains(t, stats, "observed")
	assert.Equal(t, 1, stats["observed"].Active)
	assert.Equal(t, 1, stats["observed"].Queued)

	close(release)
	<-fut
	<-queued
}
