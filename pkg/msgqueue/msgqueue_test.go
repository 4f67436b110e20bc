package msgqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSender answers SendMessage calls from a fixed script.
type scriptedSender struct {
	script []func(prompt string) (string, error)
	calls  []string
}

func (s *scriptedSender) SendMessage(_ context.Context, prompt string) (string, error) {
	s.calls = append(s.calls, prompt)
	if len(s.script) == 0 {
		return "ok: " + prompt, nil
	}
	fn := s.script[0]
	s.script = s.script[1:]
	return fn(prompt)
}

func alwaysOK() func(string) (string, error) {
	return func(p string) (string, error) { return "ok: " + p, nil }
}

func alwaysErr(msg string) func(string) (string, error) {
	return func(string) (string, error) { return "", errors.New(msg) }
}

func TestEnqueueDropsOldestPastCap(t *testing.T) {
	q := New(Options{})

	for i := 1; i <= 7; i++ {
		q.Enqueue("worker", Entry{Prompt: fmt.Sprintf("msg-%d", i)})
	}
	require.Equal(t, 5, q.QueueSize("worker"))

	sender := &scriptedSender{}
	var delivered []string
	q.Drain(context.Background(), "worker", sender, func(_ string, e Entry, _ string) {
		delivered = append(delivered, e.Prompt)
	})

	assert.Equal(t, []string{"msg-3", "msg-4", "msg-5", "msg-6", "msg-7"}, delivered)
	assert.Equal(t, 0, q.QueueSize("worker"))
}

func TestDrainDeliversResponses(t *testing.T) {
	q := New(Options{})
	q.Enqueue("worker", Entry{Prompt: "hello", Channel: "chan-1"})

	sender := &scriptedSender{}
	var gotAgent, gotResp string
	var gotEntry Entry
	q.Drain(context.Background(), "worker", sender, func(agentID string, e Entry, resp string) {
		gotAgent, gotEntry, gotResp = agentID, e, resp
	})

	assert.Equal(t, "worker", gotAgent)
	assert.Equal(t, "hello", gotEntry.Prompt)
	assert.Equal(t, "chan-1", gotEntry.Channel)
	assert.Equal(t, "ok: hello", gotResp)
}

func TestDrainDiscardsExpiredEntries(t *testing.T) {
	q := New(Options{TTL: 20 * time.Minute})
	q.Enqueue("worker", Entry{Prompt: "stale", EnqueuedAt: time.Now().Add(-25 * time.Minute)})
	q.Enqueue("worker", Entry{Prompt: "fresh"})

	sender := &scriptedSender{}
	var delivered []string
	q.Drain(context.Background(), "worker", sender, func(_ string, e Entry, _ string) {
		delivered = append(delivered, e.Prompt)
	})

	assert.Equal(t, []string{"fresh"}, delivered)
	assert.Equal(t, []string{"fresh"}, sender.calls, "expired prompt must never reach the process")
}

func TestBusyRequeuesAtFrontAndStops(t *testing.T) {
	q := New(Options{})
	q.Enqueue("worker", Entry{Prompt: "first"})
	q.Enqueue("worker", Entry{Prompt: "second"})

	sender := &scriptedSender{script: []func(string) (string, error){
		alwaysErr("agent is busy"),
	}}
	var delivered []string
	q.Drain(context.Background(), "worker", sender, func(_ string, e Entry, _ string) {
		delivered = append(delivered, e.Prompt)
	})

	assert.Empty(t, delivered)
	require.Equal(t, 2, q.QueueSize("worker"), "busy entry stays queued, drain stops")

	// Next drain retries the same entry first.
	sender2 := &scriptedSender{}
	q.Drain(context.Background(), "worker", sender2, func(_ string, e Entry, _ string) {
		delivered = append(delivered, e.Prompt)
	})
	assert.Equal(t, []string{"first", "second"}, delivered)
}

func TestBusyRetryCapDropsEntry(t *testing.T) {
	q := New(Options{MaxRetries: 3})
	q.Enqueue("worker", Entry{Prompt: "doomed"})
	q.Enqueue("worker", Entry{Prompt: "survivor"})

	busy := func() *scriptedSender {
		return &scriptedSender{script: []func(string) (string, error){alwaysErr("BUSY")}}
	}

	var delivered []string
	record := func(_ string, e Entry, _ string) { delivered = append(delivered, e.Prompt) }

	q.Drain(context.Background(), "worker", busy(), record) // retry 1
	q.Drain(context.Background(), "worker", busy(), record) // retry 2
	require.Equal(t, 2, q.QueueSize("worker"))

	q.Drain(context.Background(), "worker", busy(), record) // retry 3: dropped
	require.Equal(t, 1, q.QueueSize("worker"), "doomed entry dropped after retry cap")
	assert.Empty(t, delivered)

	q.Drain(context.Background(), "worker", &scriptedSender{}, record)
	assert.Equal(t, []string{"survivor"}, delivered)
}

func TestOtherErrorDiscardsAndContinues(t *testing.T) {
	q := New(Options{})
	q.Enqueue("worker", Entry{Prompt: "bad"})
	q.Enqueue("worker", Entry{Prompt: "good"})

	sender := &scriptedSender{script: []func(string) (string, error){
		alwaysErr("subprocess crashed"),
		alwaysOK(),
	}}
	var delivered []string
	q.Drain(context.Background(), "worker", sender, func(_ string, e Entry, _ string) {
		delivered = append(delivered, e.Prompt)
	})

	assert.Equal(t, []string{"good"}, delivered)
	assert.Equal(t, 0, q.QueueSize("worker"))
}

func TestClearExpired(t *testing.T) {
	q := New(Options{TTL: 20 * time.Minute})
	q.Enqueue("a", Entry{Prompt: "old-a", EnqueuedAt: time.Now().Add(-30 * time.Minute)})
	q.Enqueue("a", Entry{Prompt: "new-a"})
	q.Enqueue("b", Entry{Prompt: "old-b", EnqueuedAt: time.Now().Add(-21 * time.Minute)})

	removed := q.ClearExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, q.QueueSize("a"))
	assert.Equal(t, 0, q.QueueSize("b"))
	assert.Equal(t, 1, q.TotalSize())
}

func TestClearAll(t *testing.T) {
	q := New(Options{})
	q.Enqueue("a", Entry{Prompt: "one"})
	q.Enqueue("b", Entry{Prompt: "two"})

	q.ClearAll()
	assert.Equal(t, 0, q.TotalSize())
}
