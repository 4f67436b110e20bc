// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package lane

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/packclaw/pkg/logger"
)

// MainLane is the global lane used as the second stage of session queueing.
const MainLane = "main"

const sessionPrefix = "session:"

// ErrLaneCleared rejects tasks that were still queued when their lane was
// cleared. Active tasks are never interrupted.
var ErrLaneCleared = errors.New("Lane cleared")

// Task is one unit of lane-serialized work.
type Task func(ctx context.Context) (string, error)

// Result carries a finished task's outcome to the enqueueing caller.
type Result struct {
	Value string
	Err   error
}

// Options tunes a single enqueue.
type Options struct {
	// OnWait is called once if the task is still queued after the
	// manager's wait threshold. Advisory only.
	OnWait func(waited time.Duration)
}

type queuedTask struct {
	ctx       context.Context
	task      Task
	resultCh  chan Result
	enqueued  time.Time
	waitTimer *time.Timer
}

type laneState struct {
	active        int
	maxConcurrent int
	queued        []*queuedTask
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Active int
	Queued int
}

// Manager gives per-key FIFO serialization with bounded parallelism per
// lane. Lanes are created on first use with the default concurrency.
type Manager struct {
	mu            sync.Mutex
	lanes         map[string]*laneState
	defaultMax    int
	waitThreshold time.Duration
}

func NewManager() *Manager {
	return &Manager{
		lanes:         make(map[string]*laneState),
		defaultMax:    1,
		waitThreshold: 3 * time.Second,
	}
}

// SetWaitThreshold adjusts when OnWait callbacks fire.
func (m *Manager) SetWaitThreshold(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitThreshold = d
}

// SetLaneConcurrency fixes maxConcurrent for one lane and dispatches any
// tasks the new limit unblocks.
func (m *Manager) SetLaneConcurrency(key string, max int) {
	if max < 1 {
		max = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ln := m.laneLocked(key)
	ln.maxConcurrent = max
	m.dispatchLocked(key, ln)
}

// SessionLaneKey normalizes a session key into its lane name. An empty key
// maps to session:main; keys already carrying the prefix pass through.
func SessionLaneKey(key string) string {
	if key == "" {
		return sessionPrefix + "main"
	}
	if strings.HasPrefix(key, sessionPrefix) {
		return key
	}
	return sessionPrefix + key
}

// Enqueue appends task to the lane and returns a future for its result.
// The channel is buffered; the caller may abandon it without leaking the
// lane slot.
func (m *Manager) Enqueue(ctx context.Context, key string, task Task) <-chan Result {
	return m.EnqueueWithOptions(ctx, key, task, Options{})
}

func (m *Manager) EnqueueWithOptions(ctx context.Context, key string, task Task, opts Options) <-chan Result {
	qt := &queuedTask{
		ctx:      ctx,
		task:     task,
		resultCh: make(chan Result, 1),
		enqueued: time.Now(),
	}

	m.mu.Lock()
	if opts.OnWait != nil {
		onWait := opts.OnWait
		enqueued := qt.enqueued
		qt.waitTimer = time.AfterFunc(m.waitThreshold, func() {
			onWait(time.Since(enqueued))
		})
	}

	ln := m.laneLocked(key)
	ln.queued = append(ln.queued, qt)
	m.dispatchLocked(key, ln)
	m.mu.Unlock()

	return qt.resultCh
}

// Run enqueues and blocks for the result.
func (m *Manager) Run(ctx context.Context, key string, task Task) (string, error) {
	res := <-m.Enqueue(ctx, key, task)
	return res.Value, res.Err
}

// EnqueueWithSession performs two-stage queueing: the task is serialized in
// its session lane first, and once it reaches the head it also acquires the
// global main lane before running.
func (m *Manager) EnqueueWithSession(ctx context.Context, sessionKey string, task Task) <-chan Result {
	outer := SessionLaneKey(sessionKey)
	return m.Enqueue(ctx, outer, func(ctx context.Context) (string, error) {
		return m.Run(ctx, MainLane, task)
	})
}

// ClearLane rejects every queued task in the lane with ErrLaneCleared and
// returns how many were removed. Active tasks run to completion.
func (m *Manager) ClearLane(key string) int {
	m.mu.Lock()
	ln, ok := m.lanes[key]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	cleared := ln.queued
	ln.queued = nil
	m.mu.Unlock()

	for _, qt := range cleared {
		if qt.waitTimer != nil {
			qt.waitTimer.Stop()
		}
		qt.resultCh <- Result{Err: ErrLaneCleared}
	}

	if len(cleared) > 0 {
		logger.InfoCF("lane", "Lane cleared", map[string]any{
			"lane":    key,
			"removed": len(cleared),
		})
	}
	return len(cleared)
}

// Stats returns a copy of every lane's active/queued counts.
func (m *Manager) Stats() map[string]LaneStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]LaneStats, len(m.lanes))
	for key, ln := range m.lanes {
		out[key] = LaneStats{Active: ln.active, Queued: len(ln.queued)}
	}
	return out
}

func (m *Manager) laneLocked(key string) *laneState {
	ln, ok := m.lanes[key]
	if !ok {
		ln = &laneState{maxConcurrent: m.defaultMax}
		m.lanes[key] = ln
	}
	return ln
}

func (m *Manager) dispatchLocked(key string, ln *laneState) {
	for ln.active < ln.maxConcurrent && len(ln.queued) > 0 {
		qt := ln.queued[0]
		ln.queued = ln.queued[1:]
		ln.active++
		go m.runTask(key, ln, qt)
	}
}

func (m *Manager) runTask(key string, ln *laneState, qt *queuedTask) {
	if qt.waitTimer != nil {
		qt.waitTimer.Stop()
	}

	value, err := qt.task(qt.ctx)

	// Deposit the result before releasing the slot so completion is
	// observable in lane order; the channel is buffered and never blocks.
	qt.resultCh <- Result{Value: value, Err: err}

	m.mu.Lock()
	ln.active--
	m.dispatchLocked(key, ln)
	m.mu.Unlock()
}
