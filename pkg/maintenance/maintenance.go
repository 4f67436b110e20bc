// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

// Package maintenance runs the periodic sweeps that keep long-lived state
// from rotting: idle processes, expired queue entries, stale background
// tasks and dead swarm leases.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/packclaw/pkg/logger"
	"github.com/sipeed/packclaw/pkg/msgqueue"
	"github.com/sipeed/packclaw/pkg/process"
	"github.com/sipeed/packclaw/pkg/swarm"
	"github.com/sipeed/packclaw/pkg/tasks"
)

// DefaultSchedule fires every minute.
const DefaultSchedule = "* * * * *"

// Job is one named sweep. Run returns how many entries it cleaned up.
// Schedule overrides the scheduler default when set.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int, error)
}

// Scheduler ticks once a minute and runs every job whose cron expression
// is due.
type Scheduler struct {
	defaultSchedule string
	gron            gronx.Gronx

	mu     sync.Mutex
	jobs   []Job
	cancel context.CancelFunc
	done   chan struct{}

	now      func() time.Time
	interval time.Duration
}

func New(schedule string, jobs ...Job) *Scheduler {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		defaultSchedule: schedule,
		gron:            gronx.New(),
		jobs:            jobs,
		now:             time.Now,
		interval:        time.Minute,
	}
}

// AddJob registers another sweep. Safe while running.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

// Start spawns the tick loop. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	jobCount := len(s.jobs)
	s.mu.Unlock()

	go s.loop(ctx, done)
	logger.InfoCF("maintenance", "Scheduler started", map[string]any{
		"schedule": s.defaultSchedule,
		"jobs":     jobCount,
	})
}

// Stop halts the loop and waits for it to exit. Safe to call twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.InfoC("maintenance", "Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	ref := s.now()
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		expr := job.Schedule
		if expr == "" {
			expr = s.defaultSchedule
		}
		due, err := s.gron.IsDue(expr, ref)
		if err != nil {
			logger.WarnCF("maintenance", "Bad cron expression", map[string]any{
				"job":      job.Name,
				"schedule": expr,
				"error":    err.Error(),
			})
			continue
		}
		if due {
			s.runJob(ctx, job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("maintenance", "Job panicked", map[string]any{
				"job":   job.Name,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	count, err := job.Run(ctx)
	if err != nil {
		logger.WarnCF("maintenance", "Job failed", map[string]any{
			"job":   job.Name,
			"error": err.Error(),
		})
		return
	}
	if count > 0 {
		logger.InfoCF("maintenance", "Job cleaned up entries", map[string]any{
			"job":   job.Name,
			"count": count,
		})
	}
}

// PoolJob sweeps idle subprocesses past their idle timeout.
func PoolJob(pool *process.Pool) Job {
	return Job{
		Name: "pool-idle-sweep",
		Run: func(context.Context) (int, error) {
			return pool.CleanupIdleProcesses(), nil
		},
	}
}

// QueueJob purges queued agent messages past their TTL.
func QueueJob(queue *msgqueue.Queue) Job {
	return Job{
		Name: "queue-ttl-purge",
		Run: func(context.Context) (int, error) {
			return queue.ClearExpired(), nil
		},
	}
}

// TasksJob fails background tasks that have been running too long.
func TasksJob(manager *tasks.Manager) Job {
	return Job{
		Name: "stale-task-reap",
		Run: func(context.Context) (int, error) {
			return manager.CleanupStale(), nil
		},
	}
}

// SwarmJob releases claimed swarm tasks whose lease is older than maxAge.
func SwarmJob(store *swarm.Store, maxAge time.Duration) Job {
	return Job{
		Name: "swarm-lease-expiry",
		Run: func(ctx context.Context) (int, error) {
			return store.ExpireStaleLeases(ctx, maxAge)
		},
	}
}
