// PackClaw - Multi-agent orchestration core
// License: MIT

package msgqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/packclaw/pkg/logger"
)

// Entry is one pending prompt for an agent.
type Entry struct {
	Prompt     string
	Channel    string
	Thread     string
	Source     string
	EnqueuedAt time.Time
	RetryCount int
}

// Sender is the slice of a process handle the queue needs.
type Sender interface {
	SendMessage(ctx context.Context, prompt string) (string, error)
}

// DeliverFunc receives each successfully answered entry.
type DeliverFunc func(agentID string, entry Entry, response string)

// Options tunes queue bounds. Zero values pick the defaults.
type Options struct {
	MaxPerAgent int           // default 5
	TTL         time.Duration // default 20 minutes
	MaxRetries  int           // default 3
}

// Queue holds per-agent FIFOs of pending prompts. Entries expire after TTL
// and queues are capped by dropping the oldest entry, never the newest.
type Queue struct {
	mu         sync.Mutex
	queues     map[string][]Entry
	maxSize    int
	ttl        time.Duration
	maxRetries int
}

func New(opts Options) *Queue {
	if opts.MaxPerAgent <= 0 {
		opts.MaxPerAgent = 5
	}
	if opts.TTL <= 0 {
		opts.TTL = 20 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Queue{
		queues:     make(map[string][]Entry),
		maxSize:    opts.MaxPerAgent,
		ttl:        opts.TTL,
		maxRetries: opts.MaxRetries,
	}
}

// Enqueue appends an entry to the agent's queue, evicting the oldest entry
// when the cap is reached.
func (q *Queue) Enqueue(agentID string, e Entry) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[agentID]
	if len(queue) >= q.maxSize {
		dropped := queue[0]
		queue = queue[1:]
		logger.WarnCF("msgqueue", "Queue full, dropping oldest", map[string]any{
			"agent":   agentID,
			"channel": dropped.Channel,
		})
	}
	q.queues[agentID] = append(queue, e)
}

// Drain delivers queued prompts to the process in FIFO order. Expired
// entries are discarded. A "busy" send puts the entry back at the front
// with its retry count bumped and stops the drain; an entry that has
// exhausted its retries is dropped without delivery. Other send errors
// discard the entry and move on.
func (q *Queue) Drain(ctx context.Context, agentID string, proc Sender, deliver DeliverFunc) {
	for {
		entry, ok := q.pop(agentID)
		if !ok {
			return
		}

		if time.Since(entry.EnqueuedAt) > q.ttl {
			logger.InfoCF("msgqueue", "Discarding expired entry", map[string]any{
				"agent":   agentID,
				"age_min": int(time.Since(entry.EnqueuedAt).Minutes()),
			})
			continue
		}

		response, err := proc.SendMessage(ctx, entry.Prompt)
		if err == nil {
			if deliver != nil {
				deliver(agentID, entry, response)
			}
			continue
		}

		if isBusy(err) {
			entry.RetryCount++
			if entry.RetryCount >= q.maxRetries {
				logger.WarnCF("msgqueue", "Dropping entry after repeated busy", map[string]any{
					"agent":   agentID,
					"retries": entry.RetryCount,
				})
				return
			}
			q.pushFront(agentID, entry)
			return
		}

		logger.ErrorCF("msgqueue", "Send failed, discarding entry", map[string]any{
			"agent": agentID,
			"error": err.Error(),
		})
	}
}

// QueueSize reports the number of pending entries for one agent.
func (q *Queue) QueueSize(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[agentID])
}

// TotalSize reports pending entries across all agents.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// ClearExpired purges entries older than the TTL across all agents and
// returns the count removed.
func (q *Queue) ClearExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	now := time.Now()
	for agentID, queue := range q.queues {
		kept := queue[:0]
		for _, e := range queue {
			if now.Sub(e.EnqueuedAt) > q.ttl {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(q.queues, agentID)
		} else {
			q.queues[agentID] = kept
		}
	}
	return removed
}

// ClearAll empties every queue.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[string][]Entry)
}

func (q *Queue) pop(agentID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[agentID]
	if len(queue) == 0 {
		return Entry{}, false
	}
	entry := queue[0]
	q.queues[agentID] = queue[1:]
	return entry, true
}

func (q *Queue) pushFront(agentID string, e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[agentID] = append([]Entry{e}, q.queues[agentID]...)
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busy")
}
