// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package swarm

import (
	"context"
	"fmt"
)

// TaskSpec is one task in a batch creation request, typically decoded from
// a JSON plan file. Key lets later specs in the same batch reference this
// one in depends_on before any task id exists.
type TaskSpec struct {
	Key         string   `json:"key,omitempty"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Wave        int      `json:"wave,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	FilesOwned  []string `json:"files_owned,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// SessionStats summarizes one session's task counts.
type SessionStats struct {
	SessionID string `json:"session_id"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Waves     int    `json:"waves"`
}

// Done reports whether no open work remains.
func (s SessionStats) Done() bool {
	return s.Pending == 0 && s.Claimed == 0
}

// Manager layers session-level operations over the task store: batch
// creation with key resolution, listing, and per-session stats.
type Manager struct {
	store *Store
}

func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Store exposes the underlying task store.
func (m *Manager) Store() *Store { return m.store }

// AddTask creates a single task in a session.
func (m *Manager) AddTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	return m.store.CreateTask(ctx, p)
}

// CreateTasks inserts a batch of tasks in a session. Entries in a spec's
// DependsOn that match another spec's Key are rewritten to the generated
// task id; everything else is passed through as a literal task id.
func (m *Manager) CreateTasks(ctx context.Context, sessionID string, specs []TaskSpec) ([]*Task, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("create tasks: empty session id")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("create tasks: no tasks given")
	}

	keys := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Key == "" {
			continue
		}
		if keys[spec.Key] {
			return nil, fmt.Errorf("create tasks: duplicate key %q", spec.Key)
		}
		keys[spec.Key] = true
	}

	idByKey := make(map[string]string, len(specs))
	tasks := make([]*Task, 0, len(specs))
	for _, spec := range specs {
		deps := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if id, ok := idByKey[dep]; ok {
				deps = append(deps, id)
				continue
			}
			if keys[dep] {
				return nil, fmt.Errorf("create tasks: %q depends on %q which is declared later", spec.Key, dep)
			}
			deps = append(deps, dep)
		}

		t, err := m.store.CreateTask(ctx, CreateTaskParams{
			SessionID:   sessionID,
			Description: spec.Description,
			Category:    spec.Category,
			Wave:        spec.Wave,
			Priority:    spec.Priority,
			FilesOwned:  spec.FilesOwned,
			DependsOn:   deps,
		})
		if err != nil {
			return nil, err
		}
		if spec.Key != "" {
			idByKey[spec.Key] = t.ID
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Tasks returns all tasks in a session in execution order.
func (m *Manager) Tasks(ctx context.Context, sessionID string) ([]*Task, error) {
	return m.store.GetTasksBySession(ctx, sessionID)
}

// Stats computes the task counts for one session.
func (m *Manager) Stats(ctx context.Context, sessionID string) (SessionStats, error) {
	tasks, err := m.store.GetTasksBySession(ctx, sessionID)
	if err != nil {
		return SessionStats{}, err
	}
	return statsFor(sessionID, tasks), nil
}

// Sessions returns stats for every session in the store.
func (m *Manager) Sessions(ctx context.Context) ([]SessionStats, error) {
	ids, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionStats, 0, len(ids))
	for _, id := range ids {
		stats, err := m.Stats(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

func statsFor(sessionID string, tasks []*Task) SessionStats {
	stats := SessionStats{SessionID: sessionID, Total: len(tasks)}
	waves := make(map[int]bool)
	for _, t := range tasks {
		waves[t.Wave] = true
		switch t.Status {
		case TaskPending:
			stats.Pending++
		case TaskClaimed:
			stats.Claimed++
		case TaskCompleted:
			stats.Completed++
		case TaskFailed:
			stats.Failed++
		}
	}
	stats.Waves = len(waves)
	return stats
}
