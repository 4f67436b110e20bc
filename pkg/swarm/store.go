// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

// Package swarm persists and executes multi-wave task sessions. Tasks live
// in a single SQLite table; claims are atomic conditional updates, so any
// number of runners can share one database file.
package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one persisted swarm task. Category doubles as the agent id that
// should execute it.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Wave        int        `json:"wave"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	ClaimedAt   time.Time  `json:"claimed_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	FilesOwned  []string   `json:"files_owned,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Result      string     `json:"result,omitempty"`
}

// CreateTaskParams is the caller-supplied part of a new task.
type CreateTaskParams struct {
	SessionID   string
	Description string
	Category    string
	Wave        int
	Priority    int
	FilesOwned  []string
	DependsOn   []string
}

const schema = `
CREATE TABLE IF NOT EXISTS swarm_tasks (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	description  TEXT NOT NULL,
	category     TEXT NOT NULL,
	wave         INTEGER NOT NULL DEFAULT 1,
	priority     INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	claimed_by   TEXT,
	claimed_at   INTEGER,
	completed_at INTEGER,
	files_owned  TEXT NOT NULL DEFAULT '[]',
	depends_on   TEXT NOT NULL DEFAULT '[]',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	result       TEXT
);
CREATE INDEX IF NOT EXISTS idx_swarm_tasks_session ON swarm_tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_swarm_tasks_status ON swarm_tasks(status);
CREATE INDEX IF NOT EXISTS idx_swarm_tasks_wave ON swarm_tasks(wave);
`

const taskColumns = `id, session_id, description, category, wave, priority, status,
	claimed_by, claimed_at, completed_at, files_owned, depends_on, retry_count, result`

// Store wraps the swarm database. All multi-step flows are composed of
// single atomic statements; there are no long transactions to contend on.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (creating if needed) the swarm database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create swarm db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open swarm db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init swarm schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateTask inserts a pending task and returns it with its generated id.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("create task: empty session id")
	}
	wave := p.Wave
	if wave <= 0 {
		wave = 1
	}

	t := &Task{
		ID:          "sw_" + uuid.NewString()[:8],
		SessionID:   p.SessionID,
		Description: p.Description,
		Category:    p.Category,
		Wave:        wave,
		Priority:    p.Priority,
		Status:      TaskPending,
		FilesOwned:  p.FilesOwned,
		DependsOn:   p.DependsOn,
	}

	files, err := json.Marshal(stringsOrEmpty(t.FilesOwned))
	if err != nil {
		return nil, err
	}
	deps, err := json.Marshal(stringsOrEmpty(t.DependsOn))
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO swarm_tasks (id, session_id, description, category, wave, priority, status, files_owned, depends_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Description, t.Category, t.Wave, t.Priority, string(TaskPending), string(files), string(deps))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM swarm_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ClaimTask flips a pending task to claimed for one claimer. The WHERE
// clause is the whole race: exactly one concurrent claim sees a row change.
func (s *Store) ClaimTask(ctx context.Context, id, claimer string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE swarm_tasks SET status = ?, claimed_by = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		string(TaskClaimed), claimer, s.now().UnixMilli(), id, string(TaskPending))
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteTask marks a task completed and stores its result.
func (s *Store) CompleteTask(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE swarm_tasks SET status = ?, completed_at = ?, result = ? WHERE id = ?`,
		string(TaskCompleted), s.now().UnixMilli(), result, id)
	return err
}

// FailTask marks a task failed and stores the failure text.
func (s *Store) FailTask(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE swarm_tasks SET status = ?, completed_at = ?, result = ? WHERE id = ?`,
		string(TaskFailed), s.now().UnixMilli(), result, id)
	return err
}

// DeferTask puts a claimed task back to pending without charging a retry.
// Used when execution could not start at all.
func (s *Store) DeferTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE swarm_tasks SET status = ?, claimed_by = NULL, claimed_at = NULL WHERE id = ? AND status = ?`,
		string(TaskPending), id, string(TaskClaimed))
	if err != nil {
		return false, fmt.Errorf("defer task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RetryTask puts a claimed or failed task back to pending and increments
// its retry count.
func (s *Store) RetryTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE swarm_tasks SET status = ?, claimed_by = NULL, claimed_at = NULL, retry_count = retry_count + 1
		 WHERE id = ? AND status IN (?, ?)`,
		string(TaskPending), id, string(TaskClaimed), string(TaskFailed))
	if err != nil {
		return false, fmt.Errorf("retry task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetTasksBySession returns every task in the session, wave ascending and
// priority descending within a wave.
func (s *Store) GetTasksBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM swarm_tasks WHERE session_id = ? ORDER BY wave ASC, priority DESC, id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetPendingTasks returns pending tasks for a session, optionally narrowed
// to one wave, in the same ordering as GetTasksBySession.
func (s *Store) GetPendingTasks(ctx context.Context, sessionID string, wave *int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM swarm_tasks WHERE session_id = ? AND status = ?`
	args := []any{sessionID, string(TaskPending)}
	if wave != nil {
		query += ` AND wave = ?`
		args = append(args, *wave)
	}
	query += ` ORDER BY wave ASC, priority DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListSessions returns the distinct session ids present in the store,
// oldest first by first task id.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM swarm_tasks GROUP BY session_id ORDER BY MIN(id) ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountOpen reports how many tasks in the session are pending or claimed.
func (s *Store) CountOpen(ctx context.Context, sessionID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM swarm_tasks WHERE session_id = ? AND status IN (?, ?)`,
		sessionID, string(TaskPending), string(TaskClaimed))
	var n int
	err := row.Scan(&n)
	return n, err
}

// ExpireStaleLeases resets claimed tasks whose lease is older than maxAge
// back to pending. Terminal tasks are never touched.
func (s *Store) ExpireStaleLeases(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE swarm_tasks SET status = ?, claimed_by = NULL, claimed_at = NULL
		 WHERE status = ? AND claimed_at < ?`,
		string(TaskPending), string(TaskClaimed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale leases: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var claimedBy, result sql.NullString
	var claimedAt, completedAt sql.NullInt64
	var files, deps string

	err := row.Scan(&t.ID, &t.SessionID, &t.Description, &t.Category, &t.Wave, &t.Priority, &t.Status,
		&claimedBy, &claimedAt, &completedAt, &files, &deps, &t.RetryCount, &result)
	if err != nil {
		return nil, err
	}
	fillTask(&t, claimedBy, claimedAt, completedAt, files, deps, result)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var t Task
		var claimedBy, result sql.NullString
		var claimedAt, completedAt sql.NullInt64
		var files, deps string

		err := rows.Scan(&t.ID, &t.SessionID, &t.Description, &t.Category, &t.Wave, &t.Priority, &t.Status,
			&claimedBy, &claimedAt, &completedAt, &files, &deps, &t.RetryCount, &result)
		if err != nil {
			return nil, err
		}
		fillTask(&t, claimedBy, claimedAt, completedAt, files, deps, result)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func fillTask(t *Task, claimedBy sql.NullString, claimedAt, completedAt sql.NullInt64, files, deps string, result sql.NullString) {
	t.ClaimedBy = claimedBy.String
	t.Result = result.String
	if claimedAt.Valid {
		t.ClaimedAt = time.UnixMilli(claimedAt.Int64)
	}
	if completedAt.Valid {
		t.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	json.Unmarshal([]byte(files), &t.FilesOwned)
	json.Unmarshal([]byte(deps), &t.DependsOn)
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
