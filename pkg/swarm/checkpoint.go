// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Checkpoint is a point-in-time JSON snapshot of one session, enough to
// inspect or resume it without the database.
type Checkpoint struct {
	SessionID string       `json:"session_id"`
	SavedAt   time.Time    `json:"saved_at"`
	Stats     SessionStats `json:"stats"`
	Tasks     []*Task      `json:"tasks"`
}

// CheckpointStore writes session checkpoints as one JSON file per session.
// Checkpoints may hold task descriptions and results, so files are 0600
// inside a 0700 directory.
type CheckpointStore struct {
	dir   string
	store *Store
	now   func() time.Time
}

func NewCheckpointStore(dir string, store *Store) *CheckpointStore {
	return &CheckpointStore{dir: dir, store: store, now: time.Now}
}

// Save snapshots the session's tasks and stats to <dir>/<sessionID>.json.
func (cs *CheckpointStore) Save(ctx context.Context, sessionID string) error {
	tasks, err := cs.store.GetTasksBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", sessionID, err)
	}

	cp := Checkpoint{
		SessionID: sessionID,
		SavedAt:   cs.now(),
		Stats:     statsFor(sessionID, tasks),
		Tasks:     tasks,
	}
	return cs.write(sessionID, cp)
}

// Load reads a previously saved checkpoint.
func (cs *CheckpointStore) Load(sessionID string) (*Checkpoint, error) {
	path, err := cs.pathFor(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", sessionID, err)
	}
	return &cp, nil
}

// List returns the session ids that have a checkpoint on disk.
func (cs *CheckpointStore) List() ([]string, error) {
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	return out, nil
}

func (cs *CheckpointStore) pathFor(sessionID string) (string, error) {
	filename := strings.ReplaceAll(sessionID, ":", "_")
	// filepath.IsLocal rejects empty names, "..", and absolute paths; the
	// extra checks keep the file directly inside cs.dir.
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return "", os.ErrInvalid
	}
	return filepath.Join(cs.dir, filename+".json"), nil
}

func (cs *CheckpointStore) write(sessionID string, cp Checkpoint) error {
	path, err := cs.pathFor(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cs.dir, 0o700); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(cs.dir, "checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
