// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package ultrawork

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Phase is where a session is in its lifecycle. Freeform sessions go
// straight to building; phased sessions walk planning, building and
// retrospective in order.
type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhaseBuilding      Phase = "building"
	PhaseRetrospective Phase = "retrospective"
	PhaseCompleted     Phase = "completed"
)

// Step records one turn of a session: a lead response, a delegated
// sub-call, an interceptor run, or a synthesis turn.
type Step struct {
	AgentID    string `json:"agent_id"`
	Action     string `json:"action"`
	Summary    string `json:"summary"`
	DurationMS int64  `json:"duration_ms"`
	Delegated  bool   `json:"delegated,omitempty"`
}

// Session is one multi-step run led by a tier-1 agent on a channel.
type Session struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	LeadAgent string    `json:"lead_agent"`
	Task      string    `json:"task"`
	Phased    bool      `json:"phased"`
	Phase     Phase     `json:"phase"`
	Agents    []string  `json:"agents"`
	Steps     []Step    `json:"steps"`
	// RebuildCount tracks retrospective-triggered re-entries into the
	// building phase; at most one is allowed.
	RebuildCount int       `json:"rebuild_count,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StepsInPhase counts the session's steps recorded with the given action
// prefix, used to enforce per-phase caps.
func (s *Session) StepsInPhase(actions ...string) int {
	n := 0
	for _, st := range s.Steps {
		for _, a := range actions {
			if st.Action == a {
				n++
				break
			}
		}
	}
	return n
}

type progressFile struct {
	SessionID string    `json:"session_id"`
	Phase     Phase     `json:"phase"`
	Steps     []Step    `json:"steps"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateStore persists sessions under <base>/<sessionID>/ as session.json
// plus the per-phase artifacts plan.md, progress.json and retrospective.md.
type StateStore struct {
	base string
}

func NewStateStore(base string) *StateStore {
	return &StateStore{base: base}
}

// SaveSession writes the session record itself.
func (ss *StateStore) SaveSession(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return ss.writeFile(sess.ID, "session.json", data)
}

// LoadSession reads a previously saved session record.
func (ss *StateStore) LoadSession(sessionID string) (*Session, error) {
	dir, err := ss.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// SavePlan writes the planning phase's final plan text.
func (ss *StateStore) SavePlan(sessionID, text string) error {
	return ss.writeFile(sessionID, "plan.md", []byte(text))
}

// SaveProgress writes the building phase's step log.
func (ss *StateStore) SaveProgress(sess *Session) error {
	data, err := json.MarshalIndent(progressFile{
		SessionID: sess.ID,
		Phase:     sess.Phase,
		Steps:     sess.Steps,
		UpdatedAt: sess.UpdatedAt,
	}, "", "  ")
	if err != nil {
		return err
	}
	return ss.writeFile(sess.ID, "progress.json", data)
}

// SaveRetrospective writes the retrospective phase's output.
func (ss *StateStore) SaveRetrospective(sessionID, text string) error {
	return ss.writeFile(sessionID, "retrospective.md", []byte(text))
}

// List returns the session ids that have state on disk.
func (ss *StateStore) List() ([]string, error) {
	entries, err := os.ReadDir(ss.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (ss *StateStore) sessionDir(sessionID string) (string, error) {
	name := strings.ReplaceAll(sessionID, ":", "_")
	// filepath.IsLocal rejects empty names, "..", and absolute paths; the
	// extra checks keep the directory directly inside ss.base.
	if name == "." || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return "", os.ErrInvalid
	}
	return filepath.Join(ss.base, name), nil
}

func (ss *StateStore) writeFile(sessionID, filename string, data []byte) error {
	dir, err := ss.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filename+"-*.tmp")
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

	if err := os.Rename(tmpPath, filepath.Join(dir, filename)); err != nil {
		return err
	}
	cleanup = false
	return nil
}
