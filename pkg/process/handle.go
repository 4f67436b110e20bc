// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/packclaw/pkg/logger"
)

// ErrBusy is returned when a send overlaps an in-flight exchange. Callers
// match it by the "busy" substring, so the text is part of the contract.
var ErrBusy = errors.New("process busy")

// Response is one line of subprocess output.
type Response struct {
	Response  string         `json:"response"`
	Usage     map[string]any `json:"usage,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// SpawnSpec describes how to start one agent subprocess.
type SpawnSpec struct {
	AgentID         string
	Channel         string
	Command         string
	Args            []string
	Env             map[string]string
	WorkDir         string
	ResponseTimeout time.Duration
}

// Process is a long-lived agent subprocess spoken to over stdin/stdout:
// one request line in, one JSON response line out. A Process answers one
// exchange at a time; overlapping sends fail with ErrBusy.
type Process struct {
	id      string
	agentID string
	channel string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	exchangeMu sync.Mutex
	respCh     chan Response

	ready  atomic.Bool
	closed atomic.Bool

	sessionMu sync.Mutex
	sessionID string

	respTimeout time.Duration
	stopOnce    sync.Once
	waitDone    chan struct{}
}

// Spawn starts the subprocess described by spec. The spec env is merged
// over the inherited environment, so PATH and friends survive.
func Spawn(spec SpawnSpec) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("spawn: empty command")
	}
	if spec.ResponseTimeout <= 0 {
		spec.ResponseTimeout = 120 * time.Second
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &Process{
		id:          uuid.NewString()[:8],
		agentID:     spec.AgentID,
		channel:     spec.Channel,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      bufio.NewReader(stdout),
		respCh:      make(chan Response, 1),
		respTimeout: spec.ResponseTimeout,
		waitDone:    make(chan struct{}),
	}
	p.ready.Store(true)

	go p.readLoop()
	go p.monitorStderr(stderr)
	go p.waitOnExit()

	logger.InfoCF("process", "Spawned agent process", map[string]any{
		"agent":   spec.AgentID,
		"channel": spec.Channel,
		"proc":    p.id,
		"pid":     cmd.Process.Pid,
	})
	return p, nil
}

func (p *Process) ID() string      { return p.id }
func (p *Process) AgentID() string { return p.agentID }
func (p *Process) Channel() string { return p.channel }

// SessionID reports the most recent session id the subprocess announced.
func (p *Process) SessionID() string {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	return p.sessionID
}

// IsReady reports whether the process can accept an exchange.
func (p *Process) IsReady() bool {
	return p.ready.Load() && !p.closed.Load()
}

// SendMessage writes one prompt line and blocks for the matching response
// line. Embedded newlines are escaped so the line framing holds.
func (p *Process) SendMessage(ctx context.Context, prompt string) (string, error) {
	if !p.IsReady() {
		return "", fmt.Errorf("process %s not ready", p.id)
	}
	if !p.exchangeMu.TryLock() {
		return "", fmt.Errorf("%w: %s", ErrBusy, p.id)
	}
	defer p.exchangeMu.Unlock()

	line := strings.ReplaceAll(prompt, "\n", "\\n")
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		p.ready.Store(false)
		return "", fmt.Errorf("write to process %s: %w", p.id, err)
	}

	timer := time.NewTimer(p.respTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-p.respCh:
		if !ok {
			return "", fmt.Errorf("process %s exited mid-exchange", p.id)
		}
		if resp.SessionID != "" {
			p.sessionMu.Lock()
			p.sessionID = resp.SessionID
			p.sessionMu.Unlock()
		}
		return resp.Response, nil
	case <-timer.C:
		// The pending response can no longer be paired with a request;
		// poison the handle so the pool retires it.
		p.ready.Store(false)
		return "", fmt.Errorf("process %s response timeout after %s", p.id, p.respTimeout)
	case <-ctx.Done():
		p.ready.Store(false)
		return "", ctx.Err()
	}
}

// readLoop parses stdout line by line. Non-JSON lines are subprocess noise
// and are logged at debug level, not treated as responses.
func (p *Process) readLoop() {
	defer close(p.respCh)
	for {
		raw, err := p.stdout.ReadBytes('\n')
		if len(raw) > 0 {
			var resp Response
			if jsonErr := json.Unmarshal(raw, &resp); jsonErr == nil {
				p.respCh <- resp
			} else {
				logger.DebugCF("process", "Skipping non-JSON output line", map[string]any{
					"proc": p.id,
				})
			}
		}
		if err != nil {
			p.ready.Store(false)
			return
		}
	}
}

func (p *Process) monitorStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.DebugCF("process", "stderr", map[string]any{
			"proc": p.id,
			"line": scanner.Text(),
		})
	}
}

func (p *Process) waitOnExit() {
	err := p.cmd.Wait()
	p.ready.Store(false)
	close(p.waitDone)
	if err != nil && !p.closed.Load() {
		logger.WarnCF("process", "Agent process exited", map[string]any{
			"agent": p.agentID,
			"proc":  p.id,
			"error": err.Error(),
		})
	}
}

// Stop closes stdin and waits briefly for a clean exit before killing.
// Safe to call more than once.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		p.ready.Store(false)
		p.stdin.Close()

		select {
		case <-p.waitDone:
		case <-time.After(5 * time.Second):
			logger.WarnCF("process", "Process did not exit, killing", map[string]any{
				"proc": p.id,
			})
			p.cmd.Process.Kill()
			<-p.waitDone
		}
	})
}
