// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

// Package delegation parses DELEGATE directives out of agent responses and
// executes them as sub-calls, enforcing tier rules and cycle prevention.
package delegation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/logger"
	"github.com/sipeed/packclaw/pkg/permissions"
)

var delegateRe = regexp.MustCompile(`DELEGATE::([A-Za-z0-9_-]+)::(.+)`)

// Request is one parsed delegation directive.
type Request struct {
	FromAgentID     string
	ToAgentID       string
	Task            string
	OriginalContent string
}

// Decision is the outcome of a delegation permission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Result is the outcome of an executed delegation.
type Result struct {
	Success    bool
	Error      string
	Response   string
	DurationMS int64
}

// ExecuteFunc runs the delegated prompt on the target agent.
type ExecuteFunc func(toAgentID, prompt string) (response string, durationMS int64, err error)

// NotifyFunc posts a human-readable completion message.
type NotifyFunc func(text string)

// ParseDelegation extracts the first DELEGATE::<target>::<task> directive
// from a response. Nil when there is none. The task runs to the end of the
// directive's line; OriginalContent is the response with the directive cut
// out.
func ParseDelegation(fromAgentID, response string) *Request {
	loc := delegateRe.FindStringSubmatchIndex(response)
	if loc == nil {
		return nil
	}

	target := response[loc[2]:loc[3]]
	task := strings.TrimSpace(response[loc[4]:loc[5]])
	original := strings.TrimSpace(response[:loc[0]] + response[loc[1]:])

	return &Request{
		FromAgentID:     fromAgentID,
		ToAgentID:       target,
		Task:            task,
		OriginalContent: original,
	}
}

// Manager validates and executes delegations. Active pairs are tracked so
// a target cannot delegate back to its delegator while the first call is
// still running.
type Manager struct {
	mu     sync.Mutex
	agents map[string]config.AgentConfig
	active map[string]struct{}
}

func NewManager(agents []config.AgentConfig) *Manager {
	m := &Manager{active: make(map[string]struct{})}
	m.UpdateAgents(agents)
	return m
}

// UpdateAgents replaces the known-agent set. In-flight delegations keep
// the agent snapshot they validated against.
func (m *Manager) UpdateAgents(agents []config.AgentConfig) {
	byID := make(map[string]config.AgentConfig, len(agents))
	for _, a := range agents {
		byID[strings.ToLower(a.ID)] = a
	}
	m.mu.Lock()
	m.agents = byID
	m.mu.Unlock()
}

// IsDelegationAllowed checks one from→to pair against the tier rules,
// self-delegation, and the reverse-pair guard.
func (m *Manager) IsDelegationAllowed(fromID, toID string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decideLocked(fromID, toID)
}

func (m *Manager) decideLocked(fromID, toID string) Decision {
	from, ok := m.agents[strings.ToLower(fromID)]
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown agent %q", fromID)}
	}
	to, ok := m.agents[strings.ToLower(toID)]
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown agent %q", toID)}
	}
	if !to.Enabled() {
		return Decision{Reason: fmt.Sprintf("agent %s is disabled", to.ID)}
	}
	if !permissions.CanDelegate(from) {
		return Decision{Reason: fmt.Sprintf("agent %s cannot delegate (tier %d)", from.ID, from.EffectiveTier())}
	}
	if strings.EqualFold(from.ID, to.ID) {
		return Decision{Reason: fmt.Sprintf("agent %s cannot delegate to itself", from.ID)}
	}
	if _, reverse := m.active[pairKey(to.ID, from.ID)]; reverse {
		return Decision{Reason: fmt.Sprintf("reverse delegation blocked: %s is already delegating to %s", to.ID, from.ID)}
	}
	return Decision{Allowed: true}
}

// ExecuteDelegation validates the request, runs it through execute, and
// notifies on completion. The active pair is cleared whether the sub-call
// succeeds or fails.
func (m *Manager) ExecuteDelegation(req *Request, execute ExecuteFunc, notify NotifyFunc) Result {
	m.mu.Lock()
	decision := m.decideLocked(req.FromAgentID, req.ToAgentID)
	if !decision.Allowed {
		m.mu.Unlock()
		logger.WarnCF("delegation", "Delegation rejected", map[string]any{
			"from":   req.FromAgentID,
			"to":     req.ToAgentID,
			"reason": decision.Reason,
		})
		return Result{Error: decision.Reason}
	}

	from := m.agents[strings.ToLower(req.FromAgentID)]
	to := m.agents[strings.ToLower(req.ToAgentID)]
	key := pairKey(from.ID, to.ID)
	m.active[key] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
	}()

	prompt := buildDelegatedPrompt(from, req.Task)
	response, durationMS, err := execute(to.ID, prompt)
	if err != nil {
		logger.ErrorCF("delegation", "Delegated task failed", map[string]any{
			"from":  from.ID,
			"to":    to.ID,
			"error": err.Error(),
		})
		return Result{Error: err.Error()}
	}

	if notify != nil {
		notify(fmt.Sprintf("%s completed a task delegated by %s (%.1fs)",
			displayName(to), displayName(from), float64(durationMS)/1000))
	}
	return Result{Success: true, Response: response, DurationMS: durationMS}
}

// ActiveDelegationCount reports how many delegations are in flight.
func (m *Manager) ActiveDelegationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func buildDelegatedPrompt(from config.AgentConfig, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Delegated task from %s]\n", displayName(from))
	b.WriteString(task)
	b.WriteString("\n\nComplete this task yourself. Do NOT delegate further.")
	return b.String()
}

func displayName(a config.AgentConfig) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}

func pairKey(fromID, toID string) string {
	return strings.ToLower(fromID) + "->" + strings.ToLower(toID)
}
