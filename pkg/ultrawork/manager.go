// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

// Package ultrawork drives multi-step sessions led by a tier-1 agent,
// either freeform (prompt until the response is complete) or phased
// (planning, building, retrospective with explicit markers).
package ultrawork

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/delegation"
	"github.com/sipeed/packclaw/pkg/logger"
	"github.com/sipeed/packclaw/pkg/utils"
)

// Phase markers the lead agent uses to drive transitions.
const (
	MarkerPlanComplete    = "PLAN_COMPLETE"
	MarkerBuildComplete   = "BUILD_COMPLETE"
	MarkerRetroComplete   = "RETRO_COMPLETE"
	MarkerRetroIncomplete = "RETRO_INCOMPLETE"
)

// Step action tags.
const (
	ActionRespond          = "respond"
	ActionPlanning         = "planning"
	ActionBuilding         = "building"
	ActionRetrospective    = "retrospective"
	ActionDelegation       = "delegation"
	ActionCouncilExecution = "council_execution"
	ActionPlanSynthesis    = "plan_synthesis"
)

const summaryLimit = 200

// AgentCaller sends one prompt to an agent on a channel and returns the
// agent's response.
type AgentCaller func(ctx context.Context, agentID, channel, prompt string) (string, error)

// Interceptor handles a named block found in a planning response (for
// example council_plan) and returns material for a synthesis turn.
type Interceptor func(ctx context.Context, body string) (string, error)

// Manager owns the active sessions, one per channel, and runs their loops.
type Manager struct {
	cfg      *config.Config
	store    *StateStore
	delegate *delegation.Manager
	enforcer *delegation.Enforcer
	call     AgentCaller

	mu           sync.Mutex
	sessions     map[string]*Session
	interceptors map[string]Interceptor
	notify       func(channel, text string)
	now          func() time.Time
}

// NewManager wires a session manager. store may be nil to disable
// persistence.
func NewManager(cfg *config.Config, store *StateStore, delegate *delegation.Manager, enforcer *delegation.Enforcer, call AgentCaller) *Manager {
	return &Manager{
		cfg:          cfg,
		store:        store,
		delegate:     delegate,
		enforcer:     enforcer,
		call:         call,
		sessions:     make(map[string]*Session),
		interceptors: make(map[string]Interceptor),
		now:          time.Now,
	}
}

// SetNotify registers a chat callback for delegation completion messages.
func (m *Manager) SetNotify(fn func(channel, text string)) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

// RegisterInterceptor installs a handler for ```<name> blocks in planning
// responses.
func (m *Manager) RegisterInterceptor(name string, fn Interceptor) {
	m.mu.Lock()
	m.interceptors[name] = fn
	m.mu.Unlock()
}

// StartSession registers a session on a channel. The lead must be a known,
// enabled tier-1 agent and the channel must not already have a session.
func (m *Manager) StartSession(channel, leadID, task string, phased bool) (*Session, error) {
	agent, ok := m.cfg.GetAgent(leadID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", leadID)
	}
	if !agent.Enabled() {
		return nil, fmt.Errorf("agent %q is disabled", agent.ID)
	}
	if agent.EffectiveTier() != 1 {
		return nil, fmt.Errorf("agent %q is tier %d, sessions need a tier-1 lead", agent.ID, agent.EffectiveTier())
	}

	phase := PhaseBuilding
	if phased {
		phase = PhasePlanning
	}

	m.mu.Lock()
	if cur, exists := m.sessions[channel]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("channel %s already has session %s", channel, cur.ID)
	}
	sess := &Session{
		ID:        "uw_" + uuid.NewString()[:8],
		Channel:   channel,
		LeadAgent: agent.ID,
		Task:      task,
		Phased:    phased,
		Phase:     phase,
		Agents:    []string{agent.ID},
		StartedAt: m.now(),
		UpdatedAt: m.now(),
	}
	m.sessions[channel] = sess
	snap := copySession(sess)
	m.mu.Unlock()

	m.persistSession(sess)
	logger.InfoCF("ultrawork", "Session started", map[string]any{
		"session": sess.ID,
		"channel": channel,
		"lead":    agent.ID,
		"phased":  phased,
	})
	return snap, nil
}

// StopSession removes the channel's active session. A running loop
// observes the missing record on its next iteration and exits.
func (m *Manager) StopSession(channel string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[channel]
	if ok {
		delete(m.sessions, channel)
	}
	m.mu.Unlock()

	if ok {
		logger.InfoCF("ultrawork", "Session stopped", map[string]any{
			"session": sess.ID,
			"channel": channel,
		})
	}
	return ok
}

// ActiveSession returns a snapshot of the channel's session.
func (m *Manager) ActiveSession(channel string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[channel]
	if !ok {
		return nil, false
	}
	return copySession(sess), true
}

// Sessions returns snapshots of every active session.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ShouldContinue reports whether the session is still active and under its
// caps. Phased sessions enforce step caps per phase, so only the duration
// cap applies here; freeform sessions also check the total step cap.
func (m *Manager) ShouldContinue(sess *Session) bool {
	if !m.withinSession(sess) {
		return false
	}
	if sess.Phased {
		return true
	}
	maxSteps := m.cfg.UltraWork.MaxSteps
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[sess.Channel]
	return ok && (maxSteps <= 0 || len(cur.Steps) < maxSteps)
}

// RunSession drives the channel's session to its end: completion, cap,
// stop, or context cancellation. It returns the final session snapshot.
func (m *Manager) RunSession(ctx context.Context, channel string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[channel]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no active session on channel %s", channel)
	}

	if sess.Phased {
		m.runPhased(ctx, sess)
	} else {
		m.runFreeform(ctx, sess)
	}
	return m.finishSession(sess), nil
}

func (m *Manager) runFreeform(ctx context.Context, sess *Session) {
	agent, _ := m.cfg.GetAgent(sess.LeadAgent)
	prompt := freeformPrompt(sess.Task)

	for ctx.Err() == nil && m.ShouldContinue(sess) {
		response, durationMS, err := m.callLead(ctx, sess, prompt)
		if err != nil {
			m.recordCallError(sess, ActionRespond, durationMS, err)
			return
		}
		m.recordStep(sess, Step{
			AgentID:    sess.LeadAgent,
			Action:     ActionRespond,
			Summary:    utils.Truncate(response, summaryLimit),
			DurationMS: durationMS,
		})

		if req := delegation.ParseDelegation(sess.LeadAgent, response); req != nil {
			result := m.runDelegation(ctx, sess, req)
			if result.Success {
				prompt = fmt.Sprintf("Result from %s:\n\n%s\n\nContinue the task. Reply DONE when it is fully complete.",
					req.ToAgentID, result.Response)
			} else {
				prompt = fmt.Sprintf("Delegation to %s failed: %s\n\nContinue the task yourself. Reply DONE when it is fully complete.",
					req.ToAgentID, result.Error)
			}
			continue
		}

		analysis := m.enforcer.AnalyzeResponse(agent, sess.Channel, response)
		if analysis.IsComplete || analysis.MaxRetriesReached {
			return
		}
		prompt = m.enforcer.BuildContinuationPrompt(response)
	}
}

func (m *Manager) runPhased(ctx context.Context, sess *Session) {
	planText := ""
	if m.phaseOf(sess) == PhasePlanning {
		text, ok := m.runPlanning(ctx, sess)
		if !ok {
			return
		}
		planText = text
	}

	for ctx.Err() == nil && m.withinSession(sess) {
		switch m.phaseOf(sess) {
		case PhaseBuilding:
			if !m.runBuilding(ctx, sess, planText) {
				return
			}
		case PhaseRetrospective:
			if !m.runRetro(ctx, sess) {
				return
			}
		default:
			return
		}
	}
}

// runPlanning prompts the lead until PLAN_COMPLETE or the planning cap,
// persists plan.md and moves the session to building. The returned text is
// the final plan.
func (m *Manager) runPlanning(ctx context.Context, sess *Session) (string, bool) {
	prompt := planningPrompt(sess.Task)
	limit := m.cfg.UltraWork.PlanningMaxSteps
	planText := ""

	for ctx.Err() == nil && m.withinSession(sess) &&
		m.underCap(sess, limit, ActionPlanning, ActionCouncilExecution, ActionPlanSynthesis) {
		response, durationMS, err := m.callLead(ctx, sess, prompt)
		if err != nil {
			m.recordCallError(sess, ActionPlanning, durationMS, err)
			return "", false
		}
		m.recordStep(sess, Step{
			AgentID:    sess.LeadAgent,
			Action:     ActionPlanning,
			Summary:    utils.Truncate(response, summaryLimit),
			DurationMS: durationMS,
		})
		planText = response

		synthesized, handled, err := m.runInterceptor(ctx, sess, response)
		if err != nil {
			return "", false
		}
		if handled {
			planText = synthesized
			response = synthesized
		}

		if strings.Contains(response, MarkerPlanComplete) {
			break
		}
		prompt = "Continue refining the plan. End with PLAN_COMPLETE when it is final."
	}

	if ctx.Err() != nil || !m.withinSession(sess) {
		return "", false
	}
	m.persistPlan(sess, stripMarker(planText, MarkerPlanComplete))
	m.setPhase(sess, PhaseBuilding)
	return planText, true
}

// runInterceptor checks the response for a registered interceptor block,
// runs the handler and feeds its output to a synthesis turn. handled is
// true when a block was found and synthesized; a handler failure is logged
// and treated as no block. A non-nil error means the synthesis call itself
// failed and the phase must stop.
func (m *Manager) runInterceptor(ctx context.Context, sess *Session, response string) (synth string, handled bool, err error) {
	name, fn, body, found := m.matchInterceptor(response)
	if !found {
		return "", false, nil
	}

	start := m.now()
	output, runErr := fn(ctx, body)
	durationMS := m.now().Sub(start).Milliseconds()
	summary := output
	if runErr != nil {
		summary = "failed: " + runErr.Error()
	}
	m.recordStep(sess, Step{
		AgentID:    name,
		Action:     ActionCouncilExecution,
		Summary:    utils.Truncate(summary, summaryLimit),
		DurationMS: durationMS,
	})
	if runErr != nil {
		logger.WarnCF("ultrawork", "Interceptor failed", map[string]any{
			"session":     sess.ID,
			"interceptor": name,
			"error":       runErr.Error(),
		})
		return "", false, nil
	}

	synth, synthDuration, err := m.callLead(ctx, sess, synthesisPrompt(name, output))
	if err != nil {
		m.recordCallError(sess, ActionPlanSynthesis, synthDuration, err)
		return "", false, err
	}
	m.recordStep(sess, Step{
		AgentID:    sess.LeadAgent,
		Action:     ActionPlanSynthesis,
		Summary:    utils.Truncate(synth, summaryLimit),
		DurationMS: synthDuration,
	})
	return synth, true, nil
}

func (m *Manager) matchInterceptor(response string) (string, Interceptor, string, bool) {
	m.mu.Lock()
	fns := make(map[string]Interceptor, len(m.interceptors))
	for name, fn := range m.interceptors {
		fns[name] = fn
	}
	m.mu.Unlock()

	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if body, ok := extractBlock(response, name); ok {
			return name, fns[name], body, true
		}
	}
	return "", nil, "", false
}

// runBuilding prompts the lead until BUILD_COMPLETE or the building cap.
// Delegation is allowed here; every step lands in progress.json.
func (m *Manager) runBuilding(ctx context.Context, sess *Session, planText string) bool {
	prompt := buildingPrompt(sess.Task, stripMarker(planText, MarkerPlanComplete))
	limit := m.cfg.UltraWork.BuildingMaxSteps

	for ctx.Err() == nil && m.withinSession(sess) &&
		m.underCap(sess, limit, ActionBuilding, ActionDelegation) {
		response, durationMS, err := m.callLead(ctx, sess, prompt)
		if err != nil {
			m.recordCallError(sess, ActionBuilding, durationMS, err)
			return false
		}
		m.recordStep(sess, Step{
			AgentID:    sess.LeadAgent,
			Action:     ActionBuilding,
			Summary:    utils.Truncate(response, summaryLimit),
			DurationMS: durationMS,
		})
		m.persistProgress(sess)

		if req := delegation.ParseDelegation(sess.LeadAgent, response); req != nil {
			result := m.runDelegation(ctx, sess, req)
			m.persistProgress(sess)
			if result.Success {
				prompt = fmt.Sprintf("Result from %s:\n\n%s\n\nContinue building. End with BUILD_COMPLETE when done.",
					req.ToAgentID, result.Response)
			} else {
				prompt = fmt.Sprintf("Delegation to %s failed: %s\n\nContinue building yourself. End with BUILD_COMPLETE when done.",
					req.ToAgentID, result.Error)
			}
			continue
		}

		if strings.Contains(response, MarkerBuildComplete) {
			break
		}
		prompt = "Continue building. End with BUILD_COMPLETE when done."
	}

	if ctx.Err() != nil || !m.withinSession(sess) {
		return false
	}
	m.setPhase(sess, PhaseRetrospective)
	return true
}

// runRetro prompts the lead for a retrospective. RETRO_INCOMPLETE re-enters
// building once; RETRO_COMPLETE (or the cap) finishes the session.
func (m *Manager) runRetro(ctx context.Context, sess *Session) bool {
	prompt := retroPrompt(sess.Task)
	limit := m.cfg.UltraWork.RetroMaxSteps
	retroText := ""

	for ctx.Err() == nil && m.withinSession(sess) &&
		m.underCap(sess, limit, ActionRetrospective) {
		response, durationMS, err := m.callLead(ctx, sess, prompt)
		if err != nil {
			m.recordCallError(sess, ActionRetrospective, durationMS, err)
			return false
		}
		m.recordStep(sess, Step{
			AgentID:    sess.LeadAgent,
			Action:     ActionRetrospective,
			Summary:    utils.Truncate(response, summaryLimit),
			DurationMS: durationMS,
		})
		retroText = response

		if strings.Contains(response, MarkerRetroIncomplete) && m.rebuildAllowed(sess) {
			m.setPhase(sess, PhaseBuilding)
			logger.InfoCF("ultrawork", "Retrospective sent session back to building", map[string]any{
				"session": sess.ID,
			})
			return true
		}
		if strings.Contains(response, MarkerRetroComplete) {
			break
		}
		prompt = "Continue the retrospective. End with RETRO_COMPLETE, or RETRO_INCOMPLETE if work remains."
	}

	if ctx.Err() != nil || !m.withinSession(sess) {
		return false
	}
	m.persistRetrospective(sess, stripMarker(retroText, MarkerRetroComplete))
	m.setPhase(sess, PhaseCompleted)
	return true
}

func (m *Manager) runDelegation(ctx context.Context, sess *Session, req *delegation.Request) delegation.Result {
	execute := func(toAgentID, prompt string) (string, int64, error) {
		start := m.now()
		response, err := m.call(ctx, toAgentID, sess.Channel, prompt)
		return response, m.now().Sub(start).Milliseconds(), err
	}

	var notify delegation.NotifyFunc
	m.mu.Lock()
	if m.notify != nil {
		fn := m.notify
		channel := sess.Channel
		notify = func(text string) { fn(channel, text) }
	}
	m.mu.Unlock()

	result := m.delegate.ExecuteDelegation(req, execute, notify)

	summary := result.Response
	if !result.Success {
		summary = "failed: " + result.Error
	}
	m.recordStep(sess, Step{
		AgentID:    req.ToAgentID,
		Action:     ActionDelegation,
		Summary:    utils.Truncate(summary, summaryLimit),
		DurationMS: result.DurationMS,
		Delegated:  true,
	})
	if result.Success {
		m.addAgent(sess, req.ToAgentID)
	}
	return result
}

func (m *Manager) callLead(ctx context.Context, sess *Session, prompt string) (string, int64, error) {
	start := m.now()
	response, err := m.call(ctx, sess.LeadAgent, sess.Channel, prompt)
	return response, m.now().Sub(start).Milliseconds(), err
}

// finishSession removes the session from the active set, stamps the
// terminal phase and persists the final record. Sessions already stopped
// keep the phase they were in.
func (m *Manager) finishSession(sess *Session) *Session {
	m.mu.Lock()
	cur, ok := m.sessions[sess.Channel]
	active := ok && cur.ID == sess.ID
	if active {
		delete(m.sessions, sess.Channel)
		sess.Phase = PhaseCompleted
		sess.UpdatedAt = m.now()
	}
	snap := copySession(sess)
	m.mu.Unlock()

	if active {
		m.persistSession(sess)
		m.persistProgress(sess)
		logger.InfoCF("ultrawork", "Session finished", map[string]any{
			"session": sess.ID,
			"channel": sess.Channel,
			"steps":   len(snap.Steps),
		})
	}
	return snap
}

func (m *Manager) recordStep(sess *Session, step Step) {
	m.mu.Lock()
	sess.Steps = append(sess.Steps, step)
	sess.UpdatedAt = m.now()
	m.mu.Unlock()
}

func (m *Manager) recordCallError(sess *Session, action string, durationMS int64, err error) {
	logger.ErrorCF("ultrawork", "Lead call failed", map[string]any{
		"session": sess.ID,
		"agent":   sess.LeadAgent,
		"error":   err.Error(),
	})
	m.recordStep(sess, Step{
		AgentID:    sess.LeadAgent,
		Action:     action,
		Summary:    "error: " + err.Error(),
		DurationMS: durationMS,
	})
}

func (m *Manager) addAgent(sess *Session, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range sess.Agents {
		if strings.EqualFold(id, agentID) {
			return
		}
	}
	sess.Agents = append(sess.Agents, agentID)
}

func (m *Manager) phaseOf(sess *Session) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sess.Phase
}

func (m *Manager) setPhase(sess *Session, phase Phase) {
	m.mu.Lock()
	sess.Phase = phase
	sess.UpdatedAt = m.now()
	m.mu.Unlock()
	m.persistSession(sess)
}

func (m *Manager) rebuildAllowed(sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.RebuildCount >= 1 {
		return false
	}
	sess.RebuildCount++
	return true
}

// withinSession reports whether the session is still registered and under
// the whole-session duration cap.
func (m *Manager) withinSession(sess *Session) bool {
	m.mu.Lock()
	cur, ok := m.sessions[sess.Channel]
	active := ok && cur.ID == sess.ID
	m.mu.Unlock()
	if !active {
		return false
	}
	maxDuration := m.cfg.UltraWork.MaxDurationMinutes
	if maxDuration <= 0 {
		return true
	}
	return m.now().Sub(sess.StartedAt) < time.Duration(maxDuration)*time.Minute
}

func (m *Manager) underCap(sess *Session, limit int, actions ...string) bool {
	if limit <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return sess.StepsInPhase(actions...) < limit
}

func (m *Manager) persistSession(sess *Session) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	snap := copySession(sess)
	m.mu.Unlock()
	if err := m.store.SaveSession(snap); err != nil {
		logger.WarnCF("ultrawork", "Failed to persist session", map[string]any{
			"session": snap.ID,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) persistProgress(sess *Session) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	snap := copySession(sess)
	m.mu.Unlock()
	if err := m.store.SaveProgress(snap); err != nil {
		logger.WarnCF("ultrawork", "Failed to persist progress", map[string]any{
			"session": snap.ID,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) persistPlan(sess *Session, text string) {
	if m.store == nil {
		return
	}
	if err := m.store.SavePlan(sess.ID, text); err != nil {
		logger.WarnCF("ultrawork", "Failed to persist plan", map[string]any{
			"session": sess.ID,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) persistRetrospective(sess *Session, text string) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRetrospective(sess.ID, text); err != nil {
		logger.WarnCF("ultrawork", "Failed to persist retrospective", map[string]any{
			"session": sess.ID,
			"error":   err.Error(),
		})
	}
}

func copySession(s *Session) *Session {
	out := *s
	out.Agents = append([]string(nil), s.Agents...)
	out.Steps = append([]Step(nil), s.Steps...)
	return &out
}

func stripMarker(text, marker string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, marker, ""))
}

// extractBlock returns the body of the first ```label fenced block.
func extractBlock(text, label string) (string, bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != "```"+label {
			continue
		}
		var body []string
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "```" {
				return strings.Join(body, "\n"), true
			}
			body = append(body, lines[j])
		}
		return strings.Join(body, "\n"), true
	}
	return "", false
}

func freeformPrompt(task string) string {
	var b strings.Builder
	b.WriteString("You are leading a work session.\n\nTask: ")
	b.WriteString(task)
	b.WriteString("\n\nWork on the task step by step. You may delegate with DELEGATE::<agent-id>::<task>. Reply DONE when it is fully complete.")
	return b.String()
}

func planningPrompt(task string) string {
	var b strings.Builder
	b.WriteString("You are leading a phased work session.\n\nTask: ")
	b.WriteString(task)
	b.WriteString("\n\nPhase 1 - Planning: produce a concrete plan for this task. End with PLAN_COMPLETE when the plan is final.")
	return b.String()
}

func buildingPrompt(task, plan string) string {
	var b strings.Builder
	b.WriteString("Phase 2 - Building: execute the plan step by step. You may delegate with DELEGATE::<agent-id>::<task>. End with BUILD_COMPLETE when done.\n\nTask: ")
	b.WriteString(task)
	if plan != "" {
		b.WriteString("\n\nPlan:\n")
		b.WriteString(plan)
	}
	return b.String()
}

func retroPrompt(task string) string {
	var b strings.Builder
	b.WriteString("Phase 3 - Retrospective: review what was built for this task and note gaps or follow-ups.\n\nTask: ")
	b.WriteString(task)
	b.WriteString("\n\nEnd with RETRO_COMPLETE, or RETRO_INCOMPLETE if work remains.")
	return b.String()
}

func synthesisPrompt(name, output string) string {
	return fmt.Sprintf("The %s review returned:\n\n%s\n\nSynthesize the final plan from your draft and this feedback. End with PLAN_COMPLETE.", name, output)
}
