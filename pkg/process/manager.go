// PackClaw - Multi-agent orchestration core
// License: MIT

package process

import (
	"time"

	"github.com/sipeed/packclaw/pkg/config"
)

// Hook control variables read by agent subprocesses. Tier 1 gets the
// feature list; lower tiers get hooks disabled outright. A process never
// receives both.
const (
	EnvHookFeatures   = "MAMA_HOOK_FEATURES"
	EnvDisableHooks   = "MAMA_DISABLE_HOOKS"
	hookFeatureValue  = "rules,agents"
	disableHooksValue = "true"
)

const planningPrompt = "You are operating in BMAD planning mode. Break the request down into business goals, " +
	"metrics, architecture, and deliverables before proposing any work. Produce a numbered plan and stop; " +
	"do not start building until the plan is approved."

// Manager turns agent configs into spawned subprocesses and fronts the
// pool with config-aware acquisition.
type Manager struct {
	cfg   *config.Config
	pool  *Pool
	spawn func(SpawnSpec) (Handle, error)
}

func NewManager(cfg *config.Config) *Manager {
	pc := cfg.Process
	return &Manager{
		cfg:  cfg,
		pool: NewPool(pc.DefaultPoolSize, time.Duration(pc.IdleTimeoutMinutes)*time.Minute),
		spawn: func(spec SpawnSpec) (Handle, error) {
			return Spawn(spec)
		},
	}
}

// GetProcess acquires a subprocess for the agent, spawning one if the
// agent's pool has room. The bool reports whether the handle is new.
func (m *Manager) GetProcess(agent config.AgentConfig, channel string) (Handle, bool, error) {
	spec := m.SpawnSpecFor(agent, channel)
	factory := func() (Handle, error) { return m.spawn(spec) }
	return m.pool.GetAvailableProcess(agent.ID, agent.PoolSize, factory)
}

// ReleaseProcess returns a handle to the agent's idle set.
func (m *Manager) ReleaseProcess(agentID string, h Handle) {
	m.pool.ReleaseProcess(agentID, h)
}

// Pool exposes the underlying pool for maintenance sweeps and stats.
func (m *Manager) Pool() *Pool { return m.pool }

// Shutdown stops every subprocess.
func (m *Manager) Shutdown() { m.pool.StopAll() }

// SpawnSpecFor assembles the spawn parameters for one agent: the agent's
// command (falling back to the global one), a --model argument when the
// agent pins a model, and the tier environment.
func (m *Manager) SpawnSpecFor(agent config.AgentConfig, channel string) SpawnSpec {
	command := agent.Command
	if command == "" {
		command = m.cfg.Process.Command
	}

	return SpawnSpec{
		AgentID:         agent.ID,
		Channel:         channel,
		Command:         command,
		Args:            BuildArgs(agent),
		Env:             BuildEnv(agent),
		WorkDir:         agent.WorkDir,
		ResponseTimeout: time.Duration(m.cfg.Process.ResponseTimeoutSec) * time.Second,
	}
}

// BuildArgs returns the subprocess argument list.
func BuildArgs(agent config.AgentConfig) []string {
	if agent.Model == "" {
		return nil
	}
	return []string{"--model", agent.Model}
}

// BuildEnv returns the tier-derived environment overrides. Only tier 1
// keeps hooks; any other tier, known or not, has them disabled.
func BuildEnv(agent config.AgentConfig) map[string]string {
	if agent.EffectiveTier() == 1 {
		return map[string]string{EnvHookFeatures: hookFeatureValue}
	}
	return map[string]string{EnvDisableHooks: disableHooksValue}
}

// NeedsPlanningPrompt decides whether the agent's first prompt gets the
// BMAD planning preamble. An explicit flag, either spelling, wins;
// otherwise tier-1 delegators plan.
func NeedsPlanningPrompt(agent config.AgentConfig) bool {
	if flag := agent.PlanningFlag(); flag != nil {
		return *flag
	}
	return agent.EffectiveTier() == 1 && agent.CanDelegate
}

// PlanningPromptFor returns the planning preamble for the agent, or ""
// when the agent does not plan.
func PlanningPromptFor(agent config.AgentConfig) string {
	if NeedsPlanningPrompt(agent) {
		return planningPrompt
	}
	return ""
}
