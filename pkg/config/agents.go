package config

import "strings"

// ToolPermissions is an explicit override of the tier defaults.
// Allowed replaces the default allow list; Blocked entries newly present
// in Allowed are removed from the effective block list.
type ToolPermissions struct {
	Allowed []string `json:"allowed"`
	Blocked []string `json:"blocked"`
}

// AgentConfig describes one orchestrated agent. Tier 0 means unset and is
// treated as tier 1 everywhere a default is needed.
type AgentConfig struct {
	ID            string `json:"agent_id"`
	DisplayName   string `json:"display_name"`
	TriggerPrefix string `json:"trigger_prefix,omitempty"`
	Tier          int    `json:"tier,omitempty"`
	CanDelegate   bool   `json:"can_delegate,omitempty"`
	AutoContinue  bool   `json:"auto_continue,omitempty"`
	Disabled      bool   `json:"disabled,omitempty"`

	// Both spellings appear in the wild; PlanningFlag resolves them.
	IsPlanningAgent      *bool `json:"is_planning_agent,omitempty"`
	IsPlanningAgentCamel *bool `json:"isPlanningAgent,omitempty"`

	ToolPermissions     *ToolPermissions `json:"tool_permissions,omitempty"`
	AutoRespondKeywords []string         `json:"auto_respond_keywords,omitempty"`
	CompletionMarkers   []string         `json:"completion_markers,omitempty"`

	PoolSize   int    `json:"pool_size,omitempty"`
	CooldownMS int    `json:"cooldown_ms,omitempty"`
	Command    string `json:"command,omitempty"`
	Model      string `json:"model,omitempty"`
	WorkDir    string `json:"work_dir,omitempty"`

	// Opaque transport credentials, handed to the host untouched.
	Credentials map[string]string `json:"credentials,omitempty"`
}

// EffectiveTier maps the unset tier to 1. Values outside 1..3 are returned
// as-is; permission resolution treats them as tier 2.
func (a AgentConfig) EffectiveTier() int {
	if a.Tier == 0 {
		return 1
	}
	return a.Tier
}

// PlanningFlag returns the explicit planning-agent flag if either spelling
// was set; nil means unset.
func (a AgentConfig) PlanningFlag() *bool {
	if a.IsPlanningAgent != nil {
		return a.IsPlanningAgent
	}
	return a.IsPlanningAgentCamel
}

// Enabled reports whether the agent participates in selection.
func (a AgentConfig) Enabled() bool {
	return !a.Disabled
}

// GetAgent looks an agent up by id, case-insensitively.
func (c *Config) GetAgent(id string) (AgentConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id = strings.ToLower(strings.TrimSpace(id))
	for _, a := range c.Agents {
		if strings.ToLower(a.ID) == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// EnabledAgents returns a copy of every agent not marked disabled.
func (c *Config) EnabledAgents() []AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]AgentConfig, 0, len(c.Agents))
	for _, a := range c.Agents {
		if a.Enabled() {
			out = append(out, a)
		}
	}
	return out
}

// AgentSnapshot returns a copy of the full agent list. Callers pin this at
// the start of a selection or execution so a concurrent UpdateAgents cannot
// mutate an in-flight operation.
func (c *Config) AgentSnapshot() []AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]AgentConfig, len(c.Agents))
	copy(out, c.Agents)
	return out
}

// UpdateAgents atomically replaces the agent list.
func (c *Config) UpdateAgents(agents []AgentConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Agents = make([]AgentConfig, len(agents))
	copy(c.Agents, agents)
}

// ChannelOverrideFor returns the override for a channel, if any.
func (c *Config) ChannelOverrideFor(channel string) (ChannelOverride, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ov, ok := c.Channels[channel]
	return ov, ok
}

// DefaultAgentFor resolves the default agent for a channel: channel
// override first, then the global orchestrator setting.
func (c *Config) DefaultAgentFor(channel string) string {
	if ov, ok := c.ChannelOverrideFor(channel); ok && ov.DefaultAgent != "" {
		return ov.DefaultAgent
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Orchestrator.DefaultAgent
}

// FreeChatFor resolves free-chat mode for a channel.
func (c *Config) FreeChatFor(channel string) bool {
	if ov, ok := c.ChannelOverrideFor(channel); ok && ov.FreeChat != nil {
		return *ov.FreeChat
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Orchestrator.FreeChat
}

// AgentDisabledInChannel reports whether a channel override disables the agent.
func (c *Config) AgentDisabledInChannel(agentID, channel string) bool {
	ov, ok := c.ChannelOverrideFor(channel)
	if !ok {
		return false
	}
	for _, id := range ov.DisabledAgents {
		if strings.EqualFold(id, agentID) {
			return true
		}
	}
	return false
}
