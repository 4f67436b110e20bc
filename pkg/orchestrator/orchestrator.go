// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

// Package orchestrator decides which agents answer an inbound message.
// Selection runs a fixed cascade: free chat, explicit trigger, category
// regex, keywords, then the channel's default agent. Chain state and
// cooldowns keep agents from answering each other in a loop.
package orchestrator

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/packclaw/pkg/bus"
	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/logger"
)

// Reason explains why a set of agents was selected.
type Reason string

const (
	ReasonNone            Reason = "none"
	ReasonFreeChat        Reason = "free_chat"
	ReasonExplicitTrigger Reason = "explicit_trigger"
	ReasonCategoryMatch   Reason = "category_match"
	ReasonKeywordMatch    Reason = "keyword_match"
	ReasonDefaultAgent    Reason = "default_agent"
)

const (
	BlockReasonChainLimit = "chain limit reached"
	BlockReasonCooldown   = "cooldown"
)

// Selection is the outcome of one cascade run. When Blocked is true no
// agent runs; Reason then carries what the cascade would have chosen.
type Selection struct {
	Agents      []config.AgentConfig
	Reason      Reason
	Blocked     bool
	BlockReason string
}

type chainEvent struct {
	AgentID string
	At      time.Time
}

// Orchestrator holds per-channel chain and cooldown state on top of the
// live config and a category router.
type Orchestrator struct {
	cfg    *config.Config
	router *CategoryRouter

	mu                  sync.Mutex
	chains              map[string][]chainEvent
	channelLastResponse map[string]time.Time
	agentLastResponse   map[string]time.Time

	now func() time.Time
}

func New(cfg *config.Config, router *CategoryRouter) *Orchestrator {
	if router == nil {
		router = NewCategoryRouter(cfg.Categories)
	}
	return &Orchestrator{
		cfg:                 cfg,
		router:              router,
		chains:              make(map[string][]chainEvent),
		channelLastResponse: make(map[string]time.Time),
		agentLastResponse:   make(map[string]time.Time),
		now:                 time.Now,
	}
}

// Router exposes the category router for live reconfiguration.
func (o *Orchestrator) Router() *CategoryRouter { return o.router }

// SelectRespondingAgents runs the cascade for one message. A human message
// resets the channel chain first; bot messages are subject to the chain
// cap and the channel-wide cooldown.
func (o *Orchestrator) SelectRespondingAgents(msg bus.InboundMessage) Selection {
	if !o.cfg.Orchestrator.Enabled {
		return Selection{Reason: ReasonNone}
	}

	agents := o.visibleAgents(msg.ChannelID)

	o.mu.Lock()
	if msg.IsHuman {
		delete(o.chains, msg.ChannelID)
	} else {
		if len(o.chains[msg.ChannelID]) >= o.cfg.Orchestrator.MaxChainLength {
			o.mu.Unlock()
			would := o.cascade(msg, agents)
			logger.InfoCF("orchestrator", "Selection blocked by chain limit", map[string]any{
				"channel":      msg.ChannelID,
				"would_reason": string(would.Reason),
			})
			return Selection{Reason: would.Reason, Blocked: true, BlockReason: BlockReasonChainLimit}
		}
		last, ok := o.channelLastResponse[msg.ChannelID]
		cooldown := time.Duration(o.cfg.Orchestrator.GlobalCooldownMS) * time.Millisecond
		if ok && o.now().Sub(last) < cooldown {
			o.mu.Unlock()
			return Selection{Reason: ReasonNone, Blocked: true, BlockReason: BlockReasonCooldown}
		}
	}
	o.mu.Unlock()

	return o.cascade(msg, agents)
}

func (o *Orchestrator) cascade(msg bus.InboundMessage, agents []config.AgentConfig) Selection {
	freeChat := o.cfg.FreeChatFor(msg.ChannelID)
	if freeChat {
		return Selection{Agents: o.cooldownReady(agents), Reason: ReasonFreeChat}
	}

	// Explicit trigger bypasses agent cooldowns: a direct address always
	// reaches its target.
	if agent, ok := o.triggerMatch(msg.Content, agents); ok {
		return Selection{Agents: []config.AgentConfig{agent}, Reason: ReasonExplicitTrigger}
	}

	ready := o.cooldownReady(agents)

	if res := o.router.Route(msg.Content, ready); res != nil {
		logger.DebugCF("orchestrator", "Category matched", map[string]any{
			"category": res.Category,
			"pattern":  res.MatchedPattern,
		})
		return Selection{Agents: agentsByID(ready, res.AgentIDs), Reason: ReasonCategoryMatch}
	}

	if matched := keywordMatch(msg.Content, ready); len(matched) > 0 {
		if msg.IsHuman && !freeChat {
			matched = matched[:1]
		}
		return Selection{Agents: matched, Reason: ReasonKeywordMatch}
	}

	if id := o.cfg.DefaultAgentFor(msg.ChannelID); id != "" {
		agent, ok := o.cfg.GetAgent(id)
		if ok && agent.Enabled() && !o.cfg.AgentDisabledInChannel(agent.ID, msg.ChannelID) {
			return Selection{Agents: []config.AgentConfig{agent}, Reason: ReasonDefaultAgent}
		}
	}

	return Selection{Reason: ReasonNone}
}

// RecordAgentResponse appends to the channel chain and stamps both the
// channel-wide and the per-agent cooldown clocks.
func (o *Orchestrator) RecordAgentResponse(agentID, channelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	o.chains[channelID] = append(o.chains[channelID], chainEvent{AgentID: agentID, At: now})
	o.channelLastResponse[channelID] = now
	o.agentLastResponse[strings.ToLower(agentID)] = now
}

// ChainLength reports how many agent responses the channel has seen since
// the last human message.
func (o *Orchestrator) ChainLength(channelID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.chains[channelID])
}

// StripTriggerPrefix removes the agent's leading trigger token, if present.
func StripTriggerPrefix(content string, agent config.AgentConfig) string {
	if agent.TriggerPrefix == "" {
		return content
	}
	trimmed := strings.TrimSpace(content)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 || !strings.EqualFold(fields[0], agent.TriggerPrefix) {
		return content
	}
	return strings.TrimSpace(trimmed[len(fields[0]):])
}

var displayNameRe = regexp.MustCompile(`^\*\*(.+?)\*\*:`)

// ExtractAgentIDFromMessage resolves a leading "**Display Name**:" header
// to the matching agent id.
func (o *Orchestrator) ExtractAgentIDFromMessage(content string) (string, bool) {
	m := displayNameRe.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	for _, a := range o.cfg.AgentSnapshot() {
		if strings.EqualFold(a.DisplayName, name) || strings.EqualFold(a.ID, name) {
			return a.ID, true
		}
	}
	return "", false
}

func (o *Orchestrator) visibleAgents(channelID string) []config.AgentConfig {
	var out []config.AgentConfig
	for _, a := range o.cfg.EnabledAgents() {
		if !o.cfg.AgentDisabledInChannel(a.ID, channelID) {
			out = append(out, a)
		}
	}
	return out
}

// cooldownReady filters out agents still inside their per-agent cooldown.
func (o *Orchestrator) cooldownReady(agents []config.AgentConfig) []config.AgentConfig {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	var out []config.AgentConfig
	for _, a := range agents {
		cooldownMS := a.CooldownMS
		if cooldownMS <= 0 {
			cooldownMS = o.cfg.Orchestrator.AgentCooldownMS
		}
		last, ok := o.agentLastResponse[strings.ToLower(a.ID)]
		if !ok || now.Sub(last) >= time.Duration(cooldownMS)*time.Millisecond {
			out = append(out, a)
		}
	}
	return out
}

func (o *Orchestrator) triggerMatch(content string, agents []config.AgentConfig) (config.AgentConfig, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return config.AgentConfig{}, false
	}
	for _, a := range agents {
		if a.TriggerPrefix != "" && strings.EqualFold(fields[0], a.TriggerPrefix) {
			return a, true
		}
	}
	return config.AgentConfig{}, false
}

func keywordMatch(content string, agents []config.AgentConfig) []config.AgentConfig {
	lower := strings.ToLower(content)
	var out []config.AgentConfig
	for _, a := range agents {
		for _, kw := range a.AutoRespondKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func agentsByID(agents []config.AgentConfig, ids []string) []config.AgentConfig {
	var out []config.AgentConfig
	for _, id := range ids {
		for _, a := range agents {
			if strings.EqualFold(a.ID, id) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}
