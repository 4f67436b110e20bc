// PackClaw - Multi-agent orchestration core
// License: MIT

// Package permissions resolves what an agent may do from its tier and
// explicit tool_permissions overrides. Tier 1 is unrestricted; every other
// tier, including unknown ones, is read-only.
package permissions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sipeed/packclaw/pkg/config"
)

var (
	tier1Allowed = []string{"*"}

	readOnlyAllowed = []string{"Read", "Grep", "Glob"}
	readOnlyBlocked = []string{"Write", "Edit", "Bash", "NotebookEdit"}
)

// Resolved is the effective tool policy for one agent.
type Resolved struct {
	Allowed []string
	Blocked []string
}

// ResolveToolPermissions merges tier defaults with the agent's explicit
// overrides. An explicit allow list replaces the default one, and any tool
// it names is struck from the default block list.
func ResolveToolPermissions(agent config.AgentConfig) Resolved {
	var res Resolved
	if agent.EffectiveTier() == 1 {
		res.Allowed = append(res.Allowed, tier1Allowed...)
	} else {
		res.Allowed = append(res.Allowed, readOnlyAllowed...)
		res.Blocked = append(res.Blocked, readOnlyBlocked...)
	}

	tp := agent.ToolPermissions
	if tp == nil {
		return res
	}

	if len(tp.Allowed) > 0 {
		res.Allowed = append([]string(nil), tp.Allowed...)

		kept := res.Blocked[:0]
		for _, b := range res.Blocked {
			if !containsFold(tp.Allowed, b) {
				kept = append(kept, b)
			}
		}
		res.Blocked = kept
	}

	for _, b := range tp.Blocked {
		if !containsFold(res.Blocked, b) {
			res.Blocked = append(res.Blocked, b)
		}
	}
	return res
}

// IsToolAllowed applies the resolved policy to one tool name. A block
// match wins over any allow match.
func IsToolAllowed(agent config.AgentConfig, tool string) bool {
	res := ResolveToolPermissions(agent)
	for _, pattern := range res.Blocked {
		if matchesTool(pattern, tool) {
			return false
		}
	}
	for _, pattern := range res.Allowed {
		if matchesTool(pattern, tool) {
			return true
		}
	}
	return false
}

// CanDelegate requires both the tier and the explicit flag. No tier above
// 1 delegates, whatever its config claims.
func CanDelegate(agent config.AgentConfig) bool {
	return agent.EffectiveTier() == 1 && agent.CanDelegate
}

// CanAutoContinue reports whether truncated responses of this agent are
// automatically continued.
func CanAutoContinue(agent config.AgentConfig) bool {
	return agent.AutoContinue
}

// matchesTool supports "*" for everything and a trailing "*" for prefix
// matches; anything else is an exact, case-insensitive name.
func matchesTool(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return len(tool) >= len(pattern)-1 &&
			strings.EqualFold(pattern[:len(pattern)-1], tool[:len(pattern)-1])
	}
	return strings.EqualFold(pattern, tool)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// BuildPermissionPrompt renders the agent's tool policy as system prompt
// text the subprocess can follow.
func BuildPermissionPrompt(agent config.AgentConfig) string {
	res := ResolveToolPermissions(agent)

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s (tier %d).\n", displayName(agent), agent.EffectiveTier())
	b.WriteString("Tool access:\n")
	if len(res.Allowed) == 1 && res.Allowed[0] == "*" {
		b.WriteString("- Allowed: all tools\n")
	} else {
		fmt.Fprintf(&b, "- Allowed: %s\n", strings.Join(sortedCopy(res.Allowed), ", "))
	}
	if len(res.Blocked) > 0 {
		fmt.Fprintf(&b, "- Blocked: %s\n", strings.Join(sortedCopy(res.Blocked), ", "))
		b.WriteString("Never call a blocked tool. If a task needs one, say so instead of attempting it.\n")
	}
	return b.String()
}

// BuildDelegationPrompt lists the agents a lead may hand work to and the
// wire format a delegation line must use.
func BuildDelegationPrompt(agent config.AgentConfig, targets []config.AgentConfig) string {
	if !CanDelegate(agent) {
		return ""
	}

	var b strings.Builder
	b.WriteString("You may delegate a task to another agent by emitting a single line:\n")
	b.WriteString("DELEGATE::<agent_id>::<task>\n")
	b.WriteString("Available agents:\n")
	for _, t := range targets {
		if t.ID == agent.ID || !t.Enabled() {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s (tier %d)\n", t.ID, displayName(t), t.EffectiveTier())
	}
	b.WriteString("Delegate only when the task clearly belongs to another agent, and at most one at a time.\n")
	return b.String()
}

// BuildMentionDelegationPrompt is the mention-routed variant: delegations
// are prefixed with the orchestrator's platform mention so the chat host
// routes them back through selection.
func BuildMentionDelegationPrompt(agent config.AgentConfig, targets []config.AgentConfig, userID string) string {
	base := BuildDelegationPrompt(agent, targets)
	if base == "" {
		return ""
	}
	return base + fmt.Sprintf("Prefix every delegation line with <@%s> so the platform routes it.\n", userID)
}

func displayName(a config.AgentConfig) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
