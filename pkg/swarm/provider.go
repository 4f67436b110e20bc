// PackClaw - Multi-agent orchestration core
// License: MIT

package swarm

import (
	"fmt"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/process"
)

// ManagerProvider adapts the process manager to the runner's provider
// interface, resolving task categories against the agent roster.
type ManagerProvider struct {
	cfg   *config.Config
	procs *process.Manager
}

func NewManagerProvider(cfg *config.Config, procs *process.Manager) *ManagerProvider {
	return &ManagerProvider{cfg: cfg, procs: procs}
}

func (p *ManagerProvider) AcquireProcess(agentID, channel string) (AgentProcess, error) {
	agent, ok := p.cfg.GetAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	if !agent.Enabled() {
		return nil, fmt.Errorf("agent %q is disabled", agentID)
	}
	h, _, err := p.procs.GetProcess(agent, channel)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p *ManagerProvider) ReleaseProcess(agentID string, proc AgentProcess) {
	if h, ok := proc.(process.Handle); ok {
		p.procs.ReleaseProcess(agentID, h)
	}
}
