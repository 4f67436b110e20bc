package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/packclaw/pkg/logger"
)

// Handle is the part of a subprocess the pool manages. *Process satisfies
// it; tests substitute fakes.
type Handle interface {
	ID() string
	AgentID() string
	IsReady() bool
	SendMessage(ctx context.Context, prompt string) (string, error)
	Stop()
}

// Factory spawns one new subprocess for the agent being acquired.
type Factory func() (Handle, error)

// ErrPoolFull is wrapped into acquisition errors when an agent is at
// capacity with no idle handle.
var ErrPoolFull = errors.New("pool full")

// PoolStats is a point-in-time view of one agent's pool.
type PoolStats struct {
	Total int `json:"total"`
	Busy  int `json:"busy"`
	Idle  int `json:"idle"`
	Max   int `json:"max"`
}

type agentPool struct {
	maxSize int
	busy    map[Handle]struct{}
	idle    map[Handle]time.Time
}

func (ap *agentPool) total() int { return len(ap.busy) + len(ap.idle) }

// Pool keeps per-agent sets of subprocess handles. A handle is either busy
// or idle, never both; acquisition prefers a ready idle handle, spawns
// below the cap, and refuses at the cap.
type Pool struct {
	mu          sync.Mutex
	agents      map[string]*agentPool
	defaultSize int
	idleTimeout time.Duration
}

// NewPool builds a pool with the given default per-agent size and idle
// timeout. Zero values fall back to 1 process and 10 minutes.
func NewPool(defaultSize int, idleTimeout time.Duration) *Pool {
	if defaultSize <= 0 {
		defaultSize = 1
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Pool{
		agents:      make(map[string]*agentPool),
		defaultSize: defaultSize,
		idleTimeout: idleTimeout,
	}
}

func (pl *Pool) ensure(agentID string, maxSize int) *agentPool {
	ap, ok := pl.agents[agentID]
	if !ok {
		ap = &agentPool{
			maxSize: maxSize,
			busy:    make(map[Handle]struct{}),
			idle:    make(map[Handle]time.Time),
		}
		pl.agents[agentID] = ap
	}
	if maxSize > 0 {
		ap.maxSize = maxSize
	}
	return ap
}

// GetAvailableProcess returns a handle for the agent and whether it was
// freshly spawned. maxSize <= 0 keeps the agent's current cap (or the
// pool default for a new agent).
func (pl *Pool) GetAvailableProcess(agentID string, maxSize int, factory Factory) (Handle, bool, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if maxSize <= 0 {
		maxSize = 0
	}
	ap := pl.ensure(agentID, maxSize)
	if ap.maxSize <= 0 {
		ap.maxSize = pl.defaultSize
	}

	// Reuse: any idle handle that still reports ready. Dead idle handles
	// are retired on the way.
	for h := range ap.idle {
		if h.IsReady() {
			delete(ap.idle, h)
			ap.busy[h] = struct{}{}
			return h, false, nil
		}
		delete(ap.idle, h)
		go h.Stop()
		logger.DebugCF("process", "Retired dead idle process", map[string]any{
			"agent": agentID,
			"proc":  h.ID(),
		})
	}

	if ap.total() < ap.maxSize {
		h, err := factory()
		if err != nil {
			return nil, false, fmt.Errorf("spawn for agent %s: %w", agentID, err)
		}
		ap.busy[h] = struct{}{}
		return h, true, nil
	}

	return nil, false, fmt.Errorf("%w for agent %s (%d/%d busy)", ErrPoolFull, agentID, len(ap.busy), ap.maxSize)
}

// ReleaseProcess moves a busy handle back to idle. Unknown handles and
// agents are ignored.
func (pl *Pool) ReleaseProcess(agentID string, h Handle) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	ap, ok := pl.agents[agentID]
	if !ok {
		return
	}
	if _, busy := ap.busy[h]; !busy {
		return
	}
	delete(ap.busy, h)
	ap.idle[h] = time.Now()
}

// CleanupIdleProcesses stops idle handles older than the pool's idle
// timeout and reports how many were retired. Busy handles are never
// touched.
func (pl *Pool) CleanupIdleProcesses() int {
	cutoff := time.Now().Add(-pl.idleTimeout)

	pl.mu.Lock()
	var victims []Handle
	for agentID, ap := range pl.agents {
		for h, since := range ap.idle {
			if since.Before(cutoff) {
				delete(ap.idle, h)
				victims = append(victims, h)
				logger.DebugCF("process", "Reaping idle process", map[string]any{
					"agent": agentID,
					"proc":  h.ID(),
				})
			}
		}
	}
	pl.mu.Unlock()

	for _, h := range victims {
		h.Stop()
	}
	return len(victims)
}

// StopAgent stops every handle for one agent, busy ones included.
func (pl *Pool) StopAgent(agentID string) {
	pl.mu.Lock()
	ap, ok := pl.agents[agentID]
	if ok {
		delete(pl.agents, agentID)
	}
	pl.mu.Unlock()
	if !ok {
		return
	}

	for h := range ap.busy {
		h.Stop()
	}
	for h := range ap.idle {
		h.Stop()
	}
	logger.InfoCF("process", "Stopped agent pool", map[string]any{
		"agent": agentID,
		"count": ap.total(),
	})
}

// StopAll stops every handle in the pool.
func (pl *Pool) StopAll() {
	pl.mu.Lock()
	agents := pl.agents
	pl.agents = make(map[string]*agentPool)
	pl.mu.Unlock()

	for _, ap := range agents {
		for h := range ap.busy {
			h.Stop()
		}
		for h := range ap.idle {
			h.Stop()
		}
	}
}

// Stats snapshots every agent's pool occupancy.
func (pl *Pool) Stats() map[string]PoolStats {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make(map[string]PoolStats, len(pl.agents))
	for agentID, ap := range pl.agents {
		out[agentID] = PoolStats{
			Total: ap.total(),
			Busy:  len(ap.busy),
			Idle:  len(ap.idle),
			Max:   ap.maxSize,
		}
	}
	return out
}
