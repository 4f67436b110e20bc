package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSubscriber struct {
	mu     sync.Mutex
	agents []AgentConfig
	calls  int
}

func (c *captureSubscriber) UpdateAgents(agents []AgentConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = agents
	c.calls++
}

func (c *captureSubscriber) snapshot() ([]AgentConfig, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agents, c.calls
}

func writeAgents(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestWatcherFansOutOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeAgents(t, path, `{"agents":[{"agent_id":"a"}]}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	sub := &captureSubscriber{}
	w.Subscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeAgents(t, path, `{"agents":[{"agent_id":"a"},{"agent_id":"b"}]}`)

	require.Eventually(t, func() bool {
		agents, _ := sub.snapshot()
		return len(agents) == 2
	}, 3*time.Second, 20*time.Millisecond)

	_, ok := cfg.GetAgent("b")
	assert.True(t, ok, "config should hold the reloaded agent list")
}

func TestWatcherKeepsLastGoodConfigOnBadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeAgents(t, path, `{"agents":[{"agent_id":"a"}]}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeAgents(t, path, `{"agents": [`)

	// Give the debounce window time to fire, then confirm nothing changed.
	time.Sleep(300 * time.Millisecond)
	_, ok := cfg.GetAgent("a")
	assert.True(t, ok)
	assert.Len(t, cfg.AgentSnapshot(), 1)
}

func TestWatcherStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeAgents(t, path, `{}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
