package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sipeed/packclaw/pkg/logger"
)

// AgentSubscriber receives the new agent list after a successful reload.
type AgentSubscriber interface {
	UpdateAgents(agents []AgentConfig)
}

// Watcher reloads the config file on change and fans the agent list out to
// subscribers. The parent directory is watched rather than the file itself
// so editor rename-and-replace saves are still observed.
type Watcher struct {
	path    string
	cfg     *Config
	watcher *fsnotify.Watcher

	debounce      time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	subMu       sync.RWMutex
	subscribers []AgentSubscriber

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
	stopMu  sync.Mutex
}

// NewWatcher creates a watcher for path that applies reloads to cfg.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	return &Watcher{
		path:     expandHome(path),
		cfg:      cfg,
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Subscribe registers a component to receive agent updates.
func (w *Watcher) Subscribe(s AgentSubscriber) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	w.subscribers = append(w.subscribers, s)
}

// Start begins watching. The loop exits when ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger.InfoCF("config", "Watching config file", map[string]any{"path": w.path})

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.ErrorCF("config", "Watcher error", map[string]any{"error": err.Error()})

		case <-w.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.reload)
}

// reload parses the file and swaps the agent list in. A file that no longer
// parses is logged and skipped; the last good configuration stays live.
func (w *Watcher) reload() {
	next, err := LoadConfig(w.path)
	if err != nil {
		logger.WarnCF("config", "Reload skipped, config invalid", map[string]any{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}

	agents := next.AgentSnapshot()
	w.cfg.UpdateAgents(agents)

	w.subMu.RLock()
	subs := make([]AgentSubscriber, len(w.subscribers))
	copy(subs, w.subscribers)
	w.subMu.RUnlock()

	for _, s := range subs {
		s.UpdateAgents(agents)
	}

	logger.InfoCF("config", "Config reloaded", map[string]any{
		"agents":      len(agents),
		"subscribers": len(subs),
	})
}

// Stop halts the watch loop. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true

	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
		logger.WarnC("config", "Watcher stop timed out")
	}

	return w.watcher.Close()
}
