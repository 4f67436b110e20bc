// PackClaw - Multi-agent orchestration core
// License: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/packclaw/pkg/bus"
	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/delegation"
	"github.com/sipeed/packclaw/pkg/events"
	"github.com/sipeed/packclaw/pkg/lane"
	"github.com/sipeed/packclaw/pkg/logger"
	"github.com/sipeed/packclaw/pkg/maintenance"
	"github.com/sipeed/packclaw/pkg/msgqueue"
	"github.com/sipeed/packclaw/pkg/orchestrator"
	"github.com/sipeed/packclaw/pkg/process"
	"github.com/sipeed/packclaw/pkg/swarm"
	"github.com/sipeed/packclaw/pkg/tasks"
	"github.com/sipeed/packclaw/pkg/utils"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration host until interrupted",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Demonstration transport: deliveries go to stdout. A real chat
	// integration registers its own ChatNotify here.
	notifier := bus.NewNotifier(func(channelID, text, platform string) {
		fmt.Printf("[%s] %s\n", channelID, text)
	}, bus.NotifierOptions{
		MaxMessageLength: cfg.Notify.MaxMessageLength,
		RatePerSecond:    cfg.Notify.RatePerSecond,
		Burst:            cfg.Notify.Burst,
		QueueSize:        cfg.Notify.QueueSize,
	})
	defer notifier.Close()

	procs := process.NewManager(cfg)
	defer procs.Shutdown()

	queue := msgqueue.New(msgqueue.Options{
		MaxPerAgent: cfg.Queue.MaxPerAgent,
		TTL:         time.Duration(cfg.Queue.TTLMinutes) * time.Minute,
		MaxRetries:  cfg.Queue.MaxRetries,
	})

	router := orchestrator.NewCategoryRouter(cfg.Categories)
	orch := orchestrator.New(cfg, router)
	lanes := lane.NewManager()

	mb := bus.NewMessageBus()
	defer mb.Close()
	go dispatchInbound(ctx, cfg, mb, orch, lanes, procs, queue, notifier)

	delegate := delegation.NewManager(cfg.Agents)

	taskMgr := tasks.NewManager(cfg.Tasks, agentExecutor(cfg, procs), events.NewEmitter())
	taskMgr.Events().On(events.TaskCompleted, func(e events.Event) {
		t, ok := e.Payload.(tasks.Task)
		if !ok || t.ChannelID == "" {
			return
		}
		notifier.Notify(t.ChannelID, fmt.Sprintf("Task %s done: %s", t.ID, utils.Truncate(t.Result, 300)), "")
	})
	taskMgr.Events().On(events.TaskFailed, func(e events.Event) {
		t, ok := e.Payload.(tasks.Task)
		if !ok || t.ChannelID == "" {
			return
		}
		notifier.Notify(t.ChannelID, fmt.Sprintf("Task %s failed: %s", t.ID, t.Error), "")
	})

	store, err := swarm.OpenStore(cfg.SwarmDBPath())
	if err != nil {
		return fmt.Errorf("open swarm store: %w", err)
	}
	defer store.Close()

	runner := newSwarmRunner(cfg, store, procs)
	defer runner.StopAll()

	runner.Events().On(events.SessionComplete, func(e events.Event) {
		if se, ok := e.Payload.(swarm.SessionEvent); ok {
			logger.InfoCF("host", "Swarm session complete", map[string]any{"session": se.SessionID})
		}
	})
	runner.Events().On(events.FileConflict, func(e events.Event) {
		fc, ok := e.Payload.(swarm.FileConflictEvent)
		if !ok {
			return
		}
		logger.WarnCF("host", "Task deferred on file conflict", map[string]any{
			"task":    fc.TaskID,
			"session": fc.SessionID,
			"files":   fc.SharedFiles,
		})
	})

	resumed := resumeOpenSessions(ctx, store, runner)

	watcher, err := config.NewWatcher(resolveConfigPath(), cfg)
	if err != nil {
		return err
	}
	watcher.Subscribe(delegate)
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	if cfg.Maintenance.Enabled {
		leaseAge := time.Duration(cfg.Swarm.LeaseTimeoutMinutes) * time.Minute
		sched := maintenance.New(cfg.Maintenance.Schedule,
			maintenance.PoolJob(procs.Pool()),
			maintenance.QueueJob(queue),
			maintenance.TasksJob(taskMgr),
			maintenance.SwarmJob(store, leaseAge),
		)
		sched.Start(ctx)
		defer sched.Stop()
	}

	logger.InfoCF("host", "PackClaw serving", map[string]any{
		"agents":   len(cfg.AgentSnapshot()),
		"db":       cfg.SwarmDBPath(),
		"resumed":  resumed,
		"schedule": cfg.Maintenance.Schedule,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.InfoC("host", "Shutting down")
	cancel()
	return nil
}

// dispatchInbound pulls transport messages off the bus, asks the
// orchestrator who responds, and runs each selected agent through its
// channel's session lane so replies within a channel stay ordered.
func dispatchInbound(ctx context.Context, cfg *config.Config, mb *bus.MessageBus,
	orch *orchestrator.Orchestrator, lanes *lane.Manager, procs *process.Manager,
	queue *msgqueue.Queue, notifier *bus.Notifier,
) {
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			return
		}

		sel := orch.SelectRespondingAgents(msg)
		if sel.Blocked {
			logger.DebugCF("host", "Message blocked", map[string]any{
				"channel": msg.ChannelID,
				"reason":  sel.BlockReason,
			})
			continue
		}

		for _, agent := range sel.Agents {
			lanes.EnqueueWithSession(ctx, msg.ChannelID, func(taskCtx context.Context) (string, error) {
				respond(taskCtx, cfg, agent, msg, orch, procs, queue, notifier)
				return "", nil
			})
		}
	}
}

func respond(ctx context.Context, cfg *config.Config, agent config.AgentConfig,
	msg bus.InboundMessage, orch *orchestrator.Orchestrator, procs *process.Manager,
	queue *msgqueue.Queue, notifier *bus.Notifier,
) {
	h, _, err := procs.GetProcess(agent, msg.ChannelID)
	if err != nil {
		if errors.Is(err, process.ErrPoolFull) {
			queue.Enqueue(agent.ID, msgqueue.Entry{
				Prompt:     msg.Content,
				Channel:    msg.ChannelID,
				Thread:     msg.Thread,
				Source:     msg.Source,
				EnqueuedAt: time.Now(),
			})
			return
		}
		logger.ErrorCF("host", "Process acquisition failed", map[string]any{
			"agent": agent.ID,
			"error": err.Error(),
		})
		return
	}
	defer procs.ReleaseProcess(agent.ID, h)

	timeout := time.Duration(cfg.Process.ResponseTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := h.SendMessage(sendCtx, msg.Content)
	if err != nil {
		logger.WarnCF("host", "Agent response failed", map[string]any{
			"agent": agent.ID,
			"error": err.Error(),
		})
		return
	}

	orch.RecordAgentResponse(agent.ID, msg.ChannelID)
	notifier.Notify(msg.ChannelID, fmt.Sprintf("[%s] %s", agent.DisplayName, response), msg.Platform)

	// The handle is free again; hand any backlog to it before release.
	queue.Drain(ctx, agent.ID, h, func(agentID string, entry msgqueue.Entry, resp string) {
		orch.RecordAgentResponse(agentID, entry.Channel)
		notifier.Notify(entry.Channel, fmt.Sprintf("[%s] %s", agent.DisplayName, resp), msg.Platform)
	})
}

// agentExecutor builds the callback background tasks use to talk to an
// agent: acquire from the pool, one prompt in, one response out, release.
func agentExecutor(cfg *config.Config, procs *process.Manager) tasks.Executor {
	return func(agentID, prompt string) (string, error) {
		agent, ok := cfg.GetAgent(agentID)
		if !ok {
			return "", fmt.Errorf("unknown agent %q", agentID)
		}
		h, _, err := procs.GetProcess(agent, "tasks")
		if err != nil {
			return "", err
		}
		defer procs.ReleaseProcess(agentID, h)

		timeout := time.Duration(cfg.Process.ResponseTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return h.SendMessage(ctx, prompt)
	}
}

func newSwarmRunner(cfg *config.Config, store *swarm.Store, procs *process.Manager) *swarm.Runner {
	opts := swarm.RunnerOptions{
		Claimer:      "serve",
		PollInterval: time.Duration(cfg.Swarm.PollIntervalMS) * time.Millisecond,
		MaxRetries:   cfg.Swarm.MaxRetries,
	}
	if cfg.Swarm.AutoCheckpoint {
		opts.Checkpoints = swarm.NewCheckpointStore(cfg.CheckpointDir(), store)
		opts.CheckpointDebounce = time.Duration(cfg.Swarm.CheckpointDebounceMS) * time.Millisecond
	}
	return swarm.NewRunner(store, swarm.NewManagerProvider(cfg, procs), opts)
}

// resumeOpenSessions restarts polling for every session the store still
// holds open work for, picking up where the last run stopped.
func resumeOpenSessions(ctx context.Context, store *swarm.Store, runner *swarm.Runner) int {
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		logger.WarnCF("host", "Session scan failed", map[string]any{"error": err.Error()})
		return 0
	}

	resumed := 0
	for _, id := range sessions {
		open, err := store.CountOpen(ctx, id)
		if err != nil || open == 0 {
			continue
		}
		if runner.StartSession(id) {
			resumed++
			logger.InfoCF("host", "Resumed swarm session", map[string]any{"session": id, "open": open})
		}
	}
	return resumed
}
