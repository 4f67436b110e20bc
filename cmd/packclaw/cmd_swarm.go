// PackClaw - Multi-agent orchestration core
// License: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/packclaw/pkg/events"
	"github.com/sipeed/packclaw/pkg/logger"
	"github.com/sipeed/packclaw/pkg/process"
	"github.com/sipeed/packclaw/pkg/swarm"
)

func newSwarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Manage swarm task sessions",
	}
	cmd.AddCommand(
		newSwarmCreateCmd(),
		newSwarmStatusCmd(),
		newSwarmRunCmd(),
	)
	return cmd
}

func newSwarmCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <tasks.json>",
		Short: "Create a batch of tasks from a JSON spec file",
		Args:  cobra.ExactArgs(1),
		RunE:  runSwarmCreate,
	}
	cmd.Flags().StringP("session", "s", "", "Session ID (generated when empty)")
	return cmd
}

func newSwarmStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [session]",
		Short: "Show task counts for one session or all sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSwarmStatus,
	}
}

func newSwarmRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <session>",
		Short: "Execute a session's tasks until done or interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runSwarmRun,
	}
}

func openSwarmManager() (*swarm.Manager, *swarm.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	setupLogging(cfg)

	store, err := swarm.OpenStore(cfg.SwarmDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open swarm store: %w", err)
	}
	return swarm.NewManager(store), store, nil
}

func runSwarmCreate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var specs []swarm.TaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		sessionID = fmt.Sprintf("swarm_%d", time.Now().Unix())
	}

	mgr, store, err := openSwarmManager()
	if err != nil {
		return err
	}
	defer store.Close()

	created, err := mgr.CreateTasks(context.Background(), sessionID, specs)
	if err != nil {
		return err
	}

	fmt.Printf("Created %d tasks in session %s\n", len(created), sessionID)
	for _, t := range created {
		fmt.Printf("  %s [wave %d, %s] %s\n", t.ID, t.Wave, t.Category, t.Description)
	}
	return nil
}

func runSwarmStatus(cmd *cobra.Command, args []string) error {
	mgr, store, err := openSwarmManager()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	var stats []swarm.SessionStats
	if len(args) == 1 {
		s, err := mgr.Stats(ctx, args[0])
		if err != nil {
			return err
		}
		stats = append(stats, s)
	} else {
		stats, err = mgr.Sessions(ctx)
		if err != nil {
			return err
		}
	}

	if len(stats) == 0 {
		fmt.Println("No swarm sessions.")
		return nil
	}

	for _, s := range stats {
		state := "open"
		if s.Done() {
			state = "done"
		}
		fmt.Printf("%s (%s)\n", s.SessionID, state)
		fmt.Printf("  total=%d pending=%d claimed=%d completed=%d failed=%d waves=%d\n",
			s.Total, s.Pending, s.Claimed, s.Completed, s.Failed, s.Waves)
	}
	return nil
}

func runSwarmRun(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	store, err := swarm.OpenStore(cfg.SwarmDBPath())
	if err != nil {
		return fmt.Errorf("open swarm store: %w", err)
	}
	defer store.Close()

	open, err := store.CountOpen(context.Background(), sessionID)
	if err != nil {
		return err
	}
	if open == 0 {
		fmt.Printf("Session %s has no open tasks.\n", sessionID)
		return nil
	}

	procs := process.NewManager(cfg)
	defer procs.Shutdown()

	runner := newSwarmRunner(cfg, store, procs)
	defer runner.StopAll()

	done := make(chan struct{})
	runner.Events().On(events.SessionComplete, func(e events.Event) {
		if se, ok := e.Payload.(swarm.SessionEvent); ok && se.SessionID == sessionID {
			close(done)
		}
	})

	if !runner.StartSession(sessionID) {
		return fmt.Errorf("session %s is already running", sessionID)
	}
	fmt.Printf("Running session %s (%d open tasks)...\n", sessionID, open)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
		fmt.Println("Session complete.")
	case <-sigCh:
		logger.InfoC("host", "Interrupted, stopping session")
		runner.StopSession(sessionID)
	}
	return nil
}
