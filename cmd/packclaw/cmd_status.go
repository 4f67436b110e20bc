// PackClaw - Multi-agent orchestration core
// License: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/packclaw/pkg/swarm"
	"github.com/sipeed/packclaw/pkg/ultrawork"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured agents and persisted component state",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	agents := cfg.AgentSnapshot()
	fmt.Printf("Agents (%d):\n", len(agents))
	for _, a := range agents {
		state := "enabled"
		if !a.Enabled() {
			state = "disabled"
		}
		fmt.Printf("  %s (%s) tier=%d %s\n", a.ID, a.DisplayName, a.EffectiveTier(), state)
	}

	fmt.Printf("\nSwarm sessions (%s):\n", cfg.SwarmDBPath())
	printSwarmSessions(cfg.SwarmDBPath())

	fmt.Printf("\nUltraWork sessions (%s):\n", cfg.UltraWorkDir())
	printUltraWorkSessions(cfg.UltraWorkDir())

	return nil
}

func printSwarmSessions(dbPath string) {
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("  (no database)")
		return
	}

	store, err := swarm.OpenStore(dbPath)
	if err != nil {
		fmt.Printf("  (unreadable: %v)\n", err)
		return
	}
	defer store.Close()

	stats, err := swarm.NewManager(store).Sessions(context.Background())
	if err != nil {
		fmt.Printf("  (unreadable: %v)\n", err)
		return
	}
	if len(stats) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, s := range stats {
		fmt.Printf("  %s: %d/%d done, %d failed\n", s.SessionID, s.Completed, s.Total, s.Failed)
	}
}

func printUltraWorkSessions(dir string) {
	store := ultrawork.NewStateStore(dir)
	ids, err := store.List()
	if err != nil {
		fmt.Printf("  (unreadable: %v)\n", err)
		return
	}
	if len(ids) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, id := range ids {
		s, err := store.LoadSession(id)
		if err != nil {
			fmt.Printf("  %s (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("  %s [%s] %s: %d steps\n", s.ID, s.Phase, s.Channel, len(s.Steps))
	}
}
