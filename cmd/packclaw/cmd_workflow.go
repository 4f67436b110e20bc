// PackClaw - Multi-agent orchestration core
// License: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/events"
	"github.com/sipeed/packclaw/pkg/process"
	"github.com/sipeed/packclaw/pkg/utils"
	"github.com/sipeed/packclaw/pkg/workflow"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Execute workflow plans",
	}
	cmd.AddCommand(newWorkflowRunCmd())
	return cmd
}

func newWorkflowRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <plan.json>",
		Short: "Run a workflow plan file to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowRun,
	}
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	plan, err := workflow.ParsePlan(string(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	procs := process.NewManager(cfg)
	defer procs.Shutdown()

	engine := workflow.NewEngine(cfg.Workflow)
	engine.Events().On(events.StepStarted, func(e events.Event) {
		if se, ok := e.Payload.(workflow.StepEvent); ok {
			fmt.Printf("  step %s started (%s)\n", se.StepID, se.AgentID)
		}
	})
	engine.Events().On(events.StepCompleted, func(e events.Event) {
		if se, ok := e.Payload.(workflow.StepEvent); ok {
			fmt.Printf("  step %s %s in %dms\n", se.StepID, se.Status, se.DurationMS)
		}
	})

	fmt.Printf("Running plan %q (%d steps)\n", plan.Name, len(plan.Steps))

	exec, err := engine.Execute(context.Background(), plan, workflowExecutor(cfg, procs))
	if err != nil {
		return err
	}

	fmt.Printf("Workflow %s: %s\n", exec.ID, exec.Status)
	ids := make([]string, 0, len(exec.Steps))
	for id := range exec.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := exec.Steps[id]
		line := fmt.Sprintf("  %s: %s", id, st.Status)
		if st.Error != "" {
			line += " (" + st.Error + ")"
		}
		fmt.Println(line)
	}
	if exec.FinalResult != "" {
		fmt.Printf("\n%s\n", utils.Truncate(exec.FinalResult, 2000))
	}

	if exec.Status != workflow.StatusCompleted {
		return fmt.Errorf("workflow finished with status %s", exec.Status)
	}
	return nil
}

// workflowExecutor runs one step against a pooled subprocess. Ephemeral
// agent definitions map onto the pool by their id; the global process
// command backs any agent the config does not name.
func workflowExecutor(cfg *config.Config, procs *process.Manager) workflow.StepExecutor {
	return func(ctx context.Context, agent workflow.AgentDef, prompt string) (string, error) {
		agentCfg, ok := cfg.GetAgent(agent.ID)
		if !ok {
			agentCfg.ID = agent.ID
			agentCfg.DisplayName = agent.DisplayName
			agentCfg.Model = agent.Model
		}

		h, _, err := procs.GetProcess(agentCfg, "workflow")
		if err != nil {
			return "", err
		}
		defer procs.ReleaseProcess(agentCfg.ID, h)

		timeout := time.Duration(cfg.Process.ResponseTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return h.SendMessage(stepCtx, prompt)
	}
}
