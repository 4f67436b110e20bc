// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package swarm

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/packclaw/pkg/logger"
)

const waveClaimer = "wave-engine"

// OutcomeSkipped marks a wave task another claimer got to first.
const OutcomeSkipped = "skipped"

// WaveGroup is one batch of already-created tasks that run together.
type WaveGroup struct {
	Wave  int     `json:"wave"`
	Tasks []*Task `json:"tasks"`
}

// WaveExecutor runs one claimed task and returns its result text.
type WaveExecutor func(ctx context.Context, task *Task) (string, error)

// WaveTaskResult is the per-task line item in a wave summary.
type WaveTaskResult struct {
	TaskID string `json:"task_id"`
	Wave   int    `json:"wave"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// WaveSummary aggregates a full wave run.
type WaveSummary struct {
	TotalWaves     int              `json:"total_waves"`
	CompletedWaves int              `json:"completed_waves"`
	TotalTasks     int              `json:"total_tasks"`
	Completed      int              `json:"completed"`
	Failed         int              `json:"failed"`
	Skipped        int              `json:"skipped"`
	Results        []WaveTaskResult `json:"results"`
}

// ExecuteWaves runs wave groups in ascending wave order. Tasks inside a
// wave run in parallel and fail forward: one task's error never stops its
// siblings, and the next wave starts regardless. Tasks whose claim is lost
// to another runner are reported skipped.
func (m *Manager) ExecuteWaves(ctx context.Context, sessionID string, waves []WaveGroup, executor WaveExecutor) (*WaveSummary, error) {
	sorted := make([]WaveGroup, len(waves))
	copy(sorted, waves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Wave < sorted[j].Wave })

	summary := &WaveSummary{TotalWaves: len(sorted)}
	for _, wave := range sorted {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		results := m.runWave(ctx, wave, executor)
		summary.TotalTasks += len(wave.Tasks)
		summary.CompletedWaves++
		for _, res := range results {
			summary.Results = append(summary.Results, res)
			switch res.Status {
			case OutcomeCompleted:
				summary.Completed++
			case OutcomeFailed:
				summary.Failed++
			case OutcomeSkipped:
				summary.Skipped++
			}
		}

		logger.InfoCF("swarm", "Wave finished", map[string]any{
			"session": sessionID,
			"wave":    wave.Wave,
			"tasks":   len(wave.Tasks),
		})
	}
	return summary, nil
}

func (m *Manager) runWave(ctx context.Context, wave WaveGroup, executor WaveExecutor) []WaveTaskResult {
	results := make([]WaveTaskResult, len(wave.Tasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range wave.Tasks {
		claimed, err := m.store.ClaimTask(ctx, t.ID, waveClaimer)
		if err != nil || !claimed {
			results[i] = WaveTaskResult{TaskID: t.ID, Wave: wave.Wave, Status: OutcomeSkipped}
			continue
		}

		g.Go(func() error {
			out, err := executor(gctx, t)
			// Terminal updates use a fresh context so a cancelled run
			// still records what happened.
			if err != nil {
				if ferr := m.store.FailTask(context.Background(), t.ID, err.Error()); ferr != nil {
					logger.ErrorCF("swarm", "Fail task failed", map[string]any{
						"task":  t.ID,
						"error": ferr.Error(),
					})
				}
				results[i] = WaveTaskResult{TaskID: t.ID, Wave: wave.Wave, Status: OutcomeFailed, Result: err.Error()}
				return nil
			}
			if cerr := m.store.CompleteTask(context.Background(), t.ID, out); cerr != nil {
				logger.ErrorCF("swarm", "Complete task failed", map[string]any{
					"task":  t.ID,
					"error": cerr.Error(),
				})
			}
			results[i] = WaveTaskResult{TaskID: t.ID, Wave: wave.Wave, Status: OutcomeCompleted, Result: out}
			return nil
		})
	}
	g.Wait()

	return results
}
