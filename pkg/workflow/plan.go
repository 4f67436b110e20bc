// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

// Package workflow executes ephemeral-agent plans: a JSON document, usually
// produced by a planning agent inside a fenced block, describing steps, the
// agents that run them, and the dependencies between them.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoPlan means the text held neither a workflow_plan block nor raw JSON.
var ErrNoPlan = errors.New("no workflow plan found")

// AgentDef describes an ephemeral agent created for a single step.
type AgentDef struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Backend      string `json:"backend,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Step is one unit of a plan. DependsOn names earlier step ids whose
// results this step may reference as {{id.result}}.
type Step struct {
	ID        string   `json:"id"`
	Agent     AgentDef `json:"agent"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"depends_on,omitempty"`
	Optional  bool     `json:"optional,omitempty"`
}

// Synthesis shapes the final result out of the step results.
type Synthesis struct {
	PromptTemplate string `json:"prompt_template,omitempty"`
}

// Plan is a parsed workflow document.
type Plan struct {
	Name      string     `json:"name,omitempty"`
	Steps     []Step     `json:"steps"`
	Synthesis *Synthesis `json:"synthesis,omitempty"`
}

// ParsePlan extracts a plan from agent output. It prefers a fenced block
// labelled workflow_plan (whose body may itself be a json-fenced block),
// and falls back to treating the whole text as raw JSON.
func ParsePlan(text string) (*Plan, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	if body, ok := extractFenced(text, "workflow_plan"); ok {
		body = stripInnerFence(strings.TrimSpace(body))
		var p Plan
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("parse workflow plan: %w", err)
		}
		return &p, nil
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var p Plan
		if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
			return nil, fmt.Errorf("parse workflow plan: %w", err)
		}
		return &p, nil
	}
	return nil, ErrNoPlan
}

// extractFenced returns the body of the first ```label block. Tagged inner
// fences nest; a bare ``` always closes the innermost open fence.
func extractFenced(text, label string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != "```"+label {
			continue
		}
		depth := 1
		var body []string
		for j := i + 1; j < len(lines); j++ {
			t := strings.TrimSpace(lines[j])
			switch {
			case t == "```":
				depth--
				if depth == 0 {
					return strings.Join(body, "\n"), true
				}
			case strings.HasPrefix(t, "```"):
				depth++
			}
			body = append(body, lines[j])
		}
		// Unterminated block: take everything to the end.
		return strings.Join(body, "\n"), true
	}
	return "", false
}

// stripInnerFence unwraps a body that is itself a fenced code block, e.g.
// a ```json block inside the workflow_plan block.
func stripInnerFence(body string) string {
	if !strings.HasPrefix(body, "```") {
		return body
	}
	idx := strings.Index(body, "\n")
	if idx < 0 {
		return body
	}
	body = strings.TrimSpace(body[idx+1:])
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// Validate checks the plan's structural rules. maxSteps bounds the number
// of ephemeral agents a single plan may spawn; 0 means unbounded.
func (p *Plan) Validate(maxSteps int) error {
	if len(p.Steps) == 0 {
		return errors.New("workflow plan has no steps")
	}
	if maxSteps > 0 && len(p.Steps) > maxSteps {
		return fmt.Errorf("workflow plan has %d steps, limit is %d", len(p.Steps), maxSteps)
	}

	known := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return errors.New("workflow step with empty id")
		}
		if known[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		known[s.ID] = true
		if strings.TrimSpace(s.Agent.ID) == "" || strings.TrimSpace(s.Agent.DisplayName) == "" {
			return fmt.Errorf("step %q: agent definition needs id and display_name", s.ID)
		}
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("step %q depends on itself", s.ID)
			}
			if !known[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	if _, err := p.Levels(); err != nil {
		return err
	}
	return nil
}

// Levels groups steps into parallel execution levels, where a step's level
// is one past its deepest dependency. Fails on cycles.
func (p *Plan) Levels() ([][]*Step, error) {
	level := make(map[string]int, len(p.Steps))

	for len(level) < len(p.Steps) {
		progressed := false
		for i := range p.Steps {
			s := &p.Steps[i]
			if _, done := level[s.ID]; done {
				continue
			}
			lv := 0
			ready := true
			for _, dep := range s.DependsOn {
				dl, done := level[dep]
				if !done {
					ready = false
					break
				}
				if dl+1 > lv {
					lv = dl + 1
				}
			}
			if !ready {
				continue
			}
			level[s.ID] = lv
			progressed = true
		}
		if !progressed {
			return nil, errors.New("workflow plan contains a dependency cycle")
		}
	}

	maxLevel := 0
	for _, lv := range level {
		if lv > maxLevel {
			maxLevel = lv
		}
	}
	out := make([][]*Step, maxLevel+1)
	for i := range p.Steps {
		s := &p.Steps[i]
		out[level[s.ID]] = append(out[level[s.ID]], s)
	}
	return out, nil
}
