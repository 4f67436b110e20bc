// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
// Copyright (c) 2026 Sipeed

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Agents       []AgentConfig              `json:"agents"`
	Orchestrator OrchestratorConfig         `json:"orchestrator"`
	Continuation ContinuationConfig         `json:"continuation"`
	Categories   []CategoryConfig           `json:"categories"`
	Channels     map[string]ChannelOverride `json:"channels"`
	Process      ProcessConfig              `json:"process"`
	Queue        QueueConfig                `json:"queue"`
	Tasks        TasksConfig                `json:"tasks"`
	Swarm        SwarmConfig                `json:"swarm"`
	Workflow     WorkflowConfig             `json:"workflow"`
	UltraWork    UltraWorkConfig            `json:"ultrawork"`
	Memory       MemoryConfig               `json:"memory"`
	Notify       NotifyConfig               `json:"notify"`
	Maintenance  MaintenanceConfig          `json:"maintenance"`
	Logging      LoggingConfig              `json:"logging"`
	mu           sync.RWMutex
}

type OrchestratorConfig struct {
	Enabled          bool   `json:"enabled" env:"PACKCLAW_ORCHESTRATOR_ENABLED"`
	FreeChat         bool   `json:"free_chat" env:"PACKCLAW_ORCHESTRATOR_FREE_CHAT"`
	DefaultAgent     string `json:"default_agent" env:"PACKCLAW_ORCHESTRATOR_DEFAULT_AGENT"`
	MaxChainLength   int    `json:"max_chain_length" env:"PACKCLAW_ORCHESTRATOR_MAX_CHAIN_LENGTH"`
	GlobalCooldownMS int    `json:"global_cooldown_ms" env:"PACKCLAW_ORCHESTRATOR_GLOBAL_COOLDOWN_MS"`
	AgentCooldownMS  int    `json:"agent_cooldown_ms" env:"PACKCLAW_ORCHESTRATOR_AGENT_COOLDOWN_MS"`
}

// ContinuationConfig tunes completion detection. Markers and patterns
// extend the built-in sets, they do not replace them.
type ContinuationConfig struct {
	MaxRetries      int      `json:"max_retries" env:"PACKCLAW_CONTINUATION_MAX_RETRIES"`
	LengthThreshold int      `json:"length_threshold" env:"PACKCLAW_CONTINUATION_LENGTH_THRESHOLD"`
	ExtraMarkers    []string `json:"extra_markers"`
	ExtraPatterns   []string `json:"extra_patterns"`
}

type CategoryConfig struct {
	Name     string   `json:"name"`
	Patterns []string `json:"patterns"`
	AgentIDs []string `json:"agent_ids"`
	Priority int      `json:"priority"`
}

// ChannelOverride narrows or redirects orchestration for one channel.
// FreeChat is tri-state: nil inherits the global setting.
type ChannelOverride struct {
	DefaultAgent   string   `json:"default_agent,omitempty"`
	DisabledAgents []string `json:"disabled_agents,omitempty"`
	FreeChat       *bool    `json:"free_chat,omitempty"`
}

type ProcessConfig struct {
	Command            string `json:"command" env:"PACKCLAW_PROCESS_COMMAND"`
	DefaultPoolSize    int    `json:"default_pool_size" env:"PACKCLAW_PROCESS_DEFAULT_POOL_SIZE"`
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes" env:"PACKCLAW_PROCESS_IDLE_TIMEOUT_MINUTES"`
	ResponseTimeoutSec int    `json:"response_timeout_sec" env:"PACKCLAW_PROCESS_RESPONSE_TIMEOUT_SEC"`
}

type QueueConfig struct {
	MaxPerAgent int `json:"max_per_agent" env:"PACKCLAW_QUEUE_MAX_PER_AGENT"`
	TTLMinutes  int `json:"ttl_minutes" env:"PACKCLAW_QUEUE_TTL_MINUTES"`
	MaxRetries  int `json:"max_retries" env:"PACKCLAW_QUEUE_MAX_RETRIES"`
}

type TasksConfig struct {
	MaxQueueSize          int `json:"max_queue_size" env:"PACKCLAW_TASKS_MAX_QUEUE_SIZE"`
	MaxConcurrentPerAgent int `json:"max_concurrent_per_agent" env:"PACKCLAW_TASKS_MAX_CONCURRENT_PER_AGENT"`
	MaxTotalConcurrent    int `json:"max_total_concurrent" env:"PACKCLAW_TASKS_MAX_TOTAL_CONCURRENT"`
	StaleTimeoutMinutes   int `json:"stale_timeout_minutes" env:"PACKCLAW_TASKS_STALE_TIMEOUT_MINUTES"`
	RetentionLimit        int `json:"retention_limit" env:"PACKCLAW_TASKS_RETENTION_LIMIT"`
}

type SwarmConfig struct {
	DBPath               string `json:"db_path" env:"PACKCLAW_SWARM_DB_PATH"`
	LeaseTimeoutMinutes  int    `json:"lease_timeout_minutes" env:"PACKCLAW_SWARM_LEASE_TIMEOUT_MINUTES"`
	MaxRetries           int    `json:"max_retries" env:"PACKCLAW_SWARM_MAX_RETRIES"`
	PollIntervalMS       int    `json:"poll_interval_ms" env:"PACKCLAW_SWARM_POLL_INTERVAL_MS"`
	AutoCheckpoint       bool   `json:"auto_checkpoint" env:"PACKCLAW_SWARM_AUTO_CHECKPOINT"`
	CheckpointDir        string `json:"checkpoint_dir" env:"PACKCLAW_SWARM_CHECKPOINT_DIR"`
	CheckpointDebounceMS int    `json:"checkpoint_debounce_ms" env:"PACKCLAW_SWARM_CHECKPOINT_DEBOUNCE_MS"`
}

type WorkflowConfig struct {
	MaxEphemeralAgents int `json:"max_ephemeral_agents" env:"PACKCLAW_WORKFLOW_MAX_EPHEMERAL_AGENTS"`
	MaxDurationMinutes int `json:"max_duration_minutes" env:"PACKCLAW_WORKFLOW_MAX_DURATION_MINUTES"`
}

type UltraWorkConfig struct {
	BaseDir            string `json:"base_dir" env:"PACKCLAW_ULTRAWORK_BASE_DIR"`
	PersistState       bool   `json:"persist_state" env:"PACKCLAW_ULTRAWORK_PERSIST_STATE"`
	MaxSteps           int    `json:"max_steps" env:"PACKCLAW_ULTRAWORK_MAX_STEPS"`
	MaxDurationMinutes int    `json:"max_duration_minutes" env:"PACKCLAW_ULTRAWORK_MAX_DURATION_MINUTES"`
	PlanningMaxSteps   int    `json:"planning_max_steps" env:"PACKCLAW_ULTRAWORK_PLANNING_MAX_STEPS"`
	BuildingMaxSteps   int    `json:"building_max_steps" env:"PACKCLAW_ULTRAWORK_BUILDING_MAX_STEPS"`
	RetroMaxSteps      int    `json:"retro_max_steps" env:"PACKCLAW_ULTRAWORK_RETRO_MAX_STEPS"`
}

type MemoryConfig struct {
	Enabled     bool   `json:"enabled" env:"PACKCLAW_MEMORY_ENABLED"`
	Path        string `json:"path" env:"PACKCLAW_MEMORY_PATH"`
	SearchLimit int    `json:"search_limit" env:"PACKCLAW_MEMORY_SEARCH_LIMIT"`
}

type NotifyConfig struct {
	MaxMessageLength int     `json:"max_message_length" env:"PACKCLAW_NOTIFY_MAX_MESSAGE_LENGTH"`
	RatePerSecond    float64 `json:"rate_per_second" env:"PACKCLAW_NOTIFY_RATE_PER_SECOND"`
	Burst            int     `json:"burst" env:"PACKCLAW_NOTIFY_BURST"`
	QueueSize        int     `json:"queue_size" env:"PACKCLAW_NOTIFY_QUEUE_SIZE"`
}

type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled" env:"PACKCLAW_MAINTENANCE_ENABLED"`
	Schedule string `json:"schedule" env:"PACKCLAW_MAINTENANCE_SCHEDULE"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"PACKCLAW_LOG_LEVEL"`
	File  string `json:"file" env:"PACKCLAW_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Agents:   []AgentConfig{},
		Channels: map[string]ChannelOverride{},
		Orchestrator: OrchestratorConfig{
			Enabled:          true,
			FreeChat:         false,
			MaxChainLength:   5,
			GlobalCooldownMS: 3000,
			AgentCooldownMS:  2000,
		},
		Continuation: ContinuationConfig{
			MaxRetries:      3,
			LengthThreshold: 1800,
		},
		Process: ProcessConfig{
			Command:            "claude",
			DefaultPoolSize:    1,
			IdleTimeoutMinutes: 10,
			ResponseTimeoutSec: 120,
		},
		Queue: QueueConfig{
			MaxPerAgent: 5,
			TTLMinutes:  20,
			MaxRetries:  3,
		},
		Tasks: TasksConfig{
			MaxQueueSize:          100,
			MaxConcurrentPerAgent: 2,
			MaxTotalConcurrent:    5,
			StaleTimeoutMinutes:   30,
			RetentionLimit:        50,
		},
		Swarm: SwarmConfig{
			DBPath:               "~/.packclaw/swarm.db",
			LeaseTimeoutMinutes:  10,
			MaxRetries:           2,
			PollIntervalMS:       2000,
			AutoCheckpoint:       true,
			CheckpointDir:        "~/.packclaw/checkpoints",
			CheckpointDebounceMS: 5000,
		},
		Workflow: WorkflowConfig{
			MaxEphemeralAgents: 10,
			MaxDurationMinutes: 30,
		},
		UltraWork: UltraWorkConfig{
			BaseDir:            "~/.packclaw/ultrawork",
			PersistState:       true,
			MaxSteps:           20,
			MaxDurationMinutes: 60,
			PlanningMaxSteps:   5,
			BuildingMaxSteps:   15,
			RetroMaxSteps:      3,
		},
		Memory: MemoryConfig{
			Enabled:     true,
			Path:        "~/.packclaw/memory.jsonl",
			SearchLimit: 5,
		},
		Notify: NotifyConfig{
			MaxMessageLength: 1800,
			RatePerSecond:    1,
			Burst:            5,
			QueueSize:        100,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "* * * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig layers a JSON file over DefaultConfig, then PACKCLAW_* env vars
// over both. A missing file is not an error; the defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }

// SwarmDBPath returns the swarm database path with ~ expanded.
func (c *Config) SwarmDBPath() string {
	return expandHome(c.Swarm.DBPath)
}

// UltraWorkDir returns the ultrawork state directory with ~ expanded.
func (c *Config) UltraWorkDir() string {
	return expandHome(c.UltraWork.BaseDir)
}

// MemoryPath returns the local memory store path with ~ expanded.
func (c *Config) MemoryPath() string {
	return expandHome(c.Memory.Path)
}

// CheckpointDir returns the swarm checkpoint directory with ~ expanded.
func (c *Config) CheckpointDir() string {
	return expandHome(c.Swarm.CheckpointDir)
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
