package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvPackClawConfig = "PACKCLAW_CONFIG"
	EnvPackClawHome   = "PACKCLAW_HOME"
)

// RuntimePaths locates the on-disk layout the CLI host works with. The
// core packages never read these env vars themselves; resolution happens
// once, in the host.
type RuntimePaths struct {
	HomeDir       string
	ConfigPath    string
	SwarmDBPath   string
	UltraWorkDir  string
	CheckpointDir string
	MemoryPath    string
}

func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvPackClawConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvPackClawHome)))
	if homeDir == "" {
		homeDir = defaultPackClawHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.json"))
}

func defaultPackClawHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".packclaw"
	}
	return filepath.Join(home, ".packclaw")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:       homeDir,
		ConfigPath:    configPath,
		SwarmDBPath:   filepath.Join(homeDir, "swarm.db"),
		UltraWorkDir:  filepath.Join(homeDir, "ultrawork"),
		CheckpointDir: filepath.Join(homeDir, "checkpoints"),
		MemoryPath:    filepath.Join(homeDir, "memory.jsonl"),
	}
}
