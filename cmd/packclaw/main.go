// PackClaw - Multi-agent orchestration core
// https://github.com/sipeed/packclaw
// License: MIT
//
// Copyright (c) 2026 Sipeed

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sipeed/packclaw/pkg/config"
	"github.com/sipeed/packclaw/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "packclaw",
	Short: "PackClaw multi-agent orchestration host",
	Long: "PackClaw coordinates a pack of agent subprocesses: routing, process pools,\n" +
		"background tasks, swarm sessions, workflows, and UltraWork sessions.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"config file path (default: $PACKCLAW_CONFIG, then ~/.packclaw/config.json)")

	rootCmd.AddCommand(
		newServeCmd(),
		newSwarmCmd(),
		newWorkflowCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("packclaw %s\n", v)
			if buildTime != "" {
				fmt.Printf("  Build: %s\n", buildTime)
			}
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}

// resolveConfigPath prefers the --config flag, then the PACKCLAW_CONFIG /
// PACKCLAW_HOME environment, then ~/.packclaw/config.json.
func resolveConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	return config.ResolveRuntimePaths().ConfigPath
}

// loadConfig reads the configured file, layering defaults and PACKCLAW_*
// env vars the way every command expects.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			logger.WarnCF("host", "File logging unavailable", map[string]any{"error": err.Error()})
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
