// Package main provides the moor CLI: a durable, event-driven agent
// runtime driving an LLM provider against local and remote tools.
//
// Basic usage:
//
//	moor chat --template dev "refactor the parser"
//	moor room --member planner=planner --member dev=dev
//	moor resume --agent agent-1 --strategy crash
//	moor events --agent agent-1 --channel progress
//
// Environment variables:
//
//   - MOOR_CONFIG: path to the configuration file (default: moor.yaml)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/moor/internal/config"
	"github.com/haasonsaas/moor/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "moor",
		Short:         "Durable event-driven agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default moor.yaml, then built-in defaults)")

	root.AddCommand(
		buildChatCmd(),
		buildRoomCmd(),
		buildResumeCmd(),
		buildEventsCmd(),
		buildTemplatesCmd(),
		buildVersionCmd(),
	)
	return root
}

// loadConfig resolves the config file: --config, MOOR_CONFIG, moor.yaml,
// or built-in defaults when none exists.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("MOOR_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("moor.yaml"); err == nil {
			path = "moor.yaml"
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moor %s (%s)\n", version, commit)
		},
	}
}
