// Package main provides the CLI entry point for Relay, an AI agent runtime
// shared by a terminal client and a multi-platform messaging gateway.
//
// # Basic Usage
//
// Start the messaging gateway:
//
//	relay serve --config relay.yaml
//
// Chat interactively in the terminal:
//
//	relay chat
//
// Run a batch of prompts:
//
//	relay run prompts.txt
//
// Manage pairing and the command allowlist:
//
//	relay pairing list
//	relay pairing approve telegram ABCD2345
//	relay allowlist add "git push *"
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/observability"
)

// Build information populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - AI agent runtime for terminal and messaging platforms",
		Long: `Relay runs a tool-calling AI agent behind a terminal client and a
multi-platform messaging gateway (Telegram, Slack).

Dangerous commands are gated by an approval flow in the terminal and a
persistent allowlist everywhere else. Unknown messaging senders pair
with short-lived codes approved from the CLI.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildRunCmd(),
		buildPairingCmd(),
		buildAllowlistCmd(),
	)

	return rootCmd
}

// newLogger builds the process logger from config. Records pass through the
// redaction layer so tokens and keys never reach the output.
func newLogger(cfg config.LogConfig) *slog.Logger {
	logger := observability.NewLogger(observability.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
	})
	slog.SetDefault(logger)
	return logger
}
