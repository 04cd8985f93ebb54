package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/approval"
	"github.com/relaylabs/relay/internal/channels"
	"github.com/relaylabs/relay/internal/channels/slack"
	"github.com/relaylabs/relay/internal/channels/telegram"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/gateway"
	"github.com/relaylabs/relay/internal/pairing"
	"github.com/relaylabs/relay/internal/sessions"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging gateway",
		Long: `Start the gateway with all enabled channel adapters.

Messages from authorized senders run through the agent; unknown senders
receive a pairing code to be approved with "relay pairing approve".
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

// warnIfOpen flags channels with no allow_from list: they accept every
// sender without pairing.
func warnIfOpen(logger *slog.Logger, platform string, allowFrom []string) {
	if len(allowFrom) == 0 {
		logger.Warn("channel has no allow_from configured, running in open mode",
			"channel", platform)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	registry := channels.NewRegistry()
	authorities := make(map[string]*pairing.Authority)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:  cfg.Channels.Telegram.Token,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		registry.Register(adapter)
		store := pairing.NewStore(adapter.Name(), cfg.StateDir)
		authorities[adapter.Name()] = pairing.NewAuthority(
			adapter.Name(), store, cfg.Channels.Telegram.AllowFrom, cfg.Channels.Pairing, logger)
		warnIfOpen(logger, adapter.Name(), cfg.Channels.Telegram.AllowFrom)
	}

	if cfg.Channels.Slack.Enabled {
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		registry.Register(adapter)
		store := pairing.NewStore(adapter.Name(), cfg.StateDir)
		authorities[adapter.Name()] = pairing.NewAuthority(
			adapter.Name(), store, cfg.Channels.Slack.AllowFrom, cfg.Channels.Pairing, logger)
		warnIfOpen(logger, adapter.Name(), cfg.Channels.Slack.AllowFrom)
	}

	if len(registry.All()) == 0 {
		return fmt.Errorf("no channels enabled in %s", configPath)
	}

	// Gateway conversations have no terminal attached, so risky commands
	// resolve against the allowlist and otherwise refuse.
	engine := buildApprovalEngine(cfg, &approval.StaticDenier{
		Guidance: "approve it from the CLI with: relay allowlist add <pattern>",
	}, logger)

	g := gateway.New(gateway.Config{
		Channels:      registry,
		NewRunner:     runnerFactory(cfg, provider, engine, logger),
		Sessions:      sessions.NewRegistry(logger),
		Authorities:   authorities,
		MaxConcurrent: cfg.Agent.MaxConcurrency,
		Logger:        logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		return err
	}
	logger.Info("gateway running", "channels", len(registry.All()))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return g.Stop(stopCtx)
}
