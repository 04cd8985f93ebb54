package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relaylabs/relay/internal/agent"
	"github.com/relaylabs/relay/internal/approval"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/gateway"
	"github.com/relaylabs/relay/internal/providers"
	"github.com/relaylabs/relay/internal/sessions"
	"github.com/relaylabs/relay/internal/tools/exec"
	"github.com/relaylabs/relay/internal/tools/files"
)

const (
	defaultConfigPath = "relay.yaml"

	// shutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
	shutdownTimeout = 15 * time.Second
)

// buildProvider creates the model backend from config.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	apiKey := cfg.Provider.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured (set provider.api_key or OPENAI_API_KEY)")
	}
	return providers.NewOpenAIProvider(apiKey, &providers.Options{
		BaseURL: cfg.Provider.BaseURL,
	}), nil
}

// buildToolRegistry assembles the tool set for one tool session.
func buildToolRegistry(cfg *config.Config, session *sessions.ToolSession) *agent.ToolRegistry {
	registry := agent.NewToolRegistry()
	registry.Register(exec.NewTerminalTool(session, cfg.Agent.Workspace, cfg.Agent.ToolTimeout))
	for _, t := range files.Tools(files.Config{Workspace: cfg.Agent.Workspace}) {
		registry.Register(t)
	}
	return registry
}

// buildLoop creates a conversation loop bound to one tool session.
func buildLoop(cfg *config.Config, provider agent.LLMProvider, approver agent.Approver,
	session *sessions.ToolSession, logger *slog.Logger) *agent.Loop {
	return agent.NewLoop(provider, buildToolRegistry(cfg, session), &agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		MaxWallTime:   cfg.Agent.MaxWallTime,
		Model:         cfg.Provider.Model,
		System:        cfg.Agent.System,
		ExecutorConfig: &agent.ExecutorConfig{
			MaxConcurrency: cfg.Agent.MaxConcurrency,
			DefaultTimeout: cfg.Agent.ToolTimeout,
		},
		Approver: approver,
		Logger:   logger,
	})
}

// runnerFactory builds per-conversation loops for the gateway.
func runnerFactory(cfg *config.Config, provider agent.LLMProvider, approver agent.Approver,
	logger *slog.Logger) gateway.RunnerFactory {
	return func(session *sessions.ToolSession) gateway.Runner {
		return buildLoop(cfg, provider, approver, session, logger)
	}
}

// buildApprovalEngine wires the risk gate. Interactive approval only exists
// where a terminal does; everything else denies with allowlist guidance.
func buildApprovalEngine(cfg *config.Config, prompter approval.Prompter, logger *slog.Logger) *approval.Engine {
	allowlist := approval.NewAllowlistStore(cfg.Approval.AllowlistPath)
	if cfg.Approval.Mode == "deny" {
		prompter = nil
	}
	return approval.NewEngine(allowlist, prompter, cfg.Approval.Sandboxed, logger)
}
