package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/approval"
	"github.com/relaylabs/relay/internal/batch"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/sessions"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "run [prompts-file]",
		Short: "Run a batch of prompts through the agent",
		Long: `Run every prompt in the file (one per line, # comments skipped)
through the agent in parallel. Outcomes persist in a local database keyed
by prompt content, so re-running the same file resumes where it left off.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), configPath, args[0], workers)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0,
		"Concurrent prompts (overrides batch.workers)")
	return cmd
}

func runBatch(ctx context.Context, configPath, promptsPath string, workers int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	prompts, err := readPrompts(promptsPath)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return fmt.Errorf("no prompts in %s", promptsPath)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	store, err := batch.OpenStore(cfg.Batch.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Batch runs are unattended; risky commands resolve against the
	// allowlist only.
	engine := buildApprovalEngine(cfg, &approval.StaticDenier{}, logger)

	registry := sessions.NewRegistry(logger)
	defer registry.Close()

	run := func(ctx context.Context, taskID, prompt string) (string, error) {
		session, err := registry.Acquire(taskID)
		if err != nil {
			return "", err
		}
		defer func() {
			engine.EndSession(taskID)
			if err := registry.Release(taskID); err != nil {
				logger.Warn("failed to release tool session", "task_id", taskID, "error", err)
			}
		}()

		loop := buildLoop(cfg, provider, engine, session, logger)
		return batch.LoopRunFunc(loop)(ctx, taskID, prompt)
	}

	if workers <= 0 {
		workers = cfg.Batch.Workers
	}
	orchestrator := batch.NewOrchestrator(store, run, workers, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, err := orchestrator.Run(ctx, prompts)
	fmt.Printf("total=%d succeeded=%d failed=%d skipped=%d\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Skipped)
	return err
}

// readPrompts loads prompts from a file, one per line. Blank lines and
// #-prefixed comments are skipped.
func readPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	return prompts, scanner.Err()
}
