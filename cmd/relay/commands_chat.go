package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/agent"
	"github.com/relaylabs/relay/internal/approval"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/sessions"
)

func buildChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Long: `Start an interactive conversation. The terminal keeps one tool
session for the whole conversation, so shell state persists between
turns. Risky commands prompt for approval before running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

func runChat(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	// One reader serves both the REPL and approval prompts so input is
	// never split across two buffers.
	stdin := bufio.NewReader(os.Stdin)

	engine := buildApprovalEngine(cfg, &approval.InteractivePrompter{
		In:  stdin,
		Out: os.Stderr,
	}, logger)

	registry := sessions.NewRegistry(logger)
	defer registry.Close()

	taskID := "cli:" + uuid.NewString()
	session, err := registry.Acquire(taskID)
	if err != nil {
		return err
	}
	defer engine.EndSession(taskID)

	loop := buildLoop(cfg, provider, engine, session, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	promptColor := color.New(color.FgBlue, color.Bold)
	replyColor := color.New(color.FgGreen)

	fmt.Println("Relay chat. Type a message, or \"exit\" to quit.")

	var history []agent.CompletionMessage
	for {
		promptColor.Print("> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		history = append(history, agent.CompletionMessage{Role: "user", Content: input})

		res, err := loop.Run(ctx, taskID, history)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println()
				return nil
			}
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
			history = history[:len(history)-1]
			continue
		}

		history = res.Messages
		switch {
		case res.FinalText != "":
			replyColor.Println(res.FinalText)
		case res.FinishedNaturally:
			replyColor.Println("(no response)")
		default:
			fmt.Fprintf(os.Stderr, "run stopped early (%s)\n", res.Phase)
		}
	}
}
