package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/approval"
	"github.com/relaylabs/relay/internal/config"
)

func buildAllowlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Manage the persistent approved-command list",
		Long: `The allowlist holds command patterns approved with "always" scope.
Patterns match exactly, or as a prefix when they end with "*"
(e.g. "git push *").`,
	}
	cmd.AddCommand(buildAllowlistListCmd(), buildAllowlistAddCmd(), buildAllowlistRemoveCmd())
	return cmd
}

func allowlistStore(configPath string) (*approval.AllowlistStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return approval.NewAllowlistStore(cfg.Approval.AllowlistPath), nil
}

func buildAllowlistListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approved command patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := allowlistStore(configPath)
			if err != nil {
				return err
			}
			patterns, err := store.List()
			if err != nil {
				return err
			}
			if len(patterns) == 0 {
				fmt.Println("Allowlist is empty.")
				return nil
			}
			for _, p := range patterns {
				fmt.Println(p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildAllowlistAddCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "add [pattern]",
		Short: "Add a command pattern to the allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := allowlistStore(configPath)
			if err != nil {
				return err
			}
			if err := store.Add(args[0]); err != nil {
				return err
			}
			fmt.Printf("Added %q.\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildAllowlistRemoveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "remove [pattern]",
		Short: "Remove a command pattern from the allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := allowlistStore(configPath)
			if err != nil {
				return err
			}
			removed, err := store.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("pattern %q is not in the allowlist", args[0])
			}
			fmt.Printf("Removed %q.\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
