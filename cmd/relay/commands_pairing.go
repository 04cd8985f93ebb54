package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/pairing"
)

var pairingPlatforms = []string{"telegram", "slack"}

func buildPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pairing requests for messaging channels",
	}
	cmd.AddCommand(buildPairingListCmd(), buildPairingApproveCmd(), buildPairingDenyCmd())
	return cmd
}

func buildPairingListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingList(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildPairingApproveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "approve [platform] [code]",
		Short: "Approve a pairing code, granting the requester access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingApprove(configPath, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildPairingDenyCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "deny [platform] [code]",
		Short: "Deny a pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingDeny(configPath, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func pairingStore(configPath, platform string) (*pairing.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	for _, p := range pairingPlatforms {
		if p == platform {
			return pairing.NewStore(platform, cfg.StateDir), nil
		}
	}
	return nil, fmt.Errorf("unknown platform %q (expected one of %v)", platform, pairingPlatforms)
}

func runPairingList(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLATFORM\tCODE\tREQUESTER\tNAME\tEXPIRES")
	total := 0
	for _, platform := range pairingPlatforms {
		store := pairing.NewStore(platform, cfg.StateDir)
		pending, err := store.Pending()
		if err != nil {
			return err
		}
		for _, req := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				platform, req.Code, req.RequesterID, req.RequesterName,
				req.ExpiresAt.Format(time.RFC3339))
			total++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total == 0 {
		fmt.Println("No pending pairing requests.")
	}
	return nil
}

func runPairingApprove(configPath, platform, code string) error {
	store, err := pairingStore(configPath, platform)
	if err != nil {
		return err
	}

	grant, err := store.Approve(code)
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		return fmt.Errorf("no pending request matches %q", code)
	case errors.Is(err, pairing.ErrExpired):
		return fmt.Errorf("code %q has expired; ask the requester to try again", code)
	case errors.Is(err, pairing.ErrLockedOut):
		return fmt.Errorf("too many failed attempts; the request was discarded")
	case err != nil:
		return err
	}

	fmt.Printf("Approved %s on %s.\n", grant.RequesterID, platform)
	return nil
}

func runPairingDeny(configPath, platform, code string) error {
	store, err := pairingStore(configPath, platform)
	if err != nil {
		return err
	}

	req, err := store.Deny(code)
	if errors.Is(err, pairing.ErrNotFound) {
		return fmt.Errorf("no pending request matches %q", code)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Denied request from %s on %s.\n", req.RequesterID, platform)
	return nil
}
