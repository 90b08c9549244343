package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/based-aa/aa-minter/internal/app"
	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/based-aa/aa-minter/internal/core/service"
	"github.com/based-aa/aa-minter/pkg/journal"
	"github.com/based-aa/aa-minter/pkg/version"
	"github.com/spf13/cobra"
)

var (
	loginMethod string
	opsCleanup  time.Duration
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Log in and print the smart account address",
	RunE: func(cmd *cobra.Command, _ []string) error {
		minter, method, err := headless(cmd)
		if err != nil {
			return err
		}
		defer minter.Close()

		_, sess, err := minter.Login(cmd.Context(), method)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Owner:         %s\n", sess.Signer.Address().Hex())
		fmt.Fprintf(out, "Smart Account: %s\n", sess.Account.Address.Hex())
		fmt.Fprintf(out, "Explorer:      %s\n", service.AccountURL(minter.Config().ExplorerURL, sess.Account.Address))
		return nil
	},
}

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Log in and mint one NFT to the smart account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		minter, method, err := headless(cmd)
		if err != nil {
			return err
		}
		defer minter.Close()

		ctrl, _, err := minter.Login(cmd.Context(), method)
		if err != nil {
			return err
		}
		result, err := ctrl.Mint(cmd.Context())
		if err != nil {
			return errors.New(domain.UserMessage(err))
		}
		return printJSON(cmd, result)
	},
}

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List journaled user operations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, _ := loadConfig(true)
		j := journal.NewClient(filepath.Join(app.StateDir(cfg), "ops"))

		if opsCleanup > 0 {
			n, err := j.CleanupOld(opsCleanup)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished operations\n", n)
			return nil
		}

		entries, err := j.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No operations in %s\n", j.Dir())
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSENDER\tTX\tUPDATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Status, e.Sender, e.TxHash, e.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), version.GetFullVersionString())
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{addressCmd, mintCmd} {
		c.Flags().StringVarP(&loginMethod, "method", "m", string(domain.LoginGoogle), "login method: google, facebook or apple")
	}
	opsCmd.Flags().DurationVar(&opsCleanup, "cleanup", 0, "delete finished operations older than this instead of listing")
}

// headless builds a fully connected App for one-shot commands. Unlike serve,
// an invalid configuration is fatal here.
func headless(cmd *cobra.Command) (*app.App, domain.LoginMethod, error) {
	method, err := domain.ParseLoginMethod(loginMethod)
	if err != nil {
		return nil, "", err
	}
	cfg, log, err := loadConfig(true)
	if err != nil {
		return nil, "", err
	}
	minter, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return nil, "", err
	}
	return minter, method, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
