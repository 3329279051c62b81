// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	retryMigrationID    string
	retryAcceptChecksum bool
	retryForce          bool
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset a failed migration and re-apply it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if retryMigrationID == "" {
			return fmt.Errorf("retry requires --id")
		}

		e, err := NewEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		sp, _ := pterm.DefaultSpinner.WithText(fmt.Sprintf("Retrying %s...", retryMigrationID)).Start()
		if err := e.Retry(cmd.Context(), retryMigrationID, retryAcceptChecksum, retryForce); err != nil {
			sp.Fail(fmt.Sprintf("retry failed: %s", err))
			return err
		}
		sp.Success(fmt.Sprintf("%s retried", retryMigrationID))
		return nil
	},
}

func init() {
	retryCmd.Flags().StringVar(&retryMigrationID, "id", "", "ID of the migration to retry")
	retryCmd.Flags().BoolVar(&retryAcceptChecksum, "accept-checksum", false, "Repair the checksum automatically if the on-disk file has changed")
	retryCmd.Flags().BoolVar(&retryForce, "force", false, "Override the running-status guard (use with caution)")
}
