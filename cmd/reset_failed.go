// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	resetFailedMigrationID string
	resetFailedDelete      bool
)

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Reset or delete the bookkeeping row for a failed migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if resetFailedMigrationID == "" {
			return fmt.Errorf("reset-failed requires --id")
		}

		e, err := NewEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.ResetFailed(cmd.Context(), resetFailedMigrationID, resetFailedDelete); err != nil {
			return err
		}
		fmt.Printf("%s reset\n", resetFailedMigrationID)
		return nil
	},
}

func init() {
	resetFailedCmd.Flags().StringVar(&resetFailedMigrationID, "id", "", "ID of the migration to reset")
	resetFailedCmd.Flags().BoolVar(&resetFailedDelete, "delete", false, "Delete the bookkeeping row instead of marking it reverted")
}
