// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var repairMigrationID string

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Overwrite a migration's stored checksum with its current on-disk checksum",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if repairMigrationID == "" {
			return fmt.Errorf("repair requires --accept-checksum <migration-id>")
		}

		e, err := NewEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Repair(cmd.Context(), repairMigrationID, true); err != nil {
			return err
		}
		fmt.Printf("repaired checksum for %s\n", repairMigrationID)
		return nil
	},
}

func init() {
	repairCmd.Flags().StringVar(&repairMigrationID, "accept-checksum", "", "ID of the migration to repair")
}
