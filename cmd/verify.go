// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	verifyLatest      bool
	verifyMigrationID string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run verify.sql for one or more applied migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := NewEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		results, err := e.Verify(cmd.Context(), verifyLatest, verifyMigrationID)
		if err != nil {
			return err
		}

		for _, r := range results {
			status := "OK"
			if !r.OK {
				status = "FAILED"
			}
			details := ""
			if r.Details != "" {
				details = " - " + r.Details
			}
			fmt.Printf("%s: %s%s\n", r.MigrationID, status, details)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyLatest, "latest", false, "Verify only the applied migration with the highest ID")
	verifyCmd.Flags().StringVar(&verifyMigrationID, "id", "", "Verify a single named migration")
}
