// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	downTarget string
	downDryRun bool
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert applied migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if downTarget == "" {
			return errMissingTarget
		}

		e, err := NewEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if downDryRun {
			plan, err := e.PlanDown(cmd.Context(), downTarget)
			if err != nil {
				return err
			}
			printPlan(plan.Pending, "revert")
			return nil
		}

		sp, _ := pterm.DefaultSpinner.WithText("Rolling back migrations...").Start()
		if err := e.Rollback(cmd.Context(), downTarget); err != nil {
			sp.Fail(fmt.Sprintf("failed to roll back migrations: %s", err))
			return err
		}
		sp.Success("migrations rolled back")
		return nil
	},
}

func init() {
	downCmd.Flags().StringVar(&downTarget, "to", "", "Target migration ID (inclusive) to roll back to")
	downCmd.Flags().BoolVar(&downDryRun, "dry-run", false, "Print the migrations that would be reverted without running them or taking the advisory lock")
}
