// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	upTarget string
	upDryRun bool
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := NewEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if upDryRun {
			plan, err := e.PlanUp(cmd.Context(), upTarget)
			if err != nil {
				return err
			}
			printPlan(plan.Pending, "apply")
			return nil
		}

		sp, _ := pterm.DefaultSpinner.WithText("Applying migrations...").Start()
		if err := e.Apply(cmd.Context(), upTarget); err != nil {
			sp.Fail(fmt.Sprintf("failed to apply migrations: %s", err))
			return err
		}
		sp.Success("migrations applied")
		return nil
	},
}

func init() {
	upCmd.Flags().StringVar(&upTarget, "to", "", "Target migration ID (inclusive); applies every pending migration if omitted")
	upCmd.Flags().BoolVar(&upDryRun, "dry-run", false, "Print the migrations that would be applied without running them or taking the advisory lock")
}
