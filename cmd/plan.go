// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pgmigrate/pgmigrate/pkg/migrations"
)

var planTarget string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the migrations an up would apply, without running them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := NewEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		plan, err := e.PlanUp(cmd.Context(), planTarget)
		if err != nil {
			return err
		}
		printPlan(plan.Pending, "apply")
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planTarget, "to", "", "Target migration ID (inclusive)")
}

// printPlan renders a pending migration list the same way for `plan` and
// for `up`/`down --dry-run`.
func printPlan(pending []migrations.Definition, verb string) {
	if len(pending) == 0 {
		fmt.Println("no pending migrations")
		return
	}

	fmt.Printf("migrations to %s:\n", verb)
	for _, def := range pending {
		tags := "-"
		if len(def.Meta.Tags) > 0 {
			tags = strings.Join(def.Meta.Tags, ",")
		}
		reversible := "no"
		if def.Meta.Reversible {
			reversible = "yes"
		}
		fmt.Printf("  - %s [tags=%s reversible=%s]\n", def.ID, tags, reversible)
	}
}
