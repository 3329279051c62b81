// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgmigrate/pgmigrate/pkg/migrations"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations are applied, pending, or failed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := NewEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		defs, states, err := e.Status(cmd.Context())
		if err != nil {
			return err
		}

		applied := 0
		var pending []migrations.Definition
		var failed []migrations.State
		for _, def := range defs {
			st, ok := states[def.ID]
			if !ok {
				pending = append(pending, def)
				continue
			}
			switch st.Status {
			case migrations.StatusApplied:
				applied++
			case migrations.StatusFailed:
				failed = append(failed, st)
			default:
				pending = append(pending, def)
			}
		}

		fmt.Printf("total migrations: %d\n", len(defs))
		fmt.Printf("applied: %d\n", applied)
		if len(pending) == 0 {
			fmt.Println("no pending migrations")
		} else {
			fmt.Println("pending:")
			for _, def := range pending {
				status := "pending"
				if st, ok := states[def.ID]; ok {
					status = string(st.Status)
				}
				fmt.Printf("  - %s [%s]\n", def.ID, status)
			}
		}
		if len(failed) > 0 {
			fmt.Println("failed migrations:")
			for _, st := range failed {
				fmt.Printf("  - %s (checksum=%s)\n", st.MigrationID, st.Checksum)
			}
		}
		return nil
	},
}
