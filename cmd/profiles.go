// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgmigrate/pgmigrate/cmd/flags"
	"github.com/pgmigrate/pgmigrate/internal/config"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the profiles defined in the config file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		doc, err := config.Load(flags.ConfigPath())
		if err != nil {
			return err
		}

		def := doc.DefaultProfile()
		for _, name := range doc.ListProfiles() {
			marker := " "
			if name == def {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil
	},
}
