// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgmigrate/pgmigrate/cmd/flags"
	"github.com/pgmigrate/pgmigrate/internal/config"
	"github.com/pgmigrate/pgmigrate/pkg/engine"
	"github.com/pgmigrate/pgmigrate/pkg/migrations"
)

// Version is the tool's version, set at build time.
var Version = "development"

func init() {
	viper.SetEnvPrefix("PGMIGRATE")
	viper.AutomaticEnv()

	flags.PersistentFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "pgmigrate",
	Short:        "PostgreSQL schema migration tool",
	SilenceUsage: true,
	Version:      Version,
}

// NewEngine resolves the active profile from flags/env/config and opens an
// Engine against it. Callers must Close the returned Engine.
func NewEngine(ctx context.Context) (*engine.Engine, error) {
	doc, err := config.Load(flags.ConfigPath())
	if err != nil {
		return nil, err
	}

	ov := config.Overrides{
		DSN:           flags.DSN(),
		LogDir:        flags.LogDir(),
		MigrationsDir: flags.MigrationsDir(),
	}
	if t := flags.TimeoutSec(); t > 0 {
		ov.TimeoutSec = &t
	}
	if flags.NonInteractive() {
		interactive := false
		ov.Interactive = &interactive
	}

	profile, err := doc.Resolve(flags.Env(), ov)
	if err != nil {
		return nil, err
	}

	return engine.Open(ctx, profile, afero.NewOsFs(), engine.Options{
		Logger:          migrations.NewLogger(),
		NonInteractive:  flags.NonInteractive(),
		ConfirmOverride: flags.ConfirmProd(),
	})
}

// Execute runs the root command.
func Execute() error {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(resetFailedCmd)
	rootCmd.AddCommand(profilesCmd)

	return rootCmd.Execute()
}
