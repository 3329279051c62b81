// SPDX-License-Identifier: Apache-2.0

package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func ConfigPath() string {
	return viper.GetString("CONFIG")
}

func Env() string {
	return viper.GetString("ENV")
}

func DSN() string {
	return viper.GetString("DSN")
}

func LogDir() string {
	return viper.GetString("LOG_DIR")
}

func MigrationsDir() string {
	return viper.GetString("MIGRATIONS_DIR")
}

func TimeoutSec() int {
	return viper.GetInt("TIMEOUT_SEC")
}

func NonInteractive() bool {
	return viper.GetBool("NON_INTERACTIVE")
}

func ConfirmProd() bool {
	return viper.GetBool("CONFIRM_PROD")
}

// PersistentFlags registers the flags shared by every subcommand: config
// location, profile selection, and the overrides config.Overrides accepts.
func PersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "migrate.yaml", "Path to the migration config file")
	cmd.PersistentFlags().String("env", "", "Named profile to use (defaults to the config's default_profile)")
	cmd.PersistentFlags().String("dsn", "", "Override the profile's DSN")
	cmd.PersistentFlags().String("log-dir", "", "Override the profile's migration log directory")
	cmd.PersistentFlags().String("migrations-dir", "", "Override the profile's migrations directory")
	cmd.PersistentFlags().Int("timeout-sec", 0, "Override the profile's statement timeout in seconds")
	cmd.PersistentFlags().Bool("non-interactive", false, "Disable interactive confirmation prompts")
	cmd.PersistentFlags().Bool("confirm-prod", false, "Explicitly confirm production execution, skipping the interactive prompt")

	viper.BindPFlag("CONFIG", cmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("ENV", cmd.PersistentFlags().Lookup("env"))
	viper.BindPFlag("DSN", cmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("LOG_DIR", cmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("MIGRATIONS_DIR", cmd.PersistentFlags().Lookup("migrations-dir"))
	viper.BindPFlag("TIMEOUT_SEC", cmd.PersistentFlags().Lookup("timeout-sec"))
	viper.BindPFlag("NON_INTERACTIVE", cmd.PersistentFlags().Lookup("non-interactive"))
	viper.BindPFlag("CONFIRM_PROD", cmd.PersistentFlags().Lookup("confirm-prod"))
}
