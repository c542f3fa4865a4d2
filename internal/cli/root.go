// Package cli implements the fsd command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/fsd/internal/config"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fsd",
	Short: "Autonomous task execution with git checkpoints",
	Long: `fsd drives an AI coding agent through a task's lifecycle.

Each task moves through planning, execution and validation. Failed
validation triggers a recovery prompt and a fresh execution pass, up to the
configured retry limit. Every phase boundary is recorded as a git
checkpoint that can be rolled back.

Quick start:
  fsd run auth-fix            Execute .fsd/queue/auth-fix.yaml
  fsd status                  Show every task's state
  fsd checkpoints list ID     Show a task's checkpoints
  fsd rollback ID CP          Restore the tree to a checkpoint`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Errors are printed here rather than by cobra.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .fsd/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newCheckpointsCmd())
	rootCmd.AddCommand(newRollbackCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newRewindCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.Configure(viper.GetViper(), cfgFile)
	if err := config.Read(viper.GetViper()); err != nil {
		fmt.Fprintln(os.Stderr, "Warning:", err)
		return
	}
	if verbose && viper.ConfigFileUsed() != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig decodes the configuration initConfig prepared.
func loadConfig() (*config.Config, error) {
	return config.FromViper(viper.GetViper())
}
