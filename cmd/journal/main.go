package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dethbird/journal-sub000/internal/source"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "journal",
	Short:         "Synchronize personal activity from connected providers into one journal",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cursorsCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status. Fatal errors
// (unreachable store, bad registry) get their own status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case source.IsFatal(err):
		return 2
	default:
		return 1
	}
}
