package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pewsched",
	Short: "Recurring task scheduler",
	Long: `pewsched runs daily, weekly and monthly jobs on a UTC cadence.

Schedules are declared in the config file or created through the admin
service, persisted in the configured store and restored on startup.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd, previewCmd, listCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
