package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "boltgate",
	Short: "Receive platform events and acknowledge them in time",
	Long: `BoltGate accepts events over signed HTTP requests, a socket connection
or Telegram long polling, runs them through one middleware chain and
answers each event exactly once.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
