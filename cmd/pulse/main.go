package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Vector-Pulse visitor and email engagement analytics",
	Long: `pulse runs the Vector-Pulse analytics service.

It ingests page views and email opens/clicks, sends newsletter campaigns
and serves the dashboard statistics. Configuration is read from PULSE_*
environment variables.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
