package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lockcd",
	Short: "Host-resident security-policy daemon for container workloads",
	Long:  "Intercepts executions of low-level container runtimes, resolves a confinement policy for each new container from orchestration metadata, and commits the decision to kernel-shared state before the container is allowed to run.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
