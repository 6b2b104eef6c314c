package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shellbox",
	Short: "Ephemeral hardened shell sandboxes over websockets",
	Long: `Shellbox provisions short-lived, locked-down container sandboxes and
streams their terminals to clients over websockets.

Every sandbox runs with no network, a read-only root filesystem, dropped
capabilities, and fixed resource ceilings. Sessions expire on idle and
absolute timeouts and their containers are always reclaimed.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
