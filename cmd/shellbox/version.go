package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Populated at build time via -ldflags "-X main.version=... -X main.commit=...
// -X main.buildDate=...". A plain `go build` reports the dev defaults.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build metadata",
	Long: `Print the shellbox version along with the git commit, build timestamp,
and the Go toolchain it was compiled with.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shellbox %s (commit %s, built %s, %s)\n", version, commit, buildDate, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
