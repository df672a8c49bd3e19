// Command clusterrun is the framework's single binary: `clusterrun master`
// drives a cluster computation, `clusterrun worker` is the hidden
// subcommand a launched worker process re-execs itself as, and
// `clusterrun status` reads the program bookkeeping database.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/clusterrun/internal/cli"
)

// Build-time version injection via ldflags
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "1.0.0"   // Semantic version
	commit  = "dev"     // Git commit hash
	date    = "unknown" // Build timestamp
)

// main is the program entry point
// Initializes CLI, handles panics, and executes commands
func main() {
	// Global panic recovery
	// Prevents uncaught panics from crashing the program
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	// Build CLI command tree
	// Includes master, worker, status subcommands
	rootCmd := cli.BuildCLI()

	// Set version info for --version flag
	// Format: "1.0.0 (commit: abc123, built: 2025-10-31)"
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	// Execute command parsing and business logic
	// Exit with error code if command fails
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
