package commands

import (
	"github.com/spf13/cobra"
)

var (
	// brokerAddr is the base URL of a running revbrokerd web transport.
	brokerAddr string

	// dbPath overrides the SQLite database path for direct access.
	dbPath string

	// jsonOutput switches command output to raw JSON documents.
	jsonOutput bool

	// verbose enables connection diagnostics on stderr.
	verbose bool
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "revbroker",
	Short: "Review broker CLI",
	Long: `revbroker drives the review broker: propose diffs for review, claim
pending reviews, submit verdicts, exchange discussion messages, and manage
the reviewer worker pool.

Commands talk to a running revbrokerd over HTTP. When no daemon is
reachable, read commands fall back to direct read-only database access.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&brokerAddr, "addr", "",
		"Daemon base URL (default: http://$BROKER_HOST:8000)",
	)
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "",
		"Path to SQLite database for direct read-only access",
	)
	rootCmd.PersistentFlags().BoolVar(
		&jsonOutput, "json", false,
		"Print raw JSON documents",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false,
		"Print connection diagnostics",
	)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(verdictCmd)
	rootCmd.AddCommand(counterCmd)
	rootCmd.AddCommand(msgCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(reviewersCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(versionCmd)
}
