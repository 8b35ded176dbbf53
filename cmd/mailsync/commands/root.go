package commands

import (
	"github.com/spf13/cobra"
)

var (
	// cfgPath is the path to the YAML configuration file.
	cfgPath string

	// isDebug forces debug logging regardless of config.
	isDebug bool

	// outputFormat controls output format (text, json).
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Inbox sync for outreach sender accounts",
	Long: `mailsync scans sender mailboxes for replies and delivery failures,
attributes them to earlier sends and updates lead status and campaign
counters.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgPath, "config", "",
		"Path to config file (default: ~/.config/mailsync/config.yaml)",
	)
	rootCmd.PersistentFlags().BoolVar(
		&isDebug, "debug", false,
		"Enable debug logging",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(accountsCmd)
}
