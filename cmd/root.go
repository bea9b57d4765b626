package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	debug      bool
}

var flags globalFlags

// rootCmd represents the base command for the calfold application
var rootCmd = &cobra.Command{
	Use:   "calfold",
	Short: "Folds the calendars of all your accounts into one agenda",
	Long: `calfold connects to any number of Google accounts and shows the events
of all their calendars as a single agenda.

It can run as:
  - A one-shot command that prints or exports the agenda (default: events)
  - A watcher that refreshes the agenda on a schedule and serves metrics`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "calfold version %s\n" .Version}}`)

	// If no subcommand is provided, show today's agenda
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "events")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config.yaml (default: <user config dir>/calfold/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Shorthand for --log-level=debug")

	rootCmd.AddCommand(newAccountsCmd())
	rootCmd.AddCommand(newCalendarsCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())
}
