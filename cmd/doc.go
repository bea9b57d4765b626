// Package cmd implements the command-line interface for calfold.
//
// This package provides the following commands:
//   - accounts: Connect, list and remove Google accounts
//   - calendars: List calendars and hide or unhide them
//   - events: Print the merged agenda
//   - export: Write the merged agenda as an iCalendar file
//   - watch: Refresh the agenda on a schedule and serve metrics
//   - version: Display version information
//
// The events command is the default command when no subcommand is specified.
package cmd
