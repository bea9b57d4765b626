package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCalendarsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calendars",
		Aliases: []string{"calendar", "cals"},
		Short:   "List calendars and choose which ones show up in the agenda",
	}
	cmd.AddCommand(newCalendarsListCmd())
	cmd.AddCommand(newCalendarsHideCmd())
	cmd.AddCommand(newCalendarsUnhideCmd())
	return cmd
}

func (a *app) accountNames() map[string]string {
	names := make(map[string]string)
	for _, acct := range a.registry.ListAccounts() {
		names[acct.ID] = acct.FriendlyName
	}
	return names
}

func newCalendarsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the calendars of all accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			lists, err := a.engine.RefreshCalendarLists(cmd.Context())
			if err != nil {
				return err
			}
			return renderCalendarLists(cmd.OutOrStdout(), lists, a.accountNames())
		},
	}
}

func newCalendarsHideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hide <account-id> <calendar-id>",
		Short: "Leave a calendar out of the agenda",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			accountID, calendarID := args[0], args[1]

			// Store the name with the id when the provider still knows it.
			name := ""
			if cals, err := a.client.ListCalendars(cmd.Context(), accountID); err == nil {
				for _, c := range cals {
					if c.ID == calendarID {
						name = c.Name
						break
					}
				}
			}

			if err := a.engine.HideCalendar(accountID, calendarID, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Hid calendar %s of account %s.\n", calendarID, accountID)
			return nil
		},
	}
}

func newCalendarsUnhideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unhide <account-id> <calendar-id>",
		Short: "Show a hidden calendar in the agenda again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.UnhideCalendar(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Calendar %s of account %s is visible.\n", args[1], args[0])
			return nil
		},
	}
}
