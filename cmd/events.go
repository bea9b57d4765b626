package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/calfold/internal/aggregate"
	"github.com/teemow/calfold/internal/logging"
	"github.com/teemow/calfold/internal/model"
)

func calendarNames(cals []model.Calendar) map[[2]string]string {
	names := make(map[[2]string]string, len(cals))
	for _, c := range cals {
		names[[2]string{c.AccountID, c.ID}] = c.Name
	}
	return names
}

func newEventsCmd() *cobra.Command {
	var (
		date   string
		resume bool
	)

	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"agenda"},
		Short:   "Print the merged agenda of all accounts",
		Long: `Fetches the events of every visible calendar of every connected account
and prints them as one agenda. Accounts or calendars that cannot be read are
skipped and counted at the end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			anchor, err := parseDate(date, time.Now(), time.Local)
			if err != nil {
				return err
			}
			prefs := a.preferences(resume)
			if date != "" {
				prefs.ResumeLastViewed = false
			}

			agenda, err := a.engine.RefreshEvents(cmd.Context(), anchor, prefs)
			if err != nil {
				return err
			}
			if err := a.engine.SetLastViewedDate(agenda.VisibleDate); err != nil {
				a.logger.Warn("failed to store last viewed date", logging.Err(err))
			}

			return renderAgenda(cmd.OutOrStdout(), agenda, calendarNames(agenda.Calendars), time.Local)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Day to show as YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&resume, "resume", false, "Start at the last viewed date instead of today")
	return cmd
}

// agendaFor refreshes the agenda for date without resuming.
func (a *app) agendaFor(cmd *cobra.Command, date string) (aggregate.Agenda, error) {
	anchor, err := parseDate(date, time.Now(), time.Local)
	if err != nil {
		return aggregate.Agenda{}, err
	}
	return a.engine.RefreshEvents(cmd.Context(), anchor, aggregate.Preferences{})
}
