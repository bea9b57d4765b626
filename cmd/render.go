package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/teemow/calfold/internal/aggregate"
	"github.com/teemow/calfold/internal/model"
)

const (
	dateLayout = "2006-01-02"
	dayHeader  = "Monday, 2 January 2006"
	clock      = "15:04"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func accountStatus(a model.Account) string {
	if a.Connected {
		return "connected"
	}
	return "disconnected"
}

func renderAccounts(w io.Writer, accounts []model.Account, loc *time.Location) error {
	if len(accounts) == 0 {
		_, err := fmt.Fprintln(w, "No accounts. Run `calfold accounts connect` to add one.")
		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tUSERNAME\tSTATUS\tLAST SYNC")
	for _, a := range accounts {
		synced := "never"
		if !a.LastSynced.IsZero() {
			synced = a.LastSynced.In(loc).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.FriendlyName, a.Username, accountStatus(a), synced)
	}
	return tw.Flush()
}

func renderCalendarLists(w io.Writer, lists aggregate.CalendarLists, accountNames map[string]string) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ACCOUNT\tCALENDAR ID\tNAME\tVISIBLE")
	for _, c := range lists.Visible {
		fmt.Fprintf(tw, "%s\t%s\t%s\tyes\n", accountLabel(c.AccountID, accountNames), c.ID, c.Name)
	}
	for _, c := range lists.Hidden {
		fmt.Fprintf(tw, "%s\t%s\t%s\tno\n", accountLabel(c.AccountID, accountNames), c.ID, c.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return renderFailed(w, lists.Failed)
}

func accountLabel(id string, names map[string]string) string {
	if n := names[id]; n != "" {
		return n
	}
	return id
}

// renderAgenda prints the events grouped by day in loc. calendarNames is keyed
// by account id and calendar id.
func renderAgenda(w io.Writer, agenda aggregate.Agenda, calendarNames map[[2]string]string, loc *time.Location) error {
	if len(agenda.Events) == 0 {
		if _, err := fmt.Fprintf(w, "No events on %s.\n", agenda.VisibleDate.Format(dayHeader)); err != nil {
			return err
		}
		return renderFailed(w, agenda.Failed)
	}

	var day string
	tw := newTable(w)
	for _, ev := range agenda.Events {
		start, end := ev.Start.In(loc), ev.End.In(loc)
		if d := start.Format(dayHeader); d != day {
			if day != "" {
				fmt.Fprintln(tw)
			}
			day = d
			fmt.Fprintln(tw, d)
		}

		span := start.Format(clock) + "-" + end.Format(clock)
		if end.YearDay() != start.YearDay() || end.Year() != start.Year() {
			span = start.Format(clock) + "-" + end.Format("Jan 2 "+clock)
		}
		label := calendarNames[[2]string{ev.AccountID, ev.CalendarID}]
		if label == "" {
			label = ev.CalendarID
		}
		fmt.Fprintf(tw, "  %s\t%s\t[%s]\n", span, ev.Name, label)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return renderFailed(w, agenda.Failed)
}

func renderFailed(w io.Writer, failed int) error {
	if failed == 0 {
		return nil
	}
	_, err := fmt.Fprintf(w, "\n%d account(s) or calendar(s) could not be loaded; run with --debug for details.\n", failed)
	return err
}

// parseDate reads a YYYY-MM-DD date in loc. The empty string is today.
func parseDate(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if s == "" {
		n := now.In(loc)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc), nil
	}
	d, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}
