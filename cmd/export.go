package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/calfold/internal/fsutil"
	"github.com/teemow/calfold/internal/ics"
)

func newExportCmd() *cobra.Command {
	var (
		date string
		out  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the merged agenda as an iCalendar (.ics) file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			agenda, err := a.agendaFor(cmd, date)
			if err != nil {
				return err
			}

			exp := ics.NewExporter(ics.WithCalendars(agenda.Calendars))
			if out == "" || out == "-" {
				return exp.Write(cmd.OutOrStdout(), agenda.Events)
			}

			var buf bytes.Buffer
			if err := exp.Write(&buf, agenda.Events); err != nil {
				return err
			}
			if err := fsutil.WriteFileAtomic(out, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d events to %s.\n", len(agenda.Events), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "First day to export as YYYY-MM-DD (default: today)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default: stdout)")
	return cmd
}
