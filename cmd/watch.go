package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/calfold/internal/aggregate"
	"github.com/teemow/calfold/internal/fsutil"
	"github.com/teemow/calfold/internal/ics"
	"github.com/teemow/calfold/internal/logging"
	"github.com/teemow/calfold/internal/server"
	"github.com/teemow/calfold/internal/watch"
)

func newWatchCmd() *cobra.Command {
	var (
		schedule    string
		metricsAddr string
		exportPath  string
		noServer    bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Refresh the agenda on a schedule",
		Long: `Refreshes the agenda right away and then on every tick of a cron schedule
(default from watch.schedule in the config). While running, /metrics, /healthz
and /readyz are served on the metrics address.

Stop with Ctrl-C or SIGTERM; a refresh in progress is cancelled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if schedule == "" {
				schedule = a.cfg.Watch.Schedule
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = a.cfg.Watch.MetricsAddr
			}
			return runWatch(ctx, a, schedule, metricsAddr, exportPath, noServer)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule, e.g. \"*/15 * * * *\" (default: watch.schedule)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for /metrics and health endpoints (default: watch.metricsAddr)")
	cmd.Flags().StringVar(&exportPath, "export", "", "Rewrite this .ics file after every refresh")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Do not serve metrics and health endpoints")
	return cmd
}

func runWatch(ctx context.Context, a *app, schedule, metricsAddr, exportPath string, noServer bool) error {
	opts := []watch.Option{
		watch.WithPreferences(a.preferences(false)),
		watch.WithLogger(a.logger),
	}
	if exportPath != "" {
		opts = append(opts, watch.OnRefresh(func(agenda aggregate.Agenda) {
			var buf bytes.Buffer
			exp := ics.NewExporter(ics.WithCalendars(agenda.Calendars))
			if err := exp.Write(&buf, agenda.Events); err != nil {
				a.logger.Warn("failed to render agenda", logging.Err(err))
				return
			}
			if err := fsutil.WriteFileAtomic(exportPath, buf.Bytes(), 0o644); err != nil {
				a.logger.Warn("failed to export agenda", "path", exportPath, logging.Err(err))
			}
		}))
	}

	watcher, err := watch.New(a.engine, schedule, opts...)
	if err != nil {
		return err
	}

	health := server.NewHealthChecker(watcher.Ready, func() map[string]any {
		st := watcher.Status()
		details := map[string]any{
			"runs":     st.Runs,
			"events":   st.Events,
			"failed":   st.Failed,
			"schedule": schedule,
			"next_run": watcher.Next(time.Now()).Format(time.RFC3339),
		}
		if !st.LastRun.IsZero() {
			details["last_run"] = st.LastRun.Format(time.RFC3339)
		}
		if st.LastError != nil {
			details["last_error"] = st.LastError.Error()
		}
		return details
	})

	var metricsServer *server.MetricsServer
	if !noServer && metricsAddr != "" {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    metricsAddr,
			InstrumentationProvider: a.instr,
			Health:                  health,
			Logger:                  a.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}

		serverErr := make(chan error, 1)
		go func() { serverErr <- metricsServer.Start() }()

		// Fail fast on a bad address instead of watching without endpoints.
		select {
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("metrics server failed to start: %w", err)
			}
		case <-time.After(200 * time.Millisecond):
		}
	}

	err = watcher.Run(ctx)
	health.SetShuttingDown()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("error during metrics server shutdown", logging.Err(err))
		}
	}
	return err
}
