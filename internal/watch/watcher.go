// Package watch refreshes the agenda on a cron schedule.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teemow/calfold/internal/aggregate"
	"github.com/teemow/calfold/internal/logging"
)

// Refresher produces an agenda.
type Refresher interface {
	RefreshEvents(ctx context.Context, anchor time.Time, prefs aggregate.Preferences) (aggregate.Agenda, error)
}

// Status describes the most recent run.
type Status struct {
	Runs      int
	LastRun   time.Time
	LastError error
	Events    int
	Failed    int
}

// Watcher runs RefreshEvents on a schedule.
type Watcher struct {
	refresher Refresher
	schedule  cron.Schedule
	spec      string
	prefs     aggregate.Preferences
	logger    *slog.Logger
	now       func() time.Time
	onRefresh func(aggregate.Agenda)

	mu     sync.Mutex
	status Status
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPreferences sets the preferences passed to every run.
func WithPreferences(p aggregate.Preferences) Option {
	return func(w *Watcher) {
		w.prefs = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock sets the source of the agenda anchor.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// OnRefresh is called with every agenda a run produces.
func OnRefresh(fn func(aggregate.Agenda)) Option {
	return func(w *Watcher) {
		w.onRefresh = fn
	}
}

// New creates a Watcher for a standard five-field cron spec.
func New(refresher Refresher, spec string, opts ...Option) (*Watcher, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	w := &Watcher{
		refresher: refresher,
		schedule:  schedule,
		spec:      spec,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Next returns the first scheduled run after t.
func (w *Watcher) Next(t time.Time) time.Time {
	return w.schedule.Next(t)
}

// RunOnce refreshes the agenda for today.
func (w *Watcher) RunOnce(ctx context.Context) (aggregate.Agenda, error) {
	start := w.now()
	agenda, err := w.refresher.RefreshEvents(ctx, start, w.prefs)

	w.mu.Lock()
	w.status.Runs++
	w.status.LastRun = start
	w.status.LastError = err
	w.status.Events, w.status.Failed = len(agenda.Events), agenda.Failed
	w.mu.Unlock()

	if err != nil {
		return agenda, err
	}

	w.logger.Info("agenda refreshed",
		"events", len(agenda.Events),
		"failed", agenda.Failed,
		"visible_date", agenda.VisibleDate.Format("2006-01-02"))
	if w.onRefresh != nil {
		w.onRefresh(agenda)
	}
	return agenda, nil
}

// Status returns the outcome of the last run.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether a run has completed without error.
func (w *Watcher) Ready() bool {
	s := w.Status()
	return s.Runs > 0 && s.LastError == nil
}

// Run refreshes once, then on every tick until ctx is done. Overlapping ticks
// are skipped. Run waits for an in-flight refresh before returning.
func (w *Watcher) Run(ctx context.Context) error {
	adapter := logging.NewCronAdapter(w.logger)
	c := cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)

	job := cron.FuncJob(func() {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("scheduled refresh failed", logging.Err(err))
		}
	})
	id := c.Schedule(w.schedule, job)
	wrapped := c.Entry(id).WrappedJob

	w.logger.Info("watching calendars", "schedule", w.spec, "next", w.Next(time.Now()).Format(time.RFC3339))

	c.Start()

	// The first refresh goes through the same chain so it never overlaps a tick.
	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		wrapped.Run()
	}()

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	first.Wait()

	w.logger.Info("stopped watching calendars")
	return nil
}
