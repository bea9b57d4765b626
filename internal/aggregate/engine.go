// Package aggregate merges the calendars and events of all connected accounts
// into one agenda. A failing account or calendar is logged and skipped; it
// never fails the whole run.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/calfold/internal/instrumentation"
	"github.com/teemow/calfold/internal/logging"
	"github.com/teemow/calfold/internal/model"
	"github.com/teemow/calfold/internal/registry"
	"github.com/teemow/calfold/internal/tokenstore"
)

const (
	// DefaultConcurrency bounds the number of provider requests in flight.
	DefaultConcurrency = 4

	// DefaultHorizonDays is the number of days an agenda spans.
	DefaultHorizonDays = 1
)

// CalendarService is the provider client the engine reads from.
type CalendarService interface {
	ListCalendars(ctx context.Context, accountID string) ([]model.Calendar, error)
	ListEvents(ctx context.Context, accountID, calendarID string, window model.TimeWindow) ([]model.Event, error)
	AccountProfile(ctx context.Context, accountID string) (model.Account, error)
	RevokeAndForget(ctx context.Context, accountID string) error
}

// TokenMover re-keys tokens when a re-authorized account is merged into an
// existing one, and drops tokens whose account could not be registered.
type TokenMover interface {
	Move(from, to string) error
	Remove(accountID string)
	Save() error
}

// Preferences tune a RefreshEvents run.
type Preferences struct {
	// ResumeLastViewed starts the agenda at the persisted last viewed date
	// instead of the anchor, when one exists.
	ResumeLastViewed bool
}

// Agenda is the result of RefreshEvents.
type Agenda struct {
	VisibleDate time.Time
	Window      model.TimeWindow

	// Calendars are the visible calendars the events were read from.
	Calendars []model.Calendar

	// Events are sorted by start time.
	Events []model.Event

	// Failed counts the accounts and calendars that contributed nothing
	// because of an error.
	Failed int
}

// CalendarLists partitions the calendars of all accounts.
type CalendarLists struct {
	Visible []model.Calendar
	Hidden  []model.Calendar
	Failed  int
}

// Engine aggregates across accounts.
type Engine struct {
	client   CalendarService
	registry *registry.Registry
	tokens   TokenMover
	metrics  *instrumentation.Metrics
	logger   *slog.Logger
	now      func() time.Time

	concurrency int
	horizonDays int
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds the provider requests in flight.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithHorizonDays sets how many days an agenda spans.
func WithHorizonDays(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.horizonDays = days
		}
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now for sync timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(client CalendarService, reg *registry.Registry, tokens TokenMover, opts ...Option) *Engine {
	e := &Engine{
		client:      client,
		registry:    reg,
		tokens:      tokens,
		logger:      slog.Default(),
		now:         time.Now,
		concurrency: DefaultConcurrency,
		horizonDays: DefaultHorizonDays,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type accountCalendars struct {
	account    model.Account
	authorized bool
	calendars  []model.Calendar
	err        error
}

// listAllCalendars lists the calendars of every registered account
// concurrently. Accounts without a token yield no calendars and no error.
func (e *Engine) listAllCalendars(ctx context.Context) []accountCalendars {
	accounts := e.registry.ListAccounts()
	results := make([]accountCalendars, len(accounts))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, a := range accounts {
		results[i].account = a
		g.Go(func() error {
			cals, err := e.client.ListCalendars(ctx, a.ID)
			if errors.Is(err, tokenstore.ErrNotAuthorized) {
				e.logger.Debug("account is not authorized, skipping", logging.Account(a.ID))
				return nil
			}
			results[i].authorized = true
			results[i].calendars, results[i].err = cals, err
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Engine) accountFailed(ctx context.Context, res accountCalendars) {
	e.logger.Warn("failed to list calendars, skipping account",
		logging.Account(res.account.ID),
		logging.Err(res.err))
	e.metrics.RecordAggregationFailure(ctx, instrumentation.UnitAccount)
}

// RefreshEvents builds the agenda starting at anchor (or the last viewed
// date, see Preferences). Failing accounts and calendars are skipped and
// counted. The only error is the context's, in which case no agenda is
// returned.
func (e *Engine) RefreshEvents(ctx context.Context, anchor time.Time, prefs Preferences) (Agenda, error) {
	start := time.Now()
	ctx, span := instrumentation.StartSpan(ctx, "aggregate.refresh_events")
	defer span.End()

	visible := anchor
	if prefs.ResumeLastViewed {
		if d, ok := e.registry.LastViewedDate(); ok {
			visible = d
		}
	}
	window := model.DayWindow(visible, e.horizonDays)

	agenda := Agenda{
		VisibleDate: window.Start,
		Window:      window,
	}
	failedAccounts := make(map[string]bool)

	var shown []model.Calendar
	accounts := e.listAllCalendars(ctx)
	if err := ctx.Err(); err != nil {
		return e.cancelled(ctx, span, start, err)
	}
	for _, res := range accounts {
		if res.err != nil {
			agenda.Failed++
			failedAccounts[res.account.ID] = true
			e.accountFailed(ctx, res)
			continue
		}
		for _, cal := range res.calendars {
			if e.registry.IsHidden(cal) {
				continue
			}
			shown = append(shown, cal)
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)
	for _, cal := range shown {
		g.Go(func() error {
			events, err := e.client.ListEvents(ctx, cal.AccountID, cal.ID, window)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("failed to list events, skipping calendar",
						logging.Account(cal.AccountID),
						logging.Calendar(cal.ID),
						logging.Err(err))
					e.metrics.RecordAggregationFailure(ctx, instrumentation.UnitCalendar)
				}
				agenda.Failed++
				failedAccounts[cal.AccountID] = true
				return nil
			}
			agenda.Events = append(agenda.Events, events...)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return e.cancelled(ctx, span, start, err)
	}

	sortEvents(agenda.Events)
	agenda.Calendars = shown

	synced := e.now()
	for _, res := range accounts {
		if res.authorized && res.err == nil && !failedAccounts[res.account.ID] {
			e.registry.TouchSynced(res.account.ID, synced)
		}
	}
	if err := e.registry.Save(); err != nil {
		e.logger.Warn("failed to persist sync times", logging.Err(err))
	}

	span.SetAttributes(
		attribute.Int(instrumentation.SpanAttrEvents, len(agenda.Events)),
		attribute.Int(instrumentation.SpanAttrFailed, agenda.Failed),
	)
	instrumentation.SetSpanSuccess(span)
	e.metrics.RecordAggregationRun(ctx, instrumentation.StatusSuccess, len(agenda.Events), time.Since(start))

	logger := logging.WithOperation(e.logger, "refresh_events")
	if id := instrumentation.GetTraceID(ctx); id != "" {
		logger = logger.With("trace_id", id)
	}
	logger.Debug("refreshed events",
		"visible_date", agenda.VisibleDate.Format("2006-01-02"),
		"calendars", len(shown),
		"events", len(agenda.Events),
		"failed", agenda.Failed,
		logging.Status(instrumentation.StatusSuccess))

	return agenda, nil
}

func (e *Engine) cancelled(ctx context.Context, span trace.Span, start time.Time, err error) (Agenda, error) {
	instrumentation.SetSpanError(span, err)
	e.metrics.RecordAggregationRun(context.WithoutCancel(ctx), instrumentation.StatusError, 0, time.Since(start))
	e.logger.Debug("event refresh cancelled", logging.Operation("refresh_events"), logging.Err(err))
	return Agenda{}, err
}

// sortEvents orders by start, then end, then name and id so the output is
// deterministic.
func sortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

// RefreshCalendarLists lists the calendars of all accounts and partitions
// them by the hidden records of their account.
//
// Hidden records that still matched by name only are saved with the
// calendar id, so they can be unhidden by id afterwards.
func (e *Engine) RefreshCalendarLists(ctx context.Context) (CalendarLists, error) {
	var lists CalendarLists
	upgraded := false

	for _, res := range e.listAllCalendars(ctx) {
		if res.err != nil {
			if ctx.Err() == nil {
				e.accountFailed(ctx, res)
			}
			lists.Failed++
			continue
		}
		for _, cal := range res.calendars {
			byID := e.registry.IsCalendarHidden(cal.AccountID, cal.ID)
			if !byID && !e.registry.IsHidden(cal) {
				lists.Visible = append(lists.Visible, cal)
				continue
			}
			lists.Hidden = append(lists.Hidden, cal)
			upgraded = upgraded || !byID
		}
	}
	if err := ctx.Err(); err != nil {
		return CalendarLists{}, err
	}

	if upgraded {
		if err := e.registry.Save(); err != nil {
			e.logger.Warn("failed to persist upgraded hidden calendars", logging.Err(err))
		}
	}
	return lists, nil
}

// SetLastViewedDate stores and persists the last viewed date.
func (e *Engine) SetLastViewedDate(t time.Time) error {
	e.registry.SetLastViewedDate(t)
	return e.registry.Save()
}

// RegisterAuthorizedAccount adds the account behind a freshly stored token.
// When the same provider identity is already registered, the token moves to
// the existing account and its profile is refreshed instead.
//
// On failure the token stored under accountID is revoked and removed, so no
// token is left without an account.
func (e *Engine) RegisterAuthorizedAccount(ctx context.Context, accountID string) (model.Account, error) {
	acct, err := e.registerAuthorizedAccount(ctx, accountID)
	if err != nil {
		e.discardToken(ctx, accountID)
		return model.Account{}, err
	}
	return acct, nil
}

func (e *Engine) registerAuthorizedAccount(ctx context.Context, accountID string) (model.Account, error) {
	profile, err := e.client.AccountProfile(ctx, accountID)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to fetch account profile: %w", err)
	}

	if existing, ok := e.registry.FindByProviderID(profile.Provider, profile.ProviderGivenID); ok && existing.ID != accountID {
		if err := e.tokens.Move(accountID, existing.ID); err != nil {
			return model.Account{}, fmt.Errorf("failed to move token to account %s: %w", existing.ID, err)
		}
		if err := e.tokens.Save(); err != nil {
			e.logger.Warn("failed to persist moved token", logging.Account(existing.ID), logging.Err(err))
		}

		e.logger.Info("re-authorized existing account", logging.Account(existing.ID))
		profile.ID = existing.ID
		profile.PictureLocalURI = existing.PictureLocalURI
	}

	if err := e.registry.AddAccount(profile); err != nil {
		return model.Account{}, fmt.Errorf("failed to register account: %w", err)
	}
	if err := e.registry.Save(); err != nil {
		if profile.ID == accountID {
			_ = e.registry.RemoveAccount(accountID)
		}
		return model.Account{}, err
	}

	acct, _ := e.registry.Account(profile.ID)
	e.logger.Info("registered account",
		logging.Account(acct.ID),
		logging.Provider(string(acct.Provider)),
		logging.UserHash(acct.Username))
	return acct, nil
}

// discardToken drops the token of an authorization that did not end in a
// registered account. Tokens of registered accounts are left alone.
func (e *Engine) discardToken(ctx context.Context, accountID string) {
	if _, ok := e.registry.Account(accountID); ok {
		return
	}
	if err := e.client.RevokeAndForget(context.WithoutCancel(ctx), accountID); err != nil {
		e.logger.Warn("failed to revoke token of unregistered account", logging.Account(accountID), logging.Err(err))
	}
	e.tokens.Remove(accountID)
	if err := e.tokens.Save(); err != nil {
		e.logger.Warn("failed to persist token removal", logging.Account(accountID), logging.Err(err))
	}
}

// DisconnectAccount revokes an account's token and removes the account. A
// failed revocation is logged and does not stop the local removal.
func (e *Engine) DisconnectAccount(ctx context.Context, accountID string) error {
	if _, ok := e.registry.Account(accountID); !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownAccount, accountID)
	}

	if err := e.client.RevokeAndForget(ctx, accountID); err != nil {
		e.logger.Warn("revocation failed, removing the account locally", logging.Account(accountID), logging.Err(err))
	}

	if err := e.registry.RemoveAccount(accountID); err != nil {
		return err
	}
	return e.registry.Save()
}

// HideCalendar hides a calendar and persists the change.
func (e *Engine) HideCalendar(accountID, calendarID, name string) error {
	if err := e.registry.HideCalendar(accountID, calendarID, name); err != nil {
		return err
	}
	return e.registry.Save()
}

// UnhideCalendar shows a calendar again and persists the change.
func (e *Engine) UnhideCalendar(accountID, calendarID string) error {
	e.registry.UnhideCalendar(accountID, calendarID)
	return e.registry.Save()
}
