package aggregate_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/calfold/internal/aggregate"
	"github.com/teemow/calfold/internal/calendar"
	"github.com/teemow/calfold/internal/model"
	"github.com/teemow/calfold/internal/provider"
	"github.com/teemow/calfold/internal/provider/providertest"
	"github.com/teemow/calfold/internal/registry"
	"github.com/teemow/calfold/internal/tokenstore"
)

var (
	t0     = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	anchor = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
)

// fakeService serves calendars and events from memory.
type fakeService struct {
	mu sync.Mutex

	calendars     map[string][]model.Calendar
	events        map[string][]model.Event // by calendar id
	failAccounts  map[string]bool
	failCalendars map[string]bool
	profiles      map[string]model.Account
	revokeErr     error

	// block makes ListEvents wait until the context ends.
	block bool

	revoked      []string
	eventWindows []model.TimeWindow
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
}

func newFakeService() *fakeService {
	return &fakeService{
		calendars:     make(map[string][]model.Calendar),
		events:        make(map[string][]model.Event),
		failAccounts:  make(map[string]bool),
		failCalendars: make(map[string]bool),
		profiles:      make(map[string]model.Account),
	}
}

func (f *fakeService) ListCalendars(_ context.Context, accountID string) ([]model.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAccounts[accountID] {
		return nil, fmt.Errorf("%w: boom", calendar.ErrProviderRequestFailed)
	}
	cals, ok := f.calendars[accountID]
	if !ok {
		return nil, tokenstore.ErrNotAuthorized
	}
	return append([]model.Calendar(nil), cals...), nil
}

func (f *fakeService) ListEvents(ctx context.Context, accountID, calendarID string, window model.TimeWindow) ([]model.Event, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.eventWindows = append(f.eventWindows, window)
	block := f.block
	fail := f.failCalendars[accountID+"/"+calendarID]
	events := append([]model.Event(nil), f.events[accountID+"/"+calendarID]...)
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	time.Sleep(5 * time.Millisecond)

	if fail {
		return nil, fmt.Errorf("%w: boom", calendar.ErrProviderRequestFailed)
	}
	return events, nil
}

func (f *fakeService) AccountProfile(_ context.Context, accountID string) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.profiles[accountID]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: no profile", calendar.ErrProviderRequestFailed)
	}
	return p, nil
}

func (f *fakeService) RevokeAndForget(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.revoked = append(f.revoked, accountID)
	return f.revokeErr
}

func (f *fakeService) addCalendar(accountID, calendarID, name string, events ...model.Event) {
	f.calendars[accountID] = append(f.calendars[accountID], model.Calendar{ID: calendarID, AccountID: accountID, Name: name})
	for _, ev := range events {
		ev.AccountID, ev.CalendarID = accountID, calendarID
		f.events[accountID+"/"+calendarID] = append(f.events[accountID+"/"+calendarID], ev)
	}
}

func ev(id string, hour int) model.Event {
	start := anchor.Add(time.Duration(hour) * time.Hour)
	return model.Event{ID: id, Name: "Event " + id, Start: start, End: start.Add(30 * time.Minute)}
}

type fixture struct {
	path   string
	svc    *fakeService
	tokens *tokenstore.Store
	reg    *registry.Registry
	engine *aggregate.Engine
}

func newFixture(t *testing.T, opts ...aggregate.Option) *fixture {
	t.Helper()

	tokens := tokenstore.New()
	path := filepath.Join(t.TempDir(), "accounts.json")
	f := &fixture{
		path:   path,
		svc:    newFakeService(),
		tokens: tokens,
		reg:    registry.New(path, tokens),
	}
	base := []aggregate.Option{aggregate.WithClock(func() time.Time { return t0 })}
	f.engine = aggregate.New(f.svc, f.reg, tokens, append(base, opts...)...)
	return f
}

func (f *fixture) addAccount(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.reg.AddAccount(model.Account{
		ID:              id,
		Provider:        model.ProviderGoogle,
		ProviderGivenID: "g-" + id,
	}))
	f.tokens.Put(id, tokenstore.Token{AccessToken: "access-" + id})
}

func eventIDs(events []model.Event) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestRefreshEvents_MergesAndSorts(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	f.addAccount(t, "acct-b")
	f.svc.addCalendar("acct-a", "a-primary", "Work", ev("a1", 14), ev("a2", 9))
	f.svc.addCalendar("acct-a", "a-team", "Team", ev("a3", 11))
	f.svc.addCalendar("acct-b", "b-primary", "Home", ev("b1", 10))

	agenda, err := f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a2", "b1", "a3", "a1"}, eventIDs(agenda.Events))
	assert.Len(t, agenda.Calendars, 3)
	assert.Zero(t, agenda.Failed)
	assert.Equal(t, anchor, agenda.VisibleDate)
	assert.Equal(t, model.TimeWindow{Start: anchor, End: anchor.AddDate(0, 0, 1)}, agenda.Window)

	for _, a := range f.reg.ListAccounts() {
		assert.Equal(t, t0, a.LastSynced, a.ID)
	}
}

func TestRefreshEvents_FailingAccountIsSkipped(t *testing.T) {
	const n, failing = 5, 2

	f := newFixture(t)
	var want []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("acct-%d", i)
		f.addAccount(t, id)
		f.svc.addCalendar(id, "primary", "Main", ev(fmt.Sprintf("e%d", i), i))
		if i == failing {
			f.svc.failAccounts[id] = true
			continue
		}
		want = append(want, fmt.Sprintf("e%d", i))
	}

	agenda, err := f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, want, eventIDs(agenda.Events))
	assert.Equal(t, 1, agenda.Failed)

	a, ok := f.reg.Account(fmt.Sprintf("acct-%d", failing))
	require.True(t, ok)
	assert.True(t, a.LastSynced.IsZero(), "a failed account is not marked as synced")
}

func TestRefreshEvents_FailingCalendarIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	f.svc.addCalendar("acct-a", "good", "Good", ev("g1", 8))
	f.svc.addCalendar("acct-a", "bad", "Bad", ev("b1", 9))
	f.svc.failCalendars["acct-a/bad"] = true

	agenda, err := f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, eventIDs(agenda.Events))
	assert.Equal(t, 1, agenda.Failed)

	a, _ := f.reg.Account("acct-a")
	assert.True(t, a.LastSynced.IsZero())
}

func TestRefreshEvents_UnauthorizedAccountIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	require.NoError(t, f.reg.AddAccount(model.Account{ID: "acct-gone", Provider: model.ProviderGoogle}))
	f.svc.addCalendar("acct-a", "primary", "Main", ev("a1", 8))

	agenda, err := f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, eventIDs(agenda.Events))
	assert.Zero(t, agenda.Failed)
}

func TestRefreshEvents_HiddenCalendarsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	f.addAccount(t, "acct-b")
	f.svc.addCalendar("acct-a", "a-work", "Work", ev("a1", 8))
	f.svc.addCalendar("acct-b", "b-work", "Work", ev("b1", 9))
	require.NoError(t, f.engine.HideCalendar("acct-a", "a-work", "Work"))

	agenda, err := f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, eventIDs(agenda.Events))
	assert.Equal(t, []model.Calendar{{ID: "b-work", AccountID: "acct-b", Name: "Work"}}, agenda.Calendars)
	assert.Len(t, f.svc.eventWindows, 1, "hidden calendars are never fetched")
}

func TestRefreshEvents_ResumeLastViewed(t *testing.T) {
	f := newFixture(t, aggregate.WithHorizonDays(7))
	f.addAccount(t, "acct-a")
	f.svc.addCalendar("acct-a", "primary", "Main")

	// Without a stored date the anchor is used.
	agenda, err := f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{ResumeLastViewed: true})
	require.NoError(t, err)
	assert.Equal(t, anchor, agenda.VisibleDate)

	last := time.Date(2025, 12, 24, 15, 0, 0, 0, time.Local)
	require.NoError(t, f.engine.SetLastViewedDate(last))

	agenda, err = f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{ResumeLastViewed: true})
	require.NoError(t, err)
	day := time.Date(2025, 12, 24, 0, 0, 0, 0, time.Local)
	assert.Equal(t, day, agenda.VisibleDate)
	assert.Equal(t, model.TimeWindow{Start: day, End: day.AddDate(0, 0, 7)}, f.svc.eventWindows[1])

	agenda, err = f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, anchor, agenda.VisibleDate)
}

func TestRefreshEvents_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	f.svc.addCalendar("acct-a", "primary", "Main", ev("a1", 8))
	f.svc.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	agenda, err := f.engine.RefreshEvents(ctx, anchor, aggregate.Preferences{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, agenda.Events)

	a, _ := f.reg.Account("acct-a")
	assert.True(t, a.LastSynced.IsZero())
}

func TestRefreshEvents_BoundedConcurrency(t *testing.T) {
	f := newFixture(t, aggregate.WithConcurrency(2))
	f.addAccount(t, "acct-a")
	for i := 0; i < 10; i++ {
		f.svc.addCalendar("acct-a", fmt.Sprintf("cal-%d", i), "Cal", ev(fmt.Sprintf("e%d", i), i))
	}

	agenda, err := f.engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{})
	require.NoError(t, err)
	assert.Len(t, agenda.Events, 10)
	assert.LessOrEqual(t, f.svc.maxInFlight.Load(), int32(2))
}

func TestRefreshCalendarLists(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	f.addAccount(t, "acct-b")
	f.addAccount(t, "acct-c")
	f.svc.addCalendar("acct-a", "a-work", "Work")
	f.svc.addCalendar("acct-a", "a-home", "Home")
	f.svc.addCalendar("acct-b", "b-work", "Work")
	f.svc.failAccounts["acct-c"] = true
	require.NoError(t, f.engine.HideCalendar("acct-a", "a-work", "Work"))

	lists, err := f.engine.RefreshCalendarLists(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []model.Calendar{{ID: "a-work", AccountID: "acct-a", Name: "Work"}}, lists.Hidden)
	assert.Equal(t, []model.Calendar{
		{ID: "a-home", AccountID: "acct-a", Name: "Home"},
		{ID: "b-work", AccountID: "acct-b", Name: "Work"},
	}, lists.Visible)
	assert.Equal(t, 1, lists.Failed)

	require.NoError(t, f.engine.UnhideCalendar("acct-a", "a-work"))
	lists, err = f.engine.RefreshCalendarLists(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lists.Hidden)
	assert.Len(t, lists.Visible, 3)
}

func TestRefreshCalendarLists_UpgradesLegacyRecords(t *testing.T) {
	f := newFixture(t)
	legacy := `{"accounts":[{"id":"acct-a","provider":"google","provider_given_id":"g-a",
		"hidden_calendars":[{"name":"Birthdays"}]}]}`
	require.NoError(t, os.WriteFile(f.path, []byte(legacy), 0o600))
	f.tokens.Put("acct-a", tokenstore.Token{AccessToken: "access-a"})
	f.svc.addCalendar("acct-a", "a-bday", "Birthdays")
	f.svc.addCalendar("acct-a", "a-work", "Work")

	lists, err := f.engine.RefreshCalendarLists(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Calendar{{ID: "a-bday", AccountID: "acct-a", Name: "Birthdays"}}, lists.Hidden)

	// A later process can unhide the calendar by its id.
	reloaded := registry.New(f.path, f.tokens)
	assert.True(t, reloaded.IsCalendarHidden("acct-a", "a-bday"))
	reloaded.UnhideCalendar("acct-a", "a-bday")
	assert.False(t, reloaded.IsHidden(model.Calendar{ID: "a-bday", AccountID: "acct-a", Name: "Birthdays"}))
}

func TestHideCalendar_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.engine.HideCalendar("acct-unknown", "cal", "Cal"), registry.ErrUnknownAccount)
}

func TestRegisterAuthorizedAccount_New(t *testing.T) {
	f := newFixture(t)
	f.tokens.Put("new-id", tokenstore.Token{AccessToken: "a"})
	f.svc.profiles["new-id"] = model.Account{
		ID:              "new-id",
		Provider:        model.ProviderGoogle,
		ProviderGivenID: "sub-1",
		FriendlyName:    "Alice",
		Username:        "alice@example.com",
		Connected:       true,
		LastSynced:      t0,
	}

	acct, err := f.engine.RegisterAuthorizedAccount(context.Background(), "new-id")
	require.NoError(t, err)
	assert.Equal(t, "new-id", acct.ID)
	assert.Equal(t, "Alice", acct.FriendlyName)
	assert.True(t, acct.Connected)

	reloaded := registry.New(f.path, f.tokens)
	_, ok := reloaded.Account("new-id")
	assert.True(t, ok)
}

func TestRegisterAuthorizedAccount_ReauthorizationMergesIntoExisting(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "old-id")
	require.NoError(t, f.engine.HideCalendar("old-id", "cal-1", "Work"))

	f.tokens.Put("new-id", tokenstore.Token{AccessToken: "fresh"})
	f.svc.profiles["new-id"] = model.Account{
		ID:              "new-id",
		Provider:        model.ProviderGoogle,
		ProviderGivenID: "g-old-id",
		FriendlyName:    "Renamed",
	}

	acct, err := f.engine.RegisterAuthorizedAccount(context.Background(), "new-id")
	require.NoError(t, err)
	assert.Equal(t, "old-id", acct.ID)
	assert.Equal(t, "Renamed", acct.FriendlyName)

	tok, err := f.tokens.Get("old-id")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.False(t, f.tokens.IsAuthorized("new-id"))

	assert.Len(t, f.reg.ListAccounts(), 1)
	assert.True(t, f.reg.IsCalendarHidden("old-id", "cal-1"), "hidden calendars survive re-authorization")
}

func TestRegisterAuthorizedAccount_ProfileFailure(t *testing.T) {
	f := newFixture(t)
	f.tokens.Put("new-id", tokenstore.Token{AccessToken: "a"})

	_, err := f.engine.RegisterAuthorizedAccount(context.Background(), "new-id")
	assert.ErrorIs(t, err, calendar.ErrProviderRequestFailed)
	assert.Empty(t, f.reg.ListAccounts())
	assert.False(t, f.tokens.IsAuthorized("new-id"))
	assert.Equal(t, []string{"new-id"}, f.svc.revoked)
}

func TestRegisterAuthorizedAccount_ProfileFailureKeepsRegisteredToken(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")

	_, err := f.engine.RegisterAuthorizedAccount(context.Background(), "acct-a")
	assert.ErrorIs(t, err, calendar.ErrProviderRequestFailed)
	assert.True(t, f.tokens.IsAuthorized("acct-a"))
	assert.Empty(t, f.svc.revoked)
}

func TestRegisterAuthorizedAccount_SaveFailureDropsToken(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	tokens := tokenstore.New()
	tokens.Put("new-id", tokenstore.Token{AccessToken: "a"})
	svc := newFakeService()
	svc.profiles["new-id"] = model.Account{
		ID:              "new-id",
		Provider:        model.ProviderGoogle,
		ProviderGivenID: "sub-1",
		Connected:       true,
	}
	reg := registry.New(filepath.Join(blocker, "accounts.json"), tokens)
	engine := aggregate.New(svc, reg, tokens)

	_, err := engine.RegisterAuthorizedAccount(context.Background(), "new-id")
	require.Error(t, err)
	assert.Empty(t, reg.ListAccounts())
	assert.False(t, tokens.IsAuthorized("new-id"))
}

func TestDisconnectAccount(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	require.NoError(t, f.engine.HideCalendar("acct-a", "cal-1", "Work"))

	require.NoError(t, f.engine.DisconnectAccount(context.Background(), "acct-a"))
	assert.Equal(t, []string{"acct-a"}, f.svc.revoked)
	assert.Empty(t, f.reg.ListAccounts())
	assert.Empty(t, f.reg.HiddenCalendars("acct-a"))
	assert.False(t, f.tokens.IsAuthorized("acct-a"))
}

func TestDisconnectAccount_RevokeFailureStillRemoves(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	f.svc.revokeErr = errors.New("provider down")

	require.NoError(t, f.engine.DisconnectAccount(context.Background(), "acct-a"))
	assert.Empty(t, f.reg.ListAccounts())
}

func TestDisconnectAccount_Unknown(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.engine.DisconnectAccount(context.Background(), "acct-unknown"), registry.ErrUnknownAccount)
	assert.Empty(t, f.svc.revoked)
}

// TestRefreshEvents_AgainstProvider runs the engine on the real calendar
// client and a fake provider where one of three accounts is rejected.
func TestRefreshEvents_AgainstProvider(t *testing.T) {
	srv := providertest.NewServer(t)
	tokens := tokenstore.New(tokenstore.WithClock(func() time.Time { return t0 }))
	reg := registry.New("", tokens)

	for i, key := range []string{"alice", "bob", "carol"} {
		id := "acct-" + key
		access := "access-" + key
		require.NoError(t, reg.AddAccount(model.Account{ID: id, Provider: model.ProviderGoogle, ProviderGivenID: key}))
		tokens.Put(id, tokenstore.Token{AccessToken: access, TokenType: "Bearer", ExpiresIn: time.Hour, Issued: t0})

		acct := &providertest.Account{
			UserInfo:  provider.UserInfo{Sub: key},
			Calendars: []providertest.Calendar{{ID: key + "-primary", Summary: key}},
			Events: map[string][]map[string]any{
				key + "-primary": {{
					"id":      key + "-standup",
					"summary": "Standup",
					"start":   map[string]any{"dateTime": fmt.Sprintf("2026-01-05T%02d:00:00Z", 9+i)},
					"end":     map[string]any{"dateTime": fmt.Sprintf("2026-01-05T%02d:30:00Z", 9+i)},
				}},
			},
		}
		if key == "bob" {
			acct.FailCalendarList = true
		}
		srv.AddAccount(key, acct, access)
	}

	client := calendar.NewClient(srv.Adapter(), tokens)
	engine := aggregate.New(client, reg, tokens, aggregate.WithClock(func() time.Time { return t0 }))

	agenda, err := engine.RefreshEvents(context.Background(), anchor, aggregate.Preferences{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice-standup", "carol-standup"}, eventIDs(agenda.Events))
	assert.Equal(t, 1, agenda.Failed)
	assert.Equal(t, 3, srv.Calls(providertest.CallCalendarList))
	assert.Equal(t, 2, srv.Calls(providertest.CallEvents))
}

func TestHideCalendar_Persists(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "acct-a")
	require.NoError(t, f.engine.HideCalendar("acct-a", "cal-1", "Work"))
	require.NoError(t, f.engine.HideCalendar("acct-a", "cal-2", "Birthdays"))
	require.NoError(t, f.engine.UnhideCalendar("acct-a", "cal-1"))

	reloaded := registry.New(f.path, f.tokens)
	assert.Equal(t, []model.HiddenCalendar{{CalendarID: "cal-2", CalendarName: "Birthdays"}}, reloaded.HiddenCalendars("acct-a"))
}
