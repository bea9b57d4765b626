// Package registry keeps the connected accounts, their hidden calendars and
// the last viewed date, and persists them to accounts.json.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/teemow/calfold/internal/fsutil"
	"github.com/teemow/calfold/internal/logging"
	"github.com/teemow/calfold/internal/model"
)

var (
	// ErrUnknownAccount is returned for account ids the registry does not know.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrMalformedData is returned when the persisted registry cannot be read.
	ErrMalformedData = errors.New("malformed account data")
)

// Tokens is the part of the token store the registry consults.
type Tokens interface {
	IsAuthorized(accountID string) bool
	Remove(accountID string)
}

// Registry is the account registry. The file is read lazily on first use and
// only written by Save.
type Registry struct {
	path   string
	tokens Tokens
	logger *slog.Logger

	loadOnce sync.Once

	mu    sync.RWMutex
	state state

	saveMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a registry backed by path. An empty path keeps it in memory.
func New(path string, tokens Tokens, opts ...Option) *Registry {
	r := &Registry{
		path:   path,
		tokens: tokens,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) load() {
	r.loadOnce.Do(func() {
		if r.path == "" {
			return
		}

		data, err := os.ReadFile(r.path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("failed to read account registry, starting empty", "path", r.path, logging.Err(err))
			}
			return
		}

		s, err := decode(data)
		if err != nil {
			r.logger.Warn("account registry could not be fully loaded, continuing with what was readable",
				"path", r.path,
				"loaded", len(s.accounts),
				logging.Err(err))
		}

		r.mu.Lock()
		r.state = s
		r.mu.Unlock()

		r.logger.Debug("loaded account registry", "path", r.path, "accounts", len(s.accounts))
	})
}

func (r *Registry) find(id string) *entry {
	for _, e := range r.state.accounts {
		if e.account.ID == id {
			return e
		}
	}
	return nil
}

func (r *Registry) withConnected(a model.Account) model.Account {
	a.Connected = r.tokens != nil && r.tokens.IsAuthorized(a.ID)
	return a
}

// ListAccounts returns all accounts in the order they were added. Connected
// reflects the token store at the time of the call.
func (r *Registry) ListAccounts() []model.Account {
	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Account, 0, len(r.state.accounts))
	for _, e := range r.state.accounts {
		out = append(out, r.withConnected(e.account))
	}
	return out
}

// Account returns one account.
func (r *Registry) Account(id string) (model.Account, bool) {
	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.find(id)
	if e == nil {
		return model.Account{}, false
	}
	return r.withConnected(e.account), true
}

// FindByProviderID returns the account with the given provider identity.
func (r *Registry) FindByProviderID(kind model.ProviderKind, givenID string) (model.Account, bool) {
	if givenID == "" {
		return model.Account{}, false
	}

	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.state.accounts {
		if e.account.Provider == kind && e.account.ProviderGivenID == givenID {
			return r.withConnected(e.account), true
		}
	}
	return model.Account{}, false
}

// AddAccount adds an account or replaces the one with the same id, keeping
// its hidden calendars.
func (r *Registry) AddAccount(a model.Account) error {
	if a.ID == "" {
		return errors.New("account id is empty")
	}
	if _, err := model.ParseProviderKind(string(a.Provider)); err != nil {
		return err
	}

	r.load()
	r.mu.Lock()
	defer r.mu.Unlock()

	a.Connected = false
	if e := r.find(a.ID); e != nil {
		e.account = a
		return nil
	}
	r.state.accounts = append(r.state.accounts, &entry{account: a})
	return nil
}

// TouchSynced records a successful sync of an account.
func (r *Registry) TouchSynced(id string, t time.Time) {
	r.load()
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.find(id); e != nil {
		e.account.LastSynced = t
	}
}

// RemoveAccount removes an account with its hidden calendars and its token.
func (r *Registry) RemoveAccount(id string) error {
	r.load()
	r.mu.Lock()
	idx := -1
	for i, e := range r.state.accounts {
		if e.account.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	r.state.accounts = append(r.state.accounts[:idx], r.state.accounts[idx+1:]...)
	r.mu.Unlock()

	if r.tokens != nil {
		r.tokens.Remove(id)
	}
	r.logger.Info("removed account", logging.Account(id))
	return nil
}

// IsCalendarHidden reports whether a calendar id is hidden for an account.
func (r *Registry) IsCalendarHidden(accountID, calendarID string) bool {
	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.find(accountID)
	if e == nil {
		return false
	}
	for _, h := range e.hidden {
		if h.ID == calendarID {
			return true
		}
	}
	return false
}

// IsHidden reports whether a calendar is hidden for its account. Legacy
// records that carry only a name match by name within the same account and
// are upgraded to the calendar's id on the first match. From then on the
// record matches that id only, so a second calendar of the same account
// with the same name is visible.
func (r *Registry) IsHidden(cal model.Calendar) bool {
	if r.IsCalendarHidden(cal.AccountID, cal.ID) {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(cal.AccountID)
	if e == nil {
		return false
	}
	for i, h := range e.hidden {
		if h.ID == "" && h.Name == cal.Name {
			e.hidden[i].ID = cal.ID
			return true
		}
	}
	return false
}

// HideCalendar hides a calendar of an account. Hiding a calendar that is
// already hidden updates its stored name.
func (r *Registry) HideCalendar(accountID, calendarID, name string) error {
	if calendarID == "" {
		return errors.New("calendar id is empty")
	}

	r.load()
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(accountID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	for i, h := range e.hidden {
		if h.ID == calendarID || (h.ID == "" && name != "" && h.Name == name) {
			e.hidden[i] = hiddenRecord{ID: calendarID, Name: name}
			return nil
		}
	}
	e.hidden = append(e.hidden, hiddenRecord{ID: calendarID, Name: name})
	return nil
}

// UnhideCalendar makes a calendar visible again. Unknown accounts and
// calendars that are not hidden are ignored.
func (r *Registry) UnhideCalendar(accountID, calendarID string) {
	r.load()
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(accountID)
	if e == nil {
		return
	}
	kept := e.hidden[:0]
	for _, h := range e.hidden {
		if h.ID != calendarID {
			kept = append(kept, h)
		}
	}
	e.hidden = kept
}

// HiddenCalendars returns the hidden calendars of an account.
func (r *Registry) HiddenCalendars(accountID string) []model.HiddenCalendar {
	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.find(accountID)
	if e == nil {
		return nil
	}
	out := make([]model.HiddenCalendar, 0, len(e.hidden))
	for _, h := range e.hidden {
		out = append(out, model.HiddenCalendar{CalendarID: h.ID, CalendarName: h.Name})
	}
	return out
}

// LastViewedDate returns the persisted last viewed date, at midnight local
// time.
func (r *Registry) LastViewedDate() (time.Time, bool) {
	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.state.lastViewed, !r.state.lastViewed.IsZero()
}

// SetLastViewedDate records the date of t in t's location. A zero t clears it.
func (r *Registry) SetLastViewedDate(t time.Time) {
	r.load()
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.IsZero() {
		r.state.lastViewed = time.Time{}
		return
	}
	r.state.lastViewed = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
}

// Encode returns the persisted form of the registry.
func (r *Registry) Encode() ([]byte, error) {
	r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()

	return encode(r.state)
}

// Save writes the registry to its file. It is a no-op for in-memory
// registries.
func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	data, err := r.Encode()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(r.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}
	return nil
}
