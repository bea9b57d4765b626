// Package model holds the value types shared by the calfold packages.
package model

import (
	"fmt"
	"time"
)

// ProviderKind identifies the calendar provider an account lives on.
type ProviderKind string

const (
	// ProviderGoogle is Google Calendar.
	ProviderGoogle ProviderKind = "google"
)

// ParseProviderKind converts a persisted provider name into a ProviderKind.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch ProviderKind(s) {
	case ProviderGoogle:
		return ProviderGoogle, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Account is a connected provider account.
type Account struct {
	ID              string
	Provider        ProviderKind
	ProviderGivenID string
	FriendlyName    string
	Username        string
	PictureURI      string
	PictureLocalURI string

	// Connected is computed at runtime from the token store and never persisted.
	Connected bool

	LastSynced time.Time
}

// Calendar is a calendar owned by an account. It is fetched fresh on every
// aggregation pass.
type Calendar struct {
	ID        string
	AccountID string
	Name      string
}

// HiddenCalendar marks a calendar of one account as excluded from aggregation.
type HiddenCalendar struct {
	CalendarID   string
	CalendarName string
}

// Event is a timed calendar event.
type Event struct {
	ID         string
	AccountID  string
	CalendarID string
	Name       string
	Start      time.Time
	End        time.Time
}

// TimeWindow bounds an event listing. Zero bounds are open.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// DayWindow returns the window starting at midnight of day (in day's location)
// and spanning the given number of days.
func DayWindow(day time.Time, days int) TimeWindow {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return TimeWindow{
		Start: start,
		End:   start.AddDate(0, 0, days),
	}
}
