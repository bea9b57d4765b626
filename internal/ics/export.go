// Package ics writes an agenda as an iCalendar (RFC 5545) document.
package ics

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/teemow/calfold/internal/model"
)

const productID = "-//calfold//calfold//EN"

// Exporter turns events into a VCALENDAR.
type Exporter struct {
	name  string
	now   func() time.Time
	names map[string]string
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithName sets X-WR-CALNAME.
func WithName(name string) Option {
	return func(e *Exporter) {
		e.name = name
	}
}

// WithClock sets the DTSTAMP source.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		e.now = now
	}
}

// WithCalendars adds each event's calendar name as a CATEGORIES value.
func WithCalendars(cals []model.Calendar) Option {
	return func(e *Exporter) {
		for _, c := range cals {
			e.names[calendarKey(c.AccountID, c.ID)] = c.Name
		}
	}
}

// NewExporter creates an Exporter.
func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{
		name:  "calfold",
		now:   time.Now,
		names: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func calendarKey(accountID, calendarID string) string {
	return accountID + "/" + calendarID
}

// UID returns an identifier that is unique across accounts and calendars.
// Provider event ids are only unique within their calendar.
func UID(ev model.Event) string {
	return fmt.Sprintf("%s.%s.%s@calfold", ev.ID, ev.CalendarID, ev.AccountID)
}

// Calendar builds the VCALENDAR with one VEVENT per event.
func (e *Exporter) Calendar(events []model.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if e.name != "" {
		cal.SetXWRCalName(e.name)
	}

	stamp := e.now().UTC()
	for _, ev := range events {
		vev := cal.AddEvent(UID(ev))
		vev.SetDtStampTime(stamp)
		vev.SetStartAt(ev.Start.UTC())
		vev.SetEndAt(ev.End.UTC())
		vev.SetSummary(ev.Name)
		if name, ok := e.names[calendarKey(ev.AccountID, ev.CalendarID)]; ok && name != "" {
			vev.AddProperty(ical.ComponentPropertyCategories, name)
		}
	}
	return cal
}

// Write serializes events to w.
func (e *Exporter) Write(w io.Writer, events []model.Event) error {
	if _, err := io.WriteString(w, e.Calendar(events).Serialize()); err != nil {
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	return nil
}
