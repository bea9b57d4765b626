package calendar

import (
	"errors"
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/teemow/calfold/internal/model"
)

func toCalendar(accountID string, entry *calendar.CalendarListEntry) model.Calendar {
	if entry == nil {
		return model.Calendar{AccountID: accountID}
	}
	return model.Calendar{
		ID:        entry.Id,
		AccountID: accountID,
		Name:      entry.Summary,
	}
}

// toEvent converts a provider event. All-day events carry only a date and
// are rejected together with untitled and malformed ones.
func toEvent(accountID, calendarID string, item *calendar.Event) (model.Event, error) {
	switch {
	case item == nil:
		return model.Event{}, errors.New("empty event")
	case item.Summary == "":
		return model.Event{}, errors.New("missing summary")
	case item.Start == nil || item.Start.DateTime == "":
		return model.Event{}, errors.New("missing start date-time")
	case item.End == nil || item.End.DateTime == "":
		return model.Event{}, errors.New("missing end date-time")
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return model.Event{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return model.Event{}, fmt.Errorf("invalid end: %w", err)
	}

	return model.Event{
		ID:         item.Id,
		AccountID:  accountID,
		CalendarID: calendarID,
		Name:       item.Summary,
		Start:      start,
		End:        end,
	}, nil
}
