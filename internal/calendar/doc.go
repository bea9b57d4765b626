// Package calendar is the authenticated client for a provider's calendar API.
//
// The client reads tokens from a token store and refreshes them shortly
// before use, one refresh per account at a time. It lists calendars and
// paginated events, fetches the account profile and revokes tokens when an
// account is disconnected.
//
// Example usage:
//
//	client := calendar.NewClient(adapter, store)
//	calendars, err := client.ListCalendars(ctx, accountID)
//	if err != nil {
//	    return err
//	}
//	for _, cal := range calendars {
//	    events, err := client.ListEvents(ctx, accountID, cal.ID, model.DayWindow(time.Now(), 7))
//	    ...
//	}
package calendar
