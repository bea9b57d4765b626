package provider

import (
	calendar "google.golang.org/api/calendar/v3"
)

// GoogleScopes are the scopes calfold requests: read-only calendar access
// plus the identity needed to label the account.
var GoogleScopes = []string{
	calendar.CalendarReadonlyScope,
	"openid",
	"email",
	"profile",
}
