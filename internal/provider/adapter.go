// Package provider abstracts the OAuth2 and REST endpoints of a calendar
// provider behind a small Adapter interface. Google is the only
// implementation.
package provider

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/teemow/calfold/internal/model"
)

// ErrTokenExchangeFailed wraps every failure of a code-for-token or
// refresh-for-token exchange.
var ErrTokenExchangeFailed = errors.New("token exchange failed")

// Adapter is what the flow coordinator and the calendar client need to know
// about a provider.
type Adapter interface {
	// Kind identifies the provider.
	Kind() model.ProviderKind

	// AuthCodeURL builds the authorization URL the user opens in a browser.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for a token.
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)

	// Refresh obtains a new access token with a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// Revoke invalidates a token at the provider.
	Revoke(ctx context.Context, token string) error

	// UserInfoURL is the identity endpoint returning a UserInfo document.
	UserInfoURL() string

	// CalendarEndpoint is the base URL of the calendar REST API.
	CalendarEndpoint() string

	// HTTPClient is the unauthenticated client used for all requests.
	HTTPClient() *http.Client
}

// UserInfo is the identity document returned by the userinfo endpoint.
type UserInfo struct {
	// Sub is the provider's stable user id.
	Sub string `json:"sub"`

	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}
