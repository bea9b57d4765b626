package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/teemow/calfold/internal/model"
)

// Endpoints are the URLs an adapter talks to. Tests point them at httptest
// servers.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	RevokeURL   string
	UserInfoURL string

	// CalendarAPI is the calendar REST base URL and ends with a slash.
	CalendarAPI string
}

// GoogleEndpoints are the production Google endpoints.
var GoogleEndpoints = Endpoints{
	AuthURL:     google.Endpoint.AuthURL,
	TokenURL:    google.Endpoint.TokenURL,
	RevokeURL:   "https://oauth2.googleapis.com/revoke",
	UserInfoURL: "https://www.googleapis.com/oauth2/v3/userinfo",
	CalendarAPI: "https://www.googleapis.com/calendar/v3/",
}

// DefaultRedirectURL is used when no redirect URL is configured. Nothing
// listens there; the user copies the code (or the whole URL) from the
// browser's address bar.
const DefaultRedirectURL = "http://localhost:1"

// DefaultHTTPTimeout bounds every request made with the default client.
const DefaultHTTPTimeout = 30 * time.Second

// Google is the Adapter for Google Calendar.
type Google struct {
	config     *oauth2.Config
	endpoints  Endpoints
	httpClient *http.Client
}

// GoogleOption configures a Google adapter.
type GoogleOption func(*Google)

// WithEndpoints overrides the provider endpoints.
func WithEndpoints(e Endpoints) GoogleOption {
	return func(g *Google) {
		g.endpoints = e
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) GoogleOption {
	return func(g *Google) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// NewGoogle creates a Google adapter for an OAuth client.
func NewGoogle(clientID, clientSecret, redirectURL string, opts ...GoogleOption) *Google {
	return newGoogle(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       GoogleScopes,
	}, opts...)
}

// NewGoogleFromCredentials creates a Google adapter from a credentials.json
// document as downloaded from the Google Cloud console ("installed" or "web"
// client). A non-empty redirectURL overrides the first redirect URI of the file.
func NewGoogleFromCredentials(data []byte, redirectURL string, opts ...GoogleOption) (*Google, error) {
	conf, err := google.ConfigFromJSON(data, GoogleScopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client credentials: %w", err)
	}
	if redirectURL != "" {
		conf.RedirectURL = redirectURL
	}
	return newGoogle(conf, opts...), nil
}

func newGoogle(conf *oauth2.Config, opts ...GoogleOption) *Google {
	g := &Google{
		config:     conf,
		endpoints:  GoogleEndpoints,
		httpClient: defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.config.RedirectURL == "" {
		g.config.RedirectURL = DefaultRedirectURL
	}
	g.config.Endpoint = oauth2.Endpoint{
		AuthURL:   g.endpoints.AuthURL,
		TokenURL:  g.endpoints.TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}

	return g
}

// defaultHTTPClient forces HTTP/1.1; a custom DialContext on a cloned
// transport disables the automatic HTTP/2 upgrade.
func defaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ForceAttemptHTTP2 = false
	return &http.Client{
		Transport: transport,
		Timeout:   DefaultHTTPTimeout,
	}
}

// Kind implements Adapter.
func (g *Google) Kind() model.ProviderKind {
	return model.ProviderGoogle
}

// AuthCodeURL implements Adapter. Offline access and forced consent make
// Google return a refresh token on every authorization.
func (g *Google) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange implements Adapter.
func (g *Google) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := g.config.Exchange(g.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, WrapOAuthError(err))
	}
	return tok, nil
}

// Refresh implements Adapter.
func (g *Google) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token available", ErrTokenExchangeFailed)
	}

	// A past expiry makes the token source go straight to the token endpoint.
	ts := g.config.TokenSource(g.clientContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, WrapOAuthError(err))
	}
	return tok, nil
}

// Revoke implements Adapter.
func (g *Google) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("no token to revoke")
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoints.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("failed to revoke token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// UserInfoURL implements Adapter.
func (g *Google) UserInfoURL() string {
	return g.endpoints.UserInfoURL
}

// CalendarEndpoint implements Adapter.
func (g *Google) CalendarEndpoint() string {
	return g.endpoints.CalendarAPI
}

// HTTPClient implements Adapter.
func (g *Google) HTTPClient() *http.Client {
	return g.httpClient
}

// RedirectURL returns the configured redirect URL.
func (g *Google) RedirectURL() string {
	return g.config.RedirectURL
}

func (g *Google) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}
