package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/teemow/calfold/internal/instrumentation"
	"github.com/teemow/calfold/internal/logging"
	"github.com/teemow/calfold/internal/model"
	"github.com/teemow/calfold/internal/provider"
	"github.com/teemow/calfold/internal/tokenstore"
)

// ErrProviderRequestFailed wraps every failed calendar, event, profile or
// revoke request.
var ErrProviderRequestFailed = errors.New("provider request failed")

// DefaultRefreshTimeout bounds a shared token refresh.
const DefaultRefreshTimeout = 30 * time.Second

// TokenStore is the part of the token store the client needs.
type TokenStore interface {
	Get(accountID string) (tokenstore.Token, error)
	Put(accountID string, tok tokenstore.Token)
	Remove(accountID string)
	AccountIDs() []string
	Save() error
	Now() time.Time
}

// Client talks to a provider's calendar API on behalf of the accounts in a
// token store, refreshing their access tokens before use.
type Client struct {
	adapter        provider.Adapter
	tokens         TokenStore
	metrics        *instrumentation.Metrics
	logger         *slog.Logger
	refreshTimeout time.Duration

	refreshes singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records provider API calls and refreshes.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRefreshTimeout bounds each shared token refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// NewClient creates a Client.
func NewClient(adapter provider.Adapter, tokens TokenStore, opts ...Option) *Client {
	c := &Client{
		adapter:        adapter,
		tokens:         tokens,
		logger:         slog.Default(),
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithProvider(c.logger, string(adapter.Kind()))
	return c
}

// ListCalendars returns the calendars of an account. Accounts without a token
// give tokenstore.ErrNotAuthorized before any request is made.
func (c *Client) ListCalendars(ctx context.Context, accountID string) ([]model.Calendar, error) {
	if _, err := c.tokens.Get(accountID); err != nil {
		return nil, err
	}

	var calendars []model.Calendar
	err := c.observe(ctx, instrumentation.OperationListCalendars, accountID, "", func(ctx context.Context) error {
		svc, err := c.service(ctx, accountID)
		if err != nil {
			return err
		}
		return svc.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
			for _, entry := range page.Items {
				calendars = append(calendars, toCalendar(accountID, entry))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list calendars: %w", ErrProviderRequestFailed, err)
	}

	return calendars, nil
}

// ListEvents returns the timed events of one calendar within window. Entries
// without a title or without a start and end date-time are skipped.
func (c *Client) ListEvents(ctx context.Context, accountID, calendarID string, window model.TimeWindow) ([]model.Event, error) {
	if _, err := c.tokens.Get(accountID); err != nil {
		return nil, err
	}

	var (
		events  []model.Event
		skipped int
	)
	err := c.observe(ctx, instrumentation.OperationListEvents, accountID, calendarID, func(ctx context.Context) error {
		svc, err := c.service(ctx, accountID)
		if err != nil {
			return err
		}

		call := svc.Events.List(calendarID).SingleEvents(true)
		if !window.Start.IsZero() {
			call = call.TimeMin(window.Start.Format(time.RFC3339))
		}
		if !window.End.IsZero() {
			call = call.TimeMax(window.End.Format(time.RFC3339))
		}

		return call.Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, err := toEvent(accountID, calendarID, item)
				if err != nil {
					skipped++
					c.logger.Warn("skipped malformed event",
						logging.Account(accountID),
						logging.Calendar(calendarID),
						"event", item.Id,
						"reason", err.Error())
					continue
				}
				events = append(events, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list events of calendar %s: %w", ErrProviderRequestFailed, calendarID, err)
	}

	if skipped > 0 {
		c.logger.Debug("skipped malformed events",
			logging.Account(accountID),
			logging.Calendar(calendarID),
			"skipped", skipped)
		c.metrics.RecordSkippedEvents(ctx, string(c.adapter.Kind()), skipped)
	}

	return events, nil
}

// AccountProfile fetches the identity behind an account's token.
func (c *Client) AccountProfile(ctx context.Context, accountID string) (model.Account, error) {
	if _, err := c.tokens.Get(accountID); err != nil {
		return model.Account{}, err
	}

	var info provider.UserInfo
	err := c.observe(ctx, instrumentation.OperationUserInfo, accountID, "", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adapter.UserInfoURL(), nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient(ctx, accountID).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("userinfo returned status %d: %s", resp.StatusCode, body)
		}
		return json.NewDecoder(resp.Body).Decode(&info)
	})
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: failed to fetch account profile: %w", ErrProviderRequestFailed, err)
	}

	name := info.Name
	if name == "" {
		name = info.Email
	}

	return model.Account{
		ID:              accountID,
		Provider:        c.adapter.Kind(),
		ProviderGivenID: info.Sub,
		FriendlyName:    name,
		Username:        info.Email,
		PictureURI:      info.Picture,
		Connected:       true,
		LastSynced:      c.tokens.Now(),
	}, nil
}

// RevokeAndForget revokes an account's token at the provider and removes it
// locally. The local token is removed even when the revocation fails.
func (c *Client) RevokeAndForget(ctx context.Context, accountID string) error {
	tok, err := c.tokens.Get(accountID)
	if err != nil {
		c.logger.Debug("no token to revoke", logging.Account(accountID))
		return nil
	}

	secret := tok.RefreshToken
	if secret == "" {
		secret = tok.AccessToken
	}
	revokeErr := c.observe(ctx, instrumentation.OperationRevoke, accountID, "", func(ctx context.Context) error {
		return c.adapter.Revoke(ctx, secret)
	})

	c.tokens.Remove(accountID)
	if err := c.tokens.Save(); err != nil {
		c.logger.Warn("failed to persist token removal", logging.Account(accountID), logging.Err(err))
	}

	if revokeErr != nil {
		c.logger.Warn("token revocation failed, removed it locally anyway",
			logging.Account(accountID),
			logging.Err(revokeErr))
		return fmt.Errorf("%w: %w", ErrProviderRequestFailed, revokeErr)
	}

	c.logger.Info("revoked token", logging.Account(accountID))
	return nil
}

// service builds a calendar service whose requests carry the account's
// access token.
func (c *Client) service(ctx context.Context, accountID string) (*calendar.Service, error) {
	svc, err := calendar.NewService(ctx,
		option.WithHTTPClient(c.httpClient(ctx, accountID)),
		option.WithEndpoint(c.adapter.CalendarEndpoint()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// httpClient returns a client that asks EnsureValidToken for a token before
// every request, so each page of a listing starts with a valid token.
func (c *Client) httpClient(ctx context.Context, accountID string) *http.Client {
	base := c.adapter.HTTPClient()
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: &accountTokenSource{ctx: ctx, client: c, accountID: accountID},
			Base:   base.Transport,
		},
		Timeout: base.Timeout,
	}
}

// observe wraps a provider call with a span and the API metrics.
func (c *Client) observe(ctx context.Context, operation, accountID, calendarID string, fn func(context.Context) error) error {
	kind := string(c.adapter.Kind())
	ctx, span := instrumentation.StartProviderAPISpan(ctx, kind, operation,
		instrumentation.NewSpanAttributeBuilder().
			WithAccount(accountID).
			WithCalendar(calendarID).
			Build()...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	c.metrics.RecordProviderAPIOperation(ctx, kind, operation, status, accountID, time.Since(start))

	return err
}

type accountTokenSource struct {
	ctx       context.Context
	client    *Client
	accountID string
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.client.EnsureValidToken(s.ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	return tok.OAuth2(), nil
}
