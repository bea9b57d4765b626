// Package oauthflow drives the OAuth2 authorization-code grant for new
// accounts: it hands out an authorization URL, waits for the code the user
// brings back, exchanges it and stores the resulting token.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/calfold/internal/instrumentation"
	"github.com/teemow/calfold/internal/logging"
	"github.com/teemow/calfold/internal/provider"
	"github.com/teemow/calfold/internal/tokenstore"
)

var (
	// ErrInvalidCode is returned for empty or whitespace-only codes. It is
	// detected locally; the provider is never contacted.
	ErrInvalidCode = errors.New("authorization code is empty")

	// ErrNoPendingAuthorization is returned when a handle does not belong to
	// an attempt that is waiting for its code.
	ErrNoPendingAuthorization = errors.New("no pending authorization for handle")

	// ErrAuthorizationInProgress is returned by Begin while a code exchange is
	// running.
	ErrAuthorizationInProgress = errors.New("another authorization is being exchanged")
)

// DefaultPendingTTL is how long an attempt waits for its code.
const DefaultPendingTTL = 10 * time.Minute

// State is the lifecycle state of an authorization attempt.
type State int

const (
	StateIdle State = iota
	StateAwaitingCode
	StateExchanging
	StateAuthorized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCode:
		return "awaiting_code"
	case StateExchanging:
		return "exchanging"
	case StateAuthorized:
		return "authorized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Pending describes an attempt waiting for its authorization code.
type Pending struct {
	// Handle identifies the attempt. It doubles as the OAuth state parameter.
	Handle    string
	AuthURL   string
	ExpiresAt time.Time
}

// Result is the outcome of Complete. Failures are reported in Err, never
// as a separate error return.
type Result struct {
	Handle    string
	AccountID string
	Success   bool
	Err       error
}

// Observer is notified of every attempt that reaches Authorized or Failed.
type Observer func(Result)

// TokenSink is where exchanged tokens go.
type TokenSink interface {
	Put(accountID string, tok tokenstore.Token)
	Save() error
}

type attempt struct {
	handle    string
	state     State
	expiresAt time.Time
}

// Coordinator runs one authorization attempt at a time.
type Coordinator struct {
	adapter provider.Adapter
	tokens  TokenSink
	opener  BrowserOpener
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	ttl     time.Duration

	mu        sync.Mutex
	current   *attempt
	last      *attempt
	observers []Observer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBrowserOpener sets the collaborator that shows the authorization URL.
func WithBrowserOpener(o BrowserOpener) Option {
	return func(c *Coordinator) {
		c.opener = o
	}
}

// WithMetrics records authorization outcomes.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithIDGenerator replaces the uuid generator used for handles and account ids.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		c.newID = newID
	}
}

// WithPendingTTL sets how long an attempt waits for its code.
func WithPendingTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New creates a Coordinator.
func New(adapter provider.Adapter, tokens TokenSink, opts ...Option) *Coordinator {
	c := &Coordinator{
		adapter: adapter,
		tokens:  tokens,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		ttl:     DefaultPendingTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe adds an observer.
func (c *Coordinator) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Begin starts an attempt and opens its authorization URL. An attempt that is
// still waiting for its code is superseded; one that is exchanging its code
// makes Begin fail with ErrAuthorizationInProgress.
func (c *Coordinator) Begin(ctx context.Context) (Pending, error) {
	c.mu.Lock()
	if cur := c.current; cur != nil {
		if cur.state == StateExchanging {
			c.mu.Unlock()
			return Pending{}, ErrAuthorizationInProgress
		}
		c.logger.Info("superseding pending authorization", "handle", cur.handle)
		c.current = nil
	}

	a := &attempt{
		handle:    c.newID(),
		state:     StateAwaitingCode,
		expiresAt: c.now().Add(c.ttl),
	}
	c.current = a
	c.mu.Unlock()

	pending := Pending{
		Handle:    a.handle,
		AuthURL:   c.adapter.AuthCodeURL(a.handle),
		ExpiresAt: a.expiresAt,
	}

	if c.opener != nil {
		if err := c.opener.Open(pending.AuthURL); err != nil {
			c.logger.Warn("failed to open browser, the URL has to be opened manually", logging.Err(err))
		}
	}

	c.logger.Debug("authorization started",
		logging.Provider(string(c.adapter.Kind())),
		"handle", a.handle,
		"expires_at", a.expiresAt)

	return pending, nil
}

// Complete exchanges the code for the attempt identified by handle. On success
// the token is stored under a newly minted account id.
func (c *Coordinator) Complete(ctx context.Context, handle, code string) Result {
	code = strings.TrimSpace(code)
	if code == "" {
		return Result{Handle: handle, Err: ErrInvalidCode}
	}

	c.mu.Lock()
	a := c.current
	if a == nil || a.handle != handle || a.state != StateAwaitingCode {
		c.mu.Unlock()
		return Result{Handle: handle, Err: ErrNoPendingAuthorization}
	}
	if !c.now().Before(a.expiresAt) {
		c.current = nil
		c.mu.Unlock()
		return Result{Handle: handle, Err: fmt.Errorf("%w: attempt expired", ErrNoPendingAuthorization)}
	}
	a.state = StateExchanging
	c.mu.Unlock()

	tok, err := c.adapter.Exchange(ctx, code)
	if err != nil {
		if !errors.Is(err, provider.ErrTokenExchangeFailed) {
			err = fmt.Errorf("%w: %w", provider.ErrTokenExchangeFailed, err)
		}
		c.logger.Warn("authorization code exchange failed", "handle", handle, logging.Err(err))
		return c.finish(ctx, a, Result{Handle: handle, Err: err})
	}

	accountID := c.newID()
	c.tokens.Put(accountID, tokenstore.FromOAuth2(tok, c.now()))
	if err := c.tokens.Save(); err != nil {
		c.logger.Warn("failed to persist new token, it is kept in memory", logging.Account(accountID), logging.Err(err))
	}

	c.logger.Info("authorization completed", logging.Account(accountID))
	return c.finish(ctx, a, Result{Handle: handle, AccountID: accountID, Success: true})
}

// Cancel discards an attempt that is still waiting for its code and reports
// whether it did. Unknown handles and attempts past that point are left alone.
func (c *Coordinator) Cancel(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.current
	if a == nil || a.handle != handle || a.state != StateAwaitingCode {
		return false
	}
	c.current = nil
	c.logger.Debug("authorization cancelled", "handle", handle)
	return true
}

// State returns the state of the attempt identified by handle. Unknown,
// superseded and cancelled attempts are Idle.
func (c *Coordinator) State(handle string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.handle == handle {
		return c.current.state
	}
	if c.last != nil && c.last.handle == handle {
		return c.last.state
	}
	return StateIdle
}

func (c *Coordinator) finish(ctx context.Context, a *attempt, res Result) Result {
	c.mu.Lock()
	if res.Success {
		a.state = StateAuthorized
	} else {
		a.state = StateFailed
	}
	if c.current == a {
		c.current = nil
	}
	c.last = a
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	if res.Success {
		c.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultSuccess)
	} else {
		c.metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
	}

	for _, o := range observers {
		o(res)
	}
	return res
}
