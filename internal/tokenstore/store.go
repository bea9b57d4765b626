// Package tokenstore keeps the OAuth2 tokens of every connected account,
// decides when they are expired, and persists them to a JSON file.
package tokenstore

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/teemow/calfold/internal/logging"
)

var (
	// ErrNotAuthorized is returned for accounts that have no stored token.
	ErrNotAuthorized = errors.New("account is not authorized")

	// ErrMalformedData is returned when persisted token data cannot be read.
	ErrMalformedData = errors.New("malformed token data")
)

// Store is an in-memory token cache keyed by account id, optionally backed by
// a file.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]Token

	// saveMu serializes file writes so snapshots land in order.
	saveMu sync.Mutex

	path   string
	enc    *Encryption
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEncryption encrypts token secrets at rest.
func WithEncryption(enc *Encryption) Option {
	return func(s *Store) {
		s.enc = enc
	}
}

// New creates an empty store that is not backed by a file.
func New(opts ...Option) *Store {
	s := &Store{
		tokens: make(map[string]Token),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store backed by path and loads its tokens. Unreadable or
// malformed files are logged and leave the store empty (or partially
// filled); they never fail the open.
func Open(path string, opts ...Option) *Store {
	s := New(opts...)
	s.path = path

	tokens, err := LoadAll(path, s.enc)
	if err != nil {
		s.logger.Warn("token file could not be fully loaded, continuing with what was readable",
			"path", path,
			"loaded", len(tokens),
			logging.Err(err))
	}
	s.tokens = tokens

	s.logger.Debug("loaded tokens", "path", path, "count", len(tokens))
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Get returns the token of an account.
func (s *Store) Get(accountID string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[accountID]
	if !ok {
		return Token{}, ErrNotAuthorized
	}
	return tok, nil
}

// IsAuthorized reports whether the account has a stored token.
func (s *Store) IsAuthorized(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.tokens[accountID]
	return ok
}

// IsExpired reports whether the account's access token is expired. Unknown
// accounts report true.
func (s *Store) IsExpired(accountID string) bool {
	s.mu.RLock()
	tok, ok := s.tokens[accountID]
	s.mu.RUnlock()

	if !ok {
		return true
	}
	return tok.ExpiredAt(s.now())
}

// Put stores or replaces the token of an account.
func (s *Store) Put(accountID string, tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[accountID] = tok
	s.logger.Debug("stored token",
		logging.Account(accountID),
		"access_token", logging.SanitizeToken(tok.AccessToken),
		"expires_in", tok.ExpiresIn)
}

// Remove deletes the token of an account. Removing an unknown account is a
// no-op.
func (s *Store) Remove(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[accountID]; ok {
		delete(s.tokens, accountID)
		s.logger.Info("removed token", logging.Account(accountID))
	}
}

// Move re-keys the token stored under from to the id to. A token already
// stored under to takes the new access token but keeps its refresh token
// unless the moved one carries its own.
func (s *Store) Move(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[from]
	if !ok {
		return ErrNotAuthorized
	}
	delete(s.tokens, from)
	if existing, ok := s.tokens[to]; ok {
		tok = existing.WithRefresh(tok)
	}
	s.tokens[to] = tok
	return nil
}

// AccountIDs returns the ids of all accounts with a token, sorted.
func (s *Store) AccountIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tokens))
	for id := range s.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of all stored tokens.
func (s *Store) Snapshot() map[string]Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Token, len(s.tokens))
	for id, tok := range s.tokens {
		out[id] = tok
	}
	return out
}

// Save writes all tokens to the backing file. It is a no-op for stores
// created with New.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	return SaveAll(s.path, s.Snapshot(), s.enc)
}
