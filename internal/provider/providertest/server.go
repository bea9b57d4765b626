// Package providertest runs an in-process fake of the Google OAuth2, userinfo
// and calendar endpoints for tests.
package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teemow/calfold/internal/provider"
)

// Call names counted by the server.
const (
	CallExchange     = "token:authorization_code"
	CallRefresh      = "token:refresh_token"
	CallRevoke       = "revoke"
	CallUserInfo     = "userinfo"
	CallCalendarList = "calendarList"
	CallEvents       = "events"
)

// Client credentials the fake accepts.
const (
	ClientID     = "test-client-id"
	ClientSecret = "test-client-secret"
	RedirectURL  = "http://localhost:1"
)

// TokenResponse is what the token endpoint returns for a code or refresh token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Calendar is a calendarList entry.
type Calendar struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// Account is the provider-side state reachable with an access token.
type Account struct {
	UserInfo  provider.UserInfo
	Calendars []Calendar

	// Events holds raw event items per calendar id, so tests can serve
	// malformed entries.
	Events map[string][]map[string]any

	FailCalendarList bool
	FailEvents       map[string]bool
}

// Server is a fake provider. Configure it before issuing requests; the maps
// are read under the server's lock.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	calls    map[string]int
	accounts map[string]*Account
	tokens   map[string]string
	codes    map[string]TokenResponse
	refresh  map[string]TokenResponse
	revoked  []string

	// PageSize splits item lists into pages when greater than zero.
	PageSize int

	// RefreshDelay is slept inside every refresh grant.
	RefreshDelay time.Duration

	// RevokeStatus is returned by the revoke endpoint when non-zero.
	RevokeStatus int
}

// NewServer starts a fake provider. It is closed with the test.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		calls:    make(map[string]int),
		accounts: make(map[string]*Account),
		tokens:   make(map[string]string),
		codes:    make(map[string]TokenResponse),
		refresh:  make(map[string]TokenResponse),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("POST /revoke", s.handleRevoke)
	mux.HandleFunc("GET /userinfo", s.handleUserInfo)
	mux.HandleFunc("GET /calendar/v3/users/me/calendarList", s.handleCalendarList)
	mux.HandleFunc("GET /calendar/v3/calendars/{id}/events", s.handleEvents)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Endpoints returns adapter endpoints pointing at the server.
func (s *Server) Endpoints() provider.Endpoints {
	return provider.Endpoints{
		AuthURL:     s.URL + "/auth",
		TokenURL:    s.URL + "/token",
		RevokeURL:   s.URL + "/revoke",
		UserInfoURL: s.URL + "/userinfo",
		CalendarAPI: s.URL + "/calendar/v3/",
	}
}

// Adapter returns a Google adapter wired to the server.
func (s *Server) Adapter() *provider.Google {
	return provider.NewGoogle(ClientID, ClientSecret, RedirectURL,
		provider.WithEndpoints(s.Endpoints()),
		provider.WithHTTPClient(s.Client()),
	)
}

// AddAccount registers provider-side state under key and makes it reachable
// with the given access tokens.
func (s *Server) AddAccount(key string, acct *Account, accessTokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[key] = acct
	for _, tok := range accessTokens {
		s.tokens[tok] = key
	}
}

// AddCode makes the token endpoint answer an authorization code. The access
// token of resp is bound to the account key.
func (s *Server) AddCode(code, key string, resp TokenResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code] = resp
	s.tokens[resp.AccessToken] = key
}

// AddRefreshToken makes the token endpoint answer a refresh grant. The access
// token of resp is bound to the account key.
func (s *Server) AddRefreshToken(refreshToken, key string, resp TokenResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh[refreshToken] = resp
	s.tokens[resp.AccessToken] = key
}

// Calls returns how often a call was made.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// TotalCalls returns the number of requests served.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Revoked returns the tokens posted to the revoke endpoint.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *Server) count(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	grant := r.PostForm.Get("grant_type")
	s.count("token:" + grant)

	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	var (
		resp TokenResponse
		ok   bool
	)
	switch grant {
	case "authorization_code":
		if r.PostForm.Get("redirect_uri") != RedirectURL {
			writeOAuthError(w, http.StatusBadRequest, "redirect_uri_mismatch")
			return
		}
		s.mu.Lock()
		resp, ok = s.codes[r.PostForm.Get("code")]
		delete(s.codes, r.PostForm.Get("code"))
		s.mu.Unlock()
	case "refresh_token":
		if s.RefreshDelay > 0 {
			time.Sleep(s.RefreshDelay)
		}
		s.mu.Lock()
		resp, ok = s.refresh[r.PostForm.Get("refresh_token")]
		s.mu.Unlock()
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.count(CallRevoke)
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.revoked = append(s.revoked, r.PostForm.Get("token"))
	status := s.RevokeStatus
	s.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	s.count(CallUserInfo)
	acct, ok := s.account(r)
	if !ok {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	writeJSON(w, http.StatusOK, acct.UserInfo)
}

func (s *Server) handleCalendarList(w http.ResponseWriter, r *http.Request) {
	s.count(CallCalendarList)
	acct, ok := s.account(r)
	if !ok {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	if acct.FailCalendarList {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": 500, "message": "backend error"}})
		return
	}

	items := make([]any, 0, len(acct.Calendars))
	for _, c := range acct.Calendars {
		items = append(items, c)
	}
	s.writePage(w, r, "calendar#calendarList", items)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.count(CallEvents)
	acct, ok := s.account(r)
	if !ok {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	id := r.PathValue("id")
	if acct.FailEvents[id] {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": 500, "message": "backend error"}})
		return
	}
	raw, exists := acct.Events[id]
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "Not Found"}})
		return
	}

	items := make([]any, 0, len(raw))
	for _, e := range raw {
		items = append(items, e)
	}
	s.writePage(w, r, "calendar#events", items)
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, kind string, items []any) {
	start := 0
	if pt := r.URL.Query().Get("pageToken"); pt != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(pt, "page-"))
		if err != nil || n < 0 || n > len(items) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"code": 400, "message": "bad page token"}})
			return
		}
		start = n
	}

	end := len(items)
	if s.PageSize > 0 && start+s.PageSize < end {
		end = start + s.PageSize
	}

	body := map[string]any{
		"kind":  kind,
		"items": items[start:end],
	}
	if end < len(items) {
		body["nextPageToken"] = fmt.Sprintf("page-%d", end)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) account(r *http.Request) (*Account, bool) {
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.tokens[bearer]
	if !ok {
		return nil, false
	}
	acct, ok := s.accounts[key]
	return acct, ok
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
