package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/calfold/internal/aggregate"
	"github.com/teemow/calfold/internal/calendar"
	"github.com/teemow/calfold/internal/config"
	"github.com/teemow/calfold/internal/oauthflow"
	"github.com/teemow/calfold/internal/provider"
	"github.com/teemow/calfold/internal/provider/providertest"
	"github.com/teemow/calfold/internal/registry"
	"github.com/teemow/calfold/internal/tokenstore"
)

func newTestApp(t *testing.T, srv *providertest.Server) *app {
	t.Helper()

	tokens := tokenstore.New()
	adapter := srv.Adapter()
	client := calendar.NewClient(adapter, tokens)
	reg := registry.New("", tokens)
	return &app{
		cfg:      &config.Config{},
		tokens:   tokens,
		adapter:  adapter,
		client:   client,
		registry: reg,
		engine:   aggregate.New(client, reg, tokens),
		flow:     oauthflow.New(adapter, tokens),
	}
}

func TestConnect(t *testing.T) {
	srv := providertest.NewServer(t)
	srv.AddAccount("alice", &providertest.Account{
		UserInfo: provider.UserInfo{Sub: "sub-alice", Email: "alice@example.com", Name: "Alice"},
	})
	srv.AddCode("code-1", "alice", providertest.TokenResponse{
		AccessToken:  "access-1",
		ExpiresIn:    3600,
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
	})
	a := newTestApp(t, srv)

	var out bytes.Buffer
	acct, err := a.connect(context.Background(), strings.NewReader("code-1\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, "Alice", acct.FriendlyName)
	assert.Equal(t, "sub-alice", acct.ProviderGivenID)
	assert.True(t, acct.Connected)
	assert.Contains(t, out.String(), srv.URL+"/auth")

	tok, err := a.tokens.Get(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", tok.RefreshToken)

	// Connecting the same identity again keeps a single account.
	srv.AddCode("code-2", "alice", providertest.TokenResponse{AccessToken: "access-2", ExpiresIn: 3600, TokenType: "Bearer"})
	again, err := a.connect(context.Background(), strings.NewReader("code-2"), &out)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
	assert.Len(t, a.registry.ListAccounts(), 1)
	assert.Equal(t, []string{acct.ID}, a.tokens.AccountIDs())

	tok, err = a.tokens.Get(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken, "a grant without a refresh token keeps the stored one")
}

func TestConnect_ProfileFailureLeavesNoToken(t *testing.T) {
	srv := providertest.NewServer(t)
	// The code is valid, but no userinfo is served for its token.
	srv.AddCode("code-1", "ghost", providertest.TokenResponse{
		AccessToken:  "access-1",
		ExpiresIn:    3600,
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
	})
	a := newTestApp(t, srv)

	var out bytes.Buffer
	_, err := a.connect(context.Background(), strings.NewReader("code-1\n"), &out)
	assert.ErrorIs(t, err, calendar.ErrProviderRequestFailed)
	assert.Empty(t, a.registry.ListAccounts())
	assert.Empty(t, a.tokens.AccountIDs())
	assert.Equal(t, []string{"refresh-1"}, srv.Revoked())
}

func TestConnect_RedirectURL(t *testing.T) {
	srv := providertest.NewServer(t)
	srv.AddAccount("bob", &providertest.Account{UserInfo: provider.UserInfo{Sub: "sub-bob", Email: "bob@example.com"}})
	srv.AddCode("code-b", "bob", providertest.TokenResponse{AccessToken: "access-b", ExpiresIn: 3600, TokenType: "Bearer"})
	a := newTestApp(t, srv)
	ids := 0
	a.flow = oauthflow.New(a.adapter, a.tokens, oauthflow.WithIDGenerator(func() string {
		ids++
		if ids == 1 {
			return "handle-1"
		}
		return "acct-bob"
	}))

	var out bytes.Buffer
	acct, err := a.connect(context.Background(), strings.NewReader(providertest.RedirectURL+"/?state=handle-1&code=code-b\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "acct-bob", acct.ID)
	assert.Equal(t, "bob@example.com", acct.FriendlyName)
}

func TestConnect_StateMismatch(t *testing.T) {
	srv := providertest.NewServer(t)
	a := newTestApp(t, srv)

	var out bytes.Buffer
	_, err := a.connect(context.Background(), strings.NewReader(providertest.RedirectURL+"/?state=other&code=abc\n"), &out)
	assert.ErrorContains(t, err, "different authorization attempt")
	assert.Zero(t, srv.Calls(providertest.CallExchange))
}

func TestConnect_EmptyCode(t *testing.T) {
	srv := providertest.NewServer(t)
	a := newTestApp(t, srv)

	var out bytes.Buffer
	_, err := a.connect(context.Background(), strings.NewReader("\n"), &out)
	assert.ErrorIs(t, err, oauthflow.ErrInvalidCode)
	assert.Zero(t, srv.TotalCalls())
}

func TestConnect_ExchangeFailure(t *testing.T) {
	srv := providertest.NewServer(t)
	a := newTestApp(t, srv)

	var out bytes.Buffer
	_, err := a.connect(context.Background(), strings.NewReader("unknown-code\n"), &out)
	assert.ErrorIs(t, err, provider.ErrTokenExchangeFailed)
	assert.Empty(t, a.registry.ListAccounts())
}
