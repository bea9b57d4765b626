package tokenstore

import (
	"time"

	"golang.org/x/oauth2"
)

// Token is the credential stored for one authorized account.
type Token struct {
	AccessToken string
	TokenType   string

	// ExpiresIn is the lifetime the provider granted at Issued. Zero means the
	// provider sent no lifetime, and such a token is always treated as expired.
	ExpiresIn time.Duration

	RefreshToken string
	Scope        string

	// Issued is the local receipt time of the access token.
	Issued time.Time
}

// ExpiredAt reports whether the token is expired at now.
func (t Token) ExpiredAt(now time.Time) bool {
	if t.ExpiresIn <= 0 {
		return true
	}
	return !now.Before(t.Issued.Add(t.ExpiresIn))
}

// Expiry returns the instant the access token stops being valid, or the zero
// time when no lifetime is known.
func (t Token) Expiry() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.Issued.Add(t.ExpiresIn)
}

// OAuth2 converts the token into the x/oauth2 representation used by HTTP
// transports and token sources.
func (t Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry(),
	}
}

// FromOAuth2 builds a Token from a token endpoint response received at issued.
func FromOAuth2(tok *oauth2.Token, issued time.Time) Token {
	t := Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		Issued:       issued,
	}

	switch {
	case tok.ExpiresIn > 0:
		t.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		if d := tok.Expiry.Sub(issued).Round(time.Second); d > 0 {
			t.ExpiresIn = d
		}
	}

	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}

	return t
}

// WithRefresh returns t updated with the result of a refresh grant. The
// refresh token and scope are kept unless the provider issued new ones.
func (t Token) WithRefresh(fresh Token) Token {
	t.AccessToken = fresh.AccessToken
	t.ExpiresIn = fresh.ExpiresIn
	t.Issued = fresh.Issued
	if fresh.TokenType != "" {
		t.TokenType = fresh.TokenType
	}
	if fresh.RefreshToken != "" {
		t.RefreshToken = fresh.RefreshToken
	}
	if fresh.Scope != "" {
		t.Scope = fresh.Scope
	}
	return t
}
