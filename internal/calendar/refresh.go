package calendar

import (
	"context"
	"fmt"

	"github.com/teemow/calfold/internal/instrumentation"
	"github.com/teemow/calfold/internal/logging"
	"github.com/teemow/calfold/internal/provider"
	"github.com/teemow/calfold/internal/tokenstore"
)

// EnsureValidToken returns an unexpired token for the account, refreshing it
// first when needed. Concurrent callers for the same account share a single
// refresh. The refresh itself is not cancelled with the caller's context; a
// caller whose context ends stops waiting and gets the context error.
func (c *Client) EnsureValidToken(ctx context.Context, accountID string) (tokenstore.Token, error) {
	tok, err := c.tokens.Get(accountID)
	if err != nil {
		return tokenstore.Token{}, err
	}
	if !tok.ExpiredAt(c.tokens.Now()) {
		return tok, nil
	}

	ch := c.refreshes.DoChan(accountID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		return c.refresh(rctx, accountID)
	})

	select {
	case <-ctx.Done():
		return tokenstore.Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return tokenstore.Token{}, res.Err
		}
		return res.Val.(tokenstore.Token), nil
	}
}

func (c *Client) refresh(ctx context.Context, accountID string) (tokenstore.Token, error) {
	// A flight that finished just before this one may already have
	// refreshed the token.
	old, err := c.tokens.Get(accountID)
	if err != nil {
		return tokenstore.Token{}, err
	}
	if !old.ExpiredAt(c.tokens.Now()) {
		return old, nil
	}

	if old.RefreshToken == "" {
		c.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultFailure)
		return tokenstore.Token{}, fmt.Errorf("%w: account %s has no refresh token", provider.ErrTokenExchangeFailed, accountID)
	}

	c.logger.Debug("refreshing access token", logging.Account(accountID))

	fresh, err := c.adapter.Refresh(ctx, old.RefreshToken)
	if err != nil {
		c.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultFailure)
		c.logger.Warn("token refresh failed", logging.Account(accountID), logging.Err(err))
		return tokenstore.Token{}, err
	}
	c.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultSuccess)

	tok := old.WithRefresh(tokenstore.FromOAuth2(fresh, c.tokens.Now()))
	c.tokens.Put(accountID, tok)
	if err := c.tokens.Save(); err != nil {
		c.logger.Warn("failed to persist refreshed token, it is kept in memory",
			logging.Account(accountID),
			logging.Err(err))
	}

	return tok, nil
}

// RefreshAll refreshes every expired token in the store. Failures are logged
// per account; only the context error is returned.
func (c *Client) RefreshAll(ctx context.Context) error {
	now := c.tokens.Now()
	for _, id := range c.tokens.AccountIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}

		tok, err := c.tokens.Get(id)
		if err != nil || !tok.ExpiredAt(now) {
			continue
		}
		if _, err := c.EnsureValidToken(ctx, id); err != nil {
			c.logger.Warn("startup token refresh failed", logging.Account(id), logging.Err(err))
		}
	}
	return ctx.Err()
}
