package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/calfold/internal/model"
	"github.com/teemow/calfold/internal/oauthflow"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Manage connected accounts",
	}
	cmd.AddCommand(newAccountsConnectCmd())
	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsRemoveCmd())
	return cmd
}

func newAccountsConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Authorize calfold to read the calendars of a Google account",
		Long: `Opens the Google consent page in your browser. After granting access,
paste the authorization code or the full URL the browser was redirected to.

Connecting an account that is already registered refreshes its token and
profile and keeps its hidden calendars.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := a.connect(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connected %s (%s) as %s.\n", acct.FriendlyName, acct.Username, acct.ID)
			return nil
		},
	}
}

// connect runs one authorization attempt with the user on in and out, then
// registers the account behind the new token.
func (a *app) connect(ctx context.Context, in io.Reader, out io.Writer) (model.Account, error) {
	pending, err := a.flow.Begin(ctx)
	if err != nil {
		return model.Account{}, err
	}

	fmt.Fprintf(out, "Open this URL to authorize calfold:\n\n  %s\n\n", pending.AuthURL)
	fmt.Fprintf(out, "Paste the code or the URL you were redirected to (expires %s): ", pending.ExpiresAt.Format(time.Kitchen))

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		a.flow.Cancel(pending.Handle)
		return model.Account{}, fmt.Errorf("failed to read authorization code: %w", err)
	}

	code, state, err := oauthflow.ParseCodeInput(line)
	if err != nil {
		a.flow.Cancel(pending.Handle)
		return model.Account{}, err
	}
	if state != "" && state != pending.Handle {
		a.flow.Cancel(pending.Handle)
		return model.Account{}, fmt.Errorf("the pasted URL belongs to a different authorization attempt")
	}

	res := a.flow.Complete(ctx, pending.Handle, code)
	if !res.Success {
		return model.Account{}, res.Err
	}

	return a.engine.RegisterAuthorizedAccount(ctx, res.AccountID)
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List connected accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return renderAccounts(cmd.OutOrStdout(), a.registry.ListAccounts(), time.Local)
		},
	}
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <account-id>",
		Aliases: []string{"rm", "disconnect"},
		Short:   "Revoke calfold's access to an account and forget it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			id := strings.TrimSpace(args[0])
			if err := a.engine.DisconnectAccount(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s.\n", id)
			return nil
		},
	}
}
