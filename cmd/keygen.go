package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/calfold/internal/tokenstore"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new key for encrypting stored tokens",
		Long: `Prints a random base64 AES-256 key. Put it into config.yaml as

  tokens:
    encryptionKey: <key>

or export it as CALFOLD_TOKENS_ENCRYPTIONKEY. Tokens already stored in clear
are encrypted the next time they are saved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := tokenstore.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
