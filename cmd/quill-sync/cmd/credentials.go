package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zmh/Quill-sub002/internal/sync/transport"
)

// secretEnv lets scripts pass the secret without exposing it in argv.
const secretEnv = "QUILL_SECRET"

var (
	credScheme   string
	credUsername string
	credSecret   string
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the remote credential",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the credential used for the remote API",
	Long: `Store the credential used for the remote API. The secret is sealed with a
key derived from this machine before it is written to the local database.
Operations paused by a rejected credential resume on the next drain.

Examples:
  quill-sync credentials set --secret <token>
  QUILL_SECRET=<password> quill-sync credentials set --scheme basic --username admin`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := credSecret
		if secret == "" {
			secret = os.Getenv(secretEnv)
		}
		if secret == "" {
			return errors.New("a secret is required (--secret or " + secretEnv + ")")
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.creds.Save(ctx, credScheme, credUsername, secret); err != nil {
				return err
			}
			if err := a.engine.NotifyCredentialRefreshed(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s credential\n", credScheme)
			return nil
		})
	},
}

func init() {
	credentialsSetCmd.Flags().StringVar(&credScheme, "scheme", transport.SchemeBearer, "bearer or basic")
	credentialsSetCmd.Flags().StringVar(&credUsername, "username", "", "username for basic auth")
	credentialsSetCmd.Flags().StringVar(&credSecret, "secret", "", "token or password")

	credentialsCmd.AddCommand(credentialsSetCmd)
	rootCmd.AddCommand(credentialsCmd)
}
