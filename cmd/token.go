package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"threadloom/pkg/auth"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin API bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		issuer, err := auth.NewIssuer(cfg.Admin.JWTSecret)
		if err != nil {
			return fmt.Errorf("admin.jwt_secret: %w", err)
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Admin.TokenTTL
		}
		token, expiresAt, err := issuer.Issue(tokenSubject, ttl)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to admin.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}
