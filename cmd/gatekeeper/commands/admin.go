package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/layer-3/gatekeeper/adapters/tokenizer"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

func NewAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin API helpers",
	}
	cmd.AddCommand(newAdminTokenCmd())
	return cmd
}

func newAdminTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Admin.JWTSecret == "" {
				return errors.New("admin.jwt_secret is not configured")
			}
			ttl := tokenTTL
			if ttl <= 0 {
				ttl = cfg.Admin.TokenTTL.Std()
			}

			tokens := tokenizer.NewJWTTokenizer([]byte(cfg.Admin.JWTSecret))
			token, err := tokens.AdminSessionToToken(tokens.NewAdminSession(tokenSubject, ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Token subject")
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: admin.token_ttl)")

	return cmd
}
