package cli

import (
	"fmt"

	"github.com/bissquit/post-scheduler/internal/config"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/identity/jwt"
	"github.com/spf13/cobra"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	UserID string
	Role   string
}

// NewTokenCommand creates the token command. Tokens are minted offline
// from the shared secret; there is no login endpoint.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token",
		Example: `  post-scheduler token --user 123456789
  post-scheduler token --user verify-bot --role verifier`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(opts.ConfigPath)
			if err != nil {
				return err
			}
			token, err := issueToken(cfg, opts.UserID, domain.Role(opts.Role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id carried as the token subject (required)")
	cmd.Flags().StringVar(&opts.Role, "role", string(domain.RoleUser), "role: user, verifier or admin")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func issueToken(cfg *config.Config, userID string, role domain.Role) (string, error) {
	auth, err := jwt.NewAuthenticator(jwt.Config{
		SecretKey:     cfg.JWT.SecretKey,
		TokenDuration: cfg.JWT.TokenDuration,
	})
	if err != nil {
		return "", err
	}
	return auth.IssueToken(userID, role)
}
