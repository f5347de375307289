package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"quizlive/internal/config"
	transport "quizlive/internal/transport/http"
)

// NewTokenCmd prints a quizmaster token signed with the configured secret.
func NewTokenCmd(configPath *string) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a quizmaster token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return errors.New("auth.secret is not configured")
			}
			auth := transport.NewAuthenticator(cfg.Auth.Secret, config.TTLDuration(cfg.Auth.TokenTTL, 12*time.Hour))
			token, err := auth.Issue(owner)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "quizmaster id to put in the token")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
