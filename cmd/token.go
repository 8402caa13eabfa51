package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sosalejandro/progress-tracker/internal/config"
	"github.com/sosalejandro/progress-tracker/pkg/transport"
)

func newTokenCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issues a client token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Auth.Enabled {
				return errors.New("auth.enabled is false; tokens would be ignored")
			}
			tok, err := transport.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).GenerateToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
