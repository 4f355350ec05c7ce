package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/config"
	"github.com/radiusdt/vector-pulse/internal/middleware"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an admin session token for the dashboard API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("PULSE_JWT_SECRET is not set")
		}

		token, err := middleware.NewAuthMiddleware(cfg.Auth, zap.NewNop()).IssueToken(args[0], ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
