package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/radiusdt/vector-pulse/internal/config"
	"github.com/radiusdt/vector-pulse/internal/middleware"
	"github.com/radiusdt/vector-pulse/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the PostgreSQL schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		defer logger.Sync()

		switch direction {
		case "up":
			return migrations.Up(cfg.Database.DSN(), logger)
		case "down":
			return migrations.Down(cfg.Database.DSN(), logger)
		default:
			return fmt.Errorf("unknown direction %q", direction)
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
