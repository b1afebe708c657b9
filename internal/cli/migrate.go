package cli

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flemmerz/NiMu/internal/persistence"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down",
	Short:     "Apply or roll back schema migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		logger := rootLogger("migrate")

		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(cmd.Context()); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}

		migrator := persistence.NewMigrator(db, cfg.Database.MigrationsPath, logger)

		switch args[0] {
		case "up":
			if err := migrator.Up(cmd.Context()); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			logger.Info().Msg("all migrations applied")
		case "down":
			if err := migrator.Down(cmd.Context()); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			logger.Info().Msg("last migration rolled back")
		}
		return nil
	},
}
