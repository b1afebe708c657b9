package cli

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flemmerz/NiMu/internal/projection"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild projection tables from the event log",
	Long: `Rebuild drops all projection rows and reconstructs them from the
journal and the event log. Run it offline, or accept stale reads until the
rebuild finishes: the projection worker keeps writing while it runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		logger := rootLogger("rebuild")

		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(cmd.Context()); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}

		if err := projection.RebuildProjections(cmd.Context(), db, logger); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}

		logger.Info().Msg("projections rebuilt")
		return nil
	},
}
