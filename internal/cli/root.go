package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flemmerz/NiMu/internal/config"
	"github.com/flemmerz/NiMu/internal/observability"
)

var (
	cfgFile   string
	logLevel  string
	cfgHandle *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "nimud",
	Short: "NiMu mutual trade-credit insurance protocol node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		cfgHandle = cfg
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(versionCmd)
}

func getConfig() *config.Config {
	if cfgHandle == nil {
		panic("configuration not loaded; PersistentPreRunE not executed")
	}
	return cfgHandle
}

func rootLogger(component string) zerolog.Logger {
	return observability.NewLoggerWithLevel(component, observability.ParseLevel(getConfig().Logging.Level))
}
