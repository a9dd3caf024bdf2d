// Package main implements the database migration utility for the listing intake service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/config"
	"github.com/popeskul/listing-intake/internal/infrastructure/migrate"
)

const (
	defaultMigrationsPath = "./migrations"
	defaultConfigPath     = "config.yaml"
)

var (
	migrationsPathFlag string
	databaseURLFlag    string
	configPathFlag     string
	upStepsFlag        int
	downStepsFlag      int
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the listing intake schema",
	Long: `Runs the SQL migrations in --path against PostgreSQL.

The database URL is taken from --database-url, then DATABASE_URL, then the
database section of --config.`,
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations (--steps 0 applies all)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		runner, logger, err := newRunner()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		version, err := runner.Up(upStepsFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated to version %d\n", version)
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		runner, logger, err := newRunner()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		version, err := runner.Down(downStepsFlag)
		if err != nil {
			return err
		}
		if version == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Rolled back all migrations")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to version %d\n", version)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied migration version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		runner, logger, err := newRunner()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}
		if dirty {
			fmt.Fprintf(cmd.OutOrStdout(), "Current version: %d (dirty)\n", version)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Current version: %d\n", version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&migrationsPathFlag, "path", "p", defaultMigrationsPath, "Path to migrations directory")
	rootCmd.PersistentFlags().StringVar(&databaseURLFlag, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL and config)")
	rootCmd.PersistentFlags().StringVarP(&configPathFlag, "config", "c", defaultConfigPath, "Config file used when no URL is given")

	upCmd.Flags().IntVarP(&upStepsFlag, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	downCmd.Flags().IntVarP(&downStepsFlag, "steps", "n", 1, "Number of migrations to roll back")

	rootCmd.AddCommand(upCmd, downCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunner() (*migrate.Runner, *zap.Logger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	url, err := databaseURL()
	if err != nil {
		return nil, nil, err
	}

	return migrate.NewRunner(&migrate.Config{
		DatabaseURL:    url,
		MigrationsPath: migrationsPathFlag,
	}, logger), logger, nil
}

func databaseURL() (string, error) {
	if databaseURLFlag != "" {
		return databaseURLFlag, nil
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	cfg, err := config.LoadConfig(configPathFlag)
	if err != nil {
		return "", fmt.Errorf("no database URL given and config could not be loaded: %w", err)
	}
	return cfg.Database.GetURL(), nil
}
