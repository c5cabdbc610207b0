package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"esimcheckout/migrations"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"
)

// migrator is the part of *migrate.Migrate the commands use.
type migrator interface {
	Up() error
	Steps(n int) error
	Version() (uint, bool, error)
	Close() (error, error)
}

type openFunc func(databaseURL string) (migrator, error)

func openEmbedded(databaseURL string) (migrator, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := newRootCmd(logger, openEmbedded).Execute(); err != nil {
		logger.Error("migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger, open openFunc) *cobra.Command {
	var databaseURL string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply checkout session schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL (defaults to DATABASE_URL)")

	withMigrator := func(fn func(m migrator) error) func(*cobra.Command, []string) error {
		return func(*cobra.Command, []string) error {
			if strings.TrimSpace(databaseURL) == "" {
				return errors.New("database url is required (--database-url or DATABASE_URL)")
			}
			m, err := open(databaseURL)
			if err != nil {
				return err
			}
			defer func() { _, _ = m.Close() }()
			return fn(m)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(m migrator) error {
			err := m.Up()
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("no pending migrations")
				return nil
			}
			if err != nil {
				return fmt.Errorf("migration up: %w", err)
			}
			logger.Info("migrations applied successfully")
			return nil
		}),
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations, one step by default",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(m migrator) error {
			if steps < 1 {
				return errors.New("--steps must be at least 1")
			}
			err := m.Steps(-steps)
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("no migrations to rollback")
				return nil
			}
			if err != nil {
				return fmt.Errorf("migration down: %w", err)
			}
			logger.Info("migration rolled back successfully", slog.Int("steps", steps))
			return nil
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(m migrator) error {
			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("no migrations applied yet")
				return nil
			}
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			logger.Info("current migration version", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
			return nil
		}),
	}

	root.AddCommand(up, down, version)
	return root
}
