package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/uriafranko/clawdbot/internal/config"
)

var (
	migrationsDir string
	migrateDSN    string
)

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("CLAWD_MIGRATIONS_DIR"); v != "" {
		return v
	}
	// Default: ./migrations next to the binary.
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// resolveDSN prefers the --dsn flag, then the configured session store
// when it is a Postgres DSN. File and SQLite stores need no migrations.
func resolveDSN() (string, error) {
	if migrateDSN != "" {
		return migrateDSN, nil
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	backend := cfg.SessionSection().Store
	if strings.HasPrefix(backend, "postgres://") || strings.HasPrefix(backend, "postgresql://") {
		return backend, nil
	}
	return "", fmt.Errorf("session store is not postgres (set session.store to a postgres:// DSN or pass --dsn)")
}

func newMigrator() (*migrate.Migrate, error) {
	dsn, err := resolveDSN()
	if err != nil {
		return nil, err
	}
	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres session schema",
	}

	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")
	cmd.PersistentFlags().StringVar(&migrateDSN, "dsn", "", "postgres DSN (default: session.store from config)")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())

	return cmd
}

// withMigrator opens the migrator, runs fn against it, and closes it.
func withMigrator(fn func(*migrate.Migrate) error) error {
	m, err := newMigrator()
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil && err != migrate.ErrNoChange {
					return fmt.Errorf("migrate up: %w", err)
				}
				v, dirty, _ := m.Version()
				slog.Info("migrate: schema up to date", "version", v, "dirty", dirty)
				return nil
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if steps <= 0 {
					steps = 1
				}
				if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
					return fmt.Errorf("migrate down: %w", err)
				}
				v, dirty, _ := m.Version()
				slog.Info("migrate: rollback complete", "version", v, "dirty", dirty)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if err != nil {
					return fmt.Errorf("get version: %w", err)
				}
				fmt.Printf("version %d (dirty: %v)\n", v, dirty)
				return nil
			})
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force set the migration version (no migration applied)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				slog.Info("migrate: forced version", "version", version)
				return nil
			})
		},
	}
}
