package store

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// migrationsTable keeps cache schema versions apart from any application
// migration history sharing the database.
const migrationsTable = "cache_schema_migrations"

// Migrate applies the embedded schema migrations for the store's dialect.
func (s *SQLStore) Migrate() error {
	var (
		driver database.Driver
		dir    string
		dbName string
		err    error
	)

	switch s.dialect {
	case DialectPostgres:
		driver, err = migratepg.WithInstance(s.db.DB, &migratepg.Config{MigrationsTable: migrationsTable})
		dir, dbName = "migrations/postgres", "postgres"
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{MigrationsTable: migrationsTable})
		dir, dbName = "migrations/sqlite", "sqlite3"
	default:
		return fmt.Errorf("no migrations for dialect %q", s.dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info("Cache schema is up to date", map[string]interface{}{
		"dialect": string(s.dialect),
	})
	return nil
}
