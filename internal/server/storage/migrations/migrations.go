// Package migrations embeds the schema for both storage backends and applies
// it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sqlite/*.sql
var sqliteFiles embed.FS

//go:embed postgres/*.sql
var postgresFiles embed.FS

// UpSQLite applies every pending SQLite migration to db.
//
// The migrate instance is left open since closing it closes db, which
// belongs to the caller.
func UpSQLite(db *sql.DB) error {
	src, err := iofs.New(sqliteFiles, "sqlite")
	if err != nil {
		return fmt.Errorf("migrations: read sqlite files: %w", err)
	}
	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		src.Close()
		return fmt.Errorf("migrations: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		src.Close()
		return fmt.Errorf("migrations: new sqlite migrate: %w", err)
	}
	return up(m)
}

// UpPostgres applies every pending PostgreSQL migration to the database named
// by dsn, which must be in URL form (postgres:// or postgresql://).
func UpPostgres(dsn string) (err error) {
	url, err := pgx5URL(dsn)
	if err != nil {
		return err
	}
	src, err := iofs.New(postgresFiles, "postgres")
	if err != nil {
		return fmt.Errorf("migrations: read postgres files: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		src.Close()
		return fmt.Errorf("migrations: new postgres migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(srcErr, dbErr)
		}
	}()
	return up(m)
}

func up(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// pgx5URL rewrites a postgres URL to the scheme golang-migrate's pgx/v5
// driver registers.
func pgx5URL(dsn string) (string, error) {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx5://" + strings.TrimPrefix(dsn, scheme), nil
		}
	}
	if strings.HasPrefix(dsn, "pgx5://") {
		return dsn, nil
	}
	return "", fmt.Errorf("migrations: postgres dsn must be a postgres:// URL")
}
