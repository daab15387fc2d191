package store

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"golang.org/x/xerrors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to the latest version. It is safe to call on an
// already migrated database.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return xerrors.Errorf("open migrations: %w", err)
	}
	defer src.Close()

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return xerrors.Errorf("migration driver: %w", err)
	}
	// m.Close would close db as well, so the migrator is simply dropped.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return xerrors.Errorf("new migrator: %w", err)
	}
	if err := m.Up(); err != nil && !xerrors.Is(err, migrate.ErrNoChange) {
		return xerrors.Errorf("up: %w", err)
	}
	return nil
}
