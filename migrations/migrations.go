// Package migrations embeds the SQL schema for the two tables
// ChannelCache owns (payment_channels, ledger_channels) and applies them
// idempotently through golang-migrate, the way the teacher's channeldb
// applies its bucket migrations on Open — generalised here from bbolt
// buckets to SQL files since the backing store is PostgreSQL.
package migrations

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v4/stdlib"
)

//go:embed *.sql
var fs embed.FS

// Apply opens dsn with the pgx stdlib driver and runs every pending
// up-migration. Safe to call on every process start: a fully migrated
// schema is a no-op.
func Apply(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return ApplyDB(db)
}

// ApplyDB runs every pending up-migration against an already-open
// *sql.DB, for callers that manage their own connection lifecycle. Apply
// uses it after opening its own connection.
func ApplyDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(fs, ".")
	if err != nil {
		return err
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
