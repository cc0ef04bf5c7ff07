package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upScheduler, downScheduler)
}

// The job store lives in its own schema so it can be wiped without touching
// application data.
func upScheduler(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS scheduler`,
		`CREATE TABLE IF NOT EXISTS scheduler.jobs (
			id          text PRIMARY KEY,
			spec        text NOT NULL,
			next_run_at timestamptz NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_next_run_at_idx ON scheduler.jobs (next_run_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func downScheduler(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP SCHEMA IF EXISTS scheduler CASCADE`)
	return err
}
