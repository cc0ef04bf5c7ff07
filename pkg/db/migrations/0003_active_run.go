package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

// ActiveRunIndex allows one non-terminal run per pipeline.
const ActiveRunIndex = "pipeline_runs_one_active_idx"

func init() {
	goose.AddMigrationContext(upActiveRun, downActiveRun)
}

func upActiveRun(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS `+ActiveRunIndex+`
		ON pipeline_runs (pipeline_id)
		WHERE status IN ('PENDING', 'SCHEDULED', 'RUNNING', 'UNKNOWN')`)
	return err
}

func downActiveRun(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS `+ActiveRunIndex)
	return err
}
