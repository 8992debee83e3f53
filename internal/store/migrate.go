package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the version a fully migrated audit database reports in
// PRAGMA user_version.
const schemaVersion = 2

// schemaStep moves the schema from version-1 to version inside tx.
type schemaStep struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var schemaSteps = []schemaStep{
	{1, "audit_log table", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS audit_log (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				action     TEXT NOT NULL,
				tool_name  TEXT,
				command    TEXT,
				result     TEXT,
				details    TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);`)
		return err
	}},
	{2, "permission mode and request id", func(ctx context.Context, tx *sql.Tx) error {
		for _, col := range []string{"mode", "request_id"} {
			if err := addColumn(ctx, tx, "audit_log", col, "TEXT DEFAULT ''"); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id)`)
		return err
	}},
}

// Migrate brings db up to schemaVersion. Each step runs in its own
// transaction together with the user_version bump, so a failed step leaves
// the previous version in place.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("audit database is at schema v%d, newer than this build (v%d)", current, schemaVersion)
	}

	for _, step := range schemaSteps {
		if step.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("schema v%d: begin: %w", step.version, err)
		}
		if err := step.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema v%d (%s): %w", step.version, step.name, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema v%d: set version: %w", step.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("schema v%d: commit: %w", step.version, err)
		}
		logger.Info("audit schema upgraded", "version", step.version, "step", step.name)
	}
	return nil
}

// SchemaVersion returns the applied version, 0 for a fresh database.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// addColumn adds column to table unless a database created by an older
// build already has it.
func addColumn(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}
