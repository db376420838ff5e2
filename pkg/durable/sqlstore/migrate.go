package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const currentSchemaVersion = 2

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	version, err := s.readSchemaVersion(ctx, tx)
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	for version < currentSchemaVersion {
		next, err := s.applyNextMigration(ctx, tx, version)
		if err != nil {
			return err
		}
		if err := s.writeSchemaVersion(ctx, tx, next); err != nil {
			return err
		}
		version = next
	}

	return tx.Commit()
}

func (s *Store) readSchemaVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var text string
	err := tx.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	version, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", text, err)
	}
	if version < 0 {
		return 0, fmt.Errorf("invalid schema version %d", version)
	}
	return version, nil
}

func (s *Store) writeSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`), strconv.Itoa(version))
	return err
}

func (s *Store) applyNextMigration(ctx context.Context, tx *sql.Tx, version int) (int, error) {
	switch version {
	case 0:
		if err := s.migrateToJournal(ctx, tx); err != nil {
			return version, fmt.Errorf("migrate schema 0 -> 1: %w", err)
		}
		return 1, nil
	case 1:
		if err := s.migrateToIdempotentSignals(ctx, tx); err != nil {
			return version, fmt.Errorf("migrate schema 1 -> 2: %w", err)
		}
		return 2, nil
	default:
		return version, fmt.Errorf("unsupported schema migration source version %d", version)
	}
}

func (s *Store) migrateToJournal(ctx context.Context, tx *sql.Tx) error {
	blob, integer := s.dialect.blobType, s.dialect.intType

	statements := []string{
		`CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	workflow TEXT NOT NULL,
	status TEXT NOT NULL,
	input ` + blob + `,
	error TEXT NOT NULL DEFAULT '',
	signals ` + integer + ` NOT NULL DEFAULT 0,
	consumed ` + integer + ` NOT NULL DEFAULT 0,
	steps ` + integer + ` NOT NULL DEFAULT 0,
	parked ` + integer + ` NOT NULL DEFAULT 0,
	wake_at ` + integer + ` NOT NULL DEFAULT 0,
	created_at ` + integer + ` NOT NULL,
	updated_at ` + integer + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS signals (
	instance_id TEXT NOT NULL,
	seq ` + integer + ` NOT NULL,
	name TEXT NOT NULL,
	payload ` + blob + `,
	received_at ` + integer + ` NOT NULL,
	PRIMARY KEY (instance_id, seq)
)`,
		`CREATE TABLE IF NOT EXISTS steps (
	instance_id TEXT NOT NULL,
	seq ` + integer + ` NOT NULL,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	payload ` + blob + `,
	error TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	signal_seq ` + integer + ` NOT NULL DEFAULT 0,
	attempts ` + integer + ` NOT NULL DEFAULT 0,
	recorded_at ` + integer + ` NOT NULL,
	PRIMARY KEY (instance_id, seq)
)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status_updated ON instances(status, updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrateToIdempotentSignals(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `ALTER TABLE signals ADD COLUMN idem_key TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_idem_key ON signals(instance_id, idem_key) WHERE idem_key <> ''`)
	return err
}
