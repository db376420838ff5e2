// Package sqlstore is a durable.Store on database/sql, backed by SQLite (modernc) for single
// node deployments or PostgreSQL (pgx) for shared ones.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"threadloom/pkg/durable"
)

type dialect struct {
	name      string
	driver    string
	blobType  string
	intType   string
	forUpdate string
	numbered  bool
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		driver:   "sqlite",
		blobType: "BLOB",
		intType:  "INTEGER",
	}
	postgresDialect = dialect{
		name:      "postgres",
		driver:    "pgx",
		blobType:  "BYTEA",
		intType:   "BIGINT",
		forUpdate: " FOR UPDATE",
		numbered:  true,
	}
)

// Store persists journals in SQL tables.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var d dialect
	switch driver {
	case "sqlite":
		d = sqliteDialect
		if dir := filepath.Dir(dsn); dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	case "postgres":
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if d.name == "sqlite" {
		// One writer keeps SQLite away from SQLITE_BUSY under concurrent instances.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}

	s := &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	if d.name == "sqlite" {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", driver, err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) CreateInstance(ctx context.Context, inst durable.Instance, startSignal *durable.Signal) (durable.Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return durable.Instance{}, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM instances WHERE id = ?`+s.dialect.forUpdate), inst.ID).Scan(&status)
	switch {
	case err == nil:
		if durable.Status(status).Open() {
			return durable.Instance{}, fmt.Errorf("%w: %s", durable.ErrInstanceExists, inst.ID)
		}
		for _, table := range []string{"steps", "signals", "instances"} {
			column := "instance_id"
			if table == "instances" {
				column = "id"
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE `+column+` = ?`), inst.ID); err != nil {
				return durable.Instance{}, fmt.Errorf("purge closed instance %s: %w", inst.ID, err)
			}
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return durable.Instance{}, fmt.Errorf("check instance %s: %w", inst.ID, err)
	}

	now := s.now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.Signals, inst.Consumed, inst.Steps = 0, 0, 0
	inst.Parked = false
	inst.WakeAt = time.Time{}

	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO instances (id, workflow, status, input, error, signals, consumed, steps, parked, wake_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, 0, ?, ?)`),
		inst.ID, inst.Workflow, string(inst.Status), inst.Input, inst.Error, toUnix(inst.CreatedAt), toUnix(inst.UpdatedAt))
	if err != nil {
		return durable.Instance{}, fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}

	if startSignal != nil {
		if _, err := s.insertSignal(ctx, tx, inst.ID, 1, *startSignal); err != nil {
			return durable.Instance{}, err
		}
		inst.Signals = 1
	}

	if err := tx.Commit(); err != nil {
		return durable.Instance{}, err
	}
	return inst, nil
}

const instanceColumns = `id, workflow, status, input, error, signals, consumed, steps, parked, wake_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (durable.Instance, error) {
	var (
		inst                         durable.Instance
		status                       string
		parked                       int64
		wakeAt, createdAt, updatedAt int64
	)
	if err := row.Scan(&inst.ID, &inst.Workflow, &status, &inst.Input, &inst.Error, &inst.Signals, &inst.Consumed,
		&inst.Steps, &parked, &wakeAt, &createdAt, &updatedAt); err != nil {
		return durable.Instance{}, err
	}
	inst.Status = durable.Status(status)
	inst.Parked = parked != 0
	inst.WakeAt = fromUnix(wakeAt)
	inst.CreatedAt = fromUnix(createdAt)
	inst.UpdatedAt = fromUnix(updatedAt)
	return inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (durable.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.Instance{}, fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}
	if err != nil {
		return durable.Instance{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, filter durable.ListFilter) ([]durable.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE 1 = 1`
	var args []any
	if filter.Workflow != "" {
		query += ` AND workflow = ?`
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []durable.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInstance(ctx context.Context, id string, update durable.InstanceUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{toUnix(s.now())}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.Parked != nil {
		sets = append(sets, "parked = ?")
		args = append(args, boolInt(*update.Parked))
	}
	if update.WakeAt != nil {
		sets = append(sets, "wake_at = ?")
		args = append(args, toUnix(*update.WakeAt))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE instances SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}
	return nil
}

func (s *Store) AppendSignal(ctx context.Context, id string, sig durable.Signal) (durable.Signal, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return durable.Signal{}, false, err
	}
	defer tx.Rollback()

	var count int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT signals FROM instances WHERE id = ?`+s.dialect.forUpdate), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.Signal{}, false, fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}
	if err != nil {
		return durable.Signal{}, false, err
	}

	if sig.Key != "" {
		existing, err := scanSignal(tx.QueryRowContext(ctx, s.rebind(`SELECT `+signalColumns+` FROM signals WHERE instance_id = ? AND idem_key = ?`), id, sig.Key))
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return durable.Signal{}, false, fmt.Errorf("check signal key: %w", err)
		}
	}

	stored, err := s.insertSignal(ctx, tx, id, count+1, sig)
	if err != nil {
		return durable.Signal{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return durable.Signal{}, false, err
	}
	return stored, false, nil
}

func (s *Store) insertSignal(ctx context.Context, tx *sql.Tx, id string, seq int64, sig durable.Signal) (durable.Signal, error) {
	sig.Seq = seq
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = s.now()
	}

	_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO signals (instance_id, seq, name, idem_key, payload, received_at) VALUES (?, ?, ?, ?, ?, ?)`),
		id, sig.Seq, sig.Name, sig.Key, sig.Payload, toUnix(sig.ReceivedAt))
	if err != nil {
		return durable.Signal{}, fmt.Errorf("insert signal %d for %s: %w", seq, id, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE instances SET signals = ?, updated_at = ? WHERE id = ?`),
		sig.Seq, toUnix(s.now()), id)
	if err != nil {
		return durable.Signal{}, fmt.Errorf("bump signal count for %s: %w", id, err)
	}
	return sig, nil
}

const signalColumns = `seq, name, idem_key, payload, received_at`

func scanSignal(row rowScanner) (durable.Signal, error) {
	var (
		sig        durable.Signal
		receivedAt int64
	)
	if err := row.Scan(&sig.Seq, &sig.Name, &sig.Key, &sig.Payload, &receivedAt); err != nil {
		return durable.Signal{}, err
	}
	sig.ReceivedAt = fromUnix(receivedAt)
	return sig, nil
}

func (s *Store) Signals(ctx context.Context, id string) ([]durable.Signal, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+signalColumns+` FROM signals WHERE instance_id = ? ORDER BY seq ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("list signals of %s: %w", id, err)
	}
	defer rows.Close()

	var out []durable.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *Store) AppendStep(ctx context.Context, id string, step durable.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT steps FROM instances WHERE id = ?`+s.dialect.forUpdate), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}
	if err != nil {
		return err
	}
	if step.Seq != count+1 {
		return fmt.Errorf("append step %d to %s: journal has %d steps", step.Seq, id, count)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO steps (instance_id, seq, kind, name, payload, error, error_type, signal_seq, attempts, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, step.Seq, string(step.Kind), step.Name, step.Payload, step.Error, step.ErrorType, step.SignalSeq,
		step.Attempts, toUnix(step.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert step %d for %s: %w", step.Seq, id, err)
	}

	consumed := 0
	if step.SignalSeq > 0 {
		consumed = 1
	}
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE instances SET steps = steps + 1, consumed = consumed + ?, updated_at = ? WHERE id = ?`),
		consumed, toUnix(s.now()), id)
	if err != nil {
		return fmt.Errorf("bump step count for %s: %w", id, err)
	}

	return tx.Commit()
}

func (s *Store) Steps(ctx context.Context, id string) ([]durable.Step, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT seq, kind, name, payload, error, error_type, signal_seq, attempts, recorded_at
FROM steps WHERE instance_id = ? ORDER BY seq ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("list steps of %s: %w", id, err)
	}
	defer rows.Close()

	var out []durable.Step
	for rows.Next() {
		var (
			step       durable.Step
			kind       string
			recordedAt int64
		)
		if err := rows.Scan(&step.Seq, &kind, &step.Name, &step.Payload, &step.Error, &step.ErrorType,
			&step.SignalSeq, &step.Attempts, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Kind = durable.StepKind(kind)
		step.RecordedAt = fromUnix(recordedAt)
		out = append(out, step)
	}
	return out, rows.Err()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
