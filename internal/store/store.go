// Package store persists run records in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/batchui/batchrun/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid status")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		script_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		start_ms BIGINT NOT NULL,
		end_ms BIGINT DEFAULT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		log_path TEXT NOT NULL,
		pid INTEGER DEFAULT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_script_status ON runs (script_id, status)`,
	`CREATE INDEX IF NOT EXISTS runs_start ON runs (start_ms)`,
}

const runColumns = `id, script_id, kind, status, start_ms, end_ms, progress, log_path, pid`

type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects to the database selected by driver (model.StoreSQLite or
// model.StorePostgres) and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var sqlDriver string
	switch driver {
	case "", model.StoreSQLite:
		sqlDriver = "sqlite"
	case model.StorePostgres:
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(sqlDriver, strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if sqlDriver == "sqlite" {
		// single writer
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, postgres: sqlDriver == "pgx"}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema failed: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n ones for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// withTx runs fn in a transaction, which is committed when fn succeeds.
func (s *Store) withTx(ctx context.Context, id string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("run_id", id), "error", err)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Create persists a new run in pending state.
func (s *Store) Create(ctx context.Context, run model.Run) error {
	return s.withTx(ctx, run.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO runs (id, script_id, kind, status, start_ms, progress, log_path) VALUES (?,?,?,?,?,?,?)`),
			run.ID, run.ScriptID, string(run.Kind), string(model.StatusPending),
			run.StartTime.UnixMilli(), 0, run.LogPath,
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return nil
	})
}

// MarkRunning promotes a pending run to running and records its pid.
func (s *Store) MarkRunning(ctx context.Context, id string, pid int) (bool, error) {
	return s.transition(ctx, id, model.StatusRunning,
		`UPDATE runs SET status = ?, pid = ?, progress = 0 WHERE id = ? AND status IN (%s)`,
		string(model.StatusRunning), pid, id,
	)
}

// Finish moves a run into a terminal status, sets its end time and forces
// progress to 100. Runs already terminal are left untouched and changed is
// false.
func (s *Store) Finish(ctx context.Context, id string, status model.Status, end time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: %q is not terminal", ErrInvalidStatus, status)
	}
	return s.transition(ctx, id, status,
		`UPDATE runs SET status = ?, end_ms = ?, progress = 100 WHERE id = ? AND status IN (%s)`,
		string(status), end.UnixMilli(), id,
	)
}

func (s *Store) transition(ctx context.Context, id string, to model.Status, query string, args ...any) (bool, error) {
	sources := to.Sources()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")
	for _, src := range sources {
		args = append(args, string(src))
	}
	query = s.rebind(fmt.Sprintf(query, placeholders))

	var changed bool
	err := s.withTx(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		if ra == 1 {
			changed = true
			return nil
		}
		return exists(ctx, tx, s.rebind(`SELECT 1 FROM runs WHERE id = ?`), id)
	})
	return changed, err
}

func exists(ctx context.Context, tx *sql.Tx, query, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, query, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	return nil
}

// UpdateProgress raises the progress of a running run. Lower values and
// runs which are not running are ignored; the value is clamped to 0..100.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	progress = max(0, min(progress, 100))
	var changed bool
	err := s.withTx(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE runs SET progress = ? WHERE id = ? AND status = ? AND progress < ?`),
			progress, id, string(model.StatusRunning), progress,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		changed = ra == 1
		return nil
	})
	return changed, err
}

// Get returns the run identified by id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.Run, error) {
	var run model.Run
	err := s.withTx(ctx, id, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
		var err error
		run, err = scanRun(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		return nil
	})
	return run, err
}

// ListRunning returns the running runs of a script.
func (s *Store) ListRunning(ctx context.Context, scriptID string) ([]model.Run, error) {
	return s.query(ctx, scriptID,
		`SELECT `+runColumns+` FROM runs WHERE script_id = ? AND status = ? ORDER BY start_ms`,
		scriptID, string(model.StatusRunning),
	)
}

// ListActive returns all pending and running runs.
func (s *Store) ListActive(ctx context.Context) ([]model.Run, error) {
	return s.query(ctx, "",
		`SELECT `+runColumns+` FROM runs WHERE status IN (?,?) ORDER BY start_ms`,
		string(model.StatusPending), string(model.StatusRunning),
	)
}

// Expired returns runs started before cutoff. An empty status matches all
// statuses.
func (s *Store) Expired(ctx context.Context, cutoff time.Time, status model.Status) ([]model.Run, error) {
	if status == "" {
		return s.query(ctx, "",
			`SELECT `+runColumns+` FROM runs WHERE start_ms < ? ORDER BY start_ms`,
			cutoff.UnixMilli(),
		)
	}
	return s.query(ctx, "",
		`SELECT `+runColumns+` FROM runs WHERE start_ms < ? AND status = ? ORDER BY start_ms`,
		cutoff.UnixMilli(), string(status),
	)
}

func (s *Store) query(ctx context.Context, id, query string, args ...any) ([]model.Run, error) {
	var runs []model.Run
	err := s.withTx(ctx, id, func(tx *sql.Tx) error {
		var err error
		runs, err = queryRuns(ctx, tx, s.rebind(query), args...)
		return err
	})
	return runs, err
}

func queryRuns(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]model.Run, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return runs, nil
}

// Delete removes a run record or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		if ra != 1 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		run          model.Run
		kind, status string
		startMs      int64
		endMs, pid   sql.NullInt64
	)
	if err := row.Scan(
		&run.ID,
		&run.ScriptID,
		&kind,
		&status,
		&startMs,
		&endMs,
		&run.Progress,
		&run.LogPath,
		&pid,
	); err != nil {
		return model.Run{}, err
	}
	run.Kind = model.Kind(kind)
	run.Status = model.Status(status)
	run.StartTime = time.UnixMilli(startMs).UTC()
	if endMs.Valid {
		end := time.UnixMilli(endMs.Int64).UTC()
		run.EndTime = &end
	}
	if pid.Valid {
		p := int(pid.Int64)
		run.PID = &p
	}
	return run, nil
}
