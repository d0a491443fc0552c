package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Every pooled connection must see the same in-memory database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'recording',
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_identity ON runs(identity)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_ended_at ON runs(ended_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS screenshots (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			mime_type TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_screenshots_run_id ON screenshots(run_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

// Times are stored in UTC so that text comparison orders them correctly.

const sqliteRunColumns = `r.id, r.identity, r.goal, r.status, r.started_at, r.ended_at,
	(SELECT COUNT(*) FROM run_events e WHERE e.run_id = r.id),
	(SELECT COUNT(*) FROM screenshots sc WHERE sc.run_id = r.id)`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, identity, goal, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Identity, run.Goal, RunRecording, run.StartedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, ended_at = ? WHERE id = ?",
		RunFinished, endedAt.UTC(), id,
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteRunColumns+" FROM runs r WHERE r.id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, identity string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteRunColumns+` FROM runs r
		 WHERE (? = '' OR r.identity = ?) ORDER BY r.started_at DESC LIMIT ?`,
		identity, identity, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO run_events (run_id, seq, kind, content, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq),0)+1 FROM run_events WHERE run_id = ?), ?, ?, ?)
		 RETURNING seq`,
		ev.RunID, ev.RunID, ev.Kind, ev.Content, ev.CreatedAt.UTC(),
	).Scan(&seq)
	return seq, err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, kind, content, created_at
		 FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// --- Screenshots ---

func (s *SQLiteStore) SaveScreenshot(ctx context.Context, shot *Screenshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO screenshots (id, run_id, mime_type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		shot.ID, shot.RunID, shot.MimeType, shot.Data, shot.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) CountScreenshots(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM screenshots WHERE run_id = ?", runID).Scan(&n)
	return n, err
}

// --- Data Retention ---

func (s *SQLiteStore) PurgeOldRuns(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const expired = "SELECT id FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?"
	for _, q := range []string{
		"DELETE FROM run_events WHERE run_id IN (" + expired + ")",
		"DELETE FROM screenshots WHERE run_id IN (" + expired + ")",
	} {
		if _, err := tx.ExecContext(ctx, q, before.UTC()); err != nil {
			return 0, err
		}
	}
	result, err := tx.ExecContext(ctx,
		"DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
