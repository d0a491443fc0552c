package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'recording',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_identity ON runs(identity)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_ended_at ON runs(ended_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS screenshots (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			mime_type TEXT NOT NULL,
			data BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

const postgresRunColumns = `r.id, r.identity, r.goal, r.status, r.started_at, r.ended_at,
	(SELECT COUNT(*) FROM run_events e WHERE e.run_id = r.id),
	(SELECT COUNT(*) FROM screenshots sc WHERE sc.run_id = r.id)`

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, identity, goal, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Identity, run.Goal, RunRecording, run.StartedAt,
	)
	return err
}

func (s *PostgresStore) FinishRun(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = $1, ended_at = $2 WHERE id = $3",
		RunFinished, endedAt, id,
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresRunColumns+" FROM runs r WHERE r.id = $1", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, identity string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postgresRunColumns+` FROM runs r
		 WHERE ($1 = '' OR r.identity = $1) ORDER BY r.started_at DESC LIMIT $2`,
		identity, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO run_events (run_id, seq, kind, content, created_at)
		 VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM run_events WHERE run_id = $2), $3, $4, $5)
		 RETURNING seq`,
		ev.RunID, ev.RunID, ev.Kind, ev.Content, ev.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, kind, content, created_at
		 FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// --- Screenshots ---

func (s *PostgresStore) SaveScreenshot(ctx context.Context, shot *Screenshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO screenshots (id, run_id, mime_type, data, created_at) VALUES ($1, $2, $3, $4, $5)`,
		shot.ID, shot.RunID, shot.MimeType, shot.Data, shot.CreatedAt,
	)
	return err
}

func (s *PostgresStore) CountScreenshots(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM screenshots WHERE run_id = $1", runID).Scan(&n)
	return n, err
}

// --- Data Retention ---

func (s *PostgresStore) PurgeOldRuns(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const expired = "SELECT id FROM runs WHERE ended_at IS NOT NULL AND ended_at < $1"
	for _, q := range []string{
		"DELETE FROM run_events WHERE run_id IN (" + expired + ")",
		"DELETE FROM screenshots WHERE run_id IN (" + expired + ")",
	} {
		if _, err := tx.ExecContext(ctx, q, before); err != nil {
			return 0, err
		}
	}
	result, err := tx.ExecContext(ctx,
		"DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < $1", before,
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
