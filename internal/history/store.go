package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreConfig controls the Postgres connection pool for run history.
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements Recorder and Repository over Postgres.
type Store struct {
	pool db
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the job_runs table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS job_runs (
			job_id        text PRIMARY KEY,
			started_at    timestamptz NOT NULL,
			finished_at   timestamptz,
			status        text NOT NULL,
			error_message text,
			iterations    integer NOT NULL DEFAULT 0,
			final_loss    double precision
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure job_runs schema: %w", err)
	}
	return nil
}

// RecordStart inserts or refreshes a running row for the job.
func (s *Store) RecordStart(ctx context.Context, jobID string, startedAt time.Time) error {
	query := `
		INSERT INTO job_runs (job_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE
		SET started_at = EXCLUDED.started_at,
		    finished_at = NULL,
		    error_message = NULL,
		    status = EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, startedAt, RunRunning); err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordFinish marks the run terminal with its last observed progress.
func (s *Store) RecordFinish(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status RunStatus,
	errMsg *string,
	iterations int,
	finalLoss *float64,
) error {
	query := `
		UPDATE job_runs
		SET finished_at = $1, status = $2, error_message = $3,
		    iterations = $4, final_loss = $5
		WHERE job_id = $6;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, iterations, finalLoss, jobID); err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by job id.
func (s *Store) GetRun(ctx context.Context, jobID string) (Run, error) {
	query := `
		SELECT job_id, started_at, finished_at, status, error_message, iterations, final_loss
		FROM job_runs
		WHERE job_id = $1;
	`
	var run Run
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&run.JobID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.Iterations,
		&run.FinalLoss,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *Store) ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error) {
	query := `
		SELECT job_id, started_at, finished_at, status, error_message, iterations, final_loss
		FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		err := rows.Scan(
			&run.JobID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
			&run.Iterations,
			&run.FinalLoss,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}
