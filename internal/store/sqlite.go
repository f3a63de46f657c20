package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dubflow/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    source_video_id    TEXT NOT NULL,
    target_languages   TEXT NOT NULL,
    executor_strategy  TEXT NOT NULL DEFAULT 'simulated',
    status             TEXT NOT NULL,
    progress           INTEGER NOT NULL DEFAULT 0,
    current_stage_name TEXT,
    stage_outputs      TEXT NOT NULL DEFAULT '{}',
    error_message      TEXT,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL,
    completed_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// SQLite persists job records in a single SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite initializes or connects to the job database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Create(ctx context.Context, job *pipeline.Job) error {
	languages, err := json.Marshal(job.TargetLanguages)
	if err != nil {
		return fmt.Errorf("marshal target languages: %w", err)
	}
	outputs := job.StageOutputs
	if outputs == nil {
		outputs = make(pipeline.Outputs)
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal stage outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (
            id, source_video_id, target_languages, executor_strategy, status,
            progress, current_stage_name, stage_outputs, error_message,
            created_at, updated_at, completed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.SourceVideoID,
		string(languages),
		strategyValue(job.ExecutorStrategy),
		string(job.Status),
		job.Progress,
		nullableString(job.CurrentStageName),
		string(outputsJSON),
		nullableString(job.ErrorMessage),
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		job.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Update applies a partial update inside a transaction: the row is read,
// the update folded in, and only the pipeline-owned columns written back.
func (s *SQLite) Update(ctx context.Context, id string, upd pipeline.Update) (*pipeline.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	applyUpdate(job, upd)
	job.UpdatedAt = time.Now().UTC()

	outputsJSON, err := json.Marshal(job.StageOutputs)
	if err != nil {
		return nil, fmt.Errorf("marshal stage outputs: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET
            status = ?, progress = ?, current_stage_name = ?,
            stage_outputs = ?, error_message = ?, updated_at = ?, completed_at = ?
        WHERE id = ?`,
		string(job.Status),
		job.Progress,
		nullableString(job.CurrentStageName),
		string(outputsJSON),
		nullableString(job.ErrorMessage),
		job.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(job.CompletedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

// List returns all jobs, newest first.
func (s *SQLite) List(ctx context.Context) ([]*pipeline.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*pipeline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const selectColumns = `SELECT
    id, source_video_id, target_languages, executor_strategy, status,
    progress, current_stage_name, stage_outputs, error_message,
    created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*pipeline.Job, error) {
	var (
		job           pipeline.Job
		languagesJSON string
		strategy      string
		status        string
		currentStage  sql.NullString
		outputsJSON   string
		errorMessage  sql.NullString
		createdAt     string
		updatedAt     string
		completedAt   sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.SourceVideoID, &languagesJSON, &strategy, &status,
		&job.Progress, &currentStage, &outputsJSON, &errorMessage,
		&createdAt, &updatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job", pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal([]byte(languagesJSON), &job.TargetLanguages); err != nil {
		return nil, fmt.Errorf("unmarshal target languages: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &job.StageOutputs); err != nil {
		return nil, fmt.Errorf("unmarshal stage outputs: %w", err)
	}
	job.ExecutorStrategy = pipeline.Strategy(strategy)
	job.Status = pipeline.Stage(status)
	job.CurrentStageName = currentStage.String
	job.ErrorMessage = errorMessage.String
	if job.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTimestamp(completedAt.String)
		if err != nil {
			return nil, err
		}
		job.CompletedAt = &t
	}
	return &job, nil
}

func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t, nil
}

// strategyValue keeps the NOT NULL strategy column meaningful for rows
// created before the caller pinned one.
func strategyValue(s pipeline.Strategy) string {
	if s == "" {
		return string(pipeline.StrategySimulated)
	}
	return string(s)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
