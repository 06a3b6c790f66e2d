package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/loopmail/loopmail/internal/domain"
)

// psql is a Squirrel StatementBuilder configured for PostgreSQL
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// JobRepository implements domain.JobRepository on Postgres
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue inserts the job. A dedupe key conflict with a pending job makes
// the insert a no-op and returns false.
func (r *JobRepository) Enqueue(ctx context.Context, job *domain.Job) (bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	query, args, err := psql.
		Insert("jobs").
		Columns("id", "kind", "payload", "run_at", "status", "attempts", "max_attempts",
			"dedupe_key", "created_at", "updated_at").
		Values(job.ID, job.Kind, []byte(job.Payload), job.RunAt, job.Status, job.Attempts,
			job.MaxAttempts, job.DedupeKey, job.CreatedAt, job.UpdatedAt).
		Suffix("ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// FetchDue atomically claims due pending jobs, flipping them to running.
// SKIP LOCKED keeps concurrent workers from claiming the same rows.
func (r *JobRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_at <= $1
			ORDER BY run_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, payload, run_at, status, attempts, max_attempts,
		          dedupe_key, last_error, created_at, updated_at
	`

	rows, err := r.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return jobs, nil
}

// MarkCompleted deletes the job after successful processing
func (r *JobRepository) MarkCompleted(ctx context.Context, jobID string) error {
	query := `DELETE FROM jobs WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	return nil
}

// MarkFailed records the error and reschedules the job. The dedupe key is
// kept so a retry can still be cancelled.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID string, errMsg string, nextRunAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'pending', last_error = $2, run_at = $3, updated_at = $4
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, jobID, errMsg, nextRunAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return nil
}

// MoveToDeadLetter copies the job into jobs_dead_letter and removes it from
// the live queue
func (r *JobRepository) MoveToDeadLetter(ctx context.Context, jobID string, errMsg string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO jobs_dead_letter (id, kind, payload, run_at, attempts, max_attempts,
		                              dedupe_key, last_error, created_at, failed_at)
		SELECT id, kind, payload, run_at, attempts, max_attempts, dedupe_key, $2, created_at, $3
		FROM jobs
		WHERE id = $1
	`

	result, err := tx.ExecContext(ctx, insertQuery, jobID, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to copy job to dead letter: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "job", ID: jobID}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete dead job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CancelByDedupeKey deletes the pending job with the given dedupe key
func (r *JobRepository) CancelByDedupeKey(ctx context.Context, dedupeKey string) (bool, error) {
	query := `DELETE FROM jobs WHERE dedupe_key = $1 AND status = 'pending'`

	result, err := r.db.ExecContext(ctx, query, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// GetByID fetches a single job
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query, args, err := psql.
		Select("id", "kind", "payload", "run_at", "status", "attempts", "max_attempts",
			"dedupe_key", "last_error", "created_at", "updated_at").
		From("jobs").
		Where(sq.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "job", ID: jobID}
	}
	if err != nil {
		return nil, err
	}

	return job, nil
}

// ListDeadLetter returns the most recently failed jobs
func (r *JobRepository) ListDeadLetter(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := `
		SELECT id, kind, payload, run_at, 'dead', attempts, max_attempts,
		       dedupe_key, last_error, created_at, failed_at
		FROM jobs_dead_letter
		ORDER BY failed_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return jobs, nil
}

// RequeueStuck returns running jobs older than the threshold to pending so
// work lost to a dead worker is retried
func (r *JobRepository) RequeueStuck(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE jobs
		SET status = 'pending', updated_at = $2
		WHERE status = 'running' AND updated_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, olderThan.UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// scanner abstracts sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*domain.Job, error) {
	var job domain.Job
	var payload []byte

	err := s.Scan(
		&job.ID, &job.Kind, &payload, &job.RunAt, &job.Status, &job.Attempts,
		&job.MaxAttempts, &job.DedupeKey, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Payload = payload
	return &job, nil
}
