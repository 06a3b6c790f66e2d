package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
)

// PostgresJobQueue implements domain.JobQueue over the job repository
type PostgresJobQueue struct {
	jobRepo     domain.JobRepository
	maxAttempts int
	logger      logger.Logger
}

// NewPostgresJobQueue creates a new job queue
func NewPostgresJobQueue(jobRepo domain.JobRepository, maxAttempts int, log logger.Logger) *PostgresJobQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PostgresJobQueue{
		jobRepo:     jobRepo,
		maxAttempts: maxAttempts,
		logger:      log,
	}
}

// Enqueue schedules work of the given kind at runAt
func (q *PostgresJobQueue) Enqueue(ctx context.Context, kind string, payload interface{}, runAt time.Time, dedupeKey string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := &domain.Job{
		Kind:        kind,
		Payload:     data,
		RunAt:       runAt.UTC(),
		MaxAttempts: q.maxAttempts,
	}
	if dedupeKey != "" {
		job.DedupeKey = &dedupeKey
	}

	created, err := q.jobRepo.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	if !created {
		q.logger.WithFields(map[string]interface{}{
			"kind":       kind,
			"dedupe_key": dedupeKey,
		}).Debug("Job with same dedupe key already queued, skipping")
	}

	return nil
}

// Cancel removes a pending job by dedupe key. A missing job is not an
// error: it already ran or was never enqueued.
func (q *PostgresJobQueue) Cancel(ctx context.Context, dedupeKey string) error {
	cancelled, err := q.jobRepo.CancelByDedupeKey(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if !cancelled {
		q.logger.WithField("dedupe_key", dedupeKey).
			Debug("No pending job to cancel")
	}
	return nil
}
