package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the state of a queued job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusDead      JobStatus = "dead"
)

// IsValid checks if the job status is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusDead:
		return true
	}
	return false
}

// Job kinds understood by the worker pool
const (
	JobKindExecuteStep   = "workflow.execute_step"
	JobKindWaitTimeout   = "workflow.wait_timeout"
	JobKindCampaignStart = "campaign.start"
	JobKindCampaignBatch = "campaign.batch"
	JobKindEmailSend     = "email.send"
)

// Job is a unit of deferred work. Delivery is at least once: a handler may
// see the same job twice after a crash, so handlers must be idempotent.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	RunAt       time.Time       `json:"run_at"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DedupeKey   *string         `json:"dedupe_key,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ExecuteStepPayload drives one step of a workflow execution
type ExecuteStepPayload struct {
	ProjectID       string `json:"project_id"`
	StepExecutionID string `json:"step_execution_id"`
}

// WaitTimeoutPayload fires when a waiting step's timeout elapses
type WaitTimeoutPayload struct {
	ProjectID       string `json:"project_id"`
	StepExecutionID string `json:"step_execution_id"`
}

// CampaignStartPayload starts a scheduled campaign
type CampaignStartPayload struct {
	ProjectID  string `json:"project_id"`
	CampaignID string `json:"campaign_id"`
}

// CampaignBatchPayload sends one audience page of a campaign. BatchNumber
// starts at 1 and increments along the batch chain.
type CampaignBatchPayload struct {
	ProjectID   string `json:"project_id"`
	CampaignID  string `json:"campaign_id"`
	BatchNumber int    `json:"batch_number"`
	Limit       int    `json:"limit"`
	Cursor      string `json:"cursor,omitempty"`
}

// EmailSendPayload delivers one recorded email
type EmailSendPayload struct {
	ProjectID string `json:"project_id"`
	EmailID   string `json:"email_id"`
}

// Dedupe keys for cancellable jobs
func WaitTimeoutDedupeKey(stepExecutionID string) string {
	return fmt.Sprintf("timeout:%s", stepExecutionID)
}

func CampaignStartDedupeKey(campaignID string) string {
	return fmt.Sprintf("schedule:%s", campaignID)
}

// CalculateNextRetryTime returns when a failed job should run again, using
// exponential backoff: 1, 2, 4, 8... minutes by attempt count, capped at an
// hour.
func CalculateNextRetryTime(now time.Time, attempts int) time.Time {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(1<<(attempts-1)) * time.Minute
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return now.Add(backoff)
}

// JobRepository provides durable job persistence
type JobRepository interface {
	// Enqueue inserts the job. When the job carries a dedupe key that
	// already exists among pending jobs, nothing is inserted and false is
	// returned.
	Enqueue(ctx context.Context, job *Job) (bool, error)

	// FetchDue atomically claims up to limit pending jobs whose run_at has
	// passed, flipping them to running. Claimed jobs are invisible to other
	// workers.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	MarkCompleted(ctx context.Context, jobID string) error

	// MarkFailed records the error and reschedules the job for nextRunAt
	MarkFailed(ctx context.Context, jobID string, errMsg string, nextRunAt time.Time) error

	// MoveToDeadLetter copies the job to the dead letter table and marks it
	// dead after its retries are exhausted
	MoveToDeadLetter(ctx context.Context, jobID string, errMsg string) error

	// CancelByDedupeKey deletes the pending job with the given dedupe key.
	// Returns false when no pending job matched, e.g. it already ran.
	CancelByDedupeKey(ctx context.Context, dedupeKey string) (bool, error)

	GetByID(ctx context.Context, jobID string) (*Job, error)
	ListDeadLetter(ctx context.Context, limit int) ([]*Job, error)

	// RequeueStuck returns running jobs older than the threshold to pending.
	// Recovers work lost when a worker dies mid-job.
	RequeueStuck(ctx context.Context, olderThan time.Time) (int, error)
}

// JobQueue is the enqueue-side API used by services
type JobQueue interface {
	// Enqueue schedules work of the given kind at runAt. The payload must be
	// JSON-serializable. dedupeKey may be empty; a duplicate key makes the
	// call a no-op.
	Enqueue(ctx context.Context, kind string, payload interface{}, runAt time.Time, dedupeKey string) error

	// Cancel removes a pending job by dedupe key
	Cancel(ctx context.Context, dedupeKey string) error
}

// JobHandler processes one kind of job. Returning an error schedules a
// retry unless the error is permanent.
type JobHandler interface {
	Handle(ctx context.Context, job *Job) error
}

// JobHandlerFunc adapts a function to the JobHandler interface
type JobHandlerFunc func(ctx context.Context, job *Job) error

func (f JobHandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}
