package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// ExecutionRepository implements domain.ExecutionRepository on Postgres
type ExecutionRepository struct {
	db *sql.DB
}

// NewExecutionRepository creates a new ExecutionRepository
func NewExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

var executionColumns = []string{
	"id", "project_id", "workflow_id", "contact_id", "status", "current_step_id",
	"context", "exit_reason", "error", "started_at", "completed_at", "updated_at",
}

var stepExecutionColumns = []string{
	"id", "execution_id", "project_id", "contact_id", "step_id", "step_type",
	"status", "attempts", "event_name", "execute_after", "output", "error",
	"created_at", "updated_at", "completed_at",
}

// CreateExecution inserts the execution unless the re-entry policy refuses
// it. With allowReentry the contact is only blocked by an active (running or
// waiting) execution of the same workflow; without it, any prior execution of
// the workflow blocks forever. The guard and insert run in one statement so
// concurrent triggers cannot both enter.
func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *domain.WorkflowExecution, allowReentry bool) (bool, error) {
	now := time.Now().UTC()
	execution.StartedAt = now
	execution.UpdatedAt = now

	guard := `
		SELECT 1 FROM workflow_executions
		WHERE project_id = $2 AND workflow_id = $3 AND contact_id = $4
	`
	if allowReentry {
		guard += ` AND status IN ('running', 'waiting')`
	}

	query := `
		INSERT INTO workflow_executions
			(id, project_id, workflow_id, contact_id, status, current_step_id,
			 context, exit_reason, error, started_at, completed_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE NOT EXISTS (` + guard + `)
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID, execution.ProjectID, execution.WorkflowID, execution.ContactID,
		execution.Status, execution.CurrentStep, execution.Context, execution.ExitReason,
		execution.Error, execution.StartedAt, execution.CompletedAt, execution.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// GetExecution fetches an execution by ID
func (r *ExecutionRepository) GetExecution(ctx context.Context, projectID, id string) (*domain.WorkflowExecution, error) {
	query, args, err := psql.
		Select(executionColumns...).
		From("workflow_executions").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	execution, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "execution", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return execution, nil
}

// UpdateExecution rewrites the execution's mutable fields
func (r *ExecutionRepository) UpdateExecution(ctx context.Context, execution *domain.WorkflowExecution) error {
	execution.UpdatedAt = time.Now().UTC()

	query, args, err := psql.
		Update("workflow_executions").
		Set("status", execution.Status).
		Set("current_step_id", execution.CurrentStep).
		Set("context", execution.Context).
		Set("exit_reason", execution.ExitReason).
		Set("error", execution.Error).
		Set("completed_at", execution.CompletedAt).
		Set("updated_at", execution.UpdatedAt).
		Where(sq.Eq{"project_id": execution.ProjectID, "id": execution.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "execution", ID: execution.ID}
	}

	return nil
}

// ListExecutionsByWorkflow returns recent executions of a workflow
func (r *ExecutionRepository) ListExecutionsByWorkflow(ctx context.Context, projectID, workflowID string, limit int) ([]*domain.WorkflowExecution, error) {
	query, args, err := psql.
		Select(executionColumns...).
		From("workflow_executions").
		Where(sq.Eq{"project_id": projectID, "workflow_id": workflowID}).
		OrderBy("started_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryExecutions(ctx, query, args)
}

// ListExecutionsByContact returns recent executions for a contact
func (r *ExecutionRepository) ListExecutionsByContact(ctx context.Context, projectID, contactID string, limit int) ([]*domain.WorkflowExecution, error) {
	query, args, err := psql.
		Select(executionColumns...).
		From("workflow_executions").
		Where(sq.Eq{"project_id": projectID, "contact_id": contactID}).
		OrderBy("started_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryExecutions(ctx, query, args)
}

// ListExecutionsByProject returns executions started inside the range,
// newest first
func (r *ExecutionRepository) ListExecutionsByProject(ctx context.Context, projectID string, from, to time.Time, limit int) ([]*domain.WorkflowExecution, error) {
	query, args, err := psql.
		Select(executionColumns...).
		From("workflow_executions").
		Where(sq.Eq{"project_id": projectID}).
		Where(sq.GtOrEq{"started_at": from.UTC()}).
		Where(sq.Lt{"started_at": to.UTC()}).
		OrderBy("started_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryExecutions(ctx, query, args)
}

// CreateStepExecution inserts a step execution record
func (r *ExecutionRepository) CreateStepExecution(ctx context.Context, step *domain.StepExecution) error {
	now := time.Now().UTC()
	step.CreatedAt = now
	step.UpdatedAt = now

	query, args, err := psql.
		Insert("step_executions").
		Columns(stepExecutionColumns...).
		Values(step.ID, step.ExecutionID, step.ProjectID, step.ContactID, step.StepID,
			step.StepType, step.Status, step.Attempts, step.EventName, step.ExecuteAfter,
			step.Output, step.Error, step.CreatedAt, step.UpdatedAt, step.CompletedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create step execution: %w", err)
	}

	return nil
}

// GetStepExecution fetches a step execution by ID
func (r *ExecutionRepository) GetStepExecution(ctx context.Context, projectID, id string) (*domain.StepExecution, error) {
	query, args, err := psql.
		Select(stepExecutionColumns...).
		From("step_executions").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	step, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "step execution", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return step, nil
}

// UpdateStepExecution rewrites the step execution's mutable fields
func (r *ExecutionRepository) UpdateStepExecution(ctx context.Context, step *domain.StepExecution) error {
	step.UpdatedAt = time.Now().UTC()

	query, args, err := psql.
		Update("step_executions").
		Set("status", step.Status).
		Set("attempts", step.Attempts).
		Set("event_name", step.EventName).
		Set("execute_after", step.ExecuteAfter).
		Set("output", step.Output).
		Set("error", step.Error).
		Set("completed_at", step.CompletedAt).
		Set("updated_at", step.UpdatedAt).
		Where(sq.Eq{"project_id": step.ProjectID, "id": step.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "step execution", ID: step.ID}
	}

	return nil
}

// ListStepExecutions returns an execution's step history in creation order
func (r *ExecutionRepository) ListStepExecutions(ctx context.Context, projectID, executionID string) ([]*domain.StepExecution, error) {
	query, args, err := psql.
		Select(stepExecutionColumns...).
		From("step_executions").
		Where(sq.Eq{"project_id": projectID, "execution_id": executionID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryStepExecutions(ctx, query, args)
}

// ClaimStepExecution flips a pending step to running. A zero row count
// means another worker got there first or the step already finished.
func (r *ExecutionRepository) ClaimStepExecution(ctx context.Context, projectID, id string) (bool, error) {
	return r.claimStep(ctx, projectID, id, domain.StepExecutionStatusPending)
}

// ClaimWaitingStepExecution flips a waiting step to running, used when its
// event arrives or its timeout elapses
func (r *ExecutionRepository) ClaimWaitingStepExecution(ctx context.Context, projectID, id string) (bool, error) {
	return r.claimStep(ctx, projectID, id, domain.StepExecutionStatusWaiting)
}

func (r *ExecutionRepository) claimStep(ctx context.Context, projectID, id string, from domain.StepExecutionStatus) (bool, error) {
	query := `
		UPDATE step_executions
		SET status = 'running', attempts = attempts + 1, updated_at = $3
		WHERE project_id = $1 AND id = $2 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, projectID, id, time.Now().UTC(), from)
	if err != nil {
		return false, fmt.Errorf("failed to claim step execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// FindWaitingStepExecutions returns waiting steps for the contact that
// listen for the given event name
func (r *ExecutionRepository) FindWaitingStepExecutions(ctx context.Context, projectID, contactID, eventName string) ([]*domain.StepExecution, error) {
	query, args, err := psql.
		Select(stepExecutionColumns...).
		From("step_executions").
		Where(sq.Eq{
			"project_id": projectID,
			"contact_id": contactID,
			"event_name": eventName,
			"status":     domain.StepExecutionStatusWaiting,
		}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryStepExecutions(ctx, query, args)
}

func (r *ExecutionRepository) queryExecutions(ctx context.Context, query string, args []interface{}) ([]*domain.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []*domain.WorkflowExecution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return executions, nil
}

func (r *ExecutionRepository) queryStepExecutions(ctx context.Context, query string, args []interface{}) ([]*domain.StepExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}
	defer rows.Close()

	var steps []*domain.StepExecution
	for rows.Next() {
		step, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return steps, nil
}

func scanExecution(s scanner) (*domain.WorkflowExecution, error) {
	var execution domain.WorkflowExecution

	err := s.Scan(
		&execution.ID, &execution.ProjectID, &execution.WorkflowID, &execution.ContactID,
		&execution.Status, &execution.CurrentStep, &execution.Context, &execution.ExitReason,
		&execution.Error, &execution.StartedAt, &execution.CompletedAt, &execution.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return &execution, nil
}

func scanStepExecution(s scanner) (*domain.StepExecution, error) {
	var step domain.StepExecution

	err := s.Scan(
		&step.ID, &step.ExecutionID, &step.ProjectID, &step.ContactID, &step.StepID,
		&step.StepType, &step.Status, &step.Attempts, &step.EventName, &step.ExecuteAfter,
		&step.Output, &step.Error, &step.CreatedAt, &step.UpdatedAt, &step.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan step execution: %w", err)
	}

	return &step, nil
}
