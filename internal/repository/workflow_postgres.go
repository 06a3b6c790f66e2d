package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// WorkflowRepository implements domain.WorkflowRepository on Postgres.
// Steps and transitions are embedded in the workflow row as JSONB: the
// graph is always read and written as a whole.
type WorkflowRepository struct {
	db *sql.DB
}

// NewWorkflowRepository creates a new WorkflowRepository
func NewWorkflowRepository(db *sql.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

var workflowColumns = []string{
	"id", "project_id", "name", "description", "status", "allow_reentry",
	"steps", "transitions", "trigger_event", "created_at", "updated_at",
}

// Create inserts a workflow
func (r *WorkflowRepository) Create(ctx context.Context, workflow *domain.Workflow) error {
	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	query, args, err := psql.
		Insert("workflows").
		Columns(workflowColumns...).
		Values(workflow.ID, workflow.ProjectID, workflow.Name, workflow.Description,
			workflow.Status, workflow.AllowReentry, workflow.Steps, workflow.Transitions,
			workflow.TriggerEventName(), workflow.CreatedAt, workflow.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// GetByID fetches a workflow by ID
func (r *WorkflowRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Workflow, error) {
	query, args, err := psql.
		Select(workflowColumns...).
		From("workflows").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	workflow, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "workflow", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return workflow, nil
}

// Update rewrites the workflow row, including the embedded graph
func (r *WorkflowRepository) Update(ctx context.Context, workflow *domain.Workflow) error {
	workflow.UpdatedAt = time.Now().UTC()

	query, args, err := psql.
		Update("workflows").
		Set("name", workflow.Name).
		Set("description", workflow.Description).
		Set("status", workflow.Status).
		Set("allow_reentry", workflow.AllowReentry).
		Set("steps", workflow.Steps).
		Set("transitions", workflow.Transitions).
		Set("trigger_event", workflow.TriggerEventName()).
		Set("updated_at", workflow.UpdatedAt).
		Where(sq.Eq{"project_id": workflow.ProjectID, "id": workflow.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "workflow", ID: workflow.ID}
	}

	return nil
}

// List returns all non-archived workflows of a project, newest first
func (r *WorkflowRepository) List(ctx context.Context, projectID string) ([]*domain.Workflow, error) {
	query, args, err := psql.
		Select(workflowColumns...).
		From("workflows").
		Where(sq.Eq{"project_id": projectID}).
		Where(sq.NotEq{"status": domain.WorkflowStatusArchived}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryWorkflows(ctx, query, args)
}

// FindActiveByTriggerEvent returns active workflows triggered by the event.
// trigger_event is denormalized from the trigger step at write time so this
// is a plain indexed lookup.
func (r *WorkflowRepository) FindActiveByTriggerEvent(ctx context.Context, projectID, eventName string) ([]*domain.Workflow, error) {
	query, args, err := psql.
		Select(workflowColumns...).
		From("workflows").
		Where(sq.Eq{
			"project_id":    projectID,
			"status":        domain.WorkflowStatusActive,
			"trigger_event": eventName,
		}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryWorkflows(ctx, query, args)
}

func (r *WorkflowRepository) queryWorkflows(ctx context.Context, query string, args []interface{}) ([]*domain.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*domain.Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return workflows, nil
}

func scanWorkflow(s scanner) (*domain.Workflow, error) {
	var workflow domain.Workflow
	var triggerEvent string

	err := s.Scan(
		&workflow.ID, &workflow.ProjectID, &workflow.Name, &workflow.Description,
		&workflow.Status, &workflow.AllowReentry, &workflow.Steps, &workflow.Transitions,
		&triggerEvent, &workflow.CreatedAt, &workflow.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return &workflow, nil
}
