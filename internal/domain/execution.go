package domain

import (
	"context"
	"time"
)

// ExecutionStatus represents the state of a workflow execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusExited    ExecutionStatus = "exited"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsValid checks if the execution status is valid
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusWaiting, ExecutionStatusCompleted,
		ExecutionStatusExited, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// IsActive returns true while the execution can still make progress
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusRunning || s == ExecutionStatusWaiting
}

// IsTerminal returns true once the execution can never change again
func (s ExecutionStatus) IsTerminal() bool {
	return !s.IsActive()
}

// StepExecutionStatus represents the state of a single step within an execution
type StepExecutionStatus string

const (
	StepExecutionStatusPending   StepExecutionStatus = "pending"
	StepExecutionStatusRunning   StepExecutionStatus = "running"
	StepExecutionStatusWaiting   StepExecutionStatus = "waiting"
	StepExecutionStatusCompleted StepExecutionStatus = "completed"
	StepExecutionStatusFailed    StepExecutionStatus = "failed"
)

// IsValid checks if the step execution status is valid
func (s StepExecutionStatus) IsValid() bool {
	switch s {
	case StepExecutionStatusPending, StepExecutionStatusRunning, StepExecutionStatusWaiting,
		StepExecutionStatusCompleted, StepExecutionStatusFailed:
		return true
	}
	return false
}

// WorkflowExecution is one contact's journey through a workflow. Context
// accumulates trigger event data and step outputs; it is handed to every
// step so conditions and templates can reference earlier results.
type WorkflowExecution struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	WorkflowID  string          `json:"workflow_id"`
	ContactID   string          `json:"contact_id"`
	Status      ExecutionStatus `json:"status"`
	CurrentStep string          `json:"current_step_id,omitempty"`
	Context     MapOfAny        `json:"context,omitempty"`
	ExitReason  *string         `json:"exit_reason,omitempty"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepExecution records one attempt span of a step within an execution.
// EventName is denormalized from the step config for waiting steps so the
// event router can find them with a single indexed query. ExecuteAfter is
// set when a wait carries a timeout.
type StepExecution struct {
	ID           string              `json:"id"`
	ExecutionID  string              `json:"execution_id"`
	ProjectID    string              `json:"project_id"`
	ContactID    string              `json:"contact_id"`
	StepID       string              `json:"step_id"`
	StepType     StepType            `json:"step_type"`
	Status       StepExecutionStatus `json:"status"`
	Attempts     int                 `json:"attempts"`
	EventName    string              `json:"event_name,omitempty"`
	ExecuteAfter *time.Time          `json:"execute_after,omitempty"`
	Output       MapOfAny            `json:"output,omitempty"`
	Error        *string             `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// ExecutionRepository provides persistence for executions and their steps
type ExecutionRepository interface {
	// CreateExecution inserts the execution, enforcing the workflow's
	// re-entry policy atomically. With allowReentry the insert is refused
	// only while the contact has an active execution of the same workflow;
	// without it, the insert is refused if any execution ever existed for
	// the (workflow, contact) pair. Returns false when refused.
	CreateExecution(ctx context.Context, execution *WorkflowExecution, allowReentry bool) (bool, error)
	GetExecution(ctx context.Context, projectID, id string) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, execution *WorkflowExecution) error
	ListExecutionsByWorkflow(ctx context.Context, projectID, workflowID string, limit int) ([]*WorkflowExecution, error)
	ListExecutionsByContact(ctx context.Context, projectID, contactID string, limit int) ([]*WorkflowExecution, error)
	// ListExecutionsByProject returns executions started inside the time
	// range, newest first
	ListExecutionsByProject(ctx context.Context, projectID string, from, to time.Time, limit int) ([]*WorkflowExecution, error)

	CreateStepExecution(ctx context.Context, step *StepExecution) error
	GetStepExecution(ctx context.Context, projectID, id string) (*StepExecution, error)
	UpdateStepExecution(ctx context.Context, step *StepExecution) error
	ListStepExecutions(ctx context.Context, projectID, executionID string) ([]*StepExecution, error)

	// ClaimStepExecution flips a pending step to running. Returns false when
	// the step was already claimed, finished, or is still waiting; callers
	// must treat false as "someone else owns this" and do nothing.
	ClaimStepExecution(ctx context.Context, projectID, id string) (bool, error)

	// ClaimWaitingStepExecution flips a waiting step to running, used when an
	// event arrives or a wait times out. Same contract as ClaimStepExecution.
	ClaimWaitingStepExecution(ctx context.Context, projectID, id string) (bool, error)

	// FindWaitingStepExecutions returns waiting steps for the contact that
	// listen for the given event name
	FindWaitingStepExecutions(ctx context.Context, projectID, contactID, eventName string) ([]*StepExecution, error)
}

// WorkflowRuntime drives executions through their step graphs. All methods
// are idempotent with respect to redelivered jobs.
type WorkflowRuntime interface {
	// StartExecution enters the contact into the workflow for the trigger
	// event. Returns the execution, or nil when the workflow's re-entry
	// policy refuses the entry.
	StartExecution(ctx context.Context, workflow *Workflow, contact *Contact, event *Event) (*WorkflowExecution, error)

	// ExecuteStep runs one claimed step and advances the execution
	ExecuteStep(ctx context.Context, projectID, stepExecutionID string) error

	// ResumeWithEvent wakes a waiting step because its event arrived
	ResumeWithEvent(ctx context.Context, step *StepExecution, event *Event) error

	// HandleWaitTimeout wakes a waiting step because its timeout elapsed
	HandleWaitTimeout(ctx context.Context, projectID, stepExecutionID string) error

	// CancelExecution terminates an active execution
	CancelExecution(ctx context.Context, projectID, executionID string) error
}
