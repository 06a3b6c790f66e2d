package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
)

// WorkflowServiceImpl implements domain.WorkflowService
type WorkflowServiceImpl struct {
	workflowRepo domain.WorkflowRepository
	// invalidate drops the project's cached trigger lookups after any change
	// that can alter event routing
	invalidate func(projectID string)
	logger     logger.Logger
}

// NewWorkflowService creates a new workflow service. invalidate may be nil.
func NewWorkflowService(workflowRepo domain.WorkflowRepository, invalidate func(projectID string), log logger.Logger) *WorkflowServiceImpl {
	if invalidate == nil {
		invalidate = func(string) {}
	}
	return &WorkflowServiceImpl{
		workflowRepo: workflowRepo,
		invalidate:   invalidate,
		logger:       log,
	}
}

// CreateWorkflow validates and stores a new workflow in draft
func (s *WorkflowServiceImpl) CreateWorkflow(ctx context.Context, workflow *domain.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if workflow.Status == "" {
		workflow.Status = domain.WorkflowStatusDraft
	}
	if workflow.Status != domain.WorkflowStatusDraft {
		return domain.NewValidationError("status", "new workflows must start as draft")
	}

	if err := workflow.Validate(); err != nil {
		return err
	}

	if err := s.workflowRepo.Create(ctx, workflow); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"workflow_id": workflow.ID,
		"project_id":  workflow.ProjectID,
	}).Info("Created workflow")

	return nil
}

// GetWorkflow fetches a workflow
func (s *WorkflowServiceImpl) GetWorkflow(ctx context.Context, projectID, id string) (*domain.Workflow, error) {
	return s.workflowRepo.GetByID(ctx, projectID, id)
}

// UpdateWorkflow rewrites a workflow's definition. Active workflows must be
// paused first: in-flight executions hold step IDs into the graph.
func (s *WorkflowServiceImpl) UpdateWorkflow(ctx context.Context, workflow *domain.Workflow) error {
	existing, err := s.workflowRepo.GetByID(ctx, workflow.ProjectID, workflow.ID)
	if err != nil {
		return err
	}

	switch existing.Status {
	case domain.WorkflowStatusDraft, domain.WorkflowStatusPaused:
	default:
		return &domain.ErrInvalidState{
			Entity: "workflow", ID: workflow.ID, Status: string(existing.Status),
			Message: "pause the workflow before editing it",
		}
	}

	workflow.Status = existing.Status
	if err := workflow.Validate(); err != nil {
		return err
	}

	if err := s.workflowRepo.Update(ctx, workflow); err != nil {
		return err
	}

	s.invalidate(workflow.ProjectID)
	return nil
}

// ListWorkflows returns a project's workflows
func (s *WorkflowServiceImpl) ListWorkflows(ctx context.Context, projectID string) ([]*domain.Workflow, error) {
	return s.workflowRepo.List(ctx, projectID)
}

// ActivateWorkflow moves a draft or paused workflow to active
func (s *WorkflowServiceImpl) ActivateWorkflow(ctx context.Context, projectID, id string) error {
	return s.setStatus(ctx, projectID, id, domain.WorkflowStatusActive,
		domain.WorkflowStatusDraft, domain.WorkflowStatusPaused)
}

// PauseWorkflow moves an active workflow to paused. Running executions
// continue; no new ones start.
func (s *WorkflowServiceImpl) PauseWorkflow(ctx context.Context, projectID, id string) error {
	return s.setStatus(ctx, projectID, id, domain.WorkflowStatusPaused,
		domain.WorkflowStatusActive)
}

// ArchiveWorkflow retires a workflow permanently
func (s *WorkflowServiceImpl) ArchiveWorkflow(ctx context.Context, projectID, id string) error {
	return s.setStatus(ctx, projectID, id, domain.WorkflowStatusArchived,
		domain.WorkflowStatusDraft, domain.WorkflowStatusActive, domain.WorkflowStatusPaused)
}

func (s *WorkflowServiceImpl) setStatus(ctx context.Context, projectID, id string, to domain.WorkflowStatus, from ...domain.WorkflowStatus) error {
	workflow, err := s.workflowRepo.GetByID(ctx, projectID, id)
	if err != nil {
		return err
	}

	allowed := false
	for _, status := range from {
		if workflow.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return &domain.ErrInvalidState{
			Entity: "workflow", ID: id, Status: string(workflow.Status),
			Message: fmt.Sprintf("cannot move to %s", to),
		}
	}

	workflow.Status = to
	if err := s.workflowRepo.Update(ctx, workflow); err != nil {
		return err
	}

	s.invalidate(projectID)

	s.logger.WithFields(map[string]interface{}{
		"workflow_id": id,
		"status":      string(to),
	}).Info("Changed workflow status")

	return nil
}

// DuplicateWorkflow copies a workflow into a new draft
func (s *WorkflowServiceImpl) DuplicateWorkflow(ctx context.Context, projectID, id string) (*domain.Workflow, error) {
	source, err := s.workflowRepo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	copy := &domain.Workflow{
		ID:          uuid.New().String(),
		ProjectID:   source.ProjectID,
		Name:        source.Name + " (copy)",
		Description: source.Description,
		Status:      domain.WorkflowStatusDraft,
		Steps:       source.Steps,
		Transitions: source.Transitions,
	}

	if err := s.workflowRepo.Create(ctx, copy); err != nil {
		return nil, err
	}

	return copy, nil
}
