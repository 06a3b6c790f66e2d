package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
)

const (
	// maxStepAttempts bounds retries of a single step before the execution fails
	maxStepAttempts = 5

	// maxStepsPerExecution bounds the total steps one execution may run,
	// protecting against transition cycles
	maxStepsPerExecution = 10000
)

// WorkflowRuntimeService implements domain.WorkflowRuntime. It persists state
// after every step so executions survive restarts: all progress is driven by
// durable jobs, and every entry point re-checks ownership with an atomic
// claim before doing work.
type WorkflowRuntimeService struct {
	workflowRepo  domain.WorkflowRepository
	executionRepo domain.ExecutionRepository
	contactRepo   domain.ContactRepository
	jobQueue      domain.JobQueue
	registry      *StepExecutorRegistry
	clock         domain.Clock
	logger        logger.Logger
}

// NewWorkflowRuntimeService creates a new workflow runtime
func NewWorkflowRuntimeService(
	workflowRepo domain.WorkflowRepository,
	executionRepo domain.ExecutionRepository,
	contactRepo domain.ContactRepository,
	jobQueue domain.JobQueue,
	registry *StepExecutorRegistry,
	clock domain.Clock,
	log logger.Logger,
) *WorkflowRuntimeService {
	return &WorkflowRuntimeService{
		workflowRepo:  workflowRepo,
		executionRepo: executionRepo,
		contactRepo:   contactRepo,
		jobQueue:      jobQueue,
		registry:      registry,
		clock:         clock,
		logger:        log,
	}
}

// StartExecution enters the contact into the workflow. The trigger filter,
// if any, is evaluated against the event first. Returns nil when the
// workflow's re-entry policy refuses the entry.
func (s *WorkflowRuntimeService) StartExecution(ctx context.Context, workflow *domain.Workflow, contact *domain.Contact, event *domain.Event) (*domain.WorkflowExecution, error) {
	if workflow.Status != domain.WorkflowStatusActive {
		return nil, &domain.ErrInvalidState{
			Entity: "workflow", ID: workflow.ID, Status: string(workflow.Status),
			Message: "only active workflows can start executions",
		}
	}

	trigger := workflow.TriggerStep()
	if trigger == nil {
		return nil, fmt.Errorf("workflow %s has no trigger step", workflow.ID)
	}

	triggerConfig, err := domain.ParseTriggerConfig(trigger.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger config: %w", err)
	}

	execContext := buildExecutionContext(contact, event)

	if triggerConfig.Filter != nil {
		matched, err := EvaluateCondition(triggerConfig.Filter, execContext)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate trigger filter: %w", err)
		}
		if !matched {
			s.logger.WithFields(map[string]interface{}{
				"workflow_id": workflow.ID,
				"contact_id":  contact.ID,
				"event_name":  event.Name,
			}).Debug("Trigger filter did not match, skipping execution")
			return nil, nil
		}
	}

	execution := &domain.WorkflowExecution{
		ID:         uuid.New().String(),
		ProjectID:  workflow.ProjectID,
		WorkflowID: workflow.ID,
		ContactID:  contact.ID,
		Status:     domain.ExecutionStatusRunning,
		Context:    execContext,
	}

	created, err := s.executionRepo.CreateExecution(ctx, execution, workflow.AllowReentry)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	if !created {
		s.logger.WithFields(map[string]interface{}{
			"workflow_id":   workflow.ID,
			"contact_id":    contact.ID,
			"allow_reentry": workflow.AllowReentry,
		}).Debug("Re-entry policy refused execution, skipping")
		return nil, nil
	}

	firstStepID := workflow.NextStepID(trigger.ID, domain.BranchDefault)
	if firstStepID == "" {
		// Trigger with no outgoing edge: the execution completes immediately
		return execution, s.completeExecution(ctx, execution)
	}

	if err := s.scheduleStep(ctx, execution, workflow, firstStepID, s.clock.Now()); err != nil {
		return nil, err
	}

	execution.CurrentStep = firstStepID
	if err := s.executionRepo.UpdateExecution(ctx, execution); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"execution_id": execution.ID,
		"workflow_id":  workflow.ID,
		"contact_id":   contact.ID,
	}).Info("Started workflow execution")

	return execution, nil
}

// ExecuteStep runs one step. Called by the job worker; a redelivered job
// finds the step already claimed and returns without side effects.
func (s *WorkflowRuntimeService) ExecuteStep(ctx context.Context, projectID, stepExecutionID string) error {
	claimed, err := s.executionRepo.ClaimStepExecution(ctx, projectID, stepExecutionID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.WithField("step_execution_id", stepExecutionID).
			Debug("Step already claimed or finished, skipping")
		return nil
	}

	return s.runClaimedStep(ctx, projectID, stepExecutionID, nil)
}

// ResumeWithEvent wakes a waiting step because its event arrived. The
// pending timeout job, if any, is cancelled.
func (s *WorkflowRuntimeService) ResumeWithEvent(ctx context.Context, step *domain.StepExecution, event *domain.Event) error {
	claimed, err := s.executionRepo.ClaimWaitingStepExecution(ctx, step.ProjectID, step.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if err := s.jobQueue.Cancel(ctx, domain.WaitTimeoutDedupeKey(step.ID)); err != nil {
		// The timeout job will find the step no longer waiting and no-op
		s.logger.WithField("step_execution_id", step.ID).
			WithField("error", err.Error()).
			Warn("Failed to cancel wait timeout job")
	}

	execution, workflow, err := s.loadExecutionState(ctx, step.ProjectID, step.ExecutionID)
	if err != nil {
		return err
	}
	if !execution.Status.IsActive() {
		return s.abandonStep(ctx, step.ProjectID, step.ID, "execution is no longer active")
	}

	// The received event replaces the trigger event in the context so
	// downstream conditions see the fresh data
	execution.Context = mergeEventIntoContext(execution.Context, event)

	output := domain.MapOfAny{"resumed_by_event": event.ID}
	return s.completeStepAndAdvance(ctx, execution, workflow, step.ID, domain.BranchDefault, output)
}

// HandleWaitTimeout wakes a waiting step because its timeout elapsed. The
// step completes with the "timeout" branch.
func (s *WorkflowRuntimeService) HandleWaitTimeout(ctx context.Context, projectID, stepExecutionID string) error {
	claimed, err := s.executionRepo.ClaimWaitingStepExecution(ctx, projectID, stepExecutionID)
	if err != nil {
		return err
	}
	if !claimed {
		// The event won the race and resumed the step
		return nil
	}

	step, err := s.executionRepo.GetStepExecution(ctx, projectID, stepExecutionID)
	if err != nil {
		return err
	}

	execution, workflow, err := s.loadExecutionState(ctx, projectID, step.ExecutionID)
	if err != nil {
		return err
	}
	if !execution.Status.IsActive() {
		return s.abandonStep(ctx, projectID, stepExecutionID, "execution is no longer active")
	}

	output := domain.MapOfAny{"timed_out": true}
	return s.completeStepAndAdvance(ctx, execution, workflow, stepExecutionID, domain.BranchTimeout, output)
}

// CancelExecution terminates an active execution. Waiting steps are left in
// place; their timeout jobs abandon them on arrival.
func (s *WorkflowRuntimeService) CancelExecution(ctx context.Context, projectID, executionID string) error {
	execution, err := s.executionRepo.GetExecution(ctx, projectID, executionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return &domain.ErrInvalidState{
			Entity: "execution", ID: executionID, Status: string(execution.Status),
			Message: "execution is already finished",
		}
	}

	now := s.clock.Now()
	execution.Status = domain.ExecutionStatusCancelled
	execution.CompletedAt = &now

	if err := s.executionRepo.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	s.logger.WithField("execution_id", executionID).Info("Cancelled workflow execution")
	return nil
}

// runClaimedStep executes a step the caller has already claimed
func (s *WorkflowRuntimeService) runClaimedStep(ctx context.Context, projectID, stepExecutionID string, _ *domain.Event) error {
	step, err := s.executionRepo.GetStepExecution(ctx, projectID, stepExecutionID)
	if err != nil {
		return err
	}

	execution, workflow, err := s.loadExecutionState(ctx, projectID, step.ExecutionID)
	if err != nil {
		return err
	}
	if !execution.Status.IsActive() {
		return s.abandonStep(ctx, projectID, stepExecutionID, "execution is no longer active")
	}

	stepDef := workflow.GetStepByID(step.StepID)
	if stepDef == nil {
		return s.failExecution(ctx, execution, step,
			fmt.Sprintf("step %s no longer exists in workflow", step.StepID))
	}

	contact, err := s.contactRepo.GetByID(ctx, projectID, execution.ContactID)
	if err != nil {
		if domain.IsNotFound(err) {
			return s.failExecution(ctx, execution, step, "contact no longer exists")
		}
		return err
	}

	executor, err := s.registry.Get(stepDef.Type)
	if err != nil {
		return s.failExecution(ctx, execution, step, err.Error())
	}

	result, err := executor.Execute(ctx, &StepContext{
		Execution:     execution,
		StepExecution: step,
		Workflow:      workflow,
		Step:          stepDef,
		Contact:       contact,
		Context:       execution.Context,
	})
	if err != nil {
		return s.handleStepError(ctx, execution, step, err)
	}

	return s.applyStepResult(ctx, execution, workflow, step, result)
}

// applyStepResult persists the step outcome and moves the execution forward
func (s *WorkflowRuntimeService) applyStepResult(ctx context.Context, execution *domain.WorkflowExecution, workflow *domain.Workflow, step *domain.StepExecution, result *StepResult) error {
	now := s.clock.Now()

	switch {
	case result.ExitReason != nil:
		if err := s.markStepCompleted(ctx, step, result.Output); err != nil {
			return err
		}
		execution.Status = domain.ExecutionStatusExited
		execution.ExitReason = result.ExitReason
		execution.CompletedAt = &now
		if err := s.executionRepo.UpdateExecution(ctx, execution); err != nil {
			return err
		}
		s.logger.WithFields(map[string]interface{}{
			"execution_id": execution.ID,
			"exit_reason":  *result.ExitReason,
		}).Info("Execution exited")
		return nil

	case result.Wait != nil:
		step.Status = domain.StepExecutionStatusWaiting
		step.EventName = result.Wait.EventName
		step.Output = result.Output
		if result.Wait.Timeout > 0 {
			deadline := now.Add(result.Wait.Timeout)
			step.ExecuteAfter = &deadline
		}
		if err := s.executionRepo.UpdateStepExecution(ctx, step); err != nil {
			return err
		}

		if result.Wait.Timeout > 0 {
			payload := domain.WaitTimeoutPayload{ProjectID: execution.ProjectID, StepExecutionID: step.ID}
			runAt := now.Add(result.Wait.Timeout)
			if err := s.jobQueue.Enqueue(ctx, domain.JobKindWaitTimeout, payload, runAt, domain.WaitTimeoutDedupeKey(step.ID)); err != nil {
				return fmt.Errorf("failed to enqueue wait timeout: %w", err)
			}
		}

		execution.Status = domain.ExecutionStatusWaiting
		execution.CurrentStep = step.StepID
		return s.executionRepo.UpdateExecution(ctx, execution)

	case result.DelayFor != nil:
		if err := s.markStepCompleted(ctx, step, result.Output); err != nil {
			return err
		}
		execution.Context = mergeStepOutput(execution.Context, step.StepID, result.Output)

		nextStepID := workflow.NextStepID(step.StepID, domain.BranchDefault)
		if nextStepID == "" {
			return s.completeExecution(ctx, execution)
		}

		if err := s.scheduleStep(ctx, execution, workflow, nextStepID, now.Add(*result.DelayFor)); err != nil {
			return err
		}

		execution.Status = domain.ExecutionStatusWaiting
		execution.CurrentStep = nextStepID
		return s.executionRepo.UpdateExecution(ctx, execution)

	default:
		execution.Context = mergeStepOutput(execution.Context, step.StepID, result.Output)
		if exceeded, err := s.bumpStepBudget(execution); err != nil || exceeded {
			if exceeded {
				return s.failExecution(ctx, execution, step, "step budget exhausted, possible transition cycle")
			}
			return err
		}
		if err := s.markStepCompleted(ctx, step, result.Output); err != nil {
			return err
		}
		return s.advance(ctx, execution, workflow, step.StepID, result.Branch)
	}
}

// completeStepAndAdvance is the resume path: marks the step done and follows
// the branch
func (s *WorkflowRuntimeService) completeStepAndAdvance(ctx context.Context, execution *domain.WorkflowExecution, workflow *domain.Workflow, stepExecutionID, branch string, output domain.MapOfAny) error {
	step, err := s.executionRepo.GetStepExecution(ctx, execution.ProjectID, stepExecutionID)
	if err != nil {
		return err
	}

	execution.Context = mergeStepOutput(execution.Context, step.StepID, output)
	if err := s.markStepCompleted(ctx, step, output); err != nil {
		return err
	}

	return s.advance(ctx, execution, workflow, step.StepID, branch)
}

// advance schedules the step that follows fromStepID, or completes the
// execution when the path ends
func (s *WorkflowRuntimeService) advance(ctx context.Context, execution *domain.WorkflowExecution, workflow *domain.Workflow, fromStepID, branch string) error {
	nextStepID := workflow.NextStepID(fromStepID, branch)
	if nextStepID == "" {
		return s.completeExecution(ctx, execution)
	}

	if err := s.scheduleStep(ctx, execution, workflow, nextStepID, s.clock.Now()); err != nil {
		return err
	}

	execution.Status = domain.ExecutionStatusRunning
	execution.CurrentStep = nextStepID
	return s.executionRepo.UpdateExecution(ctx, execution)
}

// scheduleStep creates a pending step execution and enqueues its job
func (s *WorkflowRuntimeService) scheduleStep(ctx context.Context, execution *domain.WorkflowExecution, workflow *domain.Workflow, stepID string, runAt time.Time) error {
	stepDef := workflow.GetStepByID(stepID)
	if stepDef == nil {
		return fmt.Errorf("step %s not found in workflow %s", stepID, workflow.ID)
	}

	step := &domain.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		ProjectID:   execution.ProjectID,
		ContactID:   execution.ContactID,
		StepID:      stepID,
		StepType:    stepDef.Type,
		Status:      domain.StepExecutionStatusPending,
	}

	if err := s.executionRepo.CreateStepExecution(ctx, step); err != nil {
		return fmt.Errorf("failed to create step execution: %w", err)
	}

	payload := domain.ExecuteStepPayload{ProjectID: execution.ProjectID, StepExecutionID: step.ID}
	if err := s.jobQueue.Enqueue(ctx, domain.JobKindExecuteStep, payload, runAt, ""); err != nil {
		return fmt.Errorf("failed to enqueue step job: %w", err)
	}

	return nil
}

// handleStepError retries transient failures with the queue's backoff and
// fails the execution for permanent errors or exhausted attempts
func (s *WorkflowRuntimeService) handleStepError(ctx context.Context, execution *domain.WorkflowExecution, step *domain.StepExecution, stepErr error) error {
	if domain.IsPermanent(stepErr) || step.Attempts >= maxStepAttempts {
		return s.failExecution(ctx, execution, step, stepErr.Error())
	}

	s.logger.WithFields(map[string]interface{}{
		"execution_id":      execution.ID,
		"step_execution_id": step.ID,
		"attempts":          step.Attempts,
		"error":             stepErr.Error(),
	}).Warn("Step failed, will retry")

	// Return the step to pending so the retried job can claim it again
	errMsg := stepErr.Error()
	step.Status = domain.StepExecutionStatusPending
	step.Error = &errMsg
	if err := s.executionRepo.UpdateStepExecution(ctx, step); err != nil {
		return err
	}

	return &domain.ErrJobExecution{JobID: step.ID, Kind: domain.JobKindExecuteStep, Err: stepErr}
}

// failExecution marks both the step and the execution failed
func (s *WorkflowRuntimeService) failExecution(ctx context.Context, execution *domain.WorkflowExecution, step *domain.StepExecution, reason string) error {
	now := s.clock.Now()

	step.Status = domain.StepExecutionStatusFailed
	step.Error = &reason
	step.CompletedAt = &now
	if err := s.executionRepo.UpdateStepExecution(ctx, step); err != nil {
		return err
	}

	execution.Status = domain.ExecutionStatusFailed
	execution.Error = &reason
	execution.CompletedAt = &now
	if err := s.executionRepo.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"execution_id": execution.ID,
		"step_id":      step.StepID,
		"error":        reason,
	}).Error("Execution failed")

	return nil
}

// abandonStep closes out a step whose execution was cancelled underneath it
func (s *WorkflowRuntimeService) abandonStep(ctx context.Context, projectID, stepExecutionID, reason string) error {
	step, err := s.executionRepo.GetStepExecution(ctx, projectID, stepExecutionID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	step.Status = domain.StepExecutionStatusFailed
	step.Error = &reason
	step.CompletedAt = &now
	return s.executionRepo.UpdateStepExecution(ctx, step)
}

func (s *WorkflowRuntimeService) markStepCompleted(ctx context.Context, step *domain.StepExecution, output domain.MapOfAny) error {
	now := s.clock.Now()
	step.Status = domain.StepExecutionStatusCompleted
	step.Output = output
	step.CompletedAt = &now
	step.EventName = ""
	step.ExecuteAfter = nil
	return s.executionRepo.UpdateStepExecution(ctx, step)
}

func (s *WorkflowRuntimeService) completeExecution(ctx context.Context, execution *domain.WorkflowExecution) error {
	now := s.clock.Now()
	execution.Status = domain.ExecutionStatusCompleted
	execution.CurrentStep = ""
	execution.CompletedAt = &now
	if err := s.executionRepo.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	s.logger.WithField("execution_id", execution.ID).Info("Execution completed")
	return nil
}

// bumpStepBudget counts completed steps in the execution context and reports
// when the budget is exhausted
func (s *WorkflowRuntimeService) bumpStepBudget(execution *domain.WorkflowExecution) (bool, error) {
	if execution.Context == nil {
		execution.Context = domain.MapOfAny{}
	}

	count := 0
	if raw, ok := execution.Context["steps_executed"]; ok {
		switch v := raw.(type) {
		case float64:
			count = int(v)
		case int:
			count = v
		}
	}

	count++
	execution.Context["steps_executed"] = count
	return count > maxStepsPerExecution, nil
}

func (s *WorkflowRuntimeService) loadExecutionState(ctx context.Context, projectID, executionID string) (*domain.WorkflowExecution, *domain.Workflow, error) {
	execution, err := s.executionRepo.GetExecution(ctx, projectID, executionID)
	if err != nil {
		return nil, nil, err
	}

	workflow, err := s.workflowRepo.GetByID(ctx, projectID, execution.WorkflowID)
	if err != nil {
		return nil, nil, err
	}

	return execution, workflow, nil
}

// buildExecutionContext assembles the initial context from the contact
// snapshot and trigger event
func buildExecutionContext(contact *domain.Contact, event *domain.Event) domain.MapOfAny {
	context := domain.MapOfAny{
		"contact": map[string]interface{}{
			"id":         contact.ID,
			"email":      contact.Email,
			"first_name": contact.FirstName,
			"last_name":  contact.LastName,
			"attributes": map[string]interface{}(contact.Attributes),
		},
	}
	return mergeEventIntoContext(context, event)
}

func mergeEventIntoContext(context domain.MapOfAny, event *domain.Event) domain.MapOfAny {
	if context == nil {
		context = domain.MapOfAny{}
	}
	if event != nil {
		context["event"] = map[string]interface{}{
			"id":         event.ID,
			"name":       event.Name,
			"properties": map[string]interface{}(event.Properties),
		}
	}
	return context
}

func mergeStepOutput(context domain.MapOfAny, stepID string, output domain.MapOfAny) domain.MapOfAny {
	if context == nil {
		context = domain.MapOfAny{}
	}
	if len(output) == 0 {
		return context
	}

	steps, ok := context["steps"].(map[string]interface{})
	if !ok {
		steps = make(map[string]interface{})
	}
	steps[stepID] = map[string]interface{}(output)
	context["steps"] = steps
	return context
}
