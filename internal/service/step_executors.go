package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
)

// WaitSpec tells the runtime to suspend the step until an event arrives.
// Timeout of 0 waits forever.
type WaitSpec struct {
	EventName string
	Timeout   time.Duration
}

// StepResult is the uniform outcome of executing one step. Exactly one of
// the control fields is set for non-linear steps: ExitReason terminates the
// execution, DelayFor reschedules the next step, Wait suspends on an event.
// Otherwise Branch (possibly empty) selects the outgoing transition.
type StepResult struct {
	Output     domain.MapOfAny
	Branch     string
	ExitReason *string
	DelayFor   *time.Duration
	Wait       *WaitSpec
}

// StepContext carries everything an executor may need
type StepContext struct {
	Execution     *domain.WorkflowExecution
	StepExecution *domain.StepExecution
	Workflow      *domain.Workflow
	Step          *domain.Step
	Contact       *domain.Contact
	// Context is the execution's accumulated data: trigger event, step
	// outputs, contact snapshot
	Context map[string]interface{}
}

// StepExecutor executes a single step type
type StepExecutor interface {
	Execute(ctx context.Context, sc *StepContext) (*StepResult, error)
}

// StepExecutorRegistry dispatches steps to their executors
type StepExecutorRegistry struct {
	executors map[domain.StepType]StepExecutor
}

// NewStepExecutorRegistry builds the registry with the standard executors
func NewStepExecutorRegistry(
	emailSender domain.EmailSender,
	contactRepo domain.ContactRepository,
	httpClient *http.Client,
	log logger.Logger,
) *StepExecutorRegistry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &StepExecutorRegistry{
		executors: map[domain.StepType]StepExecutor{
			domain.StepTypeSendEmail:     &SendEmailStepExecutor{emailSender: emailSender},
			domain.StepTypeDelay:         &DelayStepExecutor{},
			domain.StepTypeWaitForEvent:  &WaitForEventStepExecutor{},
			domain.StepTypeCondition:     &ConditionStepExecutor{},
			domain.StepTypeExit:          &ExitStepExecutor{},
			domain.StepTypeWebhook:       &WebhookStepExecutor{httpClient: httpClient, logger: log},
			domain.StepTypeUpdateContact: &UpdateContactStepExecutor{contactRepo: contactRepo},
		},
	}
}

// Get returns the executor for a step type
func (r *StepExecutorRegistry) Get(stepType domain.StepType) (StepExecutor, error) {
	executor, ok := r.executors[stepType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for step type %q", stepType)
	}
	return executor, nil
}

// SendEmailStepExecutor sends an email to the execution's contact
type SendEmailStepExecutor struct {
	emailSender domain.EmailSender
}

func (e *SendEmailStepExecutor) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	config, err := domain.ParseSendEmailConfig(sc.Step.Config)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	email, err := e.emailSender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID:  sc.Execution.ProjectID,
		Contact:    sc.Contact,
		TemplateID: config.TemplateID,
		Subject:    config.Subject,
		HTMLBody:   config.HTMLBody,
		TextBody:   config.TextBody,
		FromName:   config.FromName,
		FromEmail:  config.FromEmail,
		Source:     domain.EmailSourceWorkflow,
		SourceID:   sc.Execution.WorkflowID,
		Data:       sc.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send step email: %w", err)
	}

	output := domain.MapOfAny{"skipped": email == nil}
	if email != nil {
		output["email_id"] = email.ID
	}

	return &StepResult{Output: output}, nil
}

// DelayStepExecutor pauses the execution for a fixed duration
type DelayStepExecutor struct{}

func (e *DelayStepExecutor) Execute(_ context.Context, sc *StepContext) (*StepResult, error) {
	config, err := domain.ParseDelayConfig(sc.Step.Config)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	delay := config.ToDuration()
	return &StepResult{
		DelayFor: &delay,
		Output:   domain.MapOfAny{"delay_seconds": int64(delay / time.Second)},
	}, nil
}

// WaitForEventStepExecutor suspends the execution until an event arrives
type WaitForEventStepExecutor struct{}

func (e *WaitForEventStepExecutor) Execute(_ context.Context, sc *StepContext) (*StepResult, error) {
	config, err := domain.ParseWaitForEventConfig(sc.Step.Config)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	return &StepResult{
		Wait: &WaitSpec{
			EventName: config.EventName,
			Timeout:   time.Duration(config.Timeout) * time.Second,
		},
	}, nil
}

// ConditionStepExecutor branches on a predicate over the execution context
type ConditionStepExecutor struct{}

func (e *ConditionStepExecutor) Execute(_ context.Context, sc *StepContext) (*StepResult, error) {
	config, err := domain.ParseConditionConfig(sc.Step.Config)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	matched, err := EvaluateCondition(config, sc.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate condition: %w", err)
	}

	branch := domain.BranchNo
	if matched {
		branch = domain.BranchYes
	}

	return &StepResult{
		Branch: branch,
		Output: domain.MapOfAny{"matched": matched, "branch": branch},
	}, nil
}

// ExitStepExecutor terminates the execution
type ExitStepExecutor struct{}

func (e *ExitStepExecutor) Execute(_ context.Context, sc *StepContext) (*StepResult, error) {
	config, err := domain.ParseExitConfig(sc.Step.Config)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	reason := config.Reason
	if reason == "" {
		reason = "exit step"
	}

	return &StepResult{ExitReason: &reason}, nil
}

// WebhookStepExecutor posts the execution context to an external URL. The
// X-Idempotency-Key header carries the step execution ID so receivers can
// drop redeliveries.
type WebhookStepExecutor struct {
	httpClient *http.Client
	logger     logger.Logger
}

func (e *WebhookStepExecutor) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	config, err := domain.ParseWebhookConfig(sc.Step.Config)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	var payload interface{} = map[string]interface{}{
		"workflow_id":  sc.Execution.WorkflowID,
		"execution_id": sc.Execution.ID,
		"contact_id":   sc.Execution.ContactID,
		"step_id":      sc.Step.ID,
		"context":      sc.Context,
	}
	if len(config.Body) > 0 {
		payload = map[string]interface{}(config.Body)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("failed to marshal webhook payload: %w", err))
	}

	method := strings.ToUpper(config.Method)
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("failed to build webhook request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", sc.StepExecution.ID)
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		// Only transport failures fail the step; any HTTP response,
		// success or not, completes it so the workflow can branch on it
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		e.logger.WithFields(map[string]interface{}{
			"step_id":     sc.Step.ID,
			"status_code": resp.StatusCode,
		}).Warn("Webhook returned non-2xx status")
	}

	output := domain.MapOfAny{
		"status_code": resp.StatusCode,
		"success":     ok,
	}
	var parsed interface{}
	if len(respBody) > 0 && json.Unmarshal(respBody, &parsed) == nil {
		output["response"] = parsed
	}

	return &StepResult{Output: output}, nil
}

// UpdateContactStepExecutor merges attributes into the contact
type UpdateContactStepExecutor struct {
	contactRepo domain.ContactRepository
}

func (e *UpdateContactStepExecutor) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	config, err := domain.ParseUpdateContactConfig(sc.Step.Config)
	if err != nil {
		return nil, domain.NewPermanentError(err)
	}

	if err := e.contactRepo.MergeAttributes(ctx, sc.Execution.ProjectID, sc.Execution.ContactID, config.Attributes); err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.NewPermanentError(err)
		}
		return nil, fmt.Errorf("failed to update contact: %w", err)
	}

	return &StepResult{
		Output: domain.MapOfAny{"updated_keys": attributeKeys(config.Attributes)},
	}, nil
}

func attributeKeys(attrs domain.MapOfAny) []string {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	return keys
}
