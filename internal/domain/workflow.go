package domain

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// WorkflowStatus represents the current state of a workflow
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// IsValid checks if the workflow status is valid
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusActive, WorkflowStatusPaused, WorkflowStatusArchived:
		return true
	}
	return false
}

// StepType represents the type of step in a workflow graph
type StepType string

const (
	StepTypeTrigger       StepType = "trigger"
	StepTypeSendEmail     StepType = "send_email"
	StepTypeDelay         StepType = "delay"
	StepTypeWaitForEvent  StepType = "wait_for_event"
	StepTypeCondition     StepType = "condition"
	StepTypeExit          StepType = "exit"
	StepTypeWebhook       StepType = "webhook"
	StepTypeUpdateContact StepType = "update_contact"
)

// IsValid checks if the step type is valid
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeTrigger, StepTypeSendEmail, StepTypeDelay, StepTypeWaitForEvent,
		StepTypeCondition, StepTypeExit, StepTypeWebhook, StepTypeUpdateContact:
		return true
	}
	return false
}

// Branch labels produced by steps and matched by transitions
const (
	BranchDefault = ""
	BranchYes     = "yes"
	BranchNo      = "no"
	BranchTimeout = "timeout"
)

// MapOfAny is a JSON object stored in a JSONB column
type MapOfAny map[string]interface{}

// Value implements the driver.Valuer interface
func (m MapOfAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface
func (m *MapOfAny) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for MapOfAny, got %T", value)
	}
	return json.Unmarshal(b, m)
}

// Step is a single node in a workflow graph. Config is interpreted
// according to Type; see the typed *Config structs below.
type Step struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Type   StepType `json:"type"`
	Config MapOfAny `json:"config"`
}

// Transition is a directed edge between two steps. Branch selects the edge
// when the source step completes with a matching branch label; an empty
// branch matches the default outcome. Lower priority wins among candidates.
type Transition struct {
	ID         string `json:"id"`
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
	Branch     string `json:"branch,omitempty"`
	Priority   int    `json:"priority"`
}

// StepList is stored as a JSONB array
type StepList []*Step

// Value implements the driver.Valuer interface
func (l StepList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]*Step{})
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface
func (l *StepList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for StepList, got %T", value)
	}
	return json.Unmarshal(b, l)
}

// TransitionList is stored as a JSONB array
type TransitionList []*Transition

// Value implements the driver.Valuer interface
func (l TransitionList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]*Transition{})
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface
func (l *TransitionList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for TransitionList, got %T", value)
	}
	return json.Unmarshal(b, l)
}

// Workflow is an event-driven automation: a graph of steps connected by
// transitions, entered by contacts when its trigger event occurs.
type Workflow struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      WorkflowStatus `json:"status"`
	// AllowReentry controls whether a contact may enter this workflow more
	// than once. When false, one execution per contact, ever.
	AllowReentry bool           `json:"allow_reentry"`
	Steps        StepList       `json:"steps"`
	Transitions  TransitionList `json:"transitions"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// GetStepByID returns the step with the given ID, or nil if not found
func (w *Workflow) GetStepByID(stepID string) *Step {
	for _, step := range w.Steps {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}

// TriggerStep returns the workflow's trigger step, or nil if absent
func (w *Workflow) TriggerStep() *Step {
	for _, step := range w.Steps {
		if step.Type == StepTypeTrigger {
			return step
		}
	}
	return nil
}

// TriggerEventName returns the event name that starts this workflow
func (w *Workflow) TriggerEventName() string {
	trigger := w.TriggerStep()
	if trigger == nil {
		return ""
	}
	config, err := ParseTriggerConfig(trigger.Config)
	if err != nil {
		return ""
	}
	return config.EventName
}

// OutgoingTransitions returns the transitions leaving stepID with the given
// branch label, ordered by priority then ID so selection is deterministic.
func (w *Workflow) OutgoingTransitions(stepID, branch string) []*Transition {
	var out []*Transition
	for _, t := range w.Transitions {
		if t.FromStepID == stepID && t.Branch == branch {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NextStepID resolves the step that follows stepID when it completes with
// the given branch label. A branch-specific edge wins; otherwise the default
// edge; otherwise the first outgoing edge of any branch. Returns "" when the
// step has no outgoing edges at all.
func (w *Workflow) NextStepID(stepID, branch string) string {
	if branch != BranchDefault {
		if candidates := w.OutgoingTransitions(stepID, branch); len(candidates) > 0 {
			return candidates[0].ToStepID
		}
	}
	if candidates := w.OutgoingTransitions(stepID, BranchDefault); len(candidates) > 0 {
		return candidates[0].ToStepID
	}
	if candidates := w.allOutgoingTransitions(stepID); len(candidates) > 0 {
		return candidates[0].ToStepID
	}
	return ""
}

func (w *Workflow) allOutgoingTransitions(stepID string) []*Transition {
	var out []*Transition
	for _, t := range w.Transitions {
		if t.FromStepID == stepID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Validate checks the workflow definition: metadata, graph shape and every
// step's typed configuration.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return NewValidationError("id", "is required")
	}
	if w.ProjectID == "" {
		return NewValidationError("project_id", "is required")
	}
	if w.Name == "" {
		return NewValidationError("name", "is required")
	}
	if !w.Status.IsValid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", w.Status))
	}

	if len(w.Steps) == 0 {
		return NewValidationError("steps", "workflow must have at least one step")
	}

	stepIDs := make(map[string]bool, len(w.Steps))
	triggerCount := 0
	for _, step := range w.Steps {
		if step.ID == "" {
			return NewValidationError("steps", "step id is required")
		}
		if stepIDs[step.ID] {
			return NewValidationError("steps", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		stepIDs[step.ID] = true

		if !step.Type.IsValid() {
			return NewValidationError("steps", fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type))
		}
		if step.Type == StepTypeTrigger {
			triggerCount++
		}

		if err := ValidateStepConfig(step); err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}
	}

	if triggerCount != 1 {
		return NewValidationError("steps", fmt.Sprintf("workflow must have exactly one trigger step, found %d", triggerCount))
	}

	transitionIDs := make(map[string]bool, len(w.Transitions))
	for _, t := range w.Transitions {
		if t.ID == "" {
			return NewValidationError("transitions", "transition id is required")
		}
		if transitionIDs[t.ID] {
			return NewValidationError("transitions", fmt.Sprintf("duplicate transition id %q", t.ID))
		}
		transitionIDs[t.ID] = true

		if !stepIDs[t.FromStepID] {
			return NewValidationError("transitions", fmt.Sprintf("transition %q references unknown step %q", t.ID, t.FromStepID))
		}
		if !stepIDs[t.ToStepID] {
			return NewValidationError("transitions", fmt.Sprintf("transition %q references unknown step %q", t.ID, t.ToStepID))
		}
		if t.ToStepID == t.FromStepID {
			return NewValidationError("transitions", fmt.Sprintf("transition %q is a self loop", t.ID))
		}
	}

	return nil
}

// ValidateStepConfig parses and validates a step's config for its type
func ValidateStepConfig(step *Step) error {
	switch step.Type {
	case StepTypeTrigger:
		_, err := ParseTriggerConfig(step.Config)
		return err
	case StepTypeSendEmail:
		_, err := ParseSendEmailConfig(step.Config)
		return err
	case StepTypeDelay:
		_, err := ParseDelayConfig(step.Config)
		return err
	case StepTypeWaitForEvent:
		_, err := ParseWaitForEventConfig(step.Config)
		return err
	case StepTypeCondition:
		_, err := ParseConditionConfig(step.Config)
		return err
	case StepTypeExit:
		_, err := ParseExitConfig(step.Config)
		return err
	case StepTypeWebhook:
		_, err := ParseWebhookConfig(step.Config)
		return err
	case StepTypeUpdateContact:
		_, err := ParseUpdateContactConfig(step.Config)
		return err
	default:
		return NewValidationError("type", fmt.Sprintf("unknown step type %q", step.Type))
	}
}

// TriggerConfig starts an execution when a matching event is tracked.
// The optional filter condition is evaluated against the event payload.
type TriggerConfig struct {
	EventName string           `json:"event_name"`
	Filter    *ConditionConfig `json:"filter,omitempty"`
}

// Validate checks the trigger configuration
func (c *TriggerConfig) Validate() error {
	if c.EventName == "" {
		return NewValidationError("event_name", "is required")
	}
	if c.Filter != nil {
		if err := c.Filter.Validate(); err != nil {
			return fmt.Errorf("filter: %w", err)
		}
	}
	return nil
}

// SendEmailConfig sends an email to the execution's contact. Either a
// template reference or an inline subject and body must be provided.
type SendEmailConfig struct {
	TemplateID string `json:"template_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	HTMLBody   string `json:"html_body,omitempty"`
	TextBody   string `json:"text_body,omitempty"`
	FromName   string `json:"from_name,omitempty"`
	FromEmail  string `json:"from_email,omitempty"`
}

// Validate checks the send email configuration
func (c *SendEmailConfig) Validate() error {
	if c.TemplateID == "" {
		if c.Subject == "" {
			return NewValidationError("subject", "is required when template_id is not set")
		}
		if c.HTMLBody == "" {
			return NewValidationError("html_body", "is required when template_id is not set")
		}
	}
	if c.FromEmail != "" && !govalidator.IsEmail(c.FromEmail) {
		return NewValidationError("from_email", "must be a valid email address")
	}
	return nil
}

// Delay units
const (
	DelayUnitMinutes = "minutes"
	DelayUnitHours   = "hours"
	DelayUnitDays    = "days"
)

// DelayConfig pauses the execution for a fixed duration
type DelayConfig struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

// Validate checks the delay configuration
func (c *DelayConfig) Validate() error {
	if c.Amount <= 0 {
		return NewValidationError("amount", "must be greater than 0")
	}
	switch c.Unit {
	case DelayUnitMinutes, DelayUnitHours, DelayUnitDays:
		return nil
	}
	return NewValidationError("unit", fmt.Sprintf("unknown unit %q", c.Unit))
}

// ToDuration converts the delay to a time.Duration
func (c *DelayConfig) ToDuration() time.Duration {
	switch c.Unit {
	case DelayUnitMinutes:
		return time.Duration(c.Amount) * time.Minute
	case DelayUnitHours:
		return time.Duration(c.Amount) * time.Hour
	case DelayUnitDays:
		return time.Duration(c.Amount) * 24 * time.Hour
	default:
		return 0
	}
}

// WaitForEventConfig suspends the execution until the named event arrives
// for the same contact. Timeout is in seconds; 0 means wait indefinitely. On
// timeout the step completes with the "timeout" branch.
type WaitForEventConfig struct {
	EventName string `json:"event_name"`
	Timeout   int64  `json:"timeout,omitempty"`
}

// Validate checks the wait for event configuration
func (c *WaitForEventConfig) Validate() error {
	if c.EventName == "" {
		return NewValidationError("event_name", "is required")
	}
	if c.Timeout < 0 {
		return NewValidationError("timeout", "must not be negative")
	}
	return nil
}

// Condition operators
const (
	OperatorEquals              = "equals"
	OperatorNotEquals           = "notEquals"
	OperatorContains            = "contains"
	OperatorNotContains         = "notContains"
	OperatorGreaterThan         = "greaterThan"
	OperatorGreaterThanOrEquals = "greaterThanOrEquals"
	OperatorLessThan            = "lessThan"
	OperatorLessThanOrEquals    = "lessThanOrEquals"
	OperatorExists              = "exists"
	OperatorNotExists           = "notExists"
)

// ConditionConfig evaluates a predicate against the execution context and
// completes with the "yes" or "no" branch. Field is a dot path into the
// context, e.g. "event.properties.total".
type ConditionConfig struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Validate checks the condition configuration
func (c *ConditionConfig) Validate() error {
	if c.Field == "" {
		return NewValidationError("field", "is required")
	}
	switch c.Operator {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorNotContains,
		OperatorGreaterThan, OperatorGreaterThanOrEquals,
		OperatorLessThan, OperatorLessThanOrEquals:
		if c.Value == nil {
			return NewValidationError("value", fmt.Sprintf("is required for operator %q", c.Operator))
		}
		return nil
	case OperatorExists, OperatorNotExists:
		return nil
	}
	return NewValidationError("operator", fmt.Sprintf("unknown operator %q", c.Operator))
}

// ExitConfig terminates the execution early
type ExitConfig struct {
	Reason string `json:"reason,omitempty"`
}

// Validate checks the exit configuration
func (c *ExitConfig) Validate() error {
	return nil
}

// WebhookConfig posts the execution context to an external URL. Body, when
// set, replaces the default context payload.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    MapOfAny          `json:"body,omitempty"`
}

// Validate checks the webhook configuration
func (c *WebhookConfig) Validate() error {
	if c.URL == "" {
		return NewValidationError("url", "is required")
	}
	if !govalidator.IsURL(c.URL) {
		return NewValidationError("url", "must be a valid URL")
	}
	switch strings.ToUpper(c.Method) {
	case "", "POST", "PUT", "PATCH":
		return nil
	}
	return NewValidationError("method", fmt.Sprintf("unsupported method %q", c.Method))
}

// UpdateContactConfig merges attributes into the execution's contact
type UpdateContactConfig struct {
	Attributes MapOfAny `json:"attributes"`
}

// Validate checks the update contact configuration
func (c *UpdateContactConfig) Validate() error {
	if len(c.Attributes) == 0 {
		return NewValidationError("attributes", "must not be empty")
	}
	return nil
}

// parseStepConfig converts a raw config map into a typed config struct via a
// JSON roundtrip, then validates it.
func parseStepConfig(config MapOfAny, out interface{ Validate() error }) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal step config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse step config: %w", err)
	}
	return out.Validate()
}

// ParseTriggerConfig parses and validates a trigger step config
func ParseTriggerConfig(config MapOfAny) (*TriggerConfig, error) {
	var c TriggerConfig
	if err := parseStepConfig(config, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseSendEmailConfig parses and validates a send email step config
func ParseSendEmailConfig(config MapOfAny) (*SendEmailConfig, error) {
	var c SendEmailConfig
	if err := parseStepConfig(config, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseDelayConfig parses and validates a delay step config
func ParseDelayConfig(config MapOfAny) (*DelayConfig, error) {
	var c DelayConfig
	if err := parseStepConfig(config, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseWaitForEventConfig parses and validates a wait for event step config
func ParseWaitForEventConfig(config MapOfAny) (*WaitForEventConfig, error) {
	var c WaitForEventConfig
	if err := parseStepConfig(config, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseConditionConfig parses and validates a condition step config
func ParseConditionConfig(config MapOfAny) (*ConditionConfig, error) {
	var c ConditionConfig
	if err := parseStepConfig(config, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseExitConfig parses and validates an exit step config
func ParseExitConfig(config MapOfAny) (*ExitConfig, error) {
	var c ExitConfig
	if err := parseStepConfig(config, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseWebhookConfig parses and validates a webhook step config
func ParseWebhookConfig(config MapOfAny) (*WebhookConfig, error) {
	var c WebhookConfig
	if err := parseStepConfig(config, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseUpdateContactConfig parses and validates an update contact step config
func ParseUpdateContactConfig(config MapOfAny) (*UpdateContactConfig, error) {
	var c UpdateContactConfig
	if err := parseStepConfig(config, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// WorkflowRepository provides workflow persistence
type WorkflowRepository interface {
	Create(ctx context.Context, workflow *Workflow) error
	GetByID(ctx context.Context, projectID, id string) (*Workflow, error)
	Update(ctx context.Context, workflow *Workflow) error
	List(ctx context.Context, projectID string) ([]*Workflow, error)
	// FindActiveByTriggerEvent returns active workflows whose trigger listens
	// for the given event name
	FindActiveByTriggerEvent(ctx context.Context, projectID, eventName string) ([]*Workflow, error)
}

// WorkflowService manages workflow definitions and their lifecycle
type WorkflowService interface {
	CreateWorkflow(ctx context.Context, workflow *Workflow) error
	GetWorkflow(ctx context.Context, projectID, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, workflow *Workflow) error
	ListWorkflows(ctx context.Context, projectID string) ([]*Workflow, error)
	ActivateWorkflow(ctx context.Context, projectID, id string) error
	PauseWorkflow(ctx context.Context, projectID, id string) error
	ArchiveWorkflow(ctx context.Context, projectID, id string) error
	DuplicateWorkflow(ctx context.Context, projectID, id string) (*Workflow, error)
}
