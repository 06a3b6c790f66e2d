package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/cache"
	"github.com/loopmail/loopmail/pkg/logger"
)

// triggerCacheTTL bounds how stale the event-to-workflow lookup may be:
// activating a workflow takes effect within this window.
const triggerCacheTTL = 5 * time.Minute

// EventRouterService implements domain.EventService. Tracking an event
// appends it, then fans out: starting executions of workflows triggered by
// the event, resuming executions waiting for it, and applying engagement
// events to the email funnel.
type EventRouterService struct {
	eventRepo     domain.EventRepository
	workflowRepo  domain.WorkflowRepository
	executionRepo domain.ExecutionRepository
	contactRepo   domain.ContactRepository
	emailRepo     domain.EmailRepository
	campaignRepo  domain.CampaignRepository
	runtime       domain.WorkflowRuntime
	cache         cache.Cache
	clock         domain.Clock
	logger        logger.Logger
}

// NewEventRouterService creates a new event router
func NewEventRouterService(
	eventRepo domain.EventRepository,
	workflowRepo domain.WorkflowRepository,
	executionRepo domain.ExecutionRepository,
	contactRepo domain.ContactRepository,
	emailRepo domain.EmailRepository,
	campaignRepo domain.CampaignRepository,
	runtime domain.WorkflowRuntime,
	c cache.Cache,
	clock domain.Clock,
	log logger.Logger,
) *EventRouterService {
	return &EventRouterService{
		eventRepo:     eventRepo,
		workflowRepo:  workflowRepo,
		executionRepo: executionRepo,
		contactRepo:   contactRepo,
		emailRepo:     emailRepo,
		campaignRepo:  campaignRepo,
		runtime:       runtime,
		cache:         c,
		clock:         clock,
		logger:        log,
	}
}

// TrackEvent ingests one event. The event row is always written first; a
// failure in any downstream consumer never loses the event itself.
func (s *EventRouterService) TrackEvent(ctx context.Context, event *domain.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	if err := s.eventRepo.Create(ctx, event); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if domain.IsEngagementEvent(event.Name) {
		if err := s.applyEngagement(ctx, event); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"event_id": event.ID,
				"error":    err.Error(),
			}).Error("Failed to apply engagement event")
		}
	}

	if event.ContactID == "" {
		// Without a contact there is nothing to trigger or resume
		return nil
	}

	if err := s.triggerWorkflows(ctx, event); err != nil {
		return err
	}

	return s.resumeWaitingExecutions(ctx, event)
}

// InvalidateTriggerCache drops cached trigger lookups for a project, called
// when a workflow is activated, paused or edited
func (s *EventRouterService) InvalidateTriggerCache(projectID string) {
	s.cache.DeletePrefix(fmt.Sprintf("workflow:triggers:%s:", projectID))
}

// triggerWorkflows starts executions of every active workflow listening for
// the event name. The workflow ID list is cached; definitions are fetched
// fresh so executions always run the current graph.
func (s *EventRouterService) triggerWorkflows(ctx context.Context, event *domain.Event) error {
	workflowIDs, err := s.lookupTriggeredWorkflows(ctx, event.ProjectID, event.Name)
	if err != nil {
		return err
	}
	if len(workflowIDs) == 0 {
		return nil
	}

	contact, err := s.contactRepo.GetByID(ctx, event.ProjectID, event.ContactID)
	if err != nil {
		if domain.IsNotFound(err) {
			s.logger.WithField("contact_id", event.ContactID).
				Warn("Event references unknown contact, skipping workflow triggers")
			return nil
		}
		return err
	}

	for _, workflowID := range workflowIDs {
		workflow, err := s.workflowRepo.GetByID(ctx, event.ProjectID, workflowID)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return err
		}
		if workflow.Status != domain.WorkflowStatusActive {
			// Cache staleness window: the workflow was paused after caching
			continue
		}

		if _, err := s.runtime.StartExecution(ctx, workflow, contact, event); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"workflow_id": workflowID,
				"event_id":    event.ID,
				"error":       err.Error(),
			}).Error("Failed to start workflow execution")
		}
	}

	return nil
}

// lookupTriggeredWorkflows resolves event name to workflow IDs through the
// TTL cache
func (s *EventRouterService) lookupTriggeredWorkflows(ctx context.Context, projectID, eventName string) ([]string, error) {
	key := fmt.Sprintf("workflow:triggers:%s:%s", projectID, eventName)

	cached, err := s.cache.GetOrSet(key, triggerCacheTTL, func() (interface{}, error) {
		workflows, err := s.workflowRepo.FindActiveByTriggerEvent(ctx, projectID, eventName)
		if err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(workflows))
		for _, w := range workflows {
			ids = append(ids, w.ID)
		}

		// Stored as JSON so Redis and in-memory backends behave identically
		data, err := json.Marshal(ids)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up triggered workflows: %w", err)
	}

	raw, ok := cached.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected trigger cache value of type %T", cached)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode trigger cache entry: %w", err)
	}

	return ids, nil
}

// resumeWaitingExecutions wakes every step waiting for this event name on
// the same contact
func (s *EventRouterService) resumeWaitingExecutions(ctx context.Context, event *domain.Event) error {
	waiting, err := s.executionRepo.FindWaitingStepExecutions(ctx, event.ProjectID, event.ContactID, event.Name)
	if err != nil {
		return fmt.Errorf("failed to find waiting executions: %w", err)
	}

	for _, step := range waiting {
		if err := s.runtime.ResumeWithEvent(ctx, step, event); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"step_execution_id": step.ID,
				"event_id":          event.ID,
				"error":             err.Error(),
			}).Error("Failed to resume waiting execution")
		}
	}

	return nil
}

// applyEngagement records the pipeline event on the referenced email and
// bumps campaign counters on the first occurrence. The email is found by the
// event's email ID, or by the message_id property carried by provider
// webhooks.
func (s *EventRouterService) applyEngagement(ctx context.Context, event *domain.Event) error {
	email, err := s.lookupEngagedEmail(ctx, event)
	if err != nil || email == nil {
		return err
	}

	first, err := s.emailRepo.RecordEngagement(ctx, event.ProjectID, email.ID, event.Name, event.OccurredAt)
	if err != nil {
		return err
	}
	if !first {
		// Repeat open or click, or a late duplicate webhook: counters moved
		// in the repository, campaign aggregates only count the first
		return nil
	}

	if email.Source == domain.EmailSourceCampaign && email.SourceID != "" {
		deltas := domain.CampaignCounterDeltas{}
		switch event.Name {
		case domain.EventEmailDelivered:
			deltas.Delivered = 1
		case domain.EventEmailOpened:
			deltas.Opened = 1
		case domain.EventEmailClicked:
			deltas.Clicked = 1
		case domain.EventEmailBounced:
			deltas.Bounced = 1
		default:
			return nil
		}
		if err := s.campaignRepo.IncrementCounters(ctx, event.ProjectID, email.SourceID, deltas); err != nil {
			return err
		}
	}

	return nil
}

func (s *EventRouterService) lookupEngagedEmail(ctx context.Context, event *domain.Event) (*domain.Email, error) {
	if event.EmailID != "" {
		email, err := s.emailRepo.GetByID(ctx, event.ProjectID, event.EmailID)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return email, nil
	}

	messageID, _ := event.Properties["message_id"].(string)
	if messageID == "" {
		return nil, nil
	}
	email, err := s.emailRepo.GetByMessageID(ctx, event.ProjectID, messageID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return email, nil
}
