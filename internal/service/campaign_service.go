package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
)

// CampaignServiceImpl implements domain.CampaignService
type CampaignServiceImpl struct {
	campaignRepo domain.CampaignRepository
	templateRepo domain.TemplateRepository
	contactRepo  domain.ContactRepository
	segmentRepo  domain.SegmentRepository
	dispatcher   domain.CampaignDispatcher
	jobQueue     domain.JobQueue
	clock        domain.Clock
	logger       logger.Logger
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	campaignRepo domain.CampaignRepository,
	templateRepo domain.TemplateRepository,
	contactRepo domain.ContactRepository,
	segmentRepo domain.SegmentRepository,
	dispatcher domain.CampaignDispatcher,
	jobQueue domain.JobQueue,
	clock domain.Clock,
	log logger.Logger,
) *CampaignServiceImpl {
	return &CampaignServiceImpl{
		campaignRepo: campaignRepo,
		templateRepo: templateRepo,
		contactRepo:  contactRepo,
		segmentRepo:  segmentRepo,
		dispatcher:   dispatcher,
		jobQueue:     jobQueue,
		clock:        clock,
		logger:       log,
	}
}

// CreateCampaign validates and stores a new draft campaign
func (s *CampaignServiceImpl) CreateCampaign(ctx context.Context, campaign *domain.Campaign) error {
	if campaign.ID == "" {
		campaign.ID = uuid.New().String()
	}
	if campaign.Status == "" {
		campaign.Status = domain.CampaignStatusDraft
	}
	if campaign.AudienceType == "" {
		campaign.AudienceType = domain.AudienceAll
	}
	if campaign.Status != domain.CampaignStatusDraft {
		return domain.NewValidationError("status", "new campaigns must start as draft")
	}

	if err := campaign.Validate(); err != nil {
		return err
	}

	// The template must exist before the campaign can reference it
	if _, err := s.templateRepo.GetByID(ctx, campaign.ProjectID, campaign.TemplateID); err != nil {
		return err
	}

	return s.campaignRepo.Create(ctx, campaign)
}

// GetCampaign fetches a campaign
func (s *CampaignServiceImpl) GetCampaign(ctx context.Context, projectID, id string) (*domain.Campaign, error) {
	return s.campaignRepo.GetByID(ctx, projectID, id)
}

// UpdateCampaign rewrites a draft campaign's definition
func (s *CampaignServiceImpl) UpdateCampaign(ctx context.Context, campaign *domain.Campaign) error {
	existing, err := s.campaignRepo.GetByID(ctx, campaign.ProjectID, campaign.ID)
	if err != nil {
		return err
	}
	if existing.Status != domain.CampaignStatusDraft {
		return &domain.ErrInvalidState{
			Entity: "campaign", ID: campaign.ID, Status: string(existing.Status),
			Message: "only draft campaigns can be edited",
		}
	}

	campaign.Status = existing.Status
	if err := campaign.Validate(); err != nil {
		return err
	}

	return s.campaignRepo.Update(ctx, campaign)
}

// ListCampaigns returns a project's campaigns
func (s *CampaignServiceImpl) ListCampaigns(ctx context.Context, projectID string) ([]*domain.Campaign, error) {
	return s.campaignRepo.List(ctx, projectID)
}

// DuplicateCampaign copies a campaign into a new draft with zeroed counters
func (s *CampaignServiceImpl) DuplicateCampaign(ctx context.Context, projectID, id string) (*domain.Campaign, error) {
	source, err := s.campaignRepo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	copy := &domain.Campaign{
		ID:           uuid.New().String(),
		ProjectID:    source.ProjectID,
		Name:         source.Name + " (copy)",
		TemplateID:   source.TemplateID,
		FromName:     source.FromName,
		FromEmail:    source.FromEmail,
		AudienceType: source.AudienceType,
		SegmentID:    source.SegmentID,
		Filter:       source.Filter,
		Status:       domain.CampaignStatusDraft,
	}

	if err := s.campaignRepo.Create(ctx, copy); err != nil {
		return nil, err
	}

	return copy, nil
}

// ScheduleCampaign queues a draft campaign to start at the given time
func (s *CampaignServiceImpl) ScheduleCampaign(ctx context.Context, projectID, id string, at time.Time) error {
	if at.Before(s.clock.Now()) {
		return domain.NewValidationError("scheduled_at", "must be in the future")
	}

	campaign, err := s.campaignRepo.GetByID(ctx, projectID, id)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignStatusDraft {
		return &domain.ErrInvalidState{
			Entity: "campaign", ID: id, Status: string(campaign.Status),
			Message: "only draft campaigns can be scheduled",
		}
	}

	// Refuse to schedule an empty audience; the count is re-fixed at start
	recipients, err := s.countAudience(ctx, campaign)
	if err != nil {
		return err
	}
	if recipients == 0 {
		return domain.NewValidationError("audience", "campaign audience resolved to zero recipients")
	}

	at = at.UTC()
	campaign.Status = domain.CampaignStatusScheduled
	campaign.ScheduledAt = &at
	campaign.RecipientCount = recipients
	if err := s.campaignRepo.Update(ctx, campaign); err != nil {
		return err
	}

	payload := domain.CampaignStartPayload{ProjectID: projectID, CampaignID: id}
	if err := s.jobQueue.Enqueue(ctx, domain.JobKindCampaignStart, payload, at, domain.CampaignStartDedupeKey(id)); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"campaign_id":  id,
		"scheduled_at": at,
	}).Info("Scheduled campaign")

	return nil
}

// SendCampaignNow starts a draft or scheduled campaign immediately
func (s *CampaignServiceImpl) SendCampaignNow(ctx context.Context, projectID, id string) error {
	return s.dispatcher.StartCampaign(ctx, projectID, id)
}

// countAudience resolves the campaign's audience filter and counts matches
func (s *CampaignServiceImpl) countAudience(ctx context.Context, campaign *domain.Campaign) (int, error) {
	filter, err := resolveAudienceFilter(ctx, s.segmentRepo, campaign)
	if err != nil {
		return 0, err
	}
	count, err := s.contactRepo.CountByFilter(ctx, campaign.ProjectID, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count campaign audience: %w", err)
	}
	return count, nil
}

// CancelCampaign stops a scheduled or in-flight campaign. Batches already
// dispatched are not recalled; the next batch observes the status and stops.
func (s *CampaignServiceImpl) CancelCampaign(ctx context.Context, projectID, id string) error {
	campaign, err := s.campaignRepo.GetByID(ctx, projectID, id)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case domain.CampaignStatusScheduled:
		if err := s.jobQueue.Cancel(ctx, domain.CampaignStartDedupeKey(id)); err != nil {
			return err
		}
		ok, err := s.campaignRepo.TransitionStatus(ctx, projectID, id,
			domain.CampaignStatusScheduled, domain.CampaignStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			// The start job fired while we were cancelling; fall through to
			// cancel the send instead
			ok, err = s.campaignRepo.TransitionStatus(ctx, projectID, id,
				domain.CampaignStatusSending, domain.CampaignStatusCancelled)
			if err != nil {
				return err
			}
			if !ok {
				return &domain.ErrInvalidState{
					Entity: "campaign", ID: id, Status: string(campaign.Status),
					Message: "campaign finished before it could be cancelled",
				}
			}
		}
	case domain.CampaignStatusSending:
		ok, err := s.campaignRepo.TransitionStatus(ctx, projectID, id,
			domain.CampaignStatusSending, domain.CampaignStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.ErrInvalidState{
				Entity: "campaign", ID: id, Status: string(campaign.Status),
				Message: "campaign finished before it could be cancelled",
			}
		}
	default:
		return &domain.ErrInvalidState{
			Entity: "campaign", ID: id, Status: string(campaign.Status),
			Message: "only scheduled or sending campaigns can be cancelled",
		}
	}

	s.logger.WithField("campaign_id", id).Info("Cancelled campaign")
	return nil
}
