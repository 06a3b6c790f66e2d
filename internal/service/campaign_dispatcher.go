package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// CampaignDispatcherService implements domain.CampaignDispatcher. A campaign
// is fanned out as a chain of batch jobs: each batch sends one page of the
// audience concurrently, then enqueues the next batch with the page cursor.
// The chain re-reads campaign status every batch, so cancellation takes
// effect within one batch.
type CampaignDispatcherService struct {
	campaignRepo domain.CampaignRepository
	contactRepo  domain.ContactRepository
	segmentRepo  domain.SegmentRepository
	emailSender  domain.EmailSender
	jobQueue     domain.JobQueue
	clock        domain.Clock
	logger       logger.Logger

	batchSize       int
	sendConcurrency int
}

// NewCampaignDispatcherService creates a new campaign dispatcher
func NewCampaignDispatcherService(
	campaignRepo domain.CampaignRepository,
	contactRepo domain.ContactRepository,
	segmentRepo domain.SegmentRepository,
	emailSender domain.EmailSender,
	jobQueue domain.JobQueue,
	clock domain.Clock,
	log logger.Logger,
	batchSize, sendConcurrency int,
) *CampaignDispatcherService {
	if batchSize <= 0 {
		batchSize = 500
	}
	if sendConcurrency <= 0 {
		sendConcurrency = 10
	}
	return &CampaignDispatcherService{
		campaignRepo:    campaignRepo,
		contactRepo:     contactRepo,
		segmentRepo:     segmentRepo,
		emailSender:     emailSender,
		jobQueue:        jobQueue,
		clock:           clock,
		logger:          log,
		batchSize:       batchSize,
		sendConcurrency: sendConcurrency,
	}
}

// StartCampaign fixes the recipient count, transitions the campaign to
// sending and dispatches the first batch. Safe to call twice: the status
// transition only succeeds once. A campaign whose audience resolves to zero
// recipients is failed instead of started.
func (s *CampaignDispatcherService) StartCampaign(ctx context.Context, projectID, campaignID string) error {
	campaign, err := s.campaignRepo.GetByID(ctx, projectID, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == domain.CampaignStatusSending {
		// Redelivered start job: the chain is already running
		return nil
	}

	filter, err := s.resolveAudience(ctx, campaign)
	if err != nil {
		return err
	}

	recipients, err := s.contactRepo.CountByFilter(ctx, projectID, filter)
	if err != nil {
		return fmt.Errorf("failed to count campaign audience: %w", err)
	}
	if recipients == 0 {
		return s.failEmptyCampaign(ctx, campaign)
	}

	started, err := s.campaignRepo.TransitionStatus(ctx, projectID, campaignID,
		domain.CampaignStatusScheduled, domain.CampaignStatusSending)
	if err != nil {
		return err
	}
	if !started {
		started, err = s.campaignRepo.TransitionStatus(ctx, projectID, campaignID,
			domain.CampaignStatusDraft, domain.CampaignStatusSending)
		if err != nil {
			return err
		}
	}
	if !started {
		campaign, err := s.campaignRepo.GetByID(ctx, projectID, campaignID)
		if err != nil {
			return err
		}
		if campaign.Status == domain.CampaignStatusSending {
			return nil
		}
		return &domain.ErrInvalidState{
			Entity: "campaign", ID: campaignID, Status: string(campaign.Status),
			Message: "campaign cannot start from this status",
		}
	}

	// The total is fixed now; batches only move sent and failed counters
	now := s.clock.Now()
	campaign.Status = domain.CampaignStatusSending
	campaign.StartedAt = &now
	campaign.RecipientCount = recipients
	if err := s.campaignRepo.Update(ctx, campaign); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"campaign_id": campaignID,
		"recipients":  recipients,
	}).Info("Starting campaign")

	return s.enqueueBatch(ctx, projectID, campaignID, 1, s.batchSize, "")
}

// ProcessBatch sends one audience page and chains the next batch
func (s *CampaignDispatcherService) ProcessBatch(ctx context.Context, projectID, campaignID string, batchNumber, limit int, cursor string) error {
	campaign, err := s.campaignRepo.GetByID(ctx, projectID, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignStatusSending {
		s.logger.WithFields(map[string]interface{}{
			"campaign_id": campaignID,
			"status":      string(campaign.Status),
		}).Info("Campaign no longer sending, stopping batch chain")
		return nil
	}

	if limit <= 0 {
		limit = s.batchSize
	}

	filter, err := s.resolveAudience(ctx, campaign)
	if err != nil {
		return err
	}

	page, err := s.contactRepo.ListPage(ctx, projectID, filter, cursor, limit)
	if err != nil {
		return fmt.Errorf("failed to fetch audience page: %w", err)
	}

	var sent, failed int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sendConcurrency)

	for _, contact := range page.Contacts {
		contact := contact
		g.Go(func() error {
			email, err := s.emailSender.SendTemplate(gctx, domain.SendTemplateRequest{
				ProjectID:  projectID,
				Contact:    contact,
				TemplateID: campaign.TemplateID,
				FromName:   campaign.FromName,
				FromEmail:  campaign.FromEmail,
				Source:     domain.EmailSourceCampaign,
				SourceID:   campaignID,
			})
			if err != nil {
				// One failed recipient must not stop the batch
				atomic.AddInt64(&failed, 1)
				s.logger.WithFields(map[string]interface{}{
					"campaign_id": campaignID,
					"contact_id":  contact.ID,
					"error":       err.Error(),
				}).Warn("Failed to send campaign email")
				return nil
			}
			if email != nil {
				atomic.AddInt64(&sent, 1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	deltas := domain.CampaignCounterDeltas{
		Sent:   int(sent),
		Failed: int(failed),
	}
	if err := s.campaignRepo.IncrementCounters(ctx, projectID, campaignID, deltas); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"campaign_id": campaignID,
		"batch":       batchNumber,
		"sent":        sent,
		"failed":      failed,
	}).Info("Campaign batch processed")

	if page.HasMore {
		return s.enqueueBatch(ctx, projectID, campaignID, batchNumber+1, limit, page.NextCursor)
	}

	completed, err := s.campaignRepo.TransitionStatus(ctx, projectID, campaignID,
		domain.CampaignStatusSending, domain.CampaignStatusCompleted)
	if err != nil {
		return err
	}
	if completed {
		s.logger.WithFields(map[string]interface{}{
			"campaign_id": campaignID,
			"batches":     batchNumber,
		}).Info("Campaign completed")
	}

	return nil
}

// resolveAudience translates the campaign's audience type into the contact
// filter the batch queries run against
func (s *CampaignDispatcherService) resolveAudience(ctx context.Context, campaign *domain.Campaign) (*domain.ContactFilter, error) {
	return resolveAudienceFilter(ctx, s.segmentRepo, campaign)
}

func resolveAudienceFilter(ctx context.Context, segmentRepo domain.SegmentRepository, campaign *domain.Campaign) (*domain.ContactFilter, error) {
	switch campaign.AudienceType {
	case domain.AudienceAll:
		return &domain.ContactFilter{}, nil
	case domain.AudienceSegment:
		segment, err := segmentRepo.GetByID(ctx, campaign.ProjectID, campaign.SegmentID)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil, domain.NewPermanentError(fmt.Errorf("campaign segment %s no longer exists", campaign.SegmentID))
			}
			return nil, err
		}
		return &segment.Filter.ContactFilter, nil
	case domain.AudienceFiltered:
		return &campaign.Filter.ContactFilter, nil
	}
	return nil, domain.NewValidationError("audience_type", fmt.Sprintf("unknown audience type %q", campaign.AudienceType))
}

// failEmptyCampaign parks a campaign whose resolved audience is empty
func (s *CampaignDispatcherService) failEmptyCampaign(ctx context.Context, campaign *domain.Campaign) error {
	msg := "campaign audience resolved to zero recipients"
	campaign.Status = domain.CampaignStatusFailed
	campaign.Error = &msg
	if err := s.campaignRepo.Update(ctx, campaign); err != nil {
		return err
	}

	s.logger.WithField("campaign_id", campaign.ID).Warn("Campaign has no recipients, failing")
	return domain.NewPermanentError(&domain.ErrInvalidState{
		Entity: "campaign", ID: campaign.ID, Status: string(domain.CampaignStatusFailed),
		Message: msg,
	})
}

func (s *CampaignDispatcherService) enqueueBatch(ctx context.Context, projectID, campaignID string, batchNumber, limit int, cursor string) error {
	payload := domain.CampaignBatchPayload{
		ProjectID:   projectID,
		CampaignID:  campaignID,
		BatchNumber: batchNumber,
		Limit:       limit,
		Cursor:      cursor,
	}
	if err := s.jobQueue.Enqueue(ctx, domain.JobKindCampaignBatch, payload, s.clock.Now(), ""); err != nil {
		return fmt.Errorf("failed to enqueue campaign batch: %w", err)
	}
	return nil
}
