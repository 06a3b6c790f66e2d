package service

import (
	"context"
	"sync"
	"time"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
)

// CampaignScheduler periodically sweeps for scheduled campaigns whose start
// time has passed. The start job enqueued by ScheduleCampaign is the normal
// path; this sweep recovers campaigns whose job was lost, e.g. scheduled by
// an older deployment. The dedupe key makes the recovery enqueue harmless
// when the original job still exists.
type CampaignScheduler struct {
	campaignRepo domain.CampaignRepository
	jobQueue     domain.JobQueue
	clock        domain.Clock
	logger       logger.Logger
	interval     time.Duration

	mu          sync.Mutex
	running     bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewCampaignScheduler creates a new campaign scheduler
func NewCampaignScheduler(
	campaignRepo domain.CampaignRepository,
	jobQueue domain.JobQueue,
	clock domain.Clock,
	log logger.Logger,
	interval time.Duration,
) *CampaignScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CampaignScheduler{
		campaignRepo: campaignRepo,
		jobQueue:     jobQueue,
		clock:        clock,
		logger:       log,
		interval:     interval,
	}
}

// Start launches the background sweep loop
func (s *CampaignScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.stoppedChan = make(chan struct{})

	go s.run()
	s.logger.WithField("interval", s.interval.String()).Info("Campaign scheduler started")
}

// Stop halts the sweep loop and waits for it to finish
func (s *CampaignScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	stopped := s.stoppedChan
	s.mu.Unlock()

	<-stopped
	s.logger.Info("Campaign scheduler stopped")
}

func (s *CampaignScheduler) run() {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			return
		}
	}
}

// sweep enqueues start jobs for every due scheduled campaign
func (s *CampaignScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	campaigns, err := s.campaignRepo.FindDueScheduled(ctx, s.clock.Now(), 100)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to scan for due campaigns")
		return
	}

	for _, campaign := range campaigns {
		payload := domain.CampaignStartPayload{ProjectID: campaign.ProjectID, CampaignID: campaign.ID}
		err := s.jobQueue.Enqueue(ctx, domain.JobKindCampaignStart, payload,
			s.clock.Now(), domain.CampaignStartDedupeKey(campaign.ID))
		if err != nil {
			s.logger.WithFields(map[string]interface{}{
				"campaign_id": campaign.ID,
				"error":       err.Error(),
			}).Error("Failed to enqueue campaign start")
		}
	}
}
