package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/cache"
	"github.com/loopmail/loopmail/pkg/logger"
)

// statsCacheTTL bounds how stale the aggregated stats may be
const statsCacheTTL = 300 * time.Second

// ActivityServiceImpl implements domain.ActivityService. The feed merges
// events, emails and workflow executions into one descending list; each
// source is over-fetched by the page size, synthesized into typed items,
// merged, and cut at the limit.
type ActivityServiceImpl struct {
	eventRepo     domain.EventRepository
	emailRepo     domain.EmailRepository
	executionRepo domain.ExecutionRepository
	activityRepo  domain.ActivityRepository
	cache         cache.Cache
	clock         domain.Clock
	logger        logger.Logger
}

// NewActivityService creates a new activity service
func NewActivityService(
	eventRepo domain.EventRepository,
	emailRepo domain.EmailRepository,
	executionRepo domain.ExecutionRepository,
	activityRepo domain.ActivityRepository,
	c cache.Cache,
	clock domain.Clock,
	log logger.Logger,
) *ActivityServiceImpl {
	return &ActivityServiceImpl{
		eventRepo:     eventRepo,
		emailRepo:     emailRepo,
		executionRepo: executionRepo,
		activityRepo:  activityRepo,
		cache:         c,
		clock:         clock,
		logger:        log,
	}
}

// GetActivities returns one page of the project's merged activity feed,
// optionally narrowed to a contact, source types and a date range. The range
// defaults to the trailing 30 days.
func (s *ActivityServiceImpl) GetActivities(ctx context.Context, req *domain.ActivityListRequest) (*domain.ActivityList, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	from, to := s.resolveRange(req.StartDate, req.EndDate)

	// The cursor bound: items strictly older than (cursorTime, cursorID).
	// Over-fetch by one millisecond to keep same-timestamp items, then drop
	// those at or after the cursor pair after the merge.
	cursorID := ""
	if req.Cursor != "" {
		ts, id, err := domain.DecodeActivityCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		if ts.Before(to) {
			to = ts.Add(time.Millisecond)
		}
		cursorID = id
	}

	items, err := s.collectItems(ctx, req, from, to)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		return items[i].ID > items[j].ID
	})

	if req.Cursor != "" {
		cursorTime, _, _ := domain.DecodeActivityCursor(req.Cursor)
		items = filterBeforeCursor(items, cursorTime, cursorID)
	}

	list := &domain.ActivityList{Activities: items}
	if len(items) > req.Limit {
		list.Activities = items[:req.Limit]
		list.HasMore = true
		last := list.Activities[req.Limit-1]
		list.NextCursor = domain.EncodeActivityCursor(last.Timestamp, last.ID)
	}

	return list, nil
}

// resolveRange applies the default trailing window
func (s *ActivityServiceImpl) resolveRange(start, end *time.Time) (time.Time, time.Time) {
	to := s.clock.Now().Add(time.Second)
	if end != nil {
		to = *end
	}
	from := to.Add(-domain.ActivityDefaultWindow)
	if start != nil {
		from = *start
	}
	return from, to
}

// collectItems over-fetches each requested source so the merged cut is exact
func (s *ActivityServiceImpl) collectItems(ctx context.Context, req *domain.ActivityListRequest, from, to time.Time) ([]*domain.ActivityItem, error) {
	fetch := req.Limit + 1
	var items []*domain.ActivityItem

	if req.WantsType(domain.ActivityTypeEvent) {
		events, err := s.fetchEvents(ctx, req, from, to, fetch)
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		items = append(items, events...)
	}

	if req.WantsType(domain.ActivityTypeEmail) {
		emails, err := s.fetchEmails(ctx, req, from, to, fetch)
		if err != nil {
			return nil, fmt.Errorf("failed to list emails: %w", err)
		}
		items = append(items, emails...)
	}

	if req.WantsType(domain.ActivityTypeExecution) {
		executions, err := s.fetchExecutions(ctx, req, from, to, fetch)
		if err != nil {
			return nil, fmt.Errorf("failed to list executions: %w", err)
		}
		items = append(items, executions...)
	}

	return items, nil
}

func (s *ActivityServiceImpl) fetchEvents(ctx context.Context, req *domain.ActivityListRequest, from, to time.Time, fetch int) ([]*domain.ActivityItem, error) {
	var (
		events []*domain.Event
		err    error
	)
	if req.ContactID != "" {
		events, err = s.eventRepo.ListByContact(ctx, req.ProjectID, req.ContactID, to, fetch)
	} else {
		events, err = s.eventRepo.ListByProject(ctx, req.ProjectID, from, to, fetch)
	}
	if err != nil {
		return nil, err
	}

	items := make([]*domain.ActivityItem, 0, len(events))
	for _, event := range events {
		if event.OccurredAt.Before(from) || !event.OccurredAt.Before(to) {
			continue
		}
		items = append(items, &domain.ActivityItem{
			Type:      domain.ActivityTypeEvent,
			Kind:      domain.ActivityKindEventTriggered,
			ID:        event.ID,
			ContactID: event.ContactID,
			Title:     event.Name,
			Timestamp: event.OccurredAt,
			Details:   domain.MapOfAny{"properties": map[string]interface{}(event.Properties)},
		})
	}
	return items, nil
}

// fetchEmails synthesizes up to five activities per email, one for each
// engagement timestamp that is set and falls inside the range
func (s *ActivityServiceImpl) fetchEmails(ctx context.Context, req *domain.ActivityListRequest, from, to time.Time, fetch int) ([]*domain.ActivityItem, error) {
	var (
		emails []*domain.Email
		err    error
	)
	if req.ContactID != "" {
		emails, err = s.emailRepo.ListByContact(ctx, req.ProjectID, req.ContactID, to, fetch)
	} else {
		emails, err = s.emailRepo.ListByProject(ctx, req.ProjectID, from, to, fetch)
	}
	if err != nil {
		return nil, err
	}

	var items []*domain.ActivityItem
	for _, email := range emails {
		for _, stage := range emailStages(email) {
			if stage.at.Before(from) || !stage.at.Before(to) {
				continue
			}
			items = append(items, &domain.ActivityItem{
				Type:      domain.ActivityTypeEmail,
				Kind:      stage.kind,
				ID:        fmt.Sprintf("%s:%s", email.ID, stage.suffix),
				ContactID: email.ContactID,
				Title:     email.Subject,
				Timestamp: stage.at,
				Details: domain.MapOfAny{
					"email_id": email.ID,
					"status":   string(email.Status),
					"source":   string(email.Source),
				},
			})
		}
	}
	return items, nil
}

type emailStage struct {
	kind   string
	suffix string
	at     time.Time
}

func emailStages(email *domain.Email) []emailStage {
	var stages []emailStage
	if email.SentAt != nil {
		stages = append(stages, emailStage{domain.ActivityKindEmailSent, "sent", *email.SentAt})
	}
	if email.DeliveredAt != nil {
		stages = append(stages, emailStage{domain.ActivityKindEmailDelivered, "delivered", *email.DeliveredAt})
	}
	if email.OpenedAt != nil {
		stages = append(stages, emailStage{domain.ActivityKindEmailOpened, "opened", *email.OpenedAt})
	}
	if email.ClickedAt != nil {
		stages = append(stages, emailStage{domain.ActivityKindEmailClicked, "clicked", *email.ClickedAt})
	}
	if email.BouncedAt != nil {
		stages = append(stages, emailStage{domain.ActivityKindEmailBounced, "bounced", *email.BouncedAt})
	}
	return stages
}

func (s *ActivityServiceImpl) fetchExecutions(ctx context.Context, req *domain.ActivityListRequest, from, to time.Time, fetch int) ([]*domain.ActivityItem, error) {
	var (
		executions []*domain.WorkflowExecution
		err        error
	)
	if req.ContactID != "" {
		executions, err = s.executionRepo.ListExecutionsByContact(ctx, req.ProjectID, req.ContactID, fetch)
	} else {
		executions, err = s.executionRepo.ListExecutionsByProject(ctx, req.ProjectID, from, to, fetch)
	}
	if err != nil {
		return nil, err
	}

	var items []*domain.ActivityItem
	for _, execution := range executions {
		details := domain.MapOfAny{
			"execution_id": execution.ID,
			"workflow_id":  execution.WorkflowID,
			"status":       string(execution.Status),
		}
		if !execution.StartedAt.Before(from) && execution.StartedAt.Before(to) {
			items = append(items, &domain.ActivityItem{
				Type:      domain.ActivityTypeExecution,
				Kind:      domain.ActivityKindWorkflowStarted,
				ID:        fmt.Sprintf("%s:started", execution.ID),
				ContactID: execution.ContactID,
				Title:     "workflow started",
				Timestamp: execution.StartedAt,
				Details:   details,
			})
		}
		if execution.CompletedAt != nil &&
			!execution.CompletedAt.Before(from) && execution.CompletedAt.Before(to) {
			items = append(items, &domain.ActivityItem{
				Type:      domain.ActivityTypeExecution,
				Kind:      domain.ActivityKindWorkflowCompleted,
				ID:        fmt.Sprintf("%s:completed", execution.ID),
				ContactID: execution.ContactID,
				Title:     "workflow completed",
				Timestamp: *execution.CompletedAt,
				Details:   details,
			})
		}
	}
	return items, nil
}

// filterBeforeCursor drops items at or after the cursor pair, resolving
// same-millisecond ties by ID
func filterBeforeCursor(items []*domain.ActivityItem, cursorTime time.Time, cursorID string) []*domain.ActivityItem {
	out := items[:0]
	for _, item := range items {
		if item.Timestamp.After(cursorTime) {
			continue
		}
		if item.Timestamp.Equal(cursorTime) && item.ID >= cursorID {
			continue
		}
		out = append(out, item)
	}
	return out
}

// GetContactStats returns the contact's aggregated engagement counters,
// cached for five minutes
func (s *ActivityServiceImpl) GetContactStats(ctx context.Context, projectID, contactID string) (*domain.ContactStats, error) {
	key := fmt.Sprintf("activity:stats:%s:contact:%s", projectID, contactID)

	var stats domain.ContactStats
	err := s.cachedJSON(key, &stats, func() (interface{}, error) {
		return s.computeContactStats(ctx, projectID, contactID)
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *ActivityServiceImpl) computeContactStats(ctx context.Context, projectID, contactID string) (*domain.ContactStats, error) {
	totals, err := s.activityRepo.CountContactEmailStats(ctx, projectID, contactID)
	if err != nil {
		return nil, err
	}

	eventCount, err := s.activityRepo.CountEvents(ctx, projectID, contactID)
	if err != nil {
		return nil, err
	}

	stats := &domain.ContactStats{
		ContactID:       contactID,
		EventCount:      eventCount,
		EmailsSent:      totals.Sent,
		EmailsDelivered: totals.Delivered,
		EmailsOpened:    totals.Opened,
		EmailsClicked:   totals.Clicked,
		EmailsBounced:   totals.Bounced,
	}
	fillRates(&stats.DeliveryRate, &stats.OpenRate, &stats.ClickRate, totals)
	return stats, nil
}

// GetStats aggregates project counts and rates for the date range. Cached
// under activity:stats:{projectID}:{start}:{end} for 300s.
func (s *ActivityServiceImpl) GetStats(ctx context.Context, projectID string, start, end *time.Time) (*domain.ProjectStats, error) {
	from, to := s.resolveRange(start, end)
	key := fmt.Sprintf("activity:stats:%s:%d:%d", projectID, from.UnixMilli(), to.UnixMilli())

	var stats domain.ProjectStats
	err := s.cachedJSON(key, &stats, func() (interface{}, error) {
		return s.computeProjectStats(ctx, projectID, from, to)
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// InvalidateStats drops every cached stats entry for the project
func (s *ActivityServiceImpl) InvalidateStats(projectID string) {
	s.cache.DeletePrefix(fmt.Sprintf("activity:stats:%s:", projectID))
}

func (s *ActivityServiceImpl) computeProjectStats(ctx context.Context, projectID string, from, to time.Time) (*domain.ProjectStats, error) {
	totals, err := s.activityRepo.CountEmailStats(ctx, projectID, from, to)
	if err != nil {
		return nil, err
	}

	eventCount, err := s.activityRepo.CountEventsInRange(ctx, projectID, from, to)
	if err != nil {
		return nil, err
	}

	started, completed, err := s.activityRepo.CountExecutionsInRange(ctx, projectID, from, to)
	if err != nil {
		return nil, err
	}

	stats := &domain.ProjectStats{
		ProjectID:          projectID,
		StartDate:          from,
		EndDate:            to,
		EventCount:         eventCount,
		EmailsSent:         totals.Sent,
		EmailsDelivered:    totals.Delivered,
		EmailsOpened:       totals.Opened,
		EmailsClicked:      totals.Clicked,
		EmailsBounced:      totals.Bounced,
		EmailsComplained:   totals.Complained,
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
	}
	fillRates(&stats.DeliveryRate, &stats.OpenRate, &stats.ClickRate, totals)
	return stats, nil
}

// fillRates derives the funnel rates; a zero denominator leaves the rate 0
func fillRates(delivery, open, click *float64, totals *domain.EmailStatTotals) {
	if totals.Sent > 0 {
		*delivery = float64(totals.Delivered) / float64(totals.Sent)
	}
	if totals.Delivered > 0 {
		*open = float64(totals.Opened) / float64(totals.Delivered)
	}
	if totals.Opened > 0 {
		*click = float64(totals.Clicked) / float64(totals.Opened)
	}
}

// GetRecentActivityCount sums event, email and workflow counts in the
// trailing window. Uncached: it is the polling fast path and each count is a
// single indexed query.
func (s *ActivityServiceImpl) GetRecentActivityCount(ctx context.Context, projectID string, minutes int) (int, error) {
	if minutes <= 0 {
		return 0, domain.NewValidationError("minutes", "must be greater than 0")
	}

	to := s.clock.Now()
	from := to.Add(-time.Duration(minutes) * time.Minute)

	events, err := s.activityRepo.CountEventsInRange(ctx, projectID, from, to)
	if err != nil {
		return 0, err
	}
	emails, err := s.activityRepo.CountEmailsInRange(ctx, projectID, from, to)
	if err != nil {
		return 0, err
	}
	started, _, err := s.activityRepo.CountExecutionsInRange(ctx, projectID, from, to)
	if err != nil {
		return 0, err
	}

	return events + emails + started, nil
}

// cachedJSON round-trips a computed value through the cache as JSON so the
// Redis and in-memory backends behave identically
func (s *ActivityServiceImpl) cachedJSON(key string, dest interface{}, compute func() (interface{}, error)) error {
	cached, err := s.cache.GetOrSet(key, statsCacheTTL, func() (interface{}, error) {
		value, err := compute()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	})
	if err != nil {
		return err
	}

	raw, ok := cached.(string)
	if !ok {
		return fmt.Errorf("unexpected stats cache value of type %T", cached)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("failed to decode cached stats: %w", err)
	}
	return nil
}
