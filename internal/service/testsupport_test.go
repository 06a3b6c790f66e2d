package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/cache"
	"github.com/loopmail/loopmail/pkg/logger"
	"github.com/loopmail/loopmail/pkg/mailer"
)

// fakeClock is a settable clock for deterministic delay arithmetic
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memWorkflowRepo is an in-memory domain.WorkflowRepository
type memWorkflowRepo struct {
	mu        sync.Mutex
	workflows map[string]*domain.Workflow
}

func newMemWorkflowRepo() *memWorkflowRepo {
	return &memWorkflowRepo{workflows: make(map[string]*domain.Workflow)}
}

func (r *memWorkflowRepo) Create(_ context.Context, w *domain.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.ID] = w
	return nil
}

func (r *memWorkflowRepo) GetByID(_ context.Context, projectID, id string) (*domain.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok || w.ProjectID != projectID {
		return nil, &domain.ErrNotFound{Entity: "workflow", ID: id}
	}
	return w, nil
}

func (r *memWorkflowRepo) Update(_ context.Context, w *domain.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[w.ID]; !ok {
		return &domain.ErrNotFound{Entity: "workflow", ID: w.ID}
	}
	r.workflows[w.ID] = w
	return nil
}

func (r *memWorkflowRepo) List(_ context.Context, projectID string) ([]*domain.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Workflow
	for _, w := range r.workflows {
		if w.ProjectID == projectID && w.Status != domain.WorkflowStatusArchived {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *memWorkflowRepo) FindActiveByTriggerEvent(_ context.Context, projectID, eventName string) ([]*domain.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Workflow
	for _, w := range r.workflows {
		if w.ProjectID == projectID && w.Status == domain.WorkflowStatusActive && w.TriggerEventName() == eventName {
			out = append(out, w)
		}
	}
	return out, nil
}

// memExecutionRepo is an in-memory domain.ExecutionRepository
type memExecutionRepo struct {
	mu         sync.Mutex
	executions map[string]*domain.WorkflowExecution
	steps      map[string]*domain.StepExecution
}

func newMemExecutionRepo() *memExecutionRepo {
	return &memExecutionRepo{
		executions: make(map[string]*domain.WorkflowExecution),
		steps:      make(map[string]*domain.StepExecution),
	}
}

func (r *memExecutionRepo) CreateExecution(_ context.Context, e *domain.WorkflowExecution, allowReentry bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.executions {
		if existing.WorkflowID != e.WorkflowID || existing.ContactID != e.ContactID {
			continue
		}
		if existing.Status.IsActive() || !allowReentry {
			return false, nil
		}
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	r.executions[e.ID] = e
	return true, nil
}

func (r *memExecutionRepo) GetExecution(_ context.Context, projectID, id string) (*domain.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok || e.ProjectID != projectID {
		return nil, &domain.ErrNotFound{Entity: "execution", ID: id}
	}
	return e, nil
}

func (r *memExecutionRepo) UpdateExecution(_ context.Context, e *domain.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[e.ID]; !ok {
		return &domain.ErrNotFound{Entity: "execution", ID: e.ID}
	}
	r.executions[e.ID] = e
	return nil
}

func (r *memExecutionRepo) ListExecutionsByWorkflow(_ context.Context, projectID, workflowID string, limit int) ([]*domain.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WorkflowExecution
	for _, e := range r.executions {
		if e.ProjectID == projectID && e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memExecutionRepo) ListExecutionsByContact(_ context.Context, projectID, contactID string, limit int) ([]*domain.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WorkflowExecution
	for _, e := range r.executions {
		if e.ProjectID == projectID && e.ContactID == contactID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memExecutionRepo) ListExecutionsByProject(_ context.Context, projectID string, from, to time.Time, limit int) ([]*domain.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WorkflowExecution
	for _, e := range r.executions {
		if e.ProjectID == projectID && !e.StartedAt.Before(from) && e.StartedAt.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memExecutionRepo) CreateStepExecution(_ context.Context, s *domain.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	r.steps[s.ID] = s
	return nil
}

func (r *memExecutionRepo) GetStepExecution(_ context.Context, projectID, id string) (*domain.StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[id]
	if !ok || s.ProjectID != projectID {
		return nil, &domain.ErrNotFound{Entity: "step_execution", ID: id}
	}
	return s, nil
}

func (r *memExecutionRepo) UpdateStepExecution(_ context.Context, s *domain.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.steps[s.ID]; !ok {
		return &domain.ErrNotFound{Entity: "step_execution", ID: s.ID}
	}
	r.steps[s.ID] = s
	return nil
}

func (r *memExecutionRepo) ListStepExecutions(_ context.Context, projectID, executionID string) ([]*domain.StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.StepExecution
	for _, s := range r.steps {
		if s.ProjectID == projectID && s.ExecutionID == executionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memExecutionRepo) claim(projectID, id string, from domain.StepExecutionStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[id]
	if !ok || s.ProjectID != projectID {
		return false, &domain.ErrNotFound{Entity: "step_execution", ID: id}
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = domain.StepExecutionStatusRunning
	s.Attempts++
	return true, nil
}

func (r *memExecutionRepo) ClaimStepExecution(_ context.Context, projectID, id string) (bool, error) {
	return r.claim(projectID, id, domain.StepExecutionStatusPending)
}

func (r *memExecutionRepo) ClaimWaitingStepExecution(_ context.Context, projectID, id string) (bool, error) {
	return r.claim(projectID, id, domain.StepExecutionStatusWaiting)
}

func (r *memExecutionRepo) FindWaitingStepExecutions(_ context.Context, projectID, contactID, eventName string) ([]*domain.StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.StepExecution
	for _, s := range r.steps {
		if s.ProjectID == projectID && s.ContactID == contactID &&
			s.Status == domain.StepExecutionStatusWaiting && s.EventName == eventName {
			out = append(out, s)
		}
	}
	return out, nil
}

// memContactRepo is an in-memory domain.ContactRepository
type memContactRepo struct {
	mu       sync.Mutex
	contacts map[string]*domain.Contact
}

func newMemContactRepo() *memContactRepo {
	return &memContactRepo{contacts: make(map[string]*domain.Contact)}
}

func (r *memContactRepo) add(contacts ...*domain.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range contacts {
		r.contacts[c.ID] = c
	}
}

func (r *memContactRepo) Upsert(_ context.Context, c *domain.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.contacts {
		if existing.ProjectID == c.ProjectID && existing.Email == c.Email {
			existing.FirstName = c.FirstName
			existing.LastName = c.LastName
			if existing.Attributes == nil {
				existing.Attributes = domain.MapOfAny{}
			}
			for k, v := range c.Attributes {
				existing.Attributes[k] = v
			}
			*c = *existing
			return nil
		}
	}
	r.contacts[c.ID] = c
	return nil
}

func (r *memContactRepo) GetByID(_ context.Context, projectID, id string) (*domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok || c.ProjectID != projectID {
		return nil, &domain.ErrNotFound{Entity: "contact", ID: id}
	}
	return c, nil
}

func (r *memContactRepo) GetByEmail(_ context.Context, projectID, email string) (*domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.ProjectID == projectID && c.Email == email {
			return c, nil
		}
	}
	return nil, &domain.ErrNotFound{Entity: "contact", ID: email}
}

func (r *memContactRepo) MergeAttributes(_ context.Context, projectID, id string, attrs domain.MapOfAny) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok || c.ProjectID != projectID {
		return &domain.ErrNotFound{Entity: "contact", ID: id}
	}
	if c.Attributes == nil {
		c.Attributes = domain.MapOfAny{}
	}
	for k, v := range attrs {
		c.Attributes[k] = v
	}
	return nil
}

func (r *memContactRepo) UpdateStatus(_ context.Context, projectID, id string, status domain.ContactStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok || c.ProjectID != projectID {
		return &domain.ErrNotFound{Entity: "contact", ID: id}
	}
	c.Status = status
	return nil
}

func (r *memContactRepo) matches(c *domain.Contact, filter *domain.ContactFilter) bool {
	statuses := []domain.ContactStatus{domain.ContactStatusSubscribed}
	if filter != nil && len(filter.Statuses) > 0 {
		statuses = filter.Statuses
	}
	found := false
	for _, s := range statuses {
		if c.Status == s {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if filter != nil {
		for k, v := range filter.Attributes {
			if c.Attributes[k] != v {
				return false
			}
		}
	}
	return true
}

func (r *memContactRepo) ListPage(_ context.Context, projectID string, filter *domain.ContactFilter, cursor string, limit int) (*domain.ContactPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*domain.Contact
	for _, c := range r.contacts {
		if c.ProjectID == projectID && c.ID > cursor && r.matches(c, filter) {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	page := &domain.ContactPage{}
	if len(all) > limit {
		page.Contacts = all[:limit]
		page.HasMore = true
		page.NextCursor = all[limit-1].ID
	} else {
		page.Contacts = all
	}
	return page, nil
}

func (r *memContactRepo) CountByFilter(_ context.Context, projectID string, filter *domain.ContactFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, c := range r.contacts {
		if c.ProjectID == projectID && r.matches(c, filter) {
			count++
		}
	}
	return count, nil
}

// memEventRepo is an in-memory domain.EventRepository
type memEventRepo struct {
	mu     sync.Mutex
	events []*domain.Event
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{}
}

func (r *memEventRepo) Create(_ context.Context, e *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *memEventRepo) GetByID(_ context.Context, projectID, id string) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ProjectID == projectID && e.ID == id {
			return e, nil
		}
	}
	return nil, &domain.ErrNotFound{Entity: "event", ID: id}
}

func (r *memEventRepo) ListByContact(_ context.Context, projectID, contactID string, before time.Time, limit int) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if e.ProjectID == projectID && e.ContactID == contactID && e.OccurredAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEventRepo) ListByProject(_ context.Context, projectID string, from, to time.Time, limit int) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if e.ProjectID == projectID && !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEventRepo) CountByName(_ context.Context, projectID, name string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.events {
		if e.ProjectID == projectID && e.Name == name && !e.OccurredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// memEmailRepo is an in-memory domain.EmailRepository enforcing the funnel
type memEmailRepo struct {
	mu     sync.Mutex
	emails map[string]*domain.Email
	now    func() time.Time
}

func newMemEmailRepo() *memEmailRepo {
	return &memEmailRepo{emails: make(map[string]*domain.Email), now: func() time.Time { return time.Now().UTC() }}
}

func (r *memEmailRepo) Create(_ context.Context, e *domain.Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.UpdatedAt = e.CreatedAt
	stored := *e
	r.emails[e.ID] = &stored
	return nil
}

func (r *memEmailRepo) GetByID(_ context.Context, projectID, id string) (*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emails[id]
	if !ok || e.ProjectID != projectID {
		return nil, &domain.ErrNotFound{Entity: "email", ID: id}
	}
	copied := *e
	return &copied, nil
}

func (r *memEmailRepo) GetByMessageID(_ context.Context, projectID, messageID string) (*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.emails {
		if e.ProjectID == projectID && e.MessageID == messageID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, &domain.ErrNotFound{Entity: "email", ID: messageID}
}

func (r *memEmailRepo) ClaimSending(_ context.Context, projectID, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emails[id]
	if !ok || e.ProjectID != projectID {
		return false, &domain.ErrNotFound{Entity: "email", ID: id}
	}
	if e.Status != domain.EmailStatusPending {
		return false, nil
	}
	e.Status = domain.EmailStatusSending
	return true, nil
}

func (r *memEmailRepo) ReleaseToPending(_ context.Context, projectID, id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emails[id]
	if !ok || e.ProjectID != projectID {
		return &domain.ErrNotFound{Entity: "email", ID: id}
	}
	if e.Status != domain.EmailStatusSending {
		return nil
	}
	e.Status = domain.EmailStatusPending
	e.Error = &errMsg
	return nil
}

func (r *memEmailRepo) MarkSent(_ context.Context, projectID, id, messageID string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emails[id]
	if !ok || e.ProjectID != projectID {
		return &domain.ErrNotFound{Entity: "email", ID: id}
	}
	if e.Status != domain.EmailStatusSending {
		return nil
	}
	e.Status = domain.EmailStatusSent
	e.Error = nil
	e.MessageID = messageID
	e.SentAt = &sentAt
	return nil
}

func (r *memEmailRepo) MarkFailed(_ context.Context, projectID, id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emails[id]
	if !ok || e.ProjectID != projectID {
		return &domain.ErrNotFound{Entity: "email", ID: id}
	}
	if e.Status.IsTerminal() {
		return nil
	}
	e.Status = domain.EmailStatusFailed
	e.Error = &errMsg
	return nil
}

func (r *memEmailRepo) RecordEngagement(_ context.Context, projectID, id, eventName string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emails[id]
	if !ok || e.ProjectID != projectID {
		return false, &domain.ErrNotFound{Entity: "email", ID: id}
	}
	_, first := e.ApplyEngagement(eventName, at)
	e.UpdatedAt = at
	return first, nil
}

func (r *memEmailRepo) ListByContact(_ context.Context, projectID, contactID string, before time.Time, limit int) ([]*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Email
	for _, e := range r.emails {
		if e.ProjectID == projectID && e.ContactID == contactID && e.CreatedAt.Before(before) {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEmailRepo) ListByProject(_ context.Context, projectID string, from, to time.Time, limit int) ([]*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Email
	for _, e := range r.emails {
		if e.ProjectID == projectID && !e.UpdatedAt.Before(from) && e.CreatedAt.Before(to) {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEmailRepo) CountBySource(_ context.Context, projectID string, source domain.EmailSource, sourceID string) (map[domain.EmailStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.EmailStatus]int)
	for _, e := range r.emails {
		if e.ProjectID == projectID && e.Source == source && e.SourceID == sourceID {
			out[e.Status]++
		}
	}
	return out, nil
}

// memCampaignRepo is an in-memory domain.CampaignRepository
type memCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

func newMemCampaignRepo() *memCampaignRepo {
	return &memCampaignRepo{campaigns: make(map[string]*domain.Campaign)}
}

func (r *memCampaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
	return nil
}

func (r *memCampaignRepo) GetByID(_ context.Context, projectID, id string) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.ProjectID != projectID {
		return nil, &domain.ErrNotFound{Entity: "campaign", ID: id}
	}
	copied := *c
	return &copied, nil
}

func (r *memCampaignRepo) Update(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.ID]; !ok {
		return &domain.ErrNotFound{Entity: "campaign", ID: c.ID}
	}
	r.campaigns[c.ID] = c
	return nil
}

func (r *memCampaignRepo) List(_ context.Context, projectID string) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memCampaignRepo) TransitionStatus(_ context.Context, projectID, id string, from, to domain.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.ProjectID != projectID {
		return false, &domain.ErrNotFound{Entity: "campaign", ID: id}
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	now := time.Now().UTC()
	switch to {
	case domain.CampaignStatusSending:
		c.StartedAt = &now
	case domain.CampaignStatusCompleted, domain.CampaignStatusCancelled, domain.CampaignStatusFailed:
		c.CompletedAt = &now
	}
	return true, nil
}

func (r *memCampaignRepo) IncrementCounters(_ context.Context, projectID, id string, d domain.CampaignCounterDeltas) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.ProjectID != projectID {
		return &domain.ErrNotFound{Entity: "campaign", ID: id}
	}
	c.SentCount += d.Sent
	c.FailedCount += d.Failed
	c.DeliveredCount += d.Delivered
	c.OpenedCount += d.Opened
	c.ClickedCount += d.Clicked
	c.BouncedCount += d.Bounced
	return nil
}

func (r *memCampaignRepo) FindDueScheduled(_ context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status == domain.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memSegmentRepo is an in-memory domain.SegmentRepository
type memSegmentRepo struct {
	mu       sync.Mutex
	segments map[string]*domain.Segment
}

func newMemSegmentRepo() *memSegmentRepo {
	return &memSegmentRepo{segments: make(map[string]*domain.Segment)}
}

func (r *memSegmentRepo) add(segments ...*domain.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range segments {
		r.segments[s.ID] = s
	}
}

func (r *memSegmentRepo) Create(_ context.Context, s *domain.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[s.ID] = s
	return nil
}

func (r *memSegmentRepo) GetByID(_ context.Context, projectID, id string) (*domain.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segments[id]
	if !ok || s.ProjectID != projectID {
		return nil, &domain.ErrNotFound{Entity: "segment", ID: id}
	}
	return s, nil
}

func (r *memSegmentRepo) Update(_ context.Context, s *domain.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments[s.ID]; !ok {
		return &domain.ErrNotFound{Entity: "segment", ID: s.ID}
	}
	r.segments[s.ID] = s
	return nil
}

func (r *memSegmentRepo) Delete(_ context.Context, projectID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments[id]; !ok {
		return &domain.ErrNotFound{Entity: "segment", ID: id}
	}
	delete(r.segments, id)
	return nil
}

func (r *memSegmentRepo) List(_ context.Context, projectID string) ([]*domain.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Segment
	for _, s := range r.segments {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	return out, nil
}

// memTemplateRepo is an in-memory domain.TemplateRepository
type memTemplateRepo struct {
	mu        sync.Mutex
	templates map[string]*domain.Template
}

func newMemTemplateRepo() *memTemplateRepo {
	return &memTemplateRepo{templates: make(map[string]*domain.Template)}
}

func (r *memTemplateRepo) add(templates ...*domain.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range templates {
		r.templates[t.ID] = t
	}
}

func (r *memTemplateRepo) Create(_ context.Context, t *domain.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
	return nil
}

func (r *memTemplateRepo) GetByID(_ context.Context, projectID, id string) (*domain.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok || t.ProjectID != projectID {
		return nil, &domain.ErrNotFound{Entity: "template", ID: id}
	}
	return t, nil
}

func (r *memTemplateRepo) Update(_ context.Context, t *domain.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[t.ID]; !ok {
		return &domain.ErrNotFound{Entity: "template", ID: t.ID}
	}
	r.templates[t.ID] = t
	return nil
}

func (r *memTemplateRepo) Delete(_ context.Context, projectID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.templates, id)
	return nil
}

func (r *memTemplateRepo) List(_ context.Context, projectID string) ([]*domain.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Template
	for _, t := range r.templates {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

// memActivityRepo derives counts from the email, event and execution fakes
type memActivityRepo struct {
	emails     *memEmailRepo
	events     *memEventRepo
	executions *memExecutionRepo
}

func (r *memActivityRepo) emailTotals(match func(*domain.Email) bool) *domain.EmailStatTotals {
	r.emails.mu.Lock()
	defer r.emails.mu.Unlock()
	totals := &domain.EmailStatTotals{}
	for _, e := range r.emails.emails {
		if !match(e) {
			continue
		}
		if e.SentAt != nil {
			totals.Sent++
		}
		if e.DeliveredAt != nil {
			totals.Delivered++
		}
		if e.OpenedAt != nil {
			totals.Opened++
		}
		if e.ClickedAt != nil {
			totals.Clicked++
		}
		if e.BouncedAt != nil {
			totals.Bounced++
		}
		if e.ComplainedAt != nil {
			totals.Complained++
		}
	}
	return totals
}

func (r *memActivityRepo) CountContactEmailStats(_ context.Context, projectID, contactID string) (*domain.EmailStatTotals, error) {
	return r.emailTotals(func(e *domain.Email) bool {
		return e.ProjectID == projectID && e.ContactID == contactID
	}), nil
}

func (r *memActivityRepo) CountEmailStats(_ context.Context, projectID string, from, to time.Time) (*domain.EmailStatTotals, error) {
	return r.emailTotals(func(e *domain.Email) bool {
		return e.ProjectID == projectID && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to)
	}), nil
}

func (r *memActivityRepo) CountEvents(_ context.Context, projectID, contactID string) (int, error) {
	r.events.mu.Lock()
	defer r.events.mu.Unlock()
	count := 0
	for _, e := range r.events.events {
		if e.ProjectID == projectID && e.ContactID == contactID {
			count++
		}
	}
	return count, nil
}

func (r *memActivityRepo) CountEventsInRange(_ context.Context, projectID string, from, to time.Time) (int, error) {
	r.events.mu.Lock()
	defer r.events.mu.Unlock()
	count := 0
	for _, e := range r.events.events {
		if e.ProjectID == projectID && !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			count++
		}
	}
	return count, nil
}

func (r *memActivityRepo) CountEmailsInRange(_ context.Context, projectID string, from, to time.Time) (int, error) {
	r.emails.mu.Lock()
	defer r.emails.mu.Unlock()
	count := 0
	for _, e := range r.emails.emails {
		if e.ProjectID == projectID && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			count++
		}
	}
	return count, nil
}

func (r *memActivityRepo) CountExecutionsInRange(_ context.Context, projectID string, from, to time.Time) (started, completed int, err error) {
	r.executions.mu.Lock()
	defer r.executions.mu.Unlock()
	for _, e := range r.executions.executions {
		if e.ProjectID != projectID {
			continue
		}
		if !e.StartedAt.Before(from) && e.StartedAt.Before(to) {
			started++
		}
		if e.Status == domain.ExecutionStatusCompleted && e.CompletedAt != nil &&
			!e.CompletedAt.Before(from) && e.CompletedAt.Before(to) {
			completed++
		}
	}
	return started, completed, nil
}

// queuedJob captures one enqueue for inspection and replay
type queuedJob struct {
	Kind      string
	Payload   json.RawMessage
	RunAt     time.Time
	DedupeKey string
}

// memJobQueue records enqueued jobs so tests can drive them synchronously
type memJobQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	next int
}

func newMemJobQueue() *memJobQueue {
	return &memJobQueue{}
}

func (q *memJobQueue) Enqueue(_ context.Context, kind string, payload interface{}, runAt time.Time, dedupeKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dedupeKey != "" {
		for i := q.next; i < len(q.jobs); i++ {
			if q.jobs[i].DedupeKey == dedupeKey {
				return nil
			}
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.jobs = append(q.jobs, queuedJob{Kind: kind, Payload: data, RunAt: runAt, DedupeKey: dedupeKey})
	return nil
}

func (q *memJobQueue) Cancel(_ context.Context, dedupeKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := q.next; i < len(q.jobs); i++ {
		if q.jobs[i].DedupeKey == dedupeKey {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

// pending returns the jobs not yet dispatched
func (q *memJobQueue) pending() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedJob, len(q.jobs)-q.next)
	copy(out, q.jobs[q.next:])
	return out
}

// pop takes the oldest pending job due at or before now
func (q *memJobQueue) pop(now time.Time) (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := q.next; i < len(q.jobs); i++ {
		if !q.jobs[i].RunAt.After(now) {
			job := q.jobs[i]
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return job, true
		}
	}
	return queuedJob{}, false
}

// testEnv wires the full service stack on in-memory fakes
type testEnv struct {
	t *testing.T

	clock    *fakeClock
	queue    *memJobQueue
	cache    cache.Cache
	mailer   *mailer.MemoryMailer
	handlers map[string]domain.JobHandler

	workflows  *memWorkflowRepo
	executions *memExecutionRepo
	contacts   *memContactRepo
	events     *memEventRepo
	emails     *memEmailRepo
	campaigns  *memCampaignRepo
	segments   *memSegmentRepo
	templates  *memTemplateRepo
	activity   *memActivityRepo

	sender     *EmailSenderService
	runtime    *WorkflowRuntimeService
	router     *EventRouterService
	dispatcher *CampaignDispatcherService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		t:          t,
		clock:      newFakeClock(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)),
		queue:      newMemJobQueue(),
		cache:      cache.NewInMemoryCache(time.Minute),
		mailer:     mailer.NewMemoryMailer(),
		workflows:  newMemWorkflowRepo(),
		executions: newMemExecutionRepo(),
		contacts:   newMemContactRepo(),
		events:     newMemEventRepo(),
		emails:     newMemEmailRepo(),
		campaigns:  newMemCampaignRepo(),
		segments:   newMemSegmentRepo(),
		templates:  newMemTemplateRepo(),
	}
	env.emails.now = env.clock.Now
	env.activity = &memActivityRepo{emails: env.emails, events: env.events, executions: env.executions}

	log := logger.NewTestLogger(t)

	env.sender = NewEmailSenderService(env.templates, env.emails, env.queue, env.mailer, env.clock, log)
	registry := NewStepExecutorRegistry(env.sender, env.contacts, nil, log)
	env.runtime = NewWorkflowRuntimeService(env.workflows, env.executions, env.contacts, env.queue, registry, env.clock, log)
	env.router = NewEventRouterService(env.events, env.workflows, env.executions, env.contacts,
		env.emails, env.campaigns, env.runtime, env.cache, env.clock, log)
	env.dispatcher = NewCampaignDispatcherService(env.campaigns, env.contacts, env.segments,
		env.sender, env.queue, env.clock, log, 2, 2)
	env.handlers = NewJobHandlers(env.runtime, env.dispatcher, env.sender, env.emails)

	return env
}

// drainJobs dispatches every due job, including ones enqueued while
// draining, until the queue settles. Job errors fail the test.
func (env *testEnv) drainJobs(ctx context.Context) {
	env.t.Helper()
	for i := 0; i < 1000; i++ {
		job, ok := env.queue.pop(env.clock.Now())
		if !ok {
			return
		}
		handler, ok := env.handlers[job.Kind]
		if !ok {
			env.t.Fatalf("no handler for job kind %s", job.Kind)
		}
		err := handler.Handle(ctx, &domain.Job{
			ID:          "test-job",
			Kind:        job.Kind,
			Payload:     job.Payload,
			MaxAttempts: 5,
		})
		if err != nil {
			env.t.Fatalf("job %s failed: %v", job.Kind, err)
		}
	}
	env.t.Fatal("job queue did not settle after 1000 jobs")
}
