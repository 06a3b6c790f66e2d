package domain

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CampaignStatus represents the state of a campaign
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// IsValid checks if the campaign status is valid
func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusSending,
		CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true once the campaign can never change again
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled || s == CampaignStatusFailed
}

// AudienceType selects how a campaign's recipients are resolved
type AudienceType string

const (
	// AudienceAll targets every subscribed contact in the project
	AudienceAll AudienceType = "all"
	// AudienceSegment targets the contacts matched by a saved segment
	AudienceSegment AudienceType = "segment"
	// AudienceFiltered targets the contacts matched by the campaign's
	// inline filter
	AudienceFiltered AudienceType = "filtered"
)

// IsValid checks if the audience type is valid
func (t AudienceType) IsValid() bool {
	switch t {
	case AudienceAll, AudienceSegment, AudienceFiltered:
		return true
	}
	return false
}

// CampaignFilter wraps ContactFilter for JSONB storage
type CampaignFilter struct {
	ContactFilter
}

// Value implements the driver.Valuer interface
func (f CampaignFilter) Value() (driver.Value, error) {
	return json.Marshal(f)
}

// Scan implements the sql.Scanner interface
func (f *CampaignFilter) Scan(value interface{}) error {
	if value == nil {
		*f = CampaignFilter{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for CampaignFilter, got %T", value)
	}
	return json.Unmarshal(b, f)
}

// Campaign is a one-shot batch send of a template to a resolved audience
type Campaign struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Name         string         `json:"name"`
	TemplateID   string         `json:"template_id"`
	FromName     string         `json:"from_name,omitempty"`
	FromEmail    string         `json:"from_email,omitempty"`
	AudienceType AudienceType   `json:"audience_type"`
	SegmentID    string         `json:"segment_id,omitempty"`
	Filter       CampaignFilter `json:"filter"`
	Status       CampaignStatus `json:"status"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        *string        `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// RecipientCount is fixed when the campaign starts sending; the other
	// counters are maintained by atomic increments as batches progress.
	RecipientCount int `json:"recipient_count"`
	SentCount      int `json:"sent_count"`
	DeliveredCount int `json:"delivered_count"`
	OpenedCount    int `json:"opened_count"`
	ClickedCount   int `json:"clicked_count"`
	BouncedCount   int `json:"bounced_count"`
	FailedCount    int `json:"failed_count"`
}

// Validate checks the campaign fields
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return NewValidationError("id", "is required")
	}
	if c.ProjectID == "" {
		return NewValidationError("project_id", "is required")
	}
	if c.Name == "" {
		return NewValidationError("name", "is required")
	}
	if c.TemplateID == "" {
		return NewValidationError("template_id", "is required")
	}
	if !c.AudienceType.IsValid() {
		return NewValidationError("audience_type", fmt.Sprintf("unknown audience type %q", c.AudienceType))
	}
	if c.AudienceType == AudienceSegment && c.SegmentID == "" {
		return NewValidationError("segment_id", "is required for segment audiences")
	}
	if !c.Status.IsValid() {
		return NewValidationError("status", "unknown status")
	}
	return nil
}

// CampaignCounterDeltas carries atomic counter increments
type CampaignCounterDeltas struct {
	Sent      int
	Delivered int
	Opened    int
	Clicked   int
	Bounced   int
	Failed    int
}

// CampaignRepository provides campaign persistence
type CampaignRepository interface {
	Create(ctx context.Context, campaign *Campaign) error
	GetByID(ctx context.Context, projectID, id string) (*Campaign, error)
	Update(ctx context.Context, campaign *Campaign) error
	List(ctx context.Context, projectID string) ([]*Campaign, error)

	// TransitionStatus moves the campaign from one status to another
	// atomically. Returns false when the current status does not match,
	// which callers use to detect cancellation races.
	TransitionStatus(ctx context.Context, projectID, id string, from, to CampaignStatus) (bool, error)

	// IncrementCounters adds deltas to the denormalized counters
	IncrementCounters(ctx context.Context, projectID, id string, deltas CampaignCounterDeltas) error

	// FindDueScheduled returns scheduled campaigns whose scheduled_at has
	// passed, used by the scheduler to recover missed sends after a restart
	FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Campaign, error)
}

// CampaignService manages campaign definitions and their lifecycle
type CampaignService interface {
	CreateCampaign(ctx context.Context, campaign *Campaign) error
	GetCampaign(ctx context.Context, projectID, id string) (*Campaign, error)
	UpdateCampaign(ctx context.Context, campaign *Campaign) error
	ListCampaigns(ctx context.Context, projectID string) ([]*Campaign, error)
	DuplicateCampaign(ctx context.Context, projectID, id string) (*Campaign, error)

	// ScheduleCampaign queues the campaign to start at the given time
	ScheduleCampaign(ctx context.Context, projectID, id string, at time.Time) error
	// SendCampaignNow starts the campaign immediately
	SendCampaignNow(ctx context.Context, projectID, id string) error
	// CancelCampaign stops a scheduled or in-flight campaign. Batches already
	// dispatched are not recalled.
	CancelCampaign(ctx context.Context, projectID, id string) error
}

// CampaignDispatcher fans a campaign out to its audience in cursor-chained
// batches driven by the job queue.
type CampaignDispatcher interface {
	// StartCampaign fixes the recipient count, transitions the campaign to
	// sending and dispatches the first batch job
	StartCampaign(ctx context.Context, projectID, campaignID string) error
	// ProcessBatch sends one page of the audience and enqueues the next
	// batch, or completes the campaign on the last page
	ProcessBatch(ctx context.Context, projectID, campaignID string, batchNumber, limit int, cursor string) error
}
