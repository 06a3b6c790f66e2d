package domain

import (
	"context"
	"time"
)

// Segment is a saved contact filter used to resolve campaign audiences. The
// filter is stored as JSONB and intersected with the base subscribed-contact
// predicate at send time, so a segment always reflects current contact data.
type Segment struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Filter      CampaignFilter `json:"filter"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the segment fields
func (s *Segment) Validate() error {
	if s.ID == "" {
		return NewValidationError("id", "is required")
	}
	if s.ProjectID == "" {
		return NewValidationError("project_id", "is required")
	}
	if s.Name == "" {
		return NewValidationError("name", "is required")
	}
	return nil
}

// SegmentRepository provides segment persistence
type SegmentRepository interface {
	Create(ctx context.Context, segment *Segment) error
	GetByID(ctx context.Context, projectID, id string) (*Segment, error)
	Update(ctx context.Context, segment *Segment) error
	Delete(ctx context.Context, projectID, id string) error
	List(ctx context.Context, projectID string) ([]*Segment, error)
}
