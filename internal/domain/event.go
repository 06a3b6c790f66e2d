package domain

import (
	"context"
	"time"
)

// Event is a tracked fact, usually about a contact, or generated internally
// by the email pipeline (delivered, opened, clicked, bounced, complained).
// ContactID is optional: pipeline events may arrive before the provider
// webhook is correlated to a contact.
type Event struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	ContactID  string    `json:"contact_id,omitempty"`
	EmailID    string    `json:"email_id,omitempty"`
	Name       string    `json:"name"`
	Properties MapOfAny  `json:"properties,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the event fields
func (e *Event) Validate() error {
	if e.ID == "" {
		return NewValidationError("id", "is required")
	}
	if e.ProjectID == "" {
		return NewValidationError("project_id", "is required")
	}
	if e.Name == "" {
		return NewValidationError("name", "is required")
	}
	return nil
}

// Engagement event names emitted by the email pipeline
const (
	EventEmailDelivered  = "email.delivered"
	EventEmailOpened     = "email.opened"
	EventEmailClicked    = "email.clicked"
	EventEmailBounced    = "email.bounced"
	EventEmailComplained = "email.complained"
)

// EventRepository provides event persistence
type EventRepository interface {
	Create(ctx context.Context, event *Event) error
	GetByID(ctx context.Context, projectID, id string) (*Event, error)
	// ListByContact returns events for a contact ordered by occurred_at
	// descending, newest first
	ListByContact(ctx context.Context, projectID, contactID string, before time.Time, limit int) ([]*Event, error)
	// ListByProject returns events in the project inside the time range,
	// newest first
	ListByProject(ctx context.Context, projectID string, from, to time.Time, limit int) ([]*Event, error)
	CountByName(ctx context.Context, projectID, name string, since time.Time) (int, error)
}

// EventService ingests tracked events and fans them out to workflows
type EventService interface {
	// TrackEvent appends the event and routes it: starting executions of
	// workflows triggered by it and resuming executions waiting for it
	TrackEvent(ctx context.Context, event *Event) error
}
