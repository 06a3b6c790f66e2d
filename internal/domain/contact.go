package domain

import (
	"context"
	"time"

	"github.com/asaskevich/govalidator"
)

// ContactStatus controls whether a contact may receive marketing email.
// Transactional sends ignore it.
type ContactStatus string

const (
	ContactStatusSubscribed   ContactStatus = "subscribed"
	ContactStatusUnsubscribed ContactStatus = "unsubscribed"
	ContactStatusBounced      ContactStatus = "bounced"
)

// IsValid checks if the contact status is valid
func (s ContactStatus) IsValid() bool {
	switch s {
	case ContactStatusSubscribed, ContactStatusUnsubscribed, ContactStatusBounced:
		return true
	}
	return false
}

// Contact is a person in a project's audience
type Contact struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Email      string        `json:"email"`
	FirstName  string        `json:"first_name,omitempty"`
	LastName   string        `json:"last_name,omitempty"`
	Status     ContactStatus `json:"status"`
	Attributes MapOfAny      `json:"attributes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Validate checks the contact fields
func (c *Contact) Validate() error {
	if c.ID == "" {
		return NewValidationError("id", "is required")
	}
	if c.ProjectID == "" {
		return NewValidationError("project_id", "is required")
	}
	if c.Email == "" {
		return NewValidationError("email", "is required")
	}
	if !govalidator.IsEmail(c.Email) {
		return NewValidationError("email", "must be a valid email address")
	}
	if !c.Status.IsValid() {
		return NewValidationError("status", "unknown status")
	}
	return nil
}

// TemplateData flattens the contact into the fields available to email
// templates. Attributes are merged in under their own keys; built-in fields
// win on collision.
func (c *Contact) TemplateData() map[string]interface{} {
	data := make(map[string]interface{}, len(c.Attributes)+4)
	for k, v := range c.Attributes {
		data[k] = v
	}
	data["email"] = c.Email
	if c.FirstName != "" {
		data["first_name"] = c.FirstName
	}
	if c.LastName != "" {
		data["last_name"] = c.LastName
	}
	return data
}

// ContactPage is one page of a cursor-paginated audience scan
type ContactPage struct {
	Contacts   []*Contact `json:"contacts"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
}

// ContactRepository provides contact persistence
type ContactRepository interface {
	// Upsert inserts the contact or updates it by (project_id, email)
	Upsert(ctx context.Context, contact *Contact) error
	GetByID(ctx context.Context, projectID, id string) (*Contact, error)
	GetByEmail(ctx context.Context, projectID, email string) (*Contact, error)
	// MergeAttributes merges attrs into the contact's attributes, overwriting
	// existing keys and leaving the rest untouched
	MergeAttributes(ctx context.Context, projectID, id string, attrs MapOfAny) error
	UpdateStatus(ctx context.Context, projectID, id string, status ContactStatus) error

	// ListPage scans the audience matching filter in stable ID order.
	// The cursor is the last contact ID of the previous page, empty for the
	// first page.
	ListPage(ctx context.Context, projectID string, filter *ContactFilter, cursor string, limit int) (*ContactPage, error)
	CountByFilter(ctx context.Context, projectID string, filter *ContactFilter) (int, error)
}

// ContactFilter selects a subset of the audience. Zero value matches every
// subscribed contact; Statuses overrides the default subscribed-only rule.
type ContactFilter struct {
	Statuses   []ContactStatus `json:"statuses,omitempty"`
	Attributes MapOfAny        `json:"attributes,omitempty"`
}
