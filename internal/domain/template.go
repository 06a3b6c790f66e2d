package domain

import (
	"context"
	"time"
)

// Template is a reusable email body with {{variable}} placeholders.
// Transactional templates may be sent to unsubscribed contacts.
type Template struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	Subject       string    `json:"subject"`
	HTMLBody      string    `json:"html_body"`
	TextBody      string    `json:"text_body,omitempty"`
	Transactional bool      `json:"transactional"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks the template fields
func (t *Template) Validate() error {
	if t.ID == "" {
		return NewValidationError("id", "is required")
	}
	if t.ProjectID == "" {
		return NewValidationError("project_id", "is required")
	}
	if t.Name == "" {
		return NewValidationError("name", "is required")
	}
	if t.Subject == "" {
		return NewValidationError("subject", "is required")
	}
	if t.HTMLBody == "" {
		return NewValidationError("html_body", "is required")
	}
	return nil
}

// TemplateRepository provides template persistence
type TemplateRepository interface {
	Create(ctx context.Context, template *Template) error
	GetByID(ctx context.Context, projectID, id string) (*Template, error)
	Update(ctx context.Context, template *Template) error
	Delete(ctx context.Context, projectID, id string) error
	List(ctx context.Context, projectID string) ([]*Template, error)
}
