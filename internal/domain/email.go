package domain

import (
	"context"
	"time"
)

// EmailStatus tracks a message through the delivery pipeline. The status
// progression is monotone: PENDING → SENDING → SENT → (DELIVERED | BOUNCED |
// FAILED). Opens, clicks and complaints are recorded as independent
// timestamps and counters, not statuses, so a late delivery receipt is never
// lost to an earlier open.
type EmailStatus string

const (
	EmailStatusPending   EmailStatus = "pending"
	EmailStatusSending   EmailStatus = "sending"
	EmailStatusSent      EmailStatus = "sent"
	EmailStatusDelivered EmailStatus = "delivered"
	EmailStatusBounced   EmailStatus = "bounced"
	EmailStatusFailed    EmailStatus = "failed"
)

// IsValid checks if the email status is valid
func (s EmailStatus) IsValid() bool {
	switch s {
	case EmailStatusPending, EmailStatusSending, EmailStatusSent,
		EmailStatusDelivered, EmailStatusBounced, EmailStatusFailed:
		return true
	}
	return false
}

// rank orders the pipeline statuses; bounce and failure sit outside
func (s EmailStatus) rank() int {
	switch s {
	case EmailStatusPending:
		return 0
	case EmailStatusSending:
		return 1
	case EmailStatusSent:
		return 2
	case EmailStatusDelivered:
		return 3
	}
	return -1
}

// IsTerminal returns true for statuses that never change again
func (s EmailStatus) IsTerminal() bool {
	return s == EmailStatusDelivered || s == EmailStatusBounced || s == EmailStatusFailed
}

// CanTransitionTo reports whether moving from s to next respects the
// monotone pipeline. Bounce and failure are allowed from any non-terminal
// status; pipeline statuses only move forward.
func (s EmailStatus) CanTransitionTo(next EmailStatus) bool {
	if s == next {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	if next == EmailStatusBounced || next == EmailStatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// EmailSource identifies what produced an email
type EmailSource string

const (
	EmailSourceWorkflow      EmailSource = "workflow"
	EmailSourceCampaign      EmailSource = "campaign"
	EmailSourceTransactional EmailSource = "transactional"
)

// Email is a single rendered message sent to a contact. The rendered subject
// and body are stored on the row so the send job can deliver without
// re-rendering. MessageID is the provider identifier used to correlate
// engagement webhooks back to the row.
type Email struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"project_id"`
	ContactID  string      `json:"contact_id"`
	ToEmail    string      `json:"to_email"`
	FromName   string      `json:"from_name,omitempty"`
	FromEmail  string      `json:"from_email,omitempty"`
	Subject    string      `json:"subject"`
	HTMLBody   string      `json:"html_body,omitempty"`
	TextBody   string      `json:"text_body,omitempty"`
	Source     EmailSource `json:"source"`
	SourceID   string      `json:"source_id,omitempty"`
	TemplateID string      `json:"template_id,omitempty"`
	MessageID  string      `json:"message_id,omitempty"`
	Status     EmailStatus `json:"status"`
	Error      *string     `json:"error,omitempty"`

	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	ClickedAt    *time.Time `json:"clicked_at,omitempty"`
	BouncedAt    *time.Time `json:"bounced_at,omitempty"`
	ComplainedAt *time.Time `json:"complained_at,omitempty"`
	Opens        int        `json:"opens"`
	Clicks       int        `json:"clicks"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEngagementEvent reports whether the event name is one the email pipeline
// emits about a delivered message
func IsEngagementEvent(eventName string) bool {
	switch eventName {
	case EventEmailDelivered, EventEmailOpened, EventEmailClicked,
		EventEmailBounced, EventEmailComplained:
		return true
	}
	return false
}

// ApplyEngagement records a pipeline event on the email in place. Opens and
// clicks always increment their counters; timestamps are set only once.
// Returns whether anything changed, and whether this was the first occurrence
// of the event for this email.
func (e *Email) ApplyEngagement(eventName string, at time.Time) (applied, first bool) {
	switch eventName {
	case EventEmailDelivered:
		if !e.Status.CanTransitionTo(EmailStatusDelivered) {
			return false, false
		}
		e.Status = EmailStatusDelivered
		e.DeliveredAt = &at
		return true, true
	case EventEmailOpened:
		e.Opens++
		if e.OpenedAt == nil {
			e.OpenedAt = &at
			return true, true
		}
		return true, false
	case EventEmailClicked:
		e.Clicks++
		if e.ClickedAt == nil {
			e.ClickedAt = &at
			return true, true
		}
		return true, false
	case EventEmailBounced:
		if !e.Status.CanTransitionTo(EmailStatusBounced) {
			return false, false
		}
		e.Status = EmailStatusBounced
		e.BouncedAt = &at
		return true, true
	case EventEmailComplained:
		if e.ComplainedAt != nil {
			return false, false
		}
		e.ComplainedAt = &at
		return true, true
	}
	return false, false
}

// EmailRepository provides email persistence
type EmailRepository interface {
	Create(ctx context.Context, email *Email) error
	GetByID(ctx context.Context, projectID, id string) (*Email, error)
	GetByMessageID(ctx context.Context, projectID, messageID string) (*Email, error)

	// ClaimSending atomically flips pending → sending. Returns false when the
	// email has already been claimed or moved on, so a redelivered send job
	// is a no-op.
	ClaimSending(ctx context.Context, projectID, id string) (bool, error)

	// ReleaseToPending returns a claimed email to pending after a transient
	// delivery failure so the queue retry can claim it again. Only a sending
	// row is released; a sent row is never moved backwards.
	ReleaseToPending(ctx context.Context, projectID, id string, errMsg string) error

	// MarkSent records the provider message ID together with the sent status
	MarkSent(ctx context.Context, projectID, id, messageID string, sentAt time.Time) error

	// MarkFailed parks the email as terminally failed with the error message
	MarkFailed(ctx context.Context, projectID, id string, errMsg string) error

	// RecordEngagement applies a pipeline event (delivered, opened, clicked,
	// bounced, complained) to the row: monotone status moves, once-only
	// timestamps, monotone counters. Returns whether this was the first
	// occurrence of the event for the email.
	RecordEngagement(ctx context.Context, projectID, id, eventName string, at time.Time) (bool, error)

	ListByContact(ctx context.Context, projectID, contactID string, before time.Time, limit int) ([]*Email, error)
	// ListByProject returns emails in the project created inside the time
	// range, newest first
	ListByProject(ctx context.Context, projectID string, from, to time.Time, limit int) ([]*Email, error)
	CountBySource(ctx context.Context, projectID string, source EmailSource, sourceID string) (map[EmailStatus]int, error)
}

// EmailSender renders and records a single email, handing delivery to the
// send queue. All workflow, campaign and transactional sends go through it.
type EmailSender interface {
	// SendTemplate renders the template against data, records the Email as
	// pending and enqueues its send job. Marketing sends are suppressed for
	// unsubscribed contacts.
	SendTemplate(ctx context.Context, req SendTemplateRequest) (*Email, error)

	// DeliverEmail performs the SMTP delivery of a previously recorded
	// email. Invoked by the send job handler; idempotent on email status.
	DeliverEmail(ctx context.Context, projectID, emailID string) error
}

// SendTemplateRequest describes one email to render and record
type SendTemplateRequest struct {
	ProjectID  string
	Contact    *Contact
	TemplateID string
	// Inline content used when TemplateID is empty
	Subject  string
	HTMLBody string
	TextBody string

	FromName  string
	FromEmail string

	Source   EmailSource
	SourceID string
	// Data overlays the contact's template data; step outputs and event
	// properties arrive here
	Data map[string]interface{}
}
