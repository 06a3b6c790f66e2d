package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/pkg/logger"
	"github.com/loopmail/loopmail/pkg/mailer"
	"github.com/loopmail/loopmail/pkg/render"
)

// EmailSenderService implements domain.EmailSender. SendTemplate resolves
// the template, renders subject and body against the contact and request
// data, records the Email as pending and enqueues its send job; DeliverEmail
// performs the SMTP delivery from the job handler. The emailID is the
// idempotency key across the boundary: a redelivered send job finds the row
// already claimed and does nothing.
type EmailSenderService struct {
	templateRepo domain.TemplateRepository
	emailRepo    domain.EmailRepository
	jobQueue     domain.JobQueue
	mailer       mailer.Mailer
	clock        domain.Clock
	logger       logger.Logger
}

// NewEmailSenderService creates a new email sender
func NewEmailSenderService(
	templateRepo domain.TemplateRepository,
	emailRepo domain.EmailRepository,
	jobQueue domain.JobQueue,
	m mailer.Mailer,
	clock domain.Clock,
	log logger.Logger,
) *EmailSenderService {
	return &EmailSenderService{
		templateRepo: templateRepo,
		emailRepo:    emailRepo,
		jobQueue:     jobQueue,
		mailer:       m,
		clock:        clock,
		logger:       log,
	}
}

// SendTemplate renders and records one email and enqueues its delivery.
// Marketing sends to contacts who are not subscribed return (nil, nil):
// suppressed, not an error. Transactional templates bypass the subscription
// check.
func (s *EmailSenderService) SendTemplate(ctx context.Context, req domain.SendTemplateRequest) (*domain.Email, error) {
	if req.Contact == nil {
		return nil, domain.NewValidationError("contact", "is required")
	}

	subject := req.Subject
	htmlBody := req.HTMLBody
	textBody := req.TextBody
	transactional := false

	if req.TemplateID != "" {
		template, err := s.templateRepo.GetByID(ctx, req.ProjectID, req.TemplateID)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil, domain.NewPermanentError(err)
			}
			return nil, err
		}
		subject = template.Subject
		htmlBody = template.HTMLBody
		textBody = template.TextBody
		transactional = template.Transactional
	}

	if req.Source == domain.EmailSourceTransactional {
		transactional = true
	}

	if !transactional && req.Contact.Status != domain.ContactStatusSubscribed {
		s.logger.WithFields(map[string]interface{}{
			"contact_id": req.Contact.ID,
			"status":     string(req.Contact.Status),
		}).Debug("Suppressing marketing email to non-subscribed contact")
		return nil, nil
	}

	data := req.Contact.TemplateData()
	for k, v := range req.Data {
		data[k] = v
	}

	email := &domain.Email{
		ID:         uuid.New().String(),
		ProjectID:  req.ProjectID,
		ContactID:  req.Contact.ID,
		ToEmail:    req.Contact.Email,
		FromName:   req.FromName,
		FromEmail:  req.FromEmail,
		Subject:    render.Render(subject, data),
		HTMLBody:   render.Render(htmlBody, data),
		TextBody:   render.Render(textBody, data),
		Source:     req.Source,
		SourceID:   req.SourceID,
		TemplateID: req.TemplateID,
		Status:     domain.EmailStatusPending,
	}

	if err := s.emailRepo.Create(ctx, email); err != nil {
		return nil, fmt.Errorf("failed to record email: %w", err)
	}

	payload := domain.EmailSendPayload{ProjectID: req.ProjectID, EmailID: email.ID}
	if err := s.jobQueue.Enqueue(ctx, domain.JobKindEmailSend, payload, s.clock.Now(), ""); err != nil {
		return nil, fmt.Errorf("failed to enqueue email send: %w", err)
	}

	return email, nil
}

// DeliverEmail performs the SMTP delivery of a recorded email. Invoked by
// the send job handler; safe under at-least-once delivery because only the
// pending → sending claim proceeds to the mailer. A transient mailer failure
// releases the row back to pending and bubbles up for the queue retry.
func (s *EmailSenderService) DeliverEmail(ctx context.Context, projectID, emailID string) error {
	email, err := s.emailRepo.GetByID(ctx, projectID, emailID)
	if err != nil {
		if domain.IsNotFound(err) {
			s.logger.WithField("email_id", emailID).Warn("Send job references missing email, skipping")
			return nil
		}
		return err
	}

	if email.Status != domain.EmailStatusPending {
		// Redelivered job, or a concurrent worker owns the row
		return nil
	}

	claimed, err := s.emailRepo.ClaimSending(ctx, projectID, emailID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	messageID, err := s.mailer.Send(ctx, mailer.OutgoingEmail{
		FromName:  email.FromName,
		FromEmail: email.FromEmail,
		ToEmail:   email.ToEmail,
		Subject:   email.Subject,
		HTMLBody:  email.HTMLBody,
		TextBody:  email.TextBody,
	})
	if err != nil {
		if releaseErr := s.emailRepo.ReleaseToPending(ctx, projectID, emailID, err.Error()); releaseErr != nil {
			s.logger.WithField("email_id", emailID).
				WithField("error", releaseErr.Error()).
				Error("Failed to release email after delivery failure")
		}
		return fmt.Errorf("failed to send email: %w", err)
	}

	if err := s.emailRepo.MarkSent(ctx, projectID, emailID, messageID, s.clock.Now()); err != nil {
		// The message left the provider; the row stays in sending so a
		// redelivered job cannot send it twice
		return fmt.Errorf("failed to mark email sent: %w", err)
	}

	return nil
}
