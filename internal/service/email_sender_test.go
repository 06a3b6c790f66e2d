package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendTemplateRendersAndRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.templates.add(&domain.Template{
		ID: "tpl-1", ProjectID: "proj", Name: "Welcome",
		Subject:  "Welcome {{ first_name ?? there }}",
		HTMLBody: "<p>Hi {{ first_name }}, your plan is {{ plan }}</p>",
	})
	contact := subscribedContact("c1", "ada@example.com")

	email, err := env.sender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID:  "proj",
		Contact:    contact,
		TemplateID: "tpl-1",
		FromEmail:  "hello@loopmail.dev",
		Source:     domain.EmailSourceWorkflow,
		SourceID:   "wf-1",
	})
	require.NoError(t, err)
	require.NotNil(t, email)

	// Rendered up front, recorded pending; the send job delivers
	assert.Equal(t, "Welcome Ada", email.Subject)
	assert.Equal(t, domain.EmailStatusPending, email.Status)
	assert.Empty(t, env.mailer.Sent())

	pending := env.queue.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.JobKindEmailSend, pending[0].Kind)
	var payload domain.EmailSendPayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, email.ID, payload.EmailID)

	env.drainJobs(ctx)
	sent := env.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "<p>Hi Ada, your plan is pro</p>", sent[0].HTMLBody)

	stored, err := env.emails.GetByID(ctx, "proj", email.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailStatusSent, stored.Status)
	require.NotEmpty(t, stored.MessageID)
	require.NotNil(t, stored.SentAt)

	// The row is findable by provider message ID for engagement webhooks
	byMessage, err := env.emails.GetByMessageID(ctx, "proj", stored.MessageID)
	require.NoError(t, err)
	assert.Equal(t, email.ID, byMessage.ID)
}

func TestSendTemplateFallbackVariable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	contact := subscribedContact("c1", "ada@example.com")
	contact.FirstName = ""

	email, err := env.sender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID: "proj",
		Contact:   contact,
		Subject:   "Hey {{ first_name ?? there }}",
		HTMLBody:  "<p>x</p>",
		Source:    domain.EmailSourceWorkflow,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hey there", email.Subject)
}

func TestSendTemplateSuppressedForUnsubscribed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	contact := subscribedContact("c1", "ada@example.com")
	contact.Status = domain.ContactStatusUnsubscribed

	email, err := env.sender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID: "proj",
		Contact:   contact,
		Subject:   "Marketing",
		HTMLBody:  "<p>x</p>",
		Source:    domain.EmailSourceCampaign,
	})
	require.NoError(t, err)
	assert.Nil(t, email, "suppression is not an error")
	assert.Empty(t, env.queue.pending())
}

func TestSendTemplateTransactionalBypassesSuppression(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.templates.add(&domain.Template{
		ID: "tpl-receipt", ProjectID: "proj", Name: "Receipt",
		Subject: "Your receipt", HTMLBody: "<p>Receipt</p>", Transactional: true,
	})
	contact := subscribedContact("c1", "ada@example.com")
	contact.Status = domain.ContactStatusUnsubscribed

	email, err := env.sender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID:  "proj",
		Contact:    contact,
		TemplateID: "tpl-receipt",
		Source:     domain.EmailSourceWorkflow,
	})
	require.NoError(t, err)
	require.NotNil(t, email)

	env.drainJobs(ctx)
	assert.Len(t, env.mailer.Sent(), 1)
}

func TestSendTemplateMissingTemplateIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.sender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID:  "proj",
		Contact:    subscribedContact("c1", "ada@example.com"),
		TemplateID: "missing",
		Source:     domain.EmailSourceWorkflow,
	})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err), "retrying cannot fix a missing template")
}

func TestDeliverEmailIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	email, err := env.sender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID: "proj",
		Contact:   subscribedContact("c1", "ada@example.com"),
		Subject:   "Hello",
		HTMLBody:  "<p>x</p>",
		Source:    domain.EmailSourceWorkflow,
	})
	require.NoError(t, err)

	require.NoError(t, env.sender.DeliverEmail(ctx, "proj", email.ID))
	require.Len(t, env.mailer.Sent(), 1)

	// A redelivered send job finds the row past pending and does nothing
	require.NoError(t, env.sender.DeliverEmail(ctx, "proj", email.ID))
	assert.Len(t, env.mailer.Sent(), 1)
}

func TestDeliverEmailMissingRowIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.sender.DeliverEmail(context.Background(), "proj", "ghost"))
}

func TestDeliverEmailTransientFailureReleases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	email, err := env.sender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID: "proj",
		Contact:   subscribedContact("c1", "ada@example.com"),
		Subject:   "Hello",
		HTMLBody:  "<p>x</p>",
		Source:    domain.EmailSourceWorkflow,
	})
	require.NoError(t, err)

	env.mailer.FailWith(errors.New("smtp unreachable"))
	err = env.sender.DeliverEmail(ctx, "proj", email.ID)
	require.Error(t, err)

	stored, err := env.emails.GetByID(ctx, "proj", email.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailStatusPending, stored.Status, "released for the queue retry")
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "smtp unreachable")

	// The retry claims and sends
	env.mailer.FailWith(nil)
	require.NoError(t, env.sender.DeliverEmail(ctx, "proj", email.ID))
	stored, err = env.emails.GetByID(ctx, "proj", email.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailStatusSent, stored.Status)
	assert.Nil(t, stored.Error)
}

func TestSendJobFinalAttemptParksEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	email, err := env.sender.SendTemplate(ctx, domain.SendTemplateRequest{
		ProjectID: "proj",
		Contact:   subscribedContact("c1", "ada@example.com"),
		Subject:   "Hello",
		HTMLBody:  "<p>x</p>",
		Source:    domain.EmailSourceWorkflow,
	})
	require.NoError(t, err)

	env.mailer.FailWith(errors.New("smtp unreachable"))

	payload, merr := json.Marshal(domain.EmailSendPayload{ProjectID: "proj", EmailID: email.ID})
	require.NoError(t, merr)
	handler := env.handlers[domain.JobKindEmailSend]

	// An early attempt releases the email for retry
	err = handler.Handle(ctx, &domain.Job{Kind: domain.JobKindEmailSend, Payload: payload, Attempts: 0, MaxAttempts: 3})
	require.Error(t, err)
	stored, gerr := env.emails.GetByID(ctx, "proj", email.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.EmailStatusPending, stored.Status)

	// The last attempt parks it as failed before the job dead-letters
	err = handler.Handle(ctx, &domain.Job{Kind: domain.JobKindEmailSend, Payload: payload, Attempts: 2, MaxAttempts: 3})
	require.Error(t, err)
	stored, gerr = env.emails.GetByID(ctx, "proj", email.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.EmailStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "smtp unreachable")
}
