package service

import (
	"context"
	"testing"
	"time"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackEventTriggersWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	workflow := welcomeWorkflow()
	require.NoError(t, env.workflows.Create(ctx, workflow))
	env.contacts.add(subscribedContact("c1", "ada@example.com"))

	err := env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "c1", Name: "user.signup",
	})
	require.NoError(t, err)
	env.drainJobs(ctx)

	require.Len(t, env.mailer.Sent(), 1)

	// The event itself was appended
	events, err := env.events.ListByContact(ctx, "proj", "c1", env.clock.Now().Add(1), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "user.signup", events[0].Name)
	assert.NotEmpty(t, events[0].ID, "missing event ID is generated")
}

func TestTrackEventValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.router.TrackEvent(ctx, &domain.Event{ProjectID: "proj", ContactID: "c1"})
	assert.Error(t, err, "event without a name is rejected")
}

func TestTrackEventUnknownContactStillAppends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	workflow := welcomeWorkflow()
	require.NoError(t, env.workflows.Create(ctx, workflow))

	err := env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "ghost", Name: "user.signup",
	})
	require.NoError(t, err)

	events, err := env.events.ListByContact(ctx, "proj", "ghost", env.clock.Now().Add(1), 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Empty(t, env.queue.pending(), "no execution starts for an unknown contact")
}

func TestTrackEventResumesWaitingExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	workflow := waitWorkflow(3600)
	require.NoError(t, env.workflows.Create(ctx, workflow))
	env.contacts.add(subscribedContact("c1", "ada@example.com"))

	require.NoError(t, env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "c1", Name: "cart.created",
	}))
	env.drainJobs(ctx)
	require.Empty(t, env.mailer.Sent())

	require.NoError(t, env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "c1", Name: "order.placed",
	}))
	env.drainJobs(ctx)

	sent := env.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Thanks for your order", sent[0].Subject)
}

func TestTriggerCacheServesStaleUntilInvalidated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	workflow := welcomeWorkflow()
	require.NoError(t, env.workflows.Create(ctx, workflow))
	env.contacts.add(subscribedContact("c1", "ada@example.com"))
	env.contacts.add(subscribedContact("c2", "bob@example.com"))

	// Prime the cache
	require.NoError(t, env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "c1", Name: "user.signup",
	}))
	env.drainJobs(ctx)
	require.Len(t, env.mailer.Sent(), 1)

	// Pausing without invalidation leaves the stale entry, but the fresh
	// status re-check still blocks the start
	workflow.Status = domain.WorkflowStatusPaused
	require.NoError(t, env.workflows.Update(ctx, workflow))
	require.NoError(t, env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "c2", Name: "user.signup",
	}))
	env.drainJobs(ctx)
	assert.Len(t, env.mailer.Sent(), 1)

	// Reactivate and invalidate: the next event reaches the workflow
	workflow.Status = domain.WorkflowStatusActive
	require.NoError(t, env.workflows.Update(ctx, workflow))
	env.router.InvalidateTriggerCache("proj")

	require.NoError(t, env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "c2", Name: "user.signup",
	}))
	env.drainJobs(ctx)
	assert.Len(t, env.mailer.Sent(), 2)
}

func TestEngagementEventMovesEmailFunnel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.emails.Create(ctx, &domain.Email{
		ID: "em1", ProjectID: "proj", ContactID: "c1", ToEmail: "ada@example.com",
		Subject: "Hello", Source: domain.EmailSourceCampaign, SourceID: "camp1",
		MessageID: "msg-1", Status: domain.EmailStatusSent,
	})
	env.campaigns.Create(ctx, &domain.Campaign{
		ID: "camp1", ProjectID: "proj", Name: "Launch", TemplateID: "tpl",
		Status: domain.CampaignStatusCompleted,
	})

	track := func(name string) {
		t.Helper()
		require.NoError(t, env.router.TrackEvent(ctx, &domain.Event{
			ProjectID: "proj", ContactID: "c1", Name: name,
			Properties: domain.MapOfAny{"message_id": "msg-1"},
		}))
	}

	track(domain.EventEmailDelivered)
	email, err := env.emails.GetByID(ctx, "proj", "em1")
	require.NoError(t, err)
	assert.Equal(t, domain.EmailStatusDelivered, email.Status)
	require.NotNil(t, email.DeliveredAt)

	track(domain.EventEmailOpened)
	track(domain.EventEmailClicked)

	// Opens and clicks are timestamps and counters, not statuses
	email, err = env.emails.GetByID(ctx, "proj", "em1")
	require.NoError(t, err)
	assert.Equal(t, domain.EmailStatusDelivered, email.Status)
	require.NotNil(t, email.OpenedAt)
	require.NotNil(t, email.ClickedAt)
	assert.Equal(t, 1, email.Opens)
	assert.Equal(t, 1, email.Clicks)

	// A duplicate delivered webhook changes nothing
	firstDeliveredAt := *email.DeliveredAt
	track(domain.EventEmailDelivered)
	email, err = env.emails.GetByID(ctx, "proj", "em1")
	require.NoError(t, err)
	assert.Equal(t, firstDeliveredAt, *email.DeliveredAt)

	// A repeat open bumps the counter but not the campaign aggregate
	track(domain.EventEmailOpened)
	email, err = env.emails.GetByID(ctx, "proj", "em1")
	require.NoError(t, err)
	assert.Equal(t, 2, email.Opens)

	campaign, err := env.campaigns.GetByID(ctx, "proj", "camp1")
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.DeliveredCount)
	assert.Equal(t, 1, campaign.OpenedCount)
	assert.Equal(t, 1, campaign.ClickedCount)
	assert.Equal(t, 0, campaign.BouncedCount)
}

func TestEngagementEventFoundByEmailID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.emails.Create(ctx, &domain.Email{
		ID: "em1", ProjectID: "proj", ContactID: "c1", ToEmail: "ada@example.com",
		Subject: "Hello", Source: domain.EmailSourceWorkflow, SourceID: "wf1",
		Status: domain.EmailStatusSent,
	})

	require.NoError(t, env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "c1", Name: domain.EventEmailBounced, EmailID: "em1",
	}))

	email, err := env.emails.GetByID(ctx, "proj", "em1")
	require.NoError(t, err)
	assert.Equal(t, domain.EmailStatusBounced, email.Status)
	assert.NotNil(t, email.BouncedAt)
}

func TestTrackEventWithoutContact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	workflow := welcomeWorkflow()
	require.NoError(t, env.workflows.Create(ctx, workflow))

	// System events carry no contact: the event is stored, nothing is
	// triggered or resumed
	require.NoError(t, env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", Name: "user.signup",
	}))
	assert.Empty(t, env.queue.pending())

	events, err := env.events.ListByProject(ctx, "proj",
		env.clock.Now().Add(-time.Hour), env.clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].ContactID)
}

func TestEngagementEventWithoutMessageIDIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.router.TrackEvent(ctx, &domain.Event{
		ProjectID: "proj", ContactID: "c1", Name: domain.EventEmailOpened,
	})
	require.NoError(t, err)
}
