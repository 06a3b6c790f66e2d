package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// CampaignRepository implements domain.CampaignRepository on Postgres
type CampaignRepository struct {
	db *sql.DB
}

// NewCampaignRepository creates a new CampaignRepository
func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

var campaignColumns = []string{
	"id", "project_id", "name", "template_id", "from_name", "from_email",
	"audience_type", "segment_id", "filter", "status",
	"scheduled_at", "started_at", "completed_at", "error",
	"recipient_count", "sent_count", "delivered_count", "opened_count",
	"clicked_count", "bounced_count", "failed_count", "created_at", "updated_at",
}

// Create inserts a campaign
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	now := time.Now().UTC()
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	query, args, err := psql.
		Insert("campaigns").
		Columns(campaignColumns...).
		Values(campaign.ID, campaign.ProjectID, campaign.Name, campaign.TemplateID,
			campaign.FromName, campaign.FromEmail, campaign.AudienceType,
			campaign.SegmentID, campaign.Filter, campaign.Status,
			campaign.ScheduledAt, campaign.StartedAt, campaign.CompletedAt, campaign.Error,
			campaign.RecipientCount, campaign.SentCount, campaign.DeliveredCount,
			campaign.OpenedCount, campaign.ClickedCount, campaign.BouncedCount,
			campaign.FailedCount, campaign.CreatedAt, campaign.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetByID fetches a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Campaign, error) {
	query, args, err := psql.
		Select(campaignColumns...).
		From("campaigns").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	campaign, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "campaign", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return campaign, nil
}

// Update rewrites the campaign's definition fields and the recipient count
// fixed at start. The sent and engagement counters are only touched through
// IncrementCounters.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	campaign.UpdatedAt = time.Now().UTC()

	query, args, err := psql.
		Update("campaigns").
		Set("name", campaign.Name).
		Set("template_id", campaign.TemplateID).
		Set("from_name", campaign.FromName).
		Set("from_email", campaign.FromEmail).
		Set("audience_type", campaign.AudienceType).
		Set("segment_id", campaign.SegmentID).
		Set("filter", campaign.Filter).
		Set("status", campaign.Status).
		Set("recipient_count", campaign.RecipientCount).
		Set("scheduled_at", campaign.ScheduledAt).
		Set("started_at", campaign.StartedAt).
		Set("completed_at", campaign.CompletedAt).
		Set("error", campaign.Error).
		Set("updated_at", campaign.UpdatedAt).
		Where(sq.Eq{"project_id": campaign.ProjectID, "id": campaign.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "campaign", ID: campaign.ID}
	}

	return nil
}

// List returns a project's campaigns, newest first
func (r *CampaignRepository) List(ctx context.Context, projectID string) ([]*domain.Campaign, error) {
	query, args, err := psql.
		Select(campaignColumns...).
		From("campaigns").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryCampaigns(ctx, query, args)
}

// TransitionStatus moves the campaign between statuses atomically. A false
// return means the expected current status did not match, typically because
// a cancellation won the race.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, projectID, id string, from, to domain.CampaignStatus) (bool, error) {
	now := time.Now().UTC()

	builder := psql.
		Update("campaigns").
		Set("status", to).
		Set("updated_at", now).
		Where(sq.Eq{"project_id": projectID, "id": id, "status": from})

	switch to {
	case domain.CampaignStatusSending:
		builder = builder.Set("started_at", now)
	case domain.CampaignStatusCompleted, domain.CampaignStatusCancelled, domain.CampaignStatusFailed:
		builder = builder.Set("completed_at", now)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition campaign status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// IncrementCounters adds deltas to the denormalized counters in one atomic
// update, safe under concurrent batch workers and webhook handlers
func (r *CampaignRepository) IncrementCounters(ctx context.Context, projectID, id string, deltas domain.CampaignCounterDeltas) error {
	query := `
		UPDATE campaigns
		SET sent_count = sent_count + $3,
		    delivered_count = delivered_count + $4,
		    opened_count = opened_count + $5,
		    clicked_count = clicked_count + $6,
		    bounced_count = bounced_count + $7,
		    failed_count = failed_count + $8,
		    updated_at = $9
		WHERE project_id = $1 AND id = $2
	`

	result, err := r.db.ExecContext(ctx, query, projectID, id,
		deltas.Sent, deltas.Delivered, deltas.Opened,
		deltas.Clicked, deltas.Bounced, deltas.Failed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to increment campaign counters: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "campaign", ID: id}
	}

	return nil
}

// FindDueScheduled returns scheduled campaigns whose start time has passed
func (r *CampaignRepository) FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	query, args, err := psql.
		Select(campaignColumns...).
		From("campaigns").
		Where(sq.Eq{"status": domain.CampaignStatusScheduled}).
		Where(sq.LtOrEq{"scheduled_at": now.UTC()}).
		OrderBy("scheduled_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	return r.queryCampaigns(ctx, query, args)
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args []interface{}) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return campaigns, nil
}

func scanCampaign(s scanner) (*domain.Campaign, error) {
	var campaign domain.Campaign

	err := s.Scan(
		&campaign.ID, &campaign.ProjectID, &campaign.Name, &campaign.TemplateID,
		&campaign.FromName, &campaign.FromEmail, &campaign.AudienceType,
		&campaign.SegmentID, &campaign.Filter, &campaign.Status,
		&campaign.ScheduledAt, &campaign.StartedAt, &campaign.CompletedAt, &campaign.Error,
		&campaign.RecipientCount, &campaign.SentCount, &campaign.DeliveredCount,
		&campaign.OpenedCount, &campaign.ClickedCount, &campaign.BouncedCount,
		&campaign.FailedCount, &campaign.CreatedAt, &campaign.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan campaign: %w", err)
	}

	return &campaign, nil
}
