package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// ActivityRepository implements domain.ActivityRepository on Postgres.
// Feed pages are assembled in the service from the per-source list queries;
// this repository only serves the aggregate counts behind the cached stats
// endpoints.
type ActivityRepository struct {
	db *sql.DB
}

// NewActivityRepository creates a new ActivityRepository
func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// emailStatTotalsSQL counts each engagement stage over whatever WHERE clause
// the caller appends. Sent counts rows that reached the provider; opens and
// clicks count distinct emails, not repeat events.
const emailStatTotalsSQL = `
	SELECT
		COUNT(*) FILTER (WHERE sent_at IS NOT NULL),
		COUNT(*) FILTER (WHERE delivered_at IS NOT NULL),
		COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
		COUNT(*) FILTER (WHERE clicked_at IS NOT NULL),
		COUNT(*) FILTER (WHERE bounced_at IS NOT NULL),
		COUNT(*) FILTER (WHERE complained_at IS NOT NULL)
	FROM emails
`

// CountContactEmailStats counts the contact's emails by each engagement
// timestamp that is set
func (r *ActivityRepository) CountContactEmailStats(ctx context.Context, projectID, contactID string) (*domain.EmailStatTotals, error) {
	query := emailStatTotalsSQL + ` WHERE project_id = $1 AND contact_id = $2`
	return r.scanEmailStats(ctx, query, projectID, contactID)
}

// CountEmailStats counts emails sent inside the range by each engagement
// timestamp that is set
func (r *ActivityRepository) CountEmailStats(ctx context.Context, projectID string, from, to time.Time) (*domain.EmailStatTotals, error) {
	query := emailStatTotalsSQL + ` WHERE project_id = $1 AND created_at >= $2 AND created_at < $3`
	return r.scanEmailStats(ctx, query, projectID, from.UTC(), to.UTC())
}

func (r *ActivityRepository) scanEmailStats(ctx context.Context, query string, args ...interface{}) (*domain.EmailStatTotals, error) {
	var totals domain.EmailStatTotals
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&totals.Sent, &totals.Delivered, &totals.Opened,
		&totals.Clicked, &totals.Bounced, &totals.Complained,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count email stats: %w", err)
	}
	return &totals, nil
}

// CountEvents counts every event tracked for the contact
func (r *ActivityRepository) CountEvents(ctx context.Context, projectID, contactID string) (int, error) {
	return r.countOne(ctx, psql.
		Select("COUNT(*)").
		From("events").
		Where(sq.Eq{"project_id": projectID, "contact_id": contactID}))
}

// CountEventsInRange counts events that occurred inside the range
func (r *ActivityRepository) CountEventsInRange(ctx context.Context, projectID string, from, to time.Time) (int, error) {
	return r.countOne(ctx, psql.
		Select("COUNT(*)").
		From("events").
		Where(sq.Eq{"project_id": projectID}).
		Where(sq.GtOrEq{"occurred_at": from.UTC()}).
		Where(sq.Lt{"occurred_at": to.UTC()}))
}

// CountEmailsInRange counts emails created inside the range
func (r *ActivityRepository) CountEmailsInRange(ctx context.Context, projectID string, from, to time.Time) (int, error) {
	return r.countOne(ctx, psql.
		Select("COUNT(*)").
		From("emails").
		Where(sq.Eq{"project_id": projectID}).
		Where(sq.GtOrEq{"created_at": from.UTC()}).
		Where(sq.Lt{"created_at": to.UTC()}))
}

// CountExecutionsInRange returns executions started and completed inside the
// range
func (r *ActivityRepository) CountExecutionsInRange(ctx context.Context, projectID string, from, to time.Time) (started, completed int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE started_at >= $2 AND started_at < $3),
			COUNT(*) FILTER (WHERE completed_at >= $2 AND completed_at < $3
				AND status = 'completed')
		FROM workflow_executions
		WHERE project_id = $1
	`

	err = r.db.QueryRowContext(ctx, query, projectID, from.UTC(), to.UTC()).
		Scan(&started, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	return started, completed, nil
}

func (r *ActivityRepository) countOne(ctx context.Context, builder sq.SelectBuilder) (int, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}

	return count, nil
}
