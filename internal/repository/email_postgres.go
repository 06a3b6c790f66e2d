package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// EmailRepository implements domain.EmailRepository on Postgres
type EmailRepository struct {
	db *sql.DB
}

// NewEmailRepository creates a new EmailRepository
func NewEmailRepository(db *sql.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

var emailColumns = []string{
	"id", "project_id", "contact_id", "to_email", "from_name", "from_email",
	"subject", "html_body", "text_body", "source", "source_id", "template_id",
	"message_id", "status", "error", "sent_at", "delivered_at", "opened_at",
	"clicked_at", "bounced_at", "complained_at", "opens", "clicks",
	"created_at", "updated_at",
}

// Create inserts an email record
func (r *EmailRepository) Create(ctx context.Context, email *domain.Email) error {
	now := time.Now().UTC()
	email.CreatedAt = now
	email.UpdatedAt = now

	query, args, err := psql.
		Insert("emails").
		Columns(emailColumns...).
		Values(email.ID, email.ProjectID, email.ContactID, email.ToEmail,
			email.FromName, email.FromEmail, email.Subject, email.HTMLBody,
			email.TextBody, email.Source, email.SourceID, email.TemplateID,
			email.MessageID, email.Status, email.Error, email.SentAt,
			email.DeliveredAt, email.OpenedAt, email.ClickedAt, email.BouncedAt,
			email.ComplainedAt, email.Opens, email.Clicks,
			email.CreatedAt, email.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create email: %w", err)
	}

	return nil
}

// GetByID fetches an email by ID
func (r *EmailRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Email, error) {
	return r.getOne(ctx, sq.Eq{"project_id": projectID, "id": id}, id)
}

// GetByMessageID fetches an email by its provider message ID, used to
// correlate engagement webhooks
func (r *EmailRepository) GetByMessageID(ctx context.Context, projectID, messageID string) (*domain.Email, error) {
	return r.getOne(ctx, sq.Eq{"project_id": projectID, "message_id": messageID}, messageID)
}

func (r *EmailRepository) getOne(ctx context.Context, where sq.Eq, id string) (*domain.Email, error) {
	query, args, err := psql.
		Select(emailColumns...).
		From("emails").
		Where(where).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	email, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "email", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return email, nil
}

// ClaimSending atomically flips pending → sending. The WHERE clause is the
// idempotency guard: a redelivered send job finds the row already claimed and
// gets false back.
func (r *EmailRepository) ClaimSending(ctx context.Context, projectID, id string) (bool, error) {
	query := `
		UPDATE emails
		SET status = 'sending', updated_at = $3
		WHERE project_id = $1 AND id = $2 AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, projectID, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim email: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ReleaseToPending returns a claimed email to pending after a transient
// delivery failure. Only a sending row is released.
func (r *EmailRepository) ReleaseToPending(ctx context.Context, projectID, id string, errMsg string) error {
	query := `
		UPDATE emails
		SET status = 'pending', error = $3, updated_at = $4
		WHERE project_id = $1 AND id = $2 AND status = 'sending'
	`

	_, err := r.db.ExecContext(ctx, query, projectID, id, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to release email: %w", err)
	}

	return nil
}

// MarkSent records the provider message ID together with the sent status.
// Only the sending row that was claimed can become sent, so a redelivered
// send job cannot overwrite a later engagement status.
func (r *EmailRepository) MarkSent(ctx context.Context, projectID, id, messageID string, sentAt time.Time) error {
	query := `
		UPDATE emails
		SET status = 'sent', error = NULL, message_id = $3, sent_at = $4, updated_at = $4
		WHERE project_id = $1 AND id = $2 AND status = 'sending'
	`

	_, err := r.db.ExecContext(ctx, query, projectID, id, messageID, sentAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark email sent: %w", err)
	}

	return nil
}

// MarkFailed parks the email as terminally failed
func (r *EmailRepository) MarkFailed(ctx context.Context, projectID, id string, errMsg string) error {
	query := `
		UPDATE emails
		SET status = 'failed', error = $3, updated_at = $4
		WHERE project_id = $1 AND id = $2
		  AND status NOT IN ('delivered', 'bounced', 'failed')
	`

	_, err := r.db.ExecContext(ctx, query, projectID, id, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark email failed: %w", err)
	}

	return nil
}

// RecordEngagement applies a pipeline event to the row inside a single
// statement, so concurrent webhook replays cannot double-set a timestamp.
// The status moves are monotone; opens and clicks always increment their
// counters and set the first-seen timestamp once. Returns whether this was
// the first occurrence of the event for the email.
func (r *EmailRepository) RecordEngagement(ctx context.Context, projectID, id, eventName string, at time.Time) (bool, error) {
	at = at.UTC()
	now := time.Now().UTC()

	switch eventName {
	case domain.EventEmailDelivered:
		return r.execEngagement(ctx, `
			UPDATE emails
			SET status = 'delivered', delivered_at = $3, updated_at = $4
			WHERE project_id = $1 AND id = $2
			  AND status NOT IN ('delivered', 'bounced', 'failed')
			  AND delivered_at IS NULL
		`, projectID, id, at, now)

	case domain.EventEmailBounced:
		return r.execEngagement(ctx, `
			UPDATE emails
			SET status = 'bounced', bounced_at = $3, updated_at = $4
			WHERE project_id = $1 AND id = $2
			  AND status NOT IN ('delivered', 'bounced', 'failed')
			  AND bounced_at IS NULL
		`, projectID, id, at, now)

	case domain.EventEmailOpened:
		return r.bumpCounter(ctx, "opens", "opened_at", projectID, id, at, now)

	case domain.EventEmailClicked:
		return r.bumpCounter(ctx, "clicks", "clicked_at", projectID, id, at, now)

	case domain.EventEmailComplained:
		return r.execEngagement(ctx, `
			UPDATE emails
			SET complained_at = $3, updated_at = $4
			WHERE project_id = $1 AND id = $2 AND complained_at IS NULL
		`, projectID, id, at, now)
	}

	return false, fmt.Errorf("unsupported engagement event %q", eventName)
}

func (r *EmailRepository) execEngagement(ctx context.Context, query, projectID, id string, at, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, projectID, id, at, now)
	if err != nil {
		return false, fmt.Errorf("failed to record engagement: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// bumpCounter increments opens or clicks and sets the first-seen timestamp.
// The previous timestamp is captured in the CTE so "first" does not depend on
// counter state.
func (r *EmailRepository) bumpCounter(ctx context.Context, counter, tsColumn, projectID, id string, at, now time.Time) (bool, error) {
	query := fmt.Sprintf(`
		WITH prev AS (
			SELECT %[2]s AS seen_at FROM emails
			WHERE project_id = $1 AND id = $2
			FOR UPDATE
		)
		UPDATE emails
		SET %[1]s = %[1]s + 1,
		    %[2]s = COALESCE(%[2]s, $3),
		    updated_at = $4
		FROM prev
		WHERE project_id = $1 AND id = $2
		RETURNING prev.seen_at IS NULL
	`, counter, tsColumn)

	var first bool
	err := r.db.QueryRowContext(ctx, query, projectID, id, at, now).Scan(&first)
	if err == sql.ErrNoRows {
		return false, &domain.ErrNotFound{Entity: "email", ID: id}
	}
	if err != nil {
		return false, fmt.Errorf("failed to record engagement: %w", err)
	}

	return first, nil
}

// ListByContact returns emails for a contact created before the given time,
// newest first
func (r *EmailRepository) ListByContact(ctx context.Context, projectID, contactID string, before time.Time, limit int) ([]*domain.Email, error) {
	builder := psql.
		Select(emailColumns...).
		From("emails").
		Where(sq.Eq{"project_id": projectID, "contact_id": contactID}).
		Where(sq.Lt{"created_at": before.UTC()}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))

	return r.list(ctx, builder)
}

// ListByProject returns emails with activity inside the range, newest first.
// The lower bound compares updated_at, so an old email whose engagement
// landed inside the range is still returned.
func (r *EmailRepository) ListByProject(ctx context.Context, projectID string, from, to time.Time, limit int) ([]*domain.Email, error) {
	builder := psql.
		Select(emailColumns...).
		From("emails").
		Where(sq.Eq{"project_id": projectID}).
		Where(sq.GtOrEq{"updated_at": from.UTC()}).
		Where(sq.Lt{"created_at": to.UTC()}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))

	return r.list(ctx, builder)
}

func (r *EmailRepository) list(ctx context.Context, builder sq.SelectBuilder) ([]*domain.Email, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var emails []*domain.Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return emails, nil
}

// CountBySource returns how many emails of a source are in each status
func (r *EmailRepository) CountBySource(ctx context.Context, projectID string, source domain.EmailSource, sourceID string) (map[domain.EmailStatus]int, error) {
	query, args, err := psql.
		Select("status", "COUNT(*)").
		From("emails").
		Where(sq.Eq{"project_id": projectID, "source": source, "source_id": sourceID}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count emails: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EmailStatus]int)
	for rows.Next() {
		var status domain.EmailStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return counts, nil
}

func scanEmail(s scanner) (*domain.Email, error) {
	var email domain.Email

	err := s.Scan(
		&email.ID, &email.ProjectID, &email.ContactID, &email.ToEmail,
		&email.FromName, &email.FromEmail, &email.Subject, &email.HTMLBody,
		&email.TextBody, &email.Source, &email.SourceID, &email.TemplateID,
		&email.MessageID, &email.Status, &email.Error, &email.SentAt,
		&email.DeliveredAt, &email.OpenedAt, &email.ClickedAt, &email.BouncedAt,
		&email.ComplainedAt, &email.Opens, &email.Clicks,
		&email.CreatedAt, &email.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan email: %w", err)
	}

	return &email, nil
}
